package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultDatabase   = "fetchpipe"
	recordsCollection = "fetch_records"
)

// DB represents a MongoDB connection owning the fetch-records collection.
type DB struct {
	client *mongo.Client
	config *Config
}

// Config holds MongoDB connection configuration
type Config struct {
	URL            string        // Connection string (MONGODB_URL)
	Database       string        // Database name
	ConnectTimeout time.Duration // Timeout for the initial connect + ping
	MaxPoolSize    uint64        // Maximum number of pooled connections
}

// GetConfig returns the original connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Client returns the underlying Mongo client.
func (d *DB) Client() *mongo.Client {
	return d.client
}

// New creates a new MongoDB connection, verifies it with a ping, and
// ensures the indexes the repository queries rely on.
func New(ctx context.Context, config *Config) (*DB, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Set defaults for optional fields
	if config.Database == "" {
		config.Database = defaultDatabase
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 50
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(config.URL).
		SetMaxPoolSize(config.MaxPoolSize)

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := &DB{client: client, config: config}

	if err := db.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return db, nil
}

// InitFromEnv creates a MongoDB connection using environment variables
func InitFromEnv(ctx context.Context) (*DB, error) {
	url := os.Getenv("MONGODB_URL")
	if url == "" {
		url = "mongodb://localhost:27017"
	}

	return New(ctx, &Config{
		URL:      url,
		Database: os.Getenv("MONGODB_DATABASE"),
	})
}

// Close disconnects from MongoDB.
func (d *DB) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Health verifies the connection is alive.
func (d *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *DB) records() *mongo.Collection {
	return d.client.Database(d.config.Database).Collection(recordsCollection)
}

// ensureIndexes creates the indexes the repository's dedup and sweep
// queries depend on. The redirect_chain index is multi-key.
func (d *DB) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}},
		{Keys: bson.D{{Key: "url", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "http_status", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "fetched_at", Value: -1}}},
		{Keys: bson.D{{Key: "redirect_chain", Value: 1}}},
	}

	names, err := d.records().Indexes().CreateMany(ctx, models)
	if err != nil {
		return err
	}

	log.Debug().Strs("indexes", names).Msg("Ensured fetch_records indexes")
	return nil
}
