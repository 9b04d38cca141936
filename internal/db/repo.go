package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fetchpipe/fetchpipe/internal/fetch"
	"github.com/fetchpipe/fetchpipe/internal/util"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidID is returned when an id is not a 24-hex-char ObjectID.
	ErrInvalidID = errors.New("invalid record id")
)

// Repository is the persistence surface the control plane and the HTTP
// facade consume. The worker plane never touches it.
type Repository interface {
	Create(ctx context.Context, rec *fetch.Record) (*fetch.Record, error)
	FindByID(ctx context.Context, id string) (*fetch.Record, error)
	FindByURL(ctx context.Context, rawURL string) (*fetch.Record, error)
	FindLatestSuccessByURL(ctx context.Context, rawURL string) (*fetch.Record, error)
	FindAll(ctx context.Context, filter RecordFilter, limit, offset int64) ([]fetch.Record, error)
	Update(ctx context.Context, id string, update RecordUpdate) (*fetch.Record, error)
	GetRecentByURL(ctx context.Context, rawURL string, window time.Duration) (*fetch.Record, error)
	FindStalePending(ctx context.Context, timeout time.Duration) ([]fetch.Record, error)
	GetHistory(ctx context.Context, rawURL string) ([]fetch.Record, error)
	FixInconsistencies(ctx context.Context) (int64, error)
}

// RecordFilter narrows FindAll.
type RecordFilter struct {
	Status fetch.Status
	URL    string
}

// RecordUpdate is a partial update. Nil pointer fields are untouched;
// Clear* flags unset the corresponding stored field, which is the single
// "absent" sentinel the repository enforces.
type RecordUpdate struct {
	Status        *fetch.Status
	Content       *string
	ContentType   *string
	HTTPStatus    *int
	ErrorMessage  *string
	FinalURL      *string
	RedirectChain *[]string
	ContentHash   *string
	ContentLength *int64
	ResponseTime  *int64
	UserAgent     *string
	RetryCount    *int
	FetchedAt     *time.Time
	LastScrapedAt *time.Time

	ClearContent      bool
	ClearContentType  bool
	ClearContentHash  bool
	ClearErrorMessage bool
	ClearFetchedAt    bool
}

// MongoRepository is the MongoDB implementation of Repository.
type MongoRepository struct {
	db *DB
}

// NewRepository creates a MongoRepository over an established connection.
func NewRepository(db *DB) *MongoRepository {
	return &MongoRepository{db: db}
}

// Create inserts a new record with server-generated id and timestamps.
func (r *MongoRepository) Create(ctx context.Context, rec *fetch.Record) (*fetch.Record, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.RedirectChain == nil {
		rec.RedirectChain = []string{}
	}

	res, err := r.db.records().InsertOne(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = oid
	}

	return rec, nil
}

// FindByID looks a record up by its hex ObjectID.
func (r *MongoRepository) FindByID(ctx context.Context, id string) (*fetch.Record, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}

	var rec fetch.Record
	err = r.db.records().FindOne(ctx, bson.M{"_id": oid}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record %s: %w", id, err)
	}

	return &rec, nil
}

// FindByURL returns the newest record whose stored URL matches any
// spelling variant of rawURL.
func (r *MongoRepository) FindByURL(ctx context.Context, rawURL string) (*fetch.Record, error) {
	var rec fetch.Record
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	err := r.db.records().FindOne(ctx, urlVariantFilter(rawURL), opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record by url: %w", err)
	}

	return &rec, nil
}

// FindLatestSuccessByURL returns the most recently fetched successful
// record for any spelling variant of rawURL.
func (r *MongoRepository) FindLatestSuccessByURL(ctx context.Context, rawURL string) (*fetch.Record, error) {
	filter := urlVariantFilter(rawURL)
	filter["status"] = fetch.StatusSuccess

	var rec fetch.Record
	opts := options.FindOne().SetSort(bson.D{{Key: "fetched_at", Value: -1}})

	err := r.db.records().FindOne(ctx, filter, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest success by url: %w", err)
	}

	return &rec, nil
}

// FindAll lists records newest-first with optional status/url filtering.
func (r *MongoRepository) FindAll(ctx context.Context, filter RecordFilter, limit, offset int64) ([]fetch.Record, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.URL != "" {
		query["url"] = bson.M{"$in": util.Variants(filter.URL)}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)

	cursor, err := r.db.records().Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := []fetch.Record{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	return records, nil
}

// Update applies a partial update and returns the record after it.
func (r *MongoRepository) Update(ctx context.Context, id string, update RecordUpdate) (*fetch.Record, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}

	var rec fetch.Record
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	err = r.db.records().FindOneAndUpdate(ctx, bson.M{"_id": oid}, buildUpdateDoc(update), opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", id, err)
	}

	return &rec, nil
}

// GetRecentByURL implements the dedup lookup: a direct SUCCESS within
// the window, a direct active (pending/processing) record created within
// the window, or a SUCCESS whose redirect chain contains the URL.
func (r *MongoRepository) GetRecentByURL(ctx context.Context, rawURL string, window time.Duration) (*fetch.Record, error) {
	var rec fetch.Record
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})

	filter := recentFilter(util.Variants(rawURL), time.Now().UTC(), window)
	err := r.db.records().FindOne(ctx, filter, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recent record by url: %w", err)
	}

	return &rec, nil
}

// FindStalePending returns active records that have not moved within the
// timeout, for the stale sweep. Staleness is judged on updated_at, not
// created_at: retries reuse the record, so an old record that moved
// recently is not stale.
func (r *MongoRepository) FindStalePending(ctx context.Context, timeout time.Duration) ([]fetch.Record, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	filter := bson.M{
		"status":     bson.M{"$in": []fetch.Status{fetch.StatusPending, fetch.StatusProcessing}},
		"updated_at": bson.M{"$lt": cutoff},
	}

	cursor, err := r.db.records().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale pending records: %w", err)
	}

	records := []fetch.Record{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode stale pending records: %w", err)
	}

	return records, nil
}

// GetHistory returns all records for a URL, most recently fetched first.
func (r *MongoRepository) GetHistory(ctx context.Context, rawURL string) ([]fetch.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fetched_at", Value: -1}, {Key: "created_at", Value: -1}})

	cursor, err := r.db.records().Find(ctx, urlVariantFilter(rawURL), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find record history: %w", err)
	}

	records := []fetch.Record{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode record history: %w", err)
	}

	return records, nil
}

// FixInconsistencies repairs records violating the terminal-state
// invariants: SUCCESS must not carry an error message, FAILED must not
// carry content fields. The authoritative status is preserved.
func (r *MongoRepository) FixInconsistencies(ctx context.Context) (int64, error) {
	var fixed int64

	res, err := r.db.records().UpdateMany(ctx,
		bson.M{"status": fetch.StatusSuccess, "error_message": bson.M{"$exists": true}},
		bson.M{
			"$unset": bson.M{"error_message": ""},
			"$set":   bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return fixed, fmt.Errorf("failed to repair success records: %w", err)
	}
	fixed += res.ModifiedCount

	res, err = r.db.records().UpdateMany(ctx,
		bson.M{
			"status": fetch.StatusFailed,
			"$or": []bson.M{
				{"content": bson.M{"$exists": true}},
				{"content_type": bson.M{"$exists": true}},
				{"content_hash": bson.M{"$exists": true}},
			},
		},
		bson.M{
			"$unset": bson.M{"content": "", "content_type": "", "content_hash": ""},
			"$set":   bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return fixed, fmt.Errorf("failed to repair failed records: %w", err)
	}
	fixed += res.ModifiedCount

	return fixed, nil
}

// urlVariantFilter matches any stored spelling of a URL, tolerating rows
// written before canonicalisation.
func urlVariantFilter(rawURL string) bson.M {
	return bson.M{"url": bson.M{"$in": util.Variants(rawURL)}}
}

// recentFilter builds the dedup disjunction for GetRecentByURL.
func recentFilter(variants []string, now time.Time, window time.Duration) bson.M {
	since := now.Add(-window)

	return bson.M{
		"$or": []bson.M{
			{
				"url":        bson.M{"$in": variants},
				"status":     fetch.StatusSuccess,
				"fetched_at": bson.M{"$gte": since},
			},
			{
				"url":        bson.M{"$in": variants},
				"status":     bson.M{"$in": []fetch.Status{fetch.StatusPending, fetch.StatusProcessing}},
				"created_at": bson.M{"$gte": since},
			},
			{
				"redirect_chain": bson.M{"$in": variants},
				"status":         fetch.StatusSuccess,
				"fetched_at":     bson.M{"$gte": since},
			},
		},
	}
}

// buildUpdateDoc translates a RecordUpdate into a $set/$unset document.
// updated_at is always bumped.
func buildUpdateDoc(u RecordUpdate) bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}

	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.Content != nil {
		set["content"] = *u.Content
	}
	if u.ContentType != nil {
		set["content_type"] = *u.ContentType
	}
	if u.HTTPStatus != nil {
		set["http_status"] = *u.HTTPStatus
	}
	if u.ErrorMessage != nil {
		set["error_message"] = *u.ErrorMessage
	}
	if u.FinalURL != nil {
		set["final_url"] = *u.FinalURL
	}
	if u.RedirectChain != nil {
		set["redirect_chain"] = *u.RedirectChain
	}
	if u.ContentHash != nil {
		set["content_hash"] = *u.ContentHash
	}
	if u.ContentLength != nil {
		set["content_length"] = *u.ContentLength
	}
	if u.ResponseTime != nil {
		set["response_time"] = *u.ResponseTime
	}
	if u.UserAgent != nil {
		set["user_agent"] = *u.UserAgent
	}
	if u.RetryCount != nil {
		set["retry_count"] = *u.RetryCount
	}
	if u.FetchedAt != nil {
		set["fetched_at"] = *u.FetchedAt
	}
	if u.LastScrapedAt != nil {
		set["last_scraped_at"] = *u.LastScrapedAt
	}

	if u.ClearContent {
		delete(set, "content")
		unset["content"] = ""
	}
	if u.ClearContentType {
		delete(set, "content_type")
		unset["content_type"] = ""
	}
	if u.ClearContentHash {
		delete(set, "content_hash")
		unset["content_hash"] = ""
	}
	if u.ClearErrorMessage {
		delete(set, "error_message")
		unset["error_message"] = ""
	}
	if u.ClearFetchedAt {
		delete(set, "fetched_at")
		unset["fetched_at"] = ""
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	return doc
}
