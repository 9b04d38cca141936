// Package control is the stateful plane of the pipeline. It owns every
// database write after submission: it accepts URL batches, consumes the
// worker's progress and outcome queues, decides retries, sweeps stale
// records, and repairs consistency violations. Workers stay stateless.
package control

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fetchpipe/fetchpipe/internal/cache"
	"github.com/fetchpipe/fetchpipe/internal/config"
	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
	"github.com/fetchpipe/fetchpipe/internal/queue"
)

// seenTTL bounds the message-id dedup cache. Longer than the broker's
// message TTL so a redelivered duplicate can never outlive its entry.
const seenTTL = 2 * time.Hour

// submitCacheTTL is the fast-path window during which a just-queued URL
// is skipped without a database lookup.
const submitCacheTTL = 30 * time.Second

// ControlPlane coordinates the store and the bus.
type ControlPlane struct {
	repo db.Repository
	bus  queue.Bus
	cfg  *config.App
	seen *cache.TTLCache
}

// New wires a control plane.
func New(repo db.Repository, bus queue.Bus, cfg *config.App) *ControlPlane {
	return &ControlPlane{
		repo: repo,
		bus:  bus,
		cfg:  cfg,
		seen: cache.NewTTLCache(),
	}
}

// Start runs the three queue consumers and the stale sweep until ctx is
// cancelled.
func (c *ControlPlane) Start(ctx context.Context) error {
	log.Info().
		Int("max_retries", c.cfg.MaxRetries).
		Dur("scrape_interval", c.cfg.ScrapeInterval).
		Dur("stale_timeout", c.cfg.StaleRequestTimeout).
		Msg("Starting control plane")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.bus.Consume(gctx, fetch.QueueStarted, "control-started", c.handleStarted)
	})
	g.Go(func() error {
		return c.bus.Consume(gctx, fetch.QueueResults, "control-results", c.handleResult)
	})
	g.Go(func() error {
		return c.bus.Consume(gctx, fetch.QueueFailures, "control-failures", c.handleFailure)
	})
	g.Go(func() error {
		return c.runStaleSweep(gctx)
	})

	return g.Wait()
}
