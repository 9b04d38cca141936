// Package scraper is the stateless worker plane: it consumes scrape
// requests, renders each URL in a headless browser, and reports the
// outcome back over the queue. It never touches the database and never
// decides retries.
package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fetchpipe/fetchpipe/internal/classify"
	"github.com/fetchpipe/fetchpipe/internal/config"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
	"github.com/fetchpipe/fetchpipe/internal/observability"
	"github.com/fetchpipe/fetchpipe/internal/queue"
)

// Worker runs fetch attempts against a shared browser and publishes
// every outcome. One Worker serves all concurrent consumer channels.
type Worker struct {
	browser Browser
	bus     queue.Bus
	cfg     *config.App
}

// NewWorker wires a worker to its browser and bus.
func NewWorker(browser Browser, bus queue.Bus, cfg *config.App) *Worker {
	return &Worker{browser: browser, bus: bus, cfg: cfg}
}

// Start opens one prefetch=1 consumer channel per configured concurrent
// scraper and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	n := w.cfg.ConcurrentScrapers
	if n < 1 {
		n = 1
	}

	log.Info().Int("concurrency", n).Msg("Starting scrape workers")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		tag := fmt.Sprintf("scraper-%d", i+1)
		g.Go(func() error {
			return w.bus.Consume(gctx, fetch.QueueRequests, tag, w.handleRequest)
		})
	}

	return g.Wait()
}

// handleRequest processes one scrape request delivery. A returned error
// rejects the delivery without requeue; the stale-pending sweep covers
// the record it leaves behind.
func (w *Worker) handleRequest(ctx context.Context, body []byte, messageID string) error {
	var req fetch.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("malformed scrape request: %w", err)
	}
	if req.ID == "" || req.URL == "" {
		return fmt.Errorf("scrape request missing id or url")
	}

	log.Info().
		Str("record_id", req.ID).
		Str("url", req.URL).
		Int("retry_count", req.RetryCount).
		Str("message_id", messageID).
		Msg("Processing scrape request")

	return w.Scrape(ctx, req)
}

// Scrape performs one attempt end to end. The outcome, success or
// classified failure, always goes out as exactly one message; the
// returned error is non-nil only when that publish could not happen.
func (w *Worker) Scrape(ctx context.Context, req fetch.Request) error {
	ctx, span := observability.StartScrapeSpan(ctx, observability.ScrapeSpanInfo{
		RecordID:   req.ID,
		URL:        req.URL,
		RetryCount: req.RetryCount,
	})
	defer span.End()
	attemptStart := time.Now()

	started := fetch.Started{
		ID:        req.ID,
		URL:       req.URL,
		StartedAt: time.Now().UTC(),
		UserAgent: w.browser.UserAgent(),
	}
	if err := w.bus.Publish(ctx, fetch.QueueStarted, started); err != nil {
		return fmt.Errorf("failed to announce attempt start: %w", err)
	}

	result, failure := w.attempt(ctx, req)
	outcome := "success"
	if failure != nil {
		outcome = "failure"
	}
	observability.RecordScrape(ctx, observability.ScrapeMetrics{
		Outcome:  outcome,
		Duration: time.Since(attemptStart),
	})

	if failure != nil {
		log.Warn().
			Str("record_id", req.ID).
			Str("url", req.URL).
			Str("error", failure.ErrorMessage).
			Bool("retryable", failure.Retryable).
			Int("http_status", failure.HTTPStatus).
			Msg("Scrape attempt failed")

		if err := w.bus.Publish(ctx, fetch.QueueFailures, failure); err != nil {
			return fmt.Errorf("failed to publish scrape failure: %w", err)
		}
		return nil
	}

	log.Info().
		Str("record_id", req.ID).
		Str("url", req.URL).
		Int("http_status", result.HTTPStatus).
		Int64("content_length", result.ContentLength).
		Int64("response_time_ms", result.ResponseTime).
		Msg("Scrape attempt succeeded")

	if err := w.bus.Publish(ctx, fetch.QueueResults, result); err != nil {
		return fmt.Errorf("failed to publish scrape result: %w", err)
	}
	return nil
}

// attempt drives the browser for one request. Exactly one of the return
// values is non-nil.
func (w *Worker) attempt(ctx context.Context, req fetch.Request) (*fetch.Result, *fetch.Failure) {
	start := time.Now()
	ua := w.browser.UserAgent()

	page, err := w.browser.NewPage(ctx)
	if err != nil {
		sentry.CaptureException(err)
		return nil, w.failureFromError(req, err, ua)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("url", req.URL).Msg("Failed to close page")
		}
	}()

	resp, err := page.Navigate(ctx, req.URL)
	if err != nil {
		return nil, w.failureFromError(req, err, ua)
	}
	if resp == nil {
		return nil, w.failureFromMessage(req, "No response received from page", ua)
	}

	if w.cfg.DynamicWait > 0 {
		select {
		case <-time.After(w.cfg.DynamicWait):
		case <-ctx.Done():
			return nil, w.failureFromError(req, ctx.Err(), ua)
		}
	}

	if resp.Status >= 400 {
		c := classify.HTTPStatus(resp.Status)
		return nil, &fetch.Failure{
			ID:           req.ID,
			URL:          req.URL,
			ErrorMessage: fmt.Sprintf("HTTP %d: %s", resp.Status, c.Reason),
			Retryable:    c.Retryable,
			HTTPStatus:   resp.Status,
			RetryCount:   req.RetryCount,
			UserAgent:    ua,
		}
	}

	content, err := page.Content(ctx)
	if err != nil {
		return nil, w.failureFromError(req, err, ua)
	}

	hash := sha256.Sum256([]byte(content))

	return &fetch.Result{
		ID:            req.ID,
		URL:           req.URL,
		Success:       true,
		Content:       content,
		ContentType:   resp.ContentType,
		HTTPStatus:    resp.Status,
		FinalURL:      resp.FinalURL,
		RedirectChain: resp.RedirectChain,
		ContentHash:   hex.EncodeToString(hash[:]),
		ContentLength: int64(len(content)),
		ResponseTime:  time.Since(start).Milliseconds(),
		UserAgent:     ua,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

func (w *Worker) failureFromError(req fetch.Request, err error, ua string) *fetch.Failure {
	c := classify.Error(err.Error(), "")

	// The classifier's reason phrase is the reported message; the raw
	// error only survives for the unknown bucket, where the phrase would
	// hide everything useful.
	msg := c.Reason
	if msg == "" || msg == "Unknown error" {
		msg = err.Error()
	}

	log.Debug().
		Str("record_id", req.ID).
		Str("url", req.URL).
		Str("raw_error", err.Error()).
		Str("classified", msg).
		Msg("Classified navigation error")

	return &fetch.Failure{
		ID:           req.ID,
		URL:          req.URL,
		ErrorMessage: msg,
		Retryable:    c.Retryable,
		HTTPStatus:   c.Status,
		RetryCount:   req.RetryCount,
		UserAgent:    ua,
	}
}

func (w *Worker) failureFromMessage(req fetch.Request, message, ua string) *fetch.Failure {
	c := classify.Error(message, "")
	return &fetch.Failure{
		ID:           req.ID,
		URL:          req.URL,
		ErrorMessage: message,
		Retryable:    c.Retryable,
		HTTPStatus:   c.Status,
		RetryCount:   req.RetryCount,
		UserAgent:    ua,
	}
}
