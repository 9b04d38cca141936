package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
)

// handleStarted marks a record PROCESSING when a worker picks it up.
// Safe to mark the message seen before processing: a lost update here is
// always corrected by the Result or Failure message that follows.
func (c *ControlPlane) handleStarted(ctx context.Context, body []byte, messageID string) error {
	var msg fetch.Started
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("malformed started message: %w", err)
	}
	if msg.ID == "" {
		return fmt.Errorf("started message missing record id")
	}

	if messageID != "" && c.seen.Seen("started:"+messageID, seenTTL) {
		log.Debug().Str("message_id", messageID).Msg("Dropping duplicate started message")
		return nil
	}

	rec, err := c.repo.FindByID(ctx, msg.ID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrInvalidID) {
		log.Warn().Str("record_id", msg.ID).Msg("Started message for unknown record, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load record for started message: %w", err)
	}

	// A terminal record means the outcome already landed; a late or
	// redelivered start must not reopen it.
	if rec.Status.Terminal() {
		log.Debug().
			Str("record_id", msg.ID).
			Str("status", string(rec.Status)).
			Msg("Ignoring start for terminal record")
		return nil
	}

	status := fetch.StatusProcessing
	update := db.RecordUpdate{
		Status:            &status,
		LastScrapedAt:     &msg.StartedAt,
		ClearErrorMessage: true,
	}
	if msg.UserAgent != "" {
		update.UserAgent = &msg.UserAgent
	}

	if _, err := c.repo.Update(ctx, msg.ID, update); err != nil {
		return fmt.Errorf("failed to mark record processing: %w", err)
	}

	log.Debug().Str("record_id", msg.ID).Str("url", msg.URL).Msg("Record marked processing")
	return nil
}

// handleResult applies a successful attempt to the record. The message
// is marked seen only after the write lands, so a failed write gets a
// second chance on redelivery.
func (c *ControlPlane) handleResult(ctx context.Context, body []byte, messageID string) error {
	var msg fetch.Result
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("malformed result message: %w", err)
	}
	if msg.ID == "" {
		return fmt.Errorf("result message missing record id")
	}

	key := "result:" + messageID
	if messageID != "" {
		if _, dup := c.seen.Get(key); dup {
			log.Debug().Str("message_id", messageID).Msg("Dropping duplicate result message")
			return nil
		}
	}

	if !msg.Success {
		// Workers report failures on the failures queue; a non-success
		// result is routed through the same retry decision.
		log.Warn().Str("record_id", msg.ID).Msg("Non-success message on results queue")
		return c.handleFailure(ctx, body, messageID)
	}

	chain := msg.RedirectChain
	if chain == nil {
		chain = []string{}
	}

	status := fetch.StatusSuccess
	update := db.RecordUpdate{
		Status:            &status,
		Content:           &msg.Content,
		ContentType:       &msg.ContentType,
		HTTPStatus:        &msg.HTTPStatus,
		RedirectChain:     &chain,
		ContentHash:       &msg.ContentHash,
		ContentLength:     &msg.ContentLength,
		ResponseTime:      &msg.ResponseTime,
		FetchedAt:         &msg.FetchedAt,
		LastScrapedAt:     &msg.FetchedAt,
		ClearErrorMessage: true,
	}
	if msg.FinalURL != "" {
		update.FinalURL = &msg.FinalURL
	}
	if msg.UserAgent != "" {
		update.UserAgent = &msg.UserAgent
	}

	_, err := c.repo.Update(ctx, msg.ID, update)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrInvalidID) {
		log.Warn().Str("record_id", msg.ID).Msg("Result message for unknown record, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply scrape result: %w", err)
	}

	if messageID != "" {
		c.seen.Set(key, struct{}{}, seenTTL)
	}

	log.Info().
		Str("record_id", msg.ID).
		Str("url", msg.URL).
		Int("http_status", msg.HTTPStatus).
		Int64("content_length", msg.ContentLength).
		Msg("Record marked success")
	return nil
}

// handleFailure applies the retry decision for a failed attempt. The
// worker only classifies; whether to retry is decided here.
func (c *ControlPlane) handleFailure(ctx context.Context, body []byte, messageID string) error {
	var msg fetch.Failure
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("malformed failure message: %w", err)
	}
	if msg.ID == "" {
		return fmt.Errorf("failure message missing record id")
	}

	key := "failure:" + messageID
	if messageID != "" {
		if _, dup := c.seen.Get(key); dup {
			log.Debug().Str("message_id", messageID).Msg("Dropping duplicate failure message")
			return nil
		}
	}

	rec, err := c.repo.FindByID(ctx, msg.ID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrInvalidID) {
		log.Warn().Str("record_id", msg.ID).Msg("Failure message for unknown record, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load record for failure message: %w", err)
	}

	if rec.Status.Terminal() {
		log.Debug().
			Str("record_id", msg.ID).
			Str("status", string(rec.Status)).
			Msg("Ignoring failure for terminal record")
		return nil
	}

	if err := c.decideFailure(ctx, rec, msg); err != nil {
		return err
	}

	if messageID != "" {
		c.seen.Set(key, struct{}{}, seenTTL)
	}
	return nil
}

// decideFailure either requeues the record for another attempt or marks
// it terminally FAILED.
func (c *ControlPlane) decideFailure(ctx context.Context, rec *fetch.Record, msg fetch.Failure) error {
	if msg.Retryable && rec.RetryCount < c.cfg.MaxRetries {
		return c.requeue(ctx, rec, msg)
	}

	var terminal string
	if !msg.Retryable {
		terminal = fmt.Sprintf("Error is not retryable: %s", msg.ErrorMessage)
	} else {
		terminal = fmt.Sprintf("Maximum retries (%d) exceeded: %s", c.cfg.MaxRetries, msg.ErrorMessage)
	}

	status := fetch.StatusFailed
	update := db.RecordUpdate{
		Status:           &status,
		ErrorMessage:     &terminal,
		ClearContent:     true,
		ClearContentType: true,
		ClearContentHash: true,
		ClearFetchedAt:   true,
	}
	if msg.HTTPStatus > 0 {
		update.HTTPStatus = &msg.HTTPStatus
	}
	if msg.UserAgent != "" {
		update.UserAgent = &msg.UserAgent
	}

	if _, err := c.repo.Update(ctx, rec.ID.Hex(), update); err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}

	log.Info().
		Str("record_id", rec.ID.Hex()).
		Str("url", rec.URL).
		Str("error", terminal).
		Int("retry_count", rec.RetryCount).
		Msg("Record marked failed")
	return nil
}

// requeue bumps the retry count, records the breadcrumb, and publishes
// the next attempt at retry priority.
func (c *ControlPlane) requeue(ctx context.Context, rec *fetch.Record, msg fetch.Failure) error {
	next := rec.RetryCount + 1
	breadcrumb := fmt.Sprintf("Retry %d/%d: %s", next, c.cfg.MaxRetries, msg.ErrorMessage)

	status := fetch.StatusPending
	update := db.RecordUpdate{
		Status:           &status,
		RetryCount:       &next,
		ErrorMessage:     &breadcrumb,
		ClearContent:     true,
		ClearContentType: true,
		ClearContentHash: true,
		ClearFetchedAt:   true,
	}
	if msg.HTTPStatus > 0 {
		update.HTTPStatus = &msg.HTTPStatus
	}

	if _, err := c.repo.Update(ctx, rec.ID.Hex(), update); err != nil {
		return fmt.Errorf("failed to requeue record: %w", err)
	}

	req := fetch.Request{
		ID:         rec.ID.Hex(),
		URL:        rec.URL,
		RetryCount: next,
		Priority:   2,
	}
	if err := c.bus.Publish(ctx, fetch.QueueRequests, req); err != nil {
		// Record stays PENDING with its breadcrumb; the stale sweep
		// fails it if the broker never comes back.
		return fmt.Errorf("failed to publish retry request: %w", err)
	}

	log.Info().
		Str("record_id", rec.ID.Hex()).
		Str("url", rec.URL).
		Int("retry", next).
		Int("max_retries", c.cfg.MaxRetries).
		Msg("Requeued failed scrape for retry")
	return nil
}
