package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
	"github.com/fetchpipe/fetchpipe/internal/util"
)

// Submission statuses.
const (
	OutcomeQueued  = "queued"
	OutcomeSkipped = "skipped"
)

// SubmitOutcome reports what happened to one submitted URL.
type SubmitOutcome struct {
	URL             string     `json:"url"`
	Status          string     `json:"status"`
	RecordID        string     `json:"record_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

// Submit processes a batch of URLs. Each URL is handled independently;
// one bad URL never fails the batch.
func (c *ControlPlane) Submit(ctx context.Context, rawURLs []string) []SubmitOutcome {
	outcomes := make([]SubmitOutcome, 0, len(rawURLs))
	for _, raw := range rawURLs {
		outcomes = append(outcomes, c.submitOne(ctx, raw))
	}
	return outcomes
}

// submitOne runs the dedup decision for a single URL and queues a scrape
// request when nothing recent covers it.
func (c *ControlPlane) submitOne(ctx context.Context, rawURL string) SubmitOutcome {
	if err := util.ValidateURL(rawURL); err != nil {
		return SubmitOutcome{
			URL:    rawURL,
			Status: OutcomeSkipped,
			Reason: fmt.Sprintf("Invalid URL: %v", err),
		}
	}

	canonical := util.Canonical(rawURL)

	// Fast path: a URL queued moments ago is skipped without touching
	// the store. Covers duplicate entries within one batch and rapid
	// resubmissions.
	if id, ok := c.seen.Get(queuedKey(canonical)); ok {
		return SubmitOutcome{
			URL:      canonical,
			Status:   OutcomeSkipped,
			RecordID: id.(string),
			Reason:   fmt.Sprintf("Already queued (status=%s)", fetch.StatusPending),
		}
	}

	recent, err := c.repo.GetRecentByURL(ctx, canonical, c.cfg.ScrapeInterval)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("url", canonical).Msg("Dedup lookup failed")
		return SubmitOutcome{
			URL:    canonical,
			Status: OutcomeSkipped,
			Reason: fmt.Sprintf("Processing error: %v", err),
		}
	}
	if recent != nil {
		return c.skipForRecent(canonical, recent)
	}

	return c.queueScrape(ctx, canonical)
}

// skipForRecent explains why an existing record covers the submission.
func (c *ControlPlane) skipForRecent(canonical string, recent *fetch.Record) SubmitOutcome {
	out := SubmitOutcome{
		URL:      canonical,
		Status:   OutcomeSkipped,
		RecordID: recent.ID.Hex(),
	}

	switch recent.Status {
	case fetch.StatusSuccess:
		if util.Equivalent(recent.URL, canonical) {
			out.Reason = fmt.Sprintf("Successfully scraped within %d minutes",
				int(c.cfg.ScrapeInterval.Minutes()))
			if recent.FetchedAt != nil {
				next := recent.FetchedAt.Add(c.cfg.ScrapeInterval)
				out.NextAvailableAt = &next
			}
		} else {
			// Matched through the redirect chain of another submission.
			out.Reason = "Already scraped via redirect"
		}
	case fetch.StatusPending, fetch.StatusProcessing:
		out.Reason = fmt.Sprintf("Already queued (status=%s)", recent.Status)
	default:
		out.Reason = fmt.Sprintf("Recent request exists with status: %s", recent.Status)
	}

	return out
}

// queueScrape creates the PENDING record and publishes the scrape
// request. A record whose publish fails stays PENDING and is mopped up
// by the stale sweep.
func (c *ControlPlane) queueScrape(ctx context.Context, canonical string) SubmitOutcome {
	rec, err := c.repo.Create(ctx, &fetch.Record{
		URL:           canonical,
		Status:        fetch.StatusPending,
		RedirectChain: []string{},
	})
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("url", canonical).Msg("Failed to create fetch record")
		return SubmitOutcome{
			URL:    canonical,
			Status: OutcomeSkipped,
			Reason: fmt.Sprintf("Processing error: %v", err),
		}
	}

	req := fetch.Request{
		ID:       rec.ID.Hex(),
		URL:      canonical,
		Priority: 1,
	}
	if err := c.bus.Publish(ctx, fetch.QueueRequests, req); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("url", canonical).Str("record_id", req.ID).
			Msg("Failed to publish scrape request")
		return SubmitOutcome{
			URL:      canonical,
			Status:   OutcomeSkipped,
			RecordID: req.ID,
			Reason:   fmt.Sprintf("Processing error: %v", err),
		}
	}

	c.seen.Set(queuedKey(canonical), req.ID, submitCacheTTL)

	log.Info().Str("url", canonical).Str("record_id", req.ID).Msg("Queued scrape request")

	return SubmitOutcome{
		URL:      canonical,
		Status:   OutcomeQueued,
		RecordID: req.ID,
	}
}

func queuedKey(canonical string) string {
	return "queued:" + canonical
}
