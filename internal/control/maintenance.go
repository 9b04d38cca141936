package control

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
)

// sweepInterval paces the stale sweep. Short relative to the stale
// timeout so stuck records are failed soon after they qualify.
const sweepInterval = 5 * time.Minute

// staleMessage is the terminal error recorded for a swept record.
const staleMessage = "Request timed out - no response from scraper"

// runStaleSweep fails stuck records on a fixed interval until ctx is
// cancelled.
func (c *ControlPlane) runStaleSweep(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := c.SweepStalePending(ctx)
			if err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Stale sweep failed")
				continue
			}
			if swept > 0 {
				log.Info().Int("swept", swept).Msg("Stale records failed by sweep")
			}
		}
	}
}

// SweepStalePending marks records stuck in PENDING or PROCESSING beyond
// the stale timeout as FAILED. Returns how many records were swept.
func (c *ControlPlane) SweepStalePending(ctx context.Context) (int, error) {
	stale, err := c.repo.FindStalePending(ctx, c.cfg.StaleRequestTimeout)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, rec := range stale {
		status := fetch.StatusFailed
		message := staleMessage
		update := db.RecordUpdate{
			Status:           &status,
			ErrorMessage:     &message,
			ClearContent:     true,
			ClearContentType: true,
			ClearContentHash: true,
			ClearFetchedAt:   true,
		}

		if _, err := c.repo.Update(ctx, rec.ID.Hex(), update); err != nil {
			log.Error().Err(err).Str("record_id", rec.ID.Hex()).Msg("Failed to sweep stale record")
			continue
		}

		log.Warn().
			Str("record_id", rec.ID.Hex()).
			Str("url", rec.URL).
			Str("was_status", string(rec.Status)).
			Time("last_update", rec.UpdatedAt).
			Msg("Stale record marked failed")
		swept++
	}

	return swept, nil
}

// RepairInconsistencies fixes records violating the terminal-state
// invariants and returns how many were repaired.
func (c *ControlPlane) RepairInconsistencies(ctx context.Context) (int64, error) {
	fixed, err := c.repo.FixInconsistencies(ctx)
	if err != nil {
		return 0, err
	}

	if fixed > 0 {
		log.Info().Int64("fixed", fixed).Msg("Repaired inconsistent records")
	}
	return fixed, nil
}
