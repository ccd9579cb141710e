package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/tickertrail/pkg/record"
)

// RetryReport summarizes a Retry call.
type RetryReport struct {
	Subject     string `json:"subject"`
	Failed      int    `json:"failed"`
	Resubmitted int    `json:"resubmitted"`
	Enriched    int    `json:"enriched"`
	StillFailed int    `json:"still_failed"`
	Pending     int    `json:"pending"`
}

// Retry resets every failed record of subject to unprocessed, resubmits it
// and waits up to Config.RetryTimeout for the results.
//
// On timeout the report and an error wrapping ErrRetryTimeout are returned;
// the pending records keep running.
func (c *Coordinator) Retry(ctx context.Context, subject string) (RetryReport, error) {
	report := RetryReport{Subject: subject}
	if c.isClosed() {
		return report, ErrClosed
	}

	failed, err := c.store.ListByState(ctx, subject, record.StateFailed)
	if err != nil {
		return report, fmt.Errorf("list failed records: %w", err)
	}
	report.Failed = len(failed)

	var submitted []*task
	var keys []string
	for _, rec := range failed {
		// Hold the key from the reset until the task is queued.
		t := c.recordTask(rec)
		if err := c.registerWait(ctx, t); err != nil {
			return report, err
		}
		if _, err := c.store.Transition(ctx, rec.NaturalKey, record.StateFailed, record.StateUnprocessed, record.Result{}); err != nil {
			c.finish(t)
			if errors.Is(err, record.ErrStateConflict) {
				continue
			}
			return report, fmt.Errorf("reset %s: %w", rec.NaturalKey, err)
		}

		claimed, err := c.claim(ctx, t, rec.NaturalKey, true)
		if err != nil {
			return report, err
		}
		if claimed != nil {
			submitted = append(submitted, claimed)
			keys = append(keys, rec.NaturalKey)
		}
	}
	report.Resubmitted = len(submitted)

	c.logger.Info().
		Str("subject", subject).
		Int("failed", report.Failed).
		Int("resubmitted", report.Resubmitted).
		Msg("Retrying failed records")

	timer := time.NewTimer(c.cfg.RetryTimeout)
	defer timer.Stop()

	var waitErr error
wait:
	for _, t := range submitted {
		select {
		case <-t.done:
		case <-timer.C:
			waitErr = ErrRetryTimeout
			break wait
		case <-ctx.Done():
			waitErr = ctx.Err()
			break wait
		}
	}

	for _, key := range keys {
		rec, err := c.store.Get(ctx, key)
		if err != nil {
			report.Pending++
			continue
		}
		switch rec.State {
		case record.StateEnriched:
			report.Enriched++
		case record.StateFailed:
			report.StillFailed++
		default:
			report.Pending++
		}
	}

	if waitErr != nil {
		if errors.Is(waitErr, ErrRetryTimeout) {
			return report, fmt.Errorf("%w: %d of %d records pending after %s",
				ErrRetryTimeout, report.Pending, report.Resubmitted, c.cfg.RetryTimeout)
		}
		return report, waitErr
	}
	return report, nil
}
