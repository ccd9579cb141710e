package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/tickertrail/pkg/aggregate"
	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/tracker"
)

// withTracker builds the pipeline for a one-shot command and closes it after fn.
func (c *cli) withTracker(ctx context.Context, timeout time.Duration, fn func(context.Context, *tracker.Tracker) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rt, err := build(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx, rt.tracker)
}

func (c *cli) lookupCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lookup <subject>",
		Short: "Fetch the newest posts of a subject and enrich them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withTracker(cmd.Context(), timeout, func(ctx context.Context, tr *tracker.Tracker) error {
				res, err := tr.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if wait {
					if res.Backfill != nil {
						job, err := tr.WaitBackfill(ctx, res.Subject)
						if err != nil {
							return fmt.Errorf("wait for backfill: %w", err)
						}
						res.Backfill = &job
					}
					if err := tr.WaitIdle(ctx); err != nil {
						return fmt.Errorf("wait for enrichment: %w", err)
					}
					if res.Records, err = tr.Records(ctx, res.Subject); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the backfill and enrichment before printing")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

func (c *cli) backfillCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "backfill <subject>",
		Short: "Walk the post history of a subject back to the retention window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withTracker(cmd.Context(), timeout, func(ctx context.Context, tr *tracker.Tracker) error {
				job, err := tr.StartBackfill(ctx, args[0])
				if err != nil {
					return err
				}
				if job, err = tr.WaitBackfill(ctx, job.Subject); err != nil {
					return fmt.Errorf("wait for backfill: %w", err)
				}
				if err := tr.WaitIdle(ctx); err != nil {
					return fmt.Errorf("wait for enrichment: %w", err)
				}
				if err := printJSON(cmd.OutOrStdout(), job); err != nil {
					return err
				}
				if job.Status == backfill.StatusError {
					return fmt.Errorf("backfill of %s failed: %s", job.Subject, job.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "give up after this long")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <subject>",
		Short: "Resubmit the failed records of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withTracker(cmd.Context(), 0, func(ctx context.Context, tr *tracker.Tracker) error {
				report, err := tr.Retry(ctx, args[0])
				if err != nil && !errors.Is(err, enrich.ErrRetryTimeout) {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	return cmd
}

type statsOutput struct {
	Identifiers []aggregate.IdentifierStat `json:"identifiers"`
	Summary     aggregate.Summary          `json:"summary"`
}

func (c *cli) statsCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stats <subject>",
		Short: "Print the identifier stats and call summary of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withTracker(cmd.Context(), timeout, func(ctx context.Context, tr *tracker.Tracker) error {
				// The first pass starts price lookups; the second reads them.
				if _, err := tr.IdentifierStats(ctx, args[0]); err != nil {
					return err
				}
				if err := tr.WaitIdle(ctx); err != nil {
					return fmt.Errorf("wait for prices: %w", err)
				}

				var out statsOutput
				var err error
				if out.Identifiers, err = tr.IdentifierStats(ctx, args[0]); err != nil {
					return err
				}
				if out.Summary, err = tr.Summary(ctx, args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}
