package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/tickertrail/internal/server"
	"github.com/Sternrassler/tickertrail/pkg/logging"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Address = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}

// serve runs the API until ctx is done, then drains the server and the
// pipeline within the shutdown timeout.
func (c *cli) serve(ctx context.Context) error {
	logStartup(c.logger, c.cfg)

	rt, err := build(ctx, c.cfg)
	if err != nil {
		return err
	}

	srv := server.New(rt.tracker, c.cfg.Server, logging.NewLogger("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if cerr := rt.Close(); cerr != nil {
		c.logger.Error().Err(cerr).Msg("Failed to close tracker")
		if err == nil {
			err = cerr
		}
	}
	if err == nil {
		c.logger.Info().Msg("Shutdown complete")
	}
	return err
}
