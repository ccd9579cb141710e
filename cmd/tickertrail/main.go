// Command tickertrail tracks the posts of social media subjects, classifies
// them and follows the prices of the identifiers they mention.
//
// Usage:
//
//	tickertrail serve --config tickertrail.yaml
//	tickertrail lookup alice --wait
//	tickertrail backfill alice
//	tickertrail retry alice
//	tickertrail stats alice
//
// Every setting can be overridden with a TICKERTRAIL_* environment variable,
// e.g. TICKERTRAIL_SERVER_ADDRESS=:9090.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/tickertrail/internal/config"
	"github.com/Sternrassler/tickertrail/pkg/logging"
)

// cli carries the state shared by every subcommand.
type cli struct {
	cfgPath string
	cfg     *config.Config
	logger  zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "tickertrail",
		Short:        "Track, classify and price the posts of a subject",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(c.cfgPath)
			if err != nil {
				return err
			}
			cfg.Log.Output = cmd.ErrOrStderr()
			c.cfg = cfg
			logging.Setup(cfg.Log)
			c.logger = logging.NewLogger("cli")
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "", "config file (YAML or JSON); defaults and environment apply without one")

	root.AddCommand(
		c.serveCmd(),
		c.lookupCmd(),
		c.backfillCmd(),
		c.retryCmd(),
		c.statsCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
