package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tOgg1/elastic/internal/elasticd"
	"github.com/tOgg1/elastic/internal/logging"
)

var serveMetricsListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveMetricsListen, "metrics-listen", "", "override metrics.listen")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scaling daemon",
	Long: `Run elasticd in the foreground.

The daemon takes scaling directives from NATS, applies VM inventory updates
and exports Prometheus metrics until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if serveMetricsListen != "" {
			cfg.Metrics.Listen = serveMetricsListen
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		daemon, err := elasticd.New(ctx, cfg, logging.Component("elasticd"), elasticd.Options{})
		if err != nil {
			return err
		}
		defer daemon.Close()

		return daemon.Run(ctx)
	},
}
