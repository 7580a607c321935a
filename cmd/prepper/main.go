package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/config"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/telemetry"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "prepper",
	Short: "Fetch, curate, index and serve offline survival knowledge",
	Long: `prepper builds and serves offline content modules.

A module is a curated content store plus a search index. Modules are
downloaded from a manifest in resumable chunks, verified, placed on the
available storage devices and searched together.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error

		cfg, err = config.LoadConfig()
		if err != nil {
			return err
		}

		logger := slog.New(logctx.NewTraceHandler(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
		))
		slog.SetDefault(logger)

		cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(curateCmd)
	rootCmd.AddCommand(buildIndexCmd)
	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(devicesCmd)
}

func setupTelemetry(ctx context.Context) (*telemetry.Telemetry, error) {
	return telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
}

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"
