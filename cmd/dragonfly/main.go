// Dragonfly is the scanning worker: it claims jobs from the dragonfly server,
// scans the job's distributions and reports the results.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/client"
	"github.com/dragonfly-scan/dragonfly/config"
	"github.com/dragonfly-scan/dragonfly/internal/log"
	"github.com/dragonfly-scan/dragonfly/internal/tracing"
	"github.com/dragonfly-scan/dragonfly/scanner"
	"github.com/dragonfly-scan/dragonfly/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "dragonfly",
		Short: "Scan package distributions for malware",
		Long: `Dragonfly claims scan jobs from the dragonfly server, scans every
distribution of the job against the server's ruleset and reports a verdict.

Configuration is read from .dragonfly.{yaml,toml,json} in the working or home
directory, the file named by --config, and DRAGONFLY_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dragonfly %s\n", dragonfly.Version)
		},
	})
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := log.New(os.Stderr, cfg.LogFormat, lvl)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.With(ctx, "version", dragonfly.Version)

	if cfg.MetricsAddr != "" {
		srv := metricsServer(ctx, cfg.MetricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	shutdown, err := tracing.Bootstrap(ctx, cfg.TraceEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.WarnContext(ctx, "unable to flush traces", "reason", err)
		}
	}()

	c, err := client.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to start session: %w", err)
	}
	w := worker.New(c, &scanner.Scanner{MaxBytes: cfg.MaxScanBytes},
		worker.WithThreads(cfg.Threads),
		worker.WithWait(cfg.WaitDuration),
	)
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.InfoContext(ctx, "shutting down")
		return nil
	}
	return err
}

func metricsServer(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "metrics server error", "reason", err)
		}
	}()
	return srv
}
