// Cross-exchange latency arbitrage engine for okx/binance perpetual swaps.
//
// The system runs as three cooperating processes sharing one Redis:
//
//	arb fetch — mirrors both venues' depth-5 books into Redis and emits an
//	            aggregated tick whenever either side moves
//	arb order — the trading core: thresholds, signal generation, the
//	            maker-taker order loop, and position alignment
//	arb api   — a small read-only HTTP surface (balances, positions)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/engine"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		env       string
		configDir string
	)

	root := &cobra.Command{
		Use:           "arb",
		Short:         "cross-exchange arbitrage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&env, "env", "e", "dev", "config environment (configs/{env}.json)")
	root.PersistentFlags().StringVar(&configDir, "config-dir", "configs", "config directory")

	run := func(f func(*engine.Engine, context.Context) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configDir, env)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := newLogger(cfg, cmd.Name())
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- f(eng, ctx) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			logger.Info("shutdown signal received")

			select {
			case err := <-errCh:
				return err
			case <-time.After(shutdownGrace):
				logger.Error("shutdown grace period elapsed, exiting")
				return nil
			}
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "fetch",
			Short: "stream venue order books into redis",
			RunE:  run((*engine.Engine).RunFetch),
		},
		&cobra.Command{
			Use:   "order",
			Short: "run the trading core",
			RunE:  run((*engine.Engine).RunOrder),
		},
		&cobra.Command{
			Use:   "api",
			Short: "serve the balance http api",
			RunE:  run((*engine.Engine).RunAPI),
		},
	)

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger per config: debug level and text
// format for development, json to a per-process file when a log dir is set.
func newLogger(cfg *config.Config, process string) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	out := os.Stdout
	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Log.Dir, process+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}
