package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mtingers/semabroker/internal/config"
	"github.com/mtingers/semabroker/internal/metrics"
	"github.com/mtingers/semabroker/internal/semaphore"
	"github.com/mtingers/semabroker/internal/server"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "semabroker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "semabroker",
		Short:         "semabroker is a network broker for named binary semaphores with FIFO queues",
		SilenceErrors: true,
		Example: `
  # Listen on all interfaces with Prometheus metrics
  semabroker --host 0.0.0.0 --metrics-listen :9090

  # Same, from the environment
  SEMABROKER_HOST=0.0.0.0 SEMABROKER_METRICS_LISTEN=:9090 semabroker

  # Load (and hot-reload) a YAML config
  semabroker config gen --out ./semabroker.yaml && semabroker -c ./semabroker.yaml
`,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			if err := config.ReadFile(v); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return run(cmd.Context(), v, cfg, cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.AddCommand(newVersionCommand(), newConfigCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the semabroker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func setLevel(level *slog.LevelVar, debug bool) {
	if debug {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// reloader applies the settings that may change while running: the log
// level and the idle eviction policy.
func reloader(level *slog.LevelVar, reg *semaphore.Registry, log *slog.Logger) func(*config.Config, fsnotify.Event) {
	return func(next *config.Config, e fsnotify.Event) {
		setLevel(level, next.Debug)
		reg.SetIdlePolicy(next.GCInterval, next.GCMaxIdle)
		log.Info("config reloaded", "path", e.Name, "debug", next.Debug,
			"gc_interval", next.GCInterval, "gc_max_idle", next.GCMaxIdle)
	}
}

// run serves the broker, and the metrics endpoint when configured, until ctx
// is cancelled or either fails.
func run(ctx context.Context, v *viper.Viper, cfg *config.Config, logOut io.Writer) error {
	level := new(slog.LevelVar)
	setLevel(level, cfg.Debug)
	log := newLogger(logOut, cfg.LogFormat, level)

	m := metrics.New()
	reg := semaphore.NewRegistry(cfg, log, m)
	srv := server.New(reg, cfg, log, m)

	log.Info("starting semabroker", "version", version, "pid", os.Getpid(), "addr", cfg.Addr())
	if cfg.ConfigFile != "" {
		log.Info("loaded config file", "path", cfg.ConfigFile)
		config.Watch(v, reloader(level, reg, log), func(err error) {
			log.Warn("config reload rejected", "err", err)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsListen, metrics.NewMux(m, func() any { return srv.Stats() }), log)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "err", err)
		return err
	}
	log.Info("stopped")
	return nil
}
