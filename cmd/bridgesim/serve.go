package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bridgesim/internal/admin"
	"bridgesim/internal/logging"
	"bridgesim/internal/metrics"
	"bridgesim/internal/sim"
)

var (
	serveSchemaPath string
	serveEvents     string
	servePrintOnly  bool
	serveLogFile    string
	serveSeed       int64
	serveTick       time.Duration
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve <scenario|file>",
	Short: "Run a scenario in real time behind the admin HTTP server",
	Long: "serve paces a scenario against the wall clock and exposes its status, result and Prometheus " +
		"metrics over HTTP. The server keeps running after the scenario settles until interrupted.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadScenario(cmd, args[0], serveSchemaPath, serveSeed)
		if err != nil {
			return err
		}
		interval, err := tickInterval(serveTick)
		if err != nil {
			return err
		}

		writer, cleanup, err := newWriters(&cfg, serveEvents, servePrintOnly, serveLogFile)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		log := logging.FromContext(ctx)

		prom := metrics.NewPromObserver()
		opts := []sim.Option{sim.WithObserver(prom)}
		if writer != nil {
			opts = append(opts, sim.WithWriter(writer))
		}
		r, err := sim.NewRunner(cfg, opts...)
		if err != nil {
			return err
		}

		srv := admin.NewServer(r, prom.Registry())
		srvErr := make(chan error, 1)
		go func() {
			err := srv.Start(ctx, serveAddr)
			if err != nil {
				log.Error("admin server failed", "err", err)
				cancel()
			}
			srvErr <- err
		}()

		if err := r.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("scenario stopped", "err", err)
		}
		if ctx.Err() == nil {
			log.Info("scenario settled; serving until interrupted", "addr", serveAddr)
			<-ctx.Done()
		}
		cancel()
		return <-srvErr
	},
}

// tickInterval applies the TICK_INTERVAL environment override.
func tickInterval(flag time.Duration) (time.Duration, error) {
	d := flag
	if env := os.Getenv("TICK_INTERVAL"); env != "" {
		var err error
		if d, err = time.ParseDuration(env); err != nil {
			return 0, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("tick interval must be positive, got %s", d)
	}
	return d, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveSchemaPath, "schema", "", "Path to a CUE schema overriding the built-in one")
	serveCmd.Flags().StringVar(&serveEvents, "events", sinkNone, "Console event sink (auto, json, color, none)")
	serveCmd.Flags().BoolVar(&servePrintOnly, "print-only", false, "Do not write to GreptimeDB even when GREPTIMEDB_ENDPOINT is set")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Path to export the event log (JSONL)")
	serveCmd.Flags().Int64Var(&serveSeed, "seed", 0, "Override the scenario seed")
	serveCmd.Flags().DurationVar(&serveTick, "tick", time.Second, "Wall-clock time per simulated tick (e.g. 500ms, 2s)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Admin server listen address")
}
