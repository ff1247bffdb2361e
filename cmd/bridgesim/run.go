package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bridgesim/internal/config"
	"bridgesim/internal/logging"
	"bridgesim/internal/scenario"
	"bridgesim/internal/sim"
)

var (
	runSchemaPath  string
	runEvents      string
	runPrintOnly   bool
	runLogFile     string
	runOut         string
	runSeed        int64
	runMaxTicks    int64
	runFailOnVuln  bool
	runSkipSummary bool
)

var runCmd = &cobra.Command{
	Use:   "run <scenario|file>",
	Short: "Run a scenario to completion",
	Long: "run executes a built-in scenario or a scenario file as fast as possible, streams its events " +
		"and prints a summary of every transfer, swap, probe and violation.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadScenario(cmd, args[0], runSchemaPath, runSeed)
		if err != nil {
			return err
		}

		writer, cleanup, err := newWriters(&cfg, runEvents, runPrintOnly, runLogFile)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, runErr := runScenario(ctx, cfg, writer, runMaxTicks)
		if res == nil {
			return runErr
		}
		if !runSkipSummary {
			printSummary(cmd.ErrOrStderr(), *res)
		}
		if runOut != "" {
			if err := writeResult(runOut, cmd.OutOrStdout(), *res); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		if n := len(res.Vulnerabilities()); runFailOnVuln && n > 0 {
			return fmt.Errorf("%d probe(s) got through", n)
		}
		return nil
	},
}

// loadScenario resolves a scenario name or path. A seed flag overrides the
// configured seed.
func loadScenario(cmd *cobra.Command, nameOrPath, schemaPath string, seed int64) (config.SimulationConfig, error) {
	cfg, err := scenario.Resolve(nameOrPath, schemaPath)
	if err != nil {
		return config.SimulationConfig{}, err
	}
	if f := cmd.Flags().Lookup("seed"); f != nil && f.Changed {
		cfg.Seed = seed
	}
	return cfg, nil
}

// runScenario runs cfg to completion. The result is nil when the scenario
// could not start.
func runScenario(ctx context.Context, cfg config.SimulationConfig, writer sim.EventWriter, maxTicks int64) (*sim.Result, error) {
	log := logging.FromContext(ctx)
	var opts []sim.Option
	if writer != nil {
		opts = append(opts, sim.WithWriter(writer))
	}
	r, err := sim.NewRunner(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", cfg.Name, err)
	}
	log.Info("running scenario", "scenario", cfg.Name, "run_id", r.RunID(), "seed", cfg.Seed)
	res, err := r.RunToCompletion(ctx, maxTicks)
	switch {
	case err == nil:
	case errors.Is(err, sim.ErrTickLimit):
		log.Warn("scenario did not settle", "scenario", cfg.Name, "ticks", res.Ticks)
	case sim.IsAborted(err):
		log.Warn("scenario aborted", "scenario", cfg.Name, "tick", res.Ticks)
	default:
		log.Error("scenario failed", "scenario", cfg.Name, "err", err)
	}
	return &res, err
}

// writeResult stores res as indented JSON. "-" writes to stdout.
func writeResult(path string, stdout io.Writer, res sim.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func init() {
	runCmd.Flags().StringVar(&runSchemaPath, "schema", "", "Path to a CUE schema overriding the built-in one")
	runCmd.Flags().StringVar(&runEvents, "events", sinkAuto, "Console event sink (auto, json, color, none)")
	runCmd.Flags().BoolVar(&runPrintOnly, "print-only", false, "Do not write to GreptimeDB even when GREPTIMEDB_ENDPOINT is set")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Path to export the event log (JSONL); blocks go to <path>.blocks")
	runCmd.Flags().StringVar(&runOut, "out", "", "Write the JSON result to this path (- for stdout)")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Override the scenario seed")
	runCmd.Flags().Int64Var(&runMaxTicks, "max-ticks", 0, "Override max_ticks")
	runCmd.Flags().BoolVar(&runFailOnVuln, "fail-on-vulnerability", false, "Exit non-zero when an adversarial probe succeeds")
	runCmd.Flags().BoolVar(&runSkipSummary, "no-summary", false, "Do not print the summary tables")
}
