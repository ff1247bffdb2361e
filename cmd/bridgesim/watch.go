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
	"golang.org/x/term"

	"bridgesim/internal/logging"
	"bridgesim/internal/sim"
)

var (
	watchSchemaPath string
	watchLogFile    string
	watchSeed       int64
	watchTick       time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <scenario|file>",
	Short: "Run a scenario in real time inside a terminal UI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("watch needs a terminal; use run instead")
		}
		cfg, err := loadScenario(cmd, args[0], watchSchemaPath, watchSeed)
		if err != nil {
			return err
		}
		interval, err := tickInterval(watchTick)
		if err != nil {
			return err
		}

		// Quitting the TUI raises SIGINT, which ends ctx.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Logs would tear the alternate screen.
		ctx = logging.NewContext(ctx, logging.Discard())

		tui := sim.NewTUIWriter(&cfg)
		defer tui.Close()
		writers := []sim.EventWriter{tui}
		if watchLogFile != "" {
			fw, err := sim.NewFileWriter(watchLogFile, "")
			if err != nil {
				return err
			}
			defer fw.Close()
			writers = append(writers, fw)
		}

		r, err := sim.NewRunner(cfg, sim.WithWriter(sim.NewMultiWriter(writers...)))
		if err != nil {
			return err
		}

		done := make(chan struct{})
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				tui.SetStatus(r.Status())
				select {
				case <-t.C:
				case <-done:
					tui.SetStatus(r.Status())
					return
				}
			}
		}()

		err = r.Run(ctx, interval)
		close(done)
		<-ctx.Done()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSchemaPath, "schema", "", "Path to a CUE schema overriding the built-in one")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "Path to export the event log (JSONL)")
	watchCmd.Flags().Int64Var(&watchSeed, "seed", 0, "Override the scenario seed")
	watchCmd.Flags().DurationVar(&watchTick, "tick", 250*time.Millisecond, "Wall-clock time per simulated tick")
}
