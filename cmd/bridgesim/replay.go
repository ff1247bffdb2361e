package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"bridgesim/internal/config"
	"bridgesim/internal/sim"
)

var (
	replayInput       string
	replaySpeed       float64
	replayPrintOnly   bool
	replayEvents      string
	replayRebuild     bool
	replayTickSeconds float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded event log",
	Long: "replay feeds event rows from a log file back into GreptimeDB or STDOUT, or with --rebuild " +
		"re-aggregates the log into the metrics report of the run that produced it.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayRebuild {
			f, err := os.Open(replayInput)
			if err != nil {
				return err
			}
			defer f.Close()
			snap, err := sim.Rebuild(f, replayTickSeconds)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		writer, cleanup, err := newWriters(nil, replayEvents, replayPrintOnly, "")
		if err != nil {
			return err
		}
		defer cleanup()
		if writer == nil {
			return nil
		}
		return sim.ReplayLogFile(replayInput, writer, replaySpeed)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to an event log file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier (0 for no delay)")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print rows to STDOUT instead of writing to DB")
	replayCmd.Flags().StringVar(&replayEvents, "events", sinkJSON, "Console event sink (json, color, none)")
	replayCmd.Flags().BoolVar(&replayRebuild, "rebuild", false, "Print the metrics rebuilt from the log instead of replaying it")
	replayCmd.Flags().Float64Var(&replayTickSeconds, "tick-seconds", config.DefaultTickSeconds, "Simulated seconds per tick of the recorded run")
	replayCmd.MarkFlagRequired("input")
}
