package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bridgesim/internal/logging"
	"bridgesim/internal/outcome"
	"bridgesim/internal/scenario"
	"bridgesim/internal/sim"
)

var checkCmd = &cobra.Command{
	Use:   "check [scenario...]",
	Short: "Run built-in scenarios and compare them with their expected outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = scenario.Names()
		}
		log := logging.FromContext(cmd.Context())
		t := newTable(cmd.OutOrStdout(), "Scenario", "Result", "Ticks", "Mismatches")
		failed := 0
		for _, name := range names {
			sc, ok := scenario.Get(name)
			if !ok {
				return fmt.Errorf("unknown scenario %q", name)
			}
			ticks, msgs := checkScenario(cmd, sc)
			verdict := "ok"
			if len(msgs) > 0 {
				verdict = "FAIL"
				failed++
				log.Warn("scenario mismatch", "scenario", name, "mismatches", len(msgs))
			}
			t.Append([]string{name, verdict, ticks, strings.Join(msgs, "; ")})
		}
		t.Render()
		if failed > 0 {
			return fmt.Errorf("%d of %d scenario(s) did not match", failed, len(names))
		}
		return nil
	},
}

// checkScenario runs sc without sinks and returns the tick count and every
// deviation from its expectations.
func checkScenario(cmd *cobra.Command, sc scenario.Scenario) (string, []string) {
	r, err := sim.NewRunner(sc.Config)
	if err != nil {
		return "-", sc.Expect.Check(outcome.CodeOf(err), nil, 0, nil)
	}
	res, err := r.RunToCompletion(cmd.Context(), 0)
	if err != nil {
		return itoa(int(res.Ticks)), []string{err.Error()}
	}
	states := make(map[string]string, len(res.Outcomes))
	for _, o := range res.Outcomes {
		states[o.Kind+"/"+o.ID] = o.State
	}
	var codes []string
	for _, v := range res.Violations {
		codes = append(codes, v.Code)
	}
	return itoa(int(res.Ticks)), sc.Expect.Check("", states, len(res.Vulnerabilities()), codes)
}
