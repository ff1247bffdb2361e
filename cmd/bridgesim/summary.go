package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"bridgesim/internal/sim"
)

// printSummary renders the outcome, bridge, finding and violation tables of
// a scenario result.
func printSummary(w io.Writer, res sim.Result) {
	state := "complete"
	switch {
	case res.Aborted:
		state = "aborted"
	case !res.Complete:
		state = "incomplete"
	}
	fmt.Fprintf(w, "Scenario %s (run %s, seed %d): %s after %d ticks, %.0fs simulated\n\n",
		res.Scenario, res.RunID, res.Seed, state, res.Ticks, res.Metrics.ElapsedSeconds)

	outcomes := newTable(w, "Kind", "ID", "Bridge", "State", "Code", "Submitted", "Ended", "Latency (s)")
	for _, o := range res.Outcomes {
		ended, latency := "", ""
		if o.EndedAt > 0 {
			ended = strconv.FormatInt(o.EndedAt, 10)
		}
		if o.LatencySeconds > 0 {
			latency = strconv.FormatFloat(o.LatencySeconds, 'f', 0, 64)
		}
		st := o.State
		if o.Interrupted {
			st += " (interrupted)"
		}
		outcomes.Append([]string{o.Kind, o.ID, o.Bridge, st, o.Code, strconv.FormatInt(o.SubmittedAt, 10), ended, latency})
	}
	outcomes.Render()
	fmt.Fprintln(w)

	bridges := newTable(w, "Bridge", "Done", "Failed", "Reverted", "Rejected", "Retries", "Halts", "Recoveries", "p50", "p95", "max")
	for _, b := range res.Metrics.Bridges {
		bridges.Append([]string{
			b.Bridge, itoa(b.Completed), itoa(b.Failed), itoa(b.Reverted), itoa(b.Rejected),
			itoa(b.Retries), itoa(b.Halts), itoa(b.Recoveries),
			seconds(b.Latency.P50), seconds(b.Latency.P95), seconds(b.Latency.Max),
		})
	}
	bridges.Render()

	if len(res.Metrics.Swaps.ByStatus) > 0 {
		fmt.Fprintln(w)
		statuses := make([]string, 0, len(res.Metrics.Swaps.ByStatus))
		for s := range res.Metrics.Swaps.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		swaps := newTable(w, "Swap status", "Count")
		for _, s := range statuses {
			swaps.Append([]string{s, itoa(res.Metrics.Swaps.ByStatus[s])})
		}
		swaps.Render()
	}

	if len(res.Findings) > 0 {
		fmt.Fprintln(w)
		findings := newTable(w, "Tick", "Probe", "Target", "Check", "Result", "Code")
		for _, f := range res.Findings {
			verdict := "defended"
			switch {
			case f.Skipped:
				verdict = "skipped"
			case f.Vulnerability():
				verdict = "VULNERABLE"
			}
			findings.Append([]string{strconv.FormatInt(f.Tick, 10), string(f.Kind), f.Target, f.Check, verdict, f.Code})
		}
		findings.Render()
	}

	if len(res.Violations) > 0 {
		fmt.Fprintln(w)
		violations := newTable(w, "Tick", "Class", "Code", "Detail")
		for _, v := range res.Violations {
			violations.Append([]string{strconv.FormatInt(v.Tick, 10), string(v.Class), v.Code, v.Detail})
		}
		violations.Render()
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	return t
}

func itoa(n int) string { return strconv.Itoa(n) }

func seconds(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 0, 64)
}
