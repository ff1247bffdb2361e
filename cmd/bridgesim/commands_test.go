package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"bridgesim/internal/metrics"
	"bridgesim/internal/sim"
)

// execute runs the root command with flags reset to their defaults and
// returns what it wrote to stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("GREPTIMEDB_ENDPOINT", "")
	t.Setenv("TICK_INTERVAL", "")
	reset := func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset(rootCmd)
	for _, c := range rootCmd.Commands() {
		reset(c)
	}
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunWritesResult(t *testing.T) {
	out := filepath.Join(t.TempDir(), "result.json")
	_, summary, err := execute(t, "run", "lock-and-mint", "--events", "none", "--out", out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(summary, "lock-and-mint") || !strings.Contains(summary, "complete") {
		t.Fatalf("summary missing scenario state:\n%s", summary)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var res sim.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Complete {
		t.Fatalf("expected complete result")
	}
	if o, ok := res.Outcome(sim.OutcomeTransfer, "t1"); !ok || o.State != "complete" {
		t.Fatalf("unexpected t1 outcome %+v", o)
	}
}

func TestRunSeedOverride(t *testing.T) {
	stdout, _, err := execute(t, "run", "lock-and-mint", "--events", "none", "--no-summary", "--seed", "99", "--out", "-")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res sim.Result
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Seed != 99 {
		t.Fatalf("seed = %d, want 99", res.Seed)
	}
}

func TestRunFailOnVulnerability(t *testing.T) {
	_, _, err := execute(t, "run", "unprotected-bridge", "--events", "none", "--no-summary", "--fail-on-vulnerability")
	if err == nil || !strings.Contains(err.Error(), "probe") {
		t.Fatalf("expected vulnerability error, got %v", err)
	}
	if _, _, err := execute(t, "run", "adversarial-defended", "--events", "none", "--no-summary", "--fail-on-vulnerability"); err != nil {
		t.Fatalf("defended scenario failed: %v", err)
	}
}

func TestRunRejectsBadScenario(t *testing.T) {
	if _, _, err := execute(t, "run", "no-such-scenario"); err == nil {
		t.Fatalf("expected unknown scenario error")
	}
	_, _, err := execute(t, "run", "equal-timeout-swap", "--events", "none")
	if err == nil || !strings.Contains(err.Error(), "equal-timeout-swap") {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestListShowsCatalog(t *testing.T) {
	stdout, _, err := execute(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, name := range []string{"lock-and-mint", "mixed-traffic", "reorg-beyond-finality"} {
		if !strings.Contains(stdout, name) {
			t.Errorf("list output missing %s", name)
		}
	}
}

func TestCheckBuiltIns(t *testing.T) {
	stdout, _, err := execute(t, "check", "lock-and-mint", "atomic-swap", "equal-timeout-swap")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, stdout)
	}
	if strings.Contains(stdout, "FAIL") {
		t.Fatalf("unexpected mismatch:\n%s", stdout)
	}
	if _, _, err := execute(t, "check", "no-such-scenario"); err == nil {
		t.Fatalf("expected unknown scenario error")
	}
}

func TestReplayRebuild(t *testing.T) {
	log := filepath.Join(t.TempDir(), "events.log")
	if _, _, err := execute(t, "run", "optimistic-challenge", "--events", "none", "--no-summary", "--log-file", log); err != nil {
		t.Fatalf("run: %v", err)
	}
	stdout, _, err := execute(t, "replay", "--input", log, "--rebuild")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal([]byte(stdout), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.Complete {
		t.Fatalf("rebuilt snapshot should be complete")
	}
	b, ok := snap.Bridge("ab")
	if !ok || b.Reverted != 1 || b.Completed != 1 {
		t.Fatalf("unexpected bridge metrics %+v", b)
	}
}

func TestDashboardCommand(t *testing.T) {
	t.Setenv("GREPTIMEDB_DATASOURCE_UID", "grafana-uid")
	dir := t.TempDir()
	if _, _, err := execute(t, "dashboard", "--out", dir, "--table", "runs"); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "bridgesim-dashboard.json"))
	if err != nil {
		t.Fatalf("read dashboard: %v", err)
	}
	if !strings.Contains(string(b), "FROM runs") {
		t.Fatalf("table flag not applied")
	}
}
