package sim

import (
	"bridgesim/internal/bridge"
	"bridgesim/internal/chain"
	"bridgesim/internal/failure"
	"bridgesim/internal/metrics"
	"bridgesim/internal/outcome"
	"bridgesim/internal/swap"
)

// Outcome kinds.
const (
	OutcomeTransfer  = "transfer"
	OutcomeSwap      = "swap"
	OutcomeChallenge = "challenge"
)

// Outcome states that are not component states.
const (
	StateScheduled = "scheduled"
	StateRejected  = "rejected"
	StateApplied   = "applied"
	StateSkipped   = "skipped"
	StatePending   = "pending"
)

// Outcome is the result of one submitted intent.
type Outcome struct {
	Kind           string        `json:"kind"`
	ID             string        `json:"id"`
	Bridge         string        `json:"bridge,omitempty"`
	State          string        `json:"state"`
	Class          outcome.Class `json:"class,omitempty"`
	Code           string        `json:"code,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	SubmittedAt    int64         `json:"submitted_at"`
	EndedAt        int64         `json:"ended_at,omitempty"`
	LatencySeconds float64       `json:"latency_seconds,omitempty"`
	Interrupted    bool          `json:"interrupted,omitempty"`
}

// Violation is a protocol violation or fatal condition observed by an
// invariant check or raised while applying a failure.
type Violation struct {
	Tick   int64         `json:"tick"`
	Class  outcome.Class `json:"class"`
	Code   string        `json:"code"`
	Detail string        `json:"detail"`
}

// Result is the structured report of a scenario. Complete is false for
// aborted scenarios and for scenarios that hit the tick limit.
type Result struct {
	RunID      string            `json:"run_id"`
	Scenario   string            `json:"scenario"`
	Seed       int64             `json:"seed"`
	Ticks      int64             `json:"ticks"`
	Complete   bool              `json:"complete"`
	Aborted    bool              `json:"aborted,omitempty"`
	Outcomes   []Outcome         `json:"outcomes"`
	Swaps      []swap.Contract   `json:"swaps,omitempty"`
	Findings   []failure.Finding `json:"findings,omitempty"`
	Violations []Violation       `json:"violations,omitempty"`
	Chains     []chain.Info      `json:"chains"`
	Bridges    []bridge.Info     `json:"bridges"`
	Metrics    metrics.Snapshot  `json:"metrics"`
}

// Outcome returns the outcome of intent id of the given kind.
func (r Result) Outcome(kind, id string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Kind == kind && o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Vulnerabilities returns the findings where a probe was accepted.
func (r Result) Vulnerabilities() []failure.Finding {
	var out []failure.Finding
	for _, f := range r.Findings {
		if f.Vulnerability() {
			out = append(out, f)
		}
	}
	return out
}

// Status is a point-in-time view of a running scenario.
type Status struct {
	RunID    string           `json:"run_id"`
	Scenario string           `json:"scenario"`
	Tick     int64            `json:"tick"`
	Done     bool             `json:"done"`
	Aborted  bool             `json:"aborted,omitempty"`
	Chains   []chain.Info     `json:"chains"`
	Bridges  []bridge.Info    `json:"bridges"`
	Active   []failure.Event  `json:"active_failures,omitempty"`
	Metrics  metrics.Snapshot `json:"metrics"`
}
