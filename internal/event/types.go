// Event rows describing every observed simulation transition.
package event

import (
	"os"
	"time"
)

// Component identifies which part of the engine emitted a row.
type Component string

const (
	ComponentChain   Component = "chain"
	ComponentBridge  Component = "bridge"
	ComponentSwap    Component = "swap"
	ComponentFailure Component = "failure"
	ComponentRunner  Component = "runner"
)

// Row kinds.
const (
	KindBlock           = "block"
	KindReorg           = "reorg"
	KindTransferState   = "transfer_state"
	KindMessageSent     = "message_sent"
	KindMessageDropped  = "message_dropped"
	KindMessageReplayed = "message_replayed"
	KindMessageRetry    = "message_retry"
	KindBridgeStatus    = "bridge_status"
	KindSwapState       = "swap_state"
	KindFailureApplied  = "failure_applied"
	KindFailureReverted = "failure_reverted"
	KindFinding         = "finding"
	KindRejected        = "rejected"
	KindRunFinished     = "run_finished"
)

// Row is one timestamped transition. Tick is authoritative; Timestamp is
// derived from it with the configured tick duration.
type Row struct {
	RunID     string    `json:"run_id"`    // TAG
	Tick      int64     `json:"tick"`      // FIELD
	Component Component `json:"component"` // TAG
	Kind      string    `json:"kind"`      // TAG
	Entity    string    `json:"entity"`    // FIELD
	Bridge    string    `json:"bridge,omitempty"`
	Chain     string    `json:"chain,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Probe     bool      `json:"probe,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	Timestamp time.Time `json:"ts"` // TIME INDEX
}

// TableName holds the GreptimeDB table for event rows. It defaults to
// "bridge_events" and can be overridden via BRIDGESIM_EVENT_TABLE.
var TableName = func() string {
	if env := os.Getenv("BRIDGESIM_EVENT_TABLE"); env != "" {
		return env
	}
	return "bridge_events"
}()

// Clock converts ticks into timestamps.
type Clock struct {
	Epoch       time.Time
	TickSeconds float64
}

// Seconds converts a tick count to simulated seconds.
func (c Clock) Seconds(ticks int64) float64 {
	return float64(ticks) * c.TickSeconds
}

// At returns the simulated wall time of tick.
func (c Clock) At(tick int64) time.Time {
	return c.Epoch.Add(time.Duration(c.Seconds(tick) * float64(time.Second))).UTC()
}
