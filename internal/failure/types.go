// Package failure schedules perturbations of chains, the relay and bridges,
// and runs adversarial probes against their protocol checks.
package failure

import (
	"bridgesim/internal/outcome"
)

// Kind names a failure or attack.
type Kind string

const (
	KindBridgeHalt       Kind = "bridge_halt"
	KindValidatorFailure Kind = "validator_failure"
	KindNetworkPartition Kind = "network_partition"
	KindReplayAttack     Kind = "replay_attack"
	KindFrontRun         Kind = "front_run"
	KindEclipse          Kind = "eclipse"
	KindCensorship       Kind = "censorship"
	KindChainHalt        Kind = "chain_halt"
	KindReorg            Kind = "reorg"
)

// Kinds lists every supported kind in documentation order.
var Kinds = []Kind{
	KindBridgeHalt, KindValidatorFailure, KindNetworkPartition, KindReplayAttack,
	KindFrontRun, KindEclipse, KindCensorship, KindChainHalt, KindReorg,
}

// Adversarial reports whether the kind is a probe that yields a Finding.
func (k Kind) Adversarial() bool {
	switch k {
	case KindReplayAttack, KindFrontRun, KindEclipse, KindCensorship:
		return true
	}
	return false
}

// Event is a scheduled failure. Duration 0 lasts until the scenario ends.
type Event struct {
	ID       string             `json:"id"`
	Kind     Kind               `json:"kind"`
	Target   string             `json:"target"`
	Peer     string             `json:"peer,omitempty"`
	Start    int64              `json:"start"`
	Duration int64              `json:"duration"`
	Params   map[string]float64 `json:"params,omitempty"`
	Tag      string             `json:"tag,omitempty"`
}

// End returns the tick at which the event is reverted, or 0 when it never is.
func (e Event) End() int64 {
	if e.Duration <= 0 {
		return 0
	}
	return e.Start + e.Duration
}

func (e Event) param(name string, def float64) float64 {
	if v, ok := e.Params[name]; ok {
		return v
	}
	return def
}

// Finding is the result of one adversarial probe.
type Finding struct {
	Tick     int64         `json:"tick"`
	Event    string        `json:"event"`
	Kind     Kind          `json:"kind"`
	Target   string        `json:"target"`
	Check    string        `json:"check"`
	Defended bool          `json:"defended"`
	Skipped  bool          `json:"skipped,omitempty"`
	Class    outcome.Class `json:"class,omitempty"`
	Code     string        `json:"code,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Vulnerability reports whether the probe got through.
func (f Finding) Vulnerability() bool { return !f.Defended && !f.Skipped }

var (
	ErrUnknownKind     = outcome.New(outcome.ClassConfiguration, "UnknownFailureKind", "unknown failure kind")
	ErrUnknownTarget   = outcome.New(outcome.ClassConfiguration, "UnknownTarget", "unknown failure target")
	ErrInvalidEvent    = outcome.New(outcome.ClassConfiguration, "InvalidFailureEvent", "invalid failure event")
	ErrQuorumLost      = outcome.New(outcome.ClassFatal, "QuorumLost", "validator failure exceeds quorum with no recovery")
	ErrChainRolledBack = outcome.New(outcome.ClassFatal, "ReorgBeyondFinality", "reorg beyond finality")
)
