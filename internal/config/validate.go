// CUE schema validation and cross-reference checks
package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/hashicorp/go-multierror"

	"bridgesim/internal/bridge"
	"bridgesim/internal/failure"
	"bridgesim/internal/outcome"
	"bridgesim/internal/swap"
)

// DefaultSchema is the embedded scenario schema. It must define #Scenario.
//
//go:embed schema.cue
var DefaultSchema string

var (
	ErrSchema        = outcome.New(outcome.ClassConfiguration, "SchemaViolation", "scenario does not match schema")
	ErrInvalidAmount = outcome.New(outcome.ClassConfiguration, "InvalidAmount", "amount must be a positive base-10 integer")
	ErrUnknownRef    = outcome.New(outcome.ClassConfiguration, "UnknownReference", "unknown reference")
	ErrDuplicateID   = outcome.New(outcome.ClassConfiguration, "DuplicateID", "duplicate id")
	ErrInvalidValue  = outcome.New(outcome.ClassConfiguration, "InvalidValue", "invalid value")
)

// ValidateWithCue checks YAML data against the #Scenario definition of schema.
func ValidateWithCue(filename string, data []byte, schema string) error {
	ctx := cuecontext.New()

	schemaVal := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := schemaVal.Err(); err != nil {
		return fmt.Errorf("cannot compile CUE schema: %w", err)
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Scenario"))
	if !def.Exists() {
		return fmt.Errorf("CUE schema does not define #Scenario: %w", ErrSchema)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("cannot parse YAML scenario: %w", outcome.Wrap(ErrSchema, err))
	}
	configVal := ctx.BuildFile(file)
	if err := configVal.Err(); err != nil {
		return fmt.Errorf("cannot build YAML scenario: %w", outcome.Wrap(ErrSchema, err))
	}

	final := def.Unify(configVal)
	if err := final.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s: %w", filename, outcome.Wrap(ErrSchema, err))
	}
	return nil
}

// Validate checks references and values the schema cannot express. Every
// problem is reported.
func (c *SimulationConfig) Validate() error {
	var result *multierror.Error
	add := func(sentinel error, format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel))
	}

	if len(c.Chains) == 0 {
		add(ErrInvalidValue, "at least one chain required")
	}
	chains := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if chains[ch.ID] {
			add(ErrDuplicateID, "chain %q", ch.ID)
		}
		chains[ch.ID] = true
		if ch.FinalityBlocks < ch.Confirmations {
			add(ErrInvalidValue, "chain %s: finality_blocks %d below confirmations %d", ch.ID, ch.FinalityBlocks, ch.Confirmations)
		}
	}

	bridges := make(map[string]Bridge, len(c.Bridges))
	for _, b := range c.Bridges {
		if _, dup := bridges[b.ID]; dup {
			add(ErrDuplicateID, "bridge %q", b.ID)
		}
		bridges[b.ID] = b
		for _, end := range []string{b.Source, b.Destination} {
			if !chains[end] {
				add(ErrUnknownRef, "bridge %s: chain %q", b.ID, end)
			}
		}
		if b.Source == b.Destination {
			add(ErrInvalidValue, "bridge %s: source and destination are both %q", b.ID, b.Source)
		}
		switch bridge.Kind(b.Type) {
		case bridge.KindLockAndMint:
		case bridge.KindOptimisticRollup:
			if b.ChallengePeriod <= 0 {
				add(ErrInvalidValue, "bridge %s: optimistic_rollup needs challenge_period", b.ID)
			}
		default:
			add(ErrInvalidValue, "bridge %s: type %q", b.ID, b.Type)
		}
		if b.Validators < 1 {
			add(ErrInvalidValue, "bridge %s: validators %d, need at least one", b.ID, b.Validators)
		}
		if b.Quorum < 0 || b.Quorum > b.Validators {
			add(ErrInvalidValue, "bridge %s: quorum %d outside [0,%d]", b.ID, b.Quorum, b.Validators)
		}
	}

	transfers := make(map[string]Transfer, len(c.Transfers))
	for _, t := range c.Transfers {
		if _, dup := transfers[t.ID]; dup {
			add(ErrDuplicateID, "transfer %q", t.ID)
		}
		transfers[t.ID] = t
		if _, ok := bridges[t.Bridge]; !ok {
			add(ErrUnknownRef, "transfer %s: bridge %q", t.ID, t.Bridge)
		}
		if d := bridge.Direction(t.Direction); d != bridge.Forward && d != bridge.Reverse {
			add(ErrInvalidValue, "transfer %s: direction %q", t.ID, t.Direction)
		}
		if _, err := ParseAmount(t.Amount); err != nil {
			result = multierror.Append(result, fmt.Errorf("transfer %s: %w", t.ID, err))
		}
		if t.At < 0 || t.At >= c.MaxTicks {
			add(ErrInvalidValue, "transfer %s: at %d outside [0,%d)", t.ID, t.At, c.MaxTicks)
		}
	}

	swaps := make(map[string]bool, len(c.Swaps))
	for _, s := range c.Swaps {
		if swaps[s.ID] {
			add(ErrDuplicateID, "swap %q", s.ID)
		}
		swaps[s.ID] = true
		if s.B.Timeout >= s.A.Timeout {
			add(swap.ErrInvalidTimeoutOrdering, "swap %s: Tb=%d Ta=%d", s.ID, s.B.Timeout, s.A.Timeout)
		}
		for _, leg := range []SwapLeg{s.A, s.B} {
			if !chains[leg.Chain] {
				add(ErrUnknownRef, "swap %s: chain %q", s.ID, leg.Chain)
			}
			if _, err := ParseAmount(leg.Amount); err != nil {
				result = multierror.Append(result, fmt.Errorf("swap %s: %w", s.ID, err))
			}
		}
		if s.A.Chain == s.B.Chain {
			add(ErrInvalidValue, "swap %s: both legs on %q", s.ID, s.A.Chain)
		}
	}

	for _, ch := range c.Challenges {
		t, ok := transfers[ch.Transfer]
		if !ok {
			add(ErrUnknownRef, "challenge: transfer %q", ch.Transfer)
			continue
		}
		if b, ok := bridges[t.Bridge]; ok && bridge.Kind(b.Type) != bridge.KindOptimisticRollup {
			add(ErrInvalidValue, "challenge: transfer %s is on %s bridge %s", ch.Transfer, b.Type, b.ID)
		}
	}

	kinds := make(map[failure.Kind]bool, len(failure.Kinds))
	for _, k := range failure.Kinds {
		kinds[k] = true
	}
	for i, f := range c.Failures {
		if !kinds[failure.Kind(f.Kind)] {
			add(failure.ErrUnknownKind, "failure %d: kind %q", i, f.Kind)
			continue
		}
		_, isBridge := bridges[f.Target]
		if !chains[f.Target] && !isBridge && !swaps[f.Target] {
			add(ErrUnknownRef, "failure %d (%s): target %q", i, f.Kind, f.Target)
		}
	}

	return result.ErrorOrNil()
}
