package failure

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/hashicorp/go-multierror"

	"bridgesim/internal/bridge"
	"bridgesim/internal/chain"
	"bridgesim/internal/event"
	"bridgesim/internal/outcome"
	"bridgesim/internal/relay"
	"bridgesim/internal/swap"
)

// Targets are the scenario components an injector may perturb.
type Targets struct {
	Chains  map[string]*chain.Chain
	Bridges map[string]*bridge.Bridge
	Relay   *relay.Relay
	Swaps   *swap.Engine
	// SwapIDs are the contracts the scenario will propose.
	SwapIDs []string
}

type scheduled struct {
	Event
	applied  bool
	reverted bool
	armed    bool // probe still waiting for an opportunity
	undo     func(now int64)
}

// Injector applies events at their start tick and reverts them at start+duration.
type Injector struct {
	t        Targets
	rng      *rand.Rand
	events   []*scheduled
	findings []Finding
	errs     []error
	rows     []event.Row
	// waiting holds probes whose crafted message is still in the relay.
	waiting map[string]*scheduled
}

// New validates events against targets. All problems are reported together.
func New(events []Event, t Targets, rng *rand.Rand) (*Injector, error) {
	var result *multierror.Error
	swaps := make(map[string]bool, len(t.SwapIDs))
	for _, id := range t.SwapIDs {
		swaps[id] = true
	}
	in := &Injector{t: t, rng: rng, waiting: make(map[string]*scheduled)}
	for i, ev := range events {
		if ev.ID == "" {
			ev.ID = fmt.Sprintf("%s-%d", ev.Kind, i)
		}
		if err := validate(ev, t, swaps); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		in.events = append(in.events, &scheduled{Event: ev})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	sort.SliceStable(in.events, func(i, j int) bool { return in.events[i].Start < in.events[j].Start })
	return in, nil
}

func validate(ev Event, t Targets, swaps map[string]bool) error {
	if ev.Start < 0 || ev.Duration < 0 {
		return fmt.Errorf("event %s: negative start or duration: %w", ev.ID, ErrInvalidEvent)
	}
	chainTarget := func(id string) error {
		if _, ok := t.Chains[id]; !ok {
			return fmt.Errorf("event %s: chain %q: %w", ev.ID, id, ErrUnknownTarget)
		}
		return nil
	}
	switch ev.Kind {
	case KindBridgeHalt, KindValidatorFailure, KindEclipse:
		if _, ok := t.Bridges[ev.Target]; !ok {
			return fmt.Errorf("event %s: bridge %q: %w", ev.ID, ev.Target, ErrUnknownTarget)
		}
		if ev.Kind == KindValidatorFailure && ev.param("failed", -1) < 0 {
			return fmt.Errorf("event %s: validator_failure needs params.failed: %w", ev.ID, ErrInvalidEvent)
		}
	case KindNetworkPartition:
		if err := chainTarget(ev.Target); err != nil {
			return err
		}
		if err := chainTarget(ev.Peer); err != nil {
			return err
		}
	case KindChainHalt, KindCensorship:
		return chainTarget(ev.Target)
	case KindReorg:
		if ev.param("depth", 1) < 1 {
			return fmt.Errorf("event %s: reorg depth must be >= 1: %w", ev.ID, ErrInvalidEvent)
		}
		return chainTarget(ev.Target)
	case KindReplayAttack, KindFrontRun:
		if _, ok := t.Bridges[ev.Target]; !ok && !swaps[ev.Target] {
			return fmt.Errorf("event %s: bridge or swap %q: %w", ev.ID, ev.Target, ErrUnknownTarget)
		}
	default:
		return fmt.Errorf("event %s: kind %q: %w", ev.ID, ev.Kind, ErrUnknownKind)
	}
	return nil
}

// Step applies events starting at or before now, retries armed probes and
// reverts expired events. It runs before chains advance for the tick.
func (in *Injector) Step(now int64) {
	for _, s := range in.events {
		if !s.applied && now >= s.Start {
			s.applied = true
			in.apply(s, now)
		}
		if s.applied && s.armed && !s.reverted {
			in.probe(s, now)
		}
		if s.applied && !s.reverted && s.End() > 0 && now >= s.End() {
			in.revert(s, now)
		}
	}
}

func (in *Injector) apply(s *scheduled, now int64) {
	detail := ""
	switch s.Kind {
	case KindBridgeHalt:
		b := in.t.Bridges[s.Target]
		b.Halt()
		var src *chain.Chain
		if s.param("stop_production", 0) > 0 {
			src = in.t.Chains[b.Config().Source]
			if src != nil {
				src.Halt()
				detail = "source chain production stopped"
			}
		}
		s.undo = func(int64) {
			b.Unhalt()
			if src != nil {
				src.Resume()
			}
		}
	case KindValidatorFailure:
		b := in.t.Bridges[s.Target]
		vs := b.Validators()
		if total := int(s.param("total", 0)); total > 0 {
			vs.Resize(total)
		}
		failed := int(s.param("failed", 0))
		var ids []string
		if extra := failed - vs.Failed(); extra > 0 {
			ids = vs.Fail(extra, in.rng)
		}
		detail = fmt.Sprintf("failed %d/%d quorum %d status %s", vs.Failed(), vs.Total(), vs.Quorum(), b.Status())
		if s.Duration == 0 && vs.Quorum() > 0 && vs.Failed() >= vs.Quorum() {
			err := fmt.Errorf("bridge %s: %s: %w", b.ID(), detail, ErrQuorumLost)
			in.errs = append(in.errs, err)
			b.SetFatal(now, err.Error())
			detail += " (fatal)"
		}
		s.undo = func(int64) { vs.Restore(ids) }
	case KindNetworkPartition:
		in.t.Relay.Partition(s.Target, s.Peer)
		s.undo = func(int64) { in.t.Relay.Heal(s.Target, s.Peer) }
	case KindChainHalt:
		c := in.t.Chains[s.Target]
		c.Halt()
		s.undo = func(int64) { c.Resume() }
	case KindCensorship:
		c := in.t.Chains[s.Target]
		tag := s.Tag
		if tag == "" {
			tag = bridge.TagMint
		}
		c.Censor(tag)
		detail = "censoring " + tag
		s.undo = func(int64) { c.Uncensor(tag) }
	case KindReorg:
		detail = in.reorg(s, now)
		s.reverted = true
	}
	s.armed = s.Kind.Adversarial()
	in.row(s, event.KindFailureApplied, now, detail)
}

func (in *Injector) reorg(s *scheduled, now int64) string {
	c := in.t.Chains[s.Target]
	depth := int64(s.param("depth", 1))
	r, err := c.Rollback(depth)
	if err == nil {
		in.rows = append(in.rows, event.Row{Tick: now, Component: event.ComponentChain, Kind: event.KindReorg,
			Entity: c.ID(), Chain: c.ID(), Detail: fmt.Sprintf("height %d -> %d, %d txs back to pending", r.FromHeight, r.ToHeight, len(r.Reverted))})
		return fmt.Sprintf("rolled back %d blocks", depth)
	}
	if !errors.Is(err, chain.ErrRollbackBeyondFinality) {
		in.errs = append(in.errs, err)
		return err.Error()
	}
	fatal := fmt.Errorf("chain %s depth %d: %w", c.ID(), depth, ErrChainRolledBack)
	in.errs = append(in.errs, fmt.Errorf("%w: %w", fatal, err))
	c.Halt()
	for _, id := range sortedKeys(in.t.Bridges) {
		b := in.t.Bridges[id]
		if b.Config().Source == c.ID() || b.Config().Destination == c.ID() {
			b.SetFatal(now, fatal.Error())
		}
	}
	if in.t.Swaps != nil {
		in.t.Swaps.ChainLost(c.ID(), now, "reorg beyond finality")
	}
	return fatal.Error()
}

func (in *Injector) revert(s *scheduled, now int64) {
	s.reverted = true
	if s.undo != nil {
		s.undo(now)
	}
	detail := ""
	if s.armed && s.Kind != KindCensorship {
		s.armed = false
		in.skip(s, now, "no opportunity while active")
	}
	in.row(s, event.KindFailureReverted, now, detail)
}

// Finish closes the scenario: unresolved probes are recorded as skipped and
// censorship is judged by whether any invariant broke on the censored chain.
func (in *Injector) Finish(now int64, violated func(chainID string) bool) {
	for _, s := range in.events {
		if !s.armed {
			continue
		}
		s.armed = false
		if s.Kind == KindCensorship {
			bad := violated != nil && violated(s.Target)
			f := Finding{Tick: now, Event: s.ID, Kind: s.Kind, Target: s.Target, Check: "settlement_under_censorship", Defended: !bad}
			if bad {
				f.Class = outcome.ClassProtocolViolation
				f.Detail = "invariant violated while " + s.Target + " censored " + s.tag()
			}
			in.record(f)
			continue
		}
		in.skip(s, now, "no opportunity before scenario end")
	}
}

func (s *scheduled) tag() string {
	if s.Tag == "" {
		return bridge.TagMint
	}
	return s.Tag
}

// Active returns events applied and not yet reverted.
func (in *Injector) Active() []Event {
	var out []Event
	for _, s := range in.events {
		if s.applied && !s.reverted {
			out = append(out, s.Event)
		}
	}
	return out
}

// Pending reports whether some event has not started or a timed event has
// not been reverted yet.
func (in *Injector) Pending() bool {
	if len(in.waiting) > 0 {
		return true
	}
	for _, s := range in.events {
		if !s.applied || (!s.reverted && s.End() > 0) || (s.armed && s.Kind != KindCensorship) {
			return true
		}
	}
	return false
}

// Findings returns every recorded probe result.
func (in *Injector) Findings() []Finding {
	out := make([]Finding, len(in.findings))
	copy(out, in.findings)
	return out
}

// Errors returns fatal and unexpected errors raised while applying events.
func (in *Injector) Errors() []error {
	out := make([]error, len(in.errs))
	copy(out, in.errs)
	return out
}

// Drain returns and clears the rows emitted since the last call.
func (in *Injector) Drain() []event.Row {
	rows := in.rows
	in.rows = nil
	return rows
}

func (in *Injector) row(s *scheduled, kind string, now int64, detail string) {
	r := event.Row{Tick: now, Component: event.ComponentFailure, Kind: kind, Entity: s.ID, Chain: s.Target, To: string(s.Kind), Detail: detail}
	if b, ok := in.t.Bridges[s.Target]; ok {
		r.Bridge = b.ID()
		r.Chain = ""
	}
	in.rows = append(in.rows, r)
}

func (in *Injector) record(f Finding) {
	in.findings = append(in.findings, f)
	verdict := "defended"
	switch {
	case f.Skipped:
		verdict = "skipped"
	case !f.Defended:
		verdict = "vulnerable"
	}
	r := event.Row{Tick: f.Tick, Component: event.ComponentFailure, Kind: event.KindFinding, Entity: f.Event,
		From: string(f.Kind), To: verdict, Detail: f.Check + ": " + f.Detail, Probe: true}
	if _, ok := in.t.Bridges[f.Target]; ok {
		r.Bridge = f.Target
	}
	in.rows = append(in.rows, r)
}

func (in *Injector) skip(s *scheduled, now int64, detail string) {
	in.record(Finding{Tick: now, Event: s.ID, Kind: s.Kind, Target: s.Target, Check: checkName(s.Kind), Defended: true, Skipped: true, Detail: detail})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
