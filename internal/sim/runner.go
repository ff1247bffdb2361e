// Scenario runner: owns every component of one scenario and advances them in
// discrete ticks.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bridgesim/internal/bridge"
	"bridgesim/internal/chain"
	"bridgesim/internal/config"
	"bridgesim/internal/event"
	"bridgesim/internal/failure"
	"bridgesim/internal/logging"
	"bridgesim/internal/metrics"
	"bridgesim/internal/outcome"
	"bridgesim/internal/relay"
	"bridgesim/internal/swap"
)

// EventWriter is an interface to support different output sinks.
type EventWriter interface {
	Write(event.Row) error
}

// Optional: writers may support batch mode
type batchWriter interface {
	WriteBatch([]event.Row) error
}

func writeRows(w EventWriter, rows []event.Row) error {
	if bw, ok := w.(batchWriter); ok {
		return bw.WriteBatch(rows)
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

var (
	ErrAborted   = outcome.New(outcome.ClassFatal, "ScenarioAborted", "scenario aborted")
	ErrTickLimit = outcome.New(outcome.ClassTransient, "TickLimit", "tick limit reached before completion")
)

// Option customizes a Runner.
type Option func(*Runner)

// WithWriter sends every row to w.
func WithWriter(w EventWriter) Option {
	return func(r *Runner) { r.writer = w }
}

// WithObserver registers a metrics observer such as the Prometheus exporter.
func WithObserver(o metrics.Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithEpoch sets the wall time of tick 0 used for row timestamps.
func WithEpoch(t time.Time) Option {
	return func(r *Runner) { r.clock.Epoch = t }
}

// WithRunID overrides the seeded run id.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

type pendingChallenge struct {
	config.Challenge
	bridge string
	done   bool
	result Outcome
}

// Runner orchestrates one scenario. All methods are safe for concurrent use.
type Runner struct {
	mu sync.Mutex

	cfg       config.SimulationConfig
	rng       *rand.Rand
	runID     string
	clock     event.Clock
	now       int64
	finished  bool
	complete  bool
	aborted   bool
	writer    EventWriter
	collector *metrics.Collector
	observers []metrics.Observer
	log       *slog.Logger

	chains    []*chain.Chain
	chainByID map[string]*chain.Chain
	relay     *relay.Relay
	bridges   []*bridge.Bridge
	bridgeBy  map[string]*bridge.Bridge
	swaps     *swap.Engine
	injector  *failure.Injector

	transfers    []config.Transfer
	nextTransfer int
	swapIntents  []config.Swap
	nextSwap     int
	challenges   []*pendingChallenge
	rejected     map[string]Outcome // keyed by kind/id

	violations []Violation
	seen       map[string]bool
	violated   map[string]bool // chains touched by a violation
}

// NewRunner builds every component of cfg and submits the intents scheduled
// for tick 0. Configuration errors are returned and the scenario never starts.
func NewRunner(cfg config.SimulationConfig, opts ...Option) (*Runner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		rng:       rng,
		runID:     id.String(),
		clock:     event.Clock{Epoch: time.Unix(0, 0).UTC(), TickSeconds: cfg.TickSeconds},
		chainByID: make(map[string]*chain.Chain),
		relay:     relay.New(rng),
		bridgeBy:  make(map[string]*bridge.Bridge),
		rejected:  make(map[string]Outcome),
		seen:      make(map[string]bool),
		violated:  make(map[string]bool),
		log:       logging.FromContext(context.Background()),
	}
	for _, o := range opts {
		o(r)
	}
	r.collector = metrics.NewCollector(r.clock)
	for _, o := range r.observers {
		r.collector.AddObserver(o)
	}

	swapChains := make([]swap.Chain, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		c, err := chain.New(cc.ChainConfig())
		if err != nil {
			return nil, err
		}
		r.chains = append(r.chains, c)
		r.chainByID[c.ID()] = c
		swapChains = append(swapChains, c)
	}
	for _, bc := range cfg.Bridges {
		b, err := bridge.New(bc.BridgeConfig(), r.chainByID[bc.Source], r.chainByID[bc.Destination], r.relay)
		if err != nil {
			return nil, err
		}
		r.bridges = append(r.bridges, b)
		r.bridgeBy[b.ID()] = b
	}
	r.swaps = swap.New(cfg.SwapConfig(), swapChains, r.relay, rng)

	swapIDs := make([]string, 0, len(cfg.Swaps))
	for _, s := range cfg.Swaps {
		swapIDs = append(swapIDs, s.ID)
	}
	r.injector, err = failure.New(cfg.Events(), failure.Targets{
		Chains:  r.chainByID,
		Bridges: r.bridgeBy,
		Relay:   r.relay,
		Swaps:   r.swaps,
		SwapIDs: swapIDs,
	}, rng)
	if err != nil {
		return nil, err
	}

	r.transfers = append([]config.Transfer(nil), cfg.Transfers...)
	sort.SliceStable(r.transfers, func(i, j int) bool { return r.transfers[i].At < r.transfers[j].At })
	r.swapIntents = append([]config.Swap(nil), cfg.Swaps...)
	sort.SliceStable(r.swapIntents, func(i, j int) bool { return r.swapIntents[i].At < r.swapIntents[j].At })
	transferBridge := make(map[string]string, len(cfg.Transfers))
	for _, t := range cfg.Transfers {
		transferBridge[t.ID] = t.Bridge
	}
	for _, c := range cfg.Challenges {
		r.challenges = append(r.challenges, &pendingChallenge{Challenge: c, bridge: transferBridge[c.Transfer]})
	}

	if err := r.submit(0); err != nil {
		return nil, err
	}
	r.flush(r.drain())
	return r, nil
}

// RunID returns the run identifier stamped on every row.
func (r *Runner) RunID() string { return r.runID }

// Clock returns the tick to wall-time conversion used by the runner.
func (r *Runner) Clock() event.Clock { return r.clock }

// Now returns the last processed tick.
func (r *Runner) Now() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Done reports whether the scenario reached completion or was aborted.
func (r *Runner) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished || r.aborted
}

// Advance processes up to ticks ticks. It stops early when the scenario
// completes. Cancelling ctx aborts the scenario and marks its metrics
// incomplete.
func (r *Runner) Advance(ctx context.Context, ticks int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := logging.FromContext(ctx)
	r.log = log
	if r.aborted {
		return ErrAborted
	}
	for i := int64(0); i < ticks && !r.finished; i++ {
		if err := ctx.Err(); err != nil {
			r.abort(err)
			log.Warn("scenario aborted", "run_id", r.runID, "tick", r.now, "err", err)
			return fmt.Errorf("tick %d: %w", r.now, outcome.Wrap(ErrAborted, err))
		}
		if err := r.step(ctx); err != nil {
			return err
		}
		if r.idle() {
			r.finish(true)
			log.Info("scenario complete", "run_id", r.runID, "scenario", r.cfg.Name, "tick", r.now)
		}
	}
	return nil
}

// RunToCompletion advances until the scenario completes or maxTicks ticks
// have been processed. maxTicks <= 0 uses the configured max_ticks. Hitting
// the limit closes the scenario as incomplete and returns ErrTickLimit.
func (r *Runner) RunToCompletion(ctx context.Context, maxTicks int64) (Result, error) {
	if maxTicks <= 0 {
		maxTicks = r.cfg.MaxTicks
	}
	if err := r.Advance(ctx, maxTicks); err != nil {
		return r.Result(), err
	}
	r.mu.Lock()
	limited := !r.finished
	if limited {
		r.finish(false)
		logging.FromContext(ctx).Warn("tick limit reached", "run_id", r.runID, "tick", r.now)
	}
	r.mu.Unlock()
	if limited {
		return r.Result(), fmt.Errorf("after %d ticks: %w", maxTicks, ErrTickLimit)
	}
	return r.Result(), nil
}

func (r *Runner) abort(cause error) {
	r.aborted = true
	r.collector.MarkComplete(false)
	r.flush([]event.Row{{Tick: r.now, Component: event.ComponentRunner, Kind: event.KindRunFinished,
		Entity: r.runID, To: "aborted", Detail: cause.Error()}})
}

// finish closes the scenario. Unresolved probes are recorded as skipped.
func (r *Runner) finish(complete bool) {
	r.finished = true
	r.complete = complete
	r.injector.Finish(r.now, func(id string) bool { return r.violated[id] })
	rows := r.drain()
	to := "complete"
	if !complete {
		to = "incomplete"
	}
	rows = append(rows, event.Row{Tick: r.now, Component: event.ComponentRunner, Kind: event.KindRunFinished, Entity: r.runID, To: to})
	r.flush(rows)
	r.collector.MarkComplete(complete)
}

// step advances simulated time from now to now+1.
func (r *Runner) step(ctx context.Context) error {
	now := r.now + 1
	r.now = now
	r.relay.SetNow(now)
	r.injector.Step(now)

	blocks := make([][]chain.Block, len(r.chains))
	var g errgroup.Group
	for i, c := range r.chains {
		g.Go(func() error {
			blocks[i] = c.Advance(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var rows []event.Row
	for i, c := range r.chains {
		for _, b := range blocks[i] {
			rows = append(rows, event.Row{Tick: now, Component: event.ComponentChain, Kind: event.KindBlock,
				Entity: b.Hash, Chain: c.ID(), To: fmt.Sprint(b.Height), Detail: fmt.Sprintf("%d txs", len(b.TxIDs))})
		}
	}

	r.deliver(ctx, now)
	r.resolveChallenges(now)
	for _, b := range r.bridges {
		b.Process(now)
	}
	r.swaps.Process(now)
	if err := r.submit(now); err != nil {
		return err
	}
	r.checkInvariants(now)

	r.flush(append(rows, r.drain()...))
	r.collector.Tick(now)
	return nil
}

func (r *Runner) deliver(ctx context.Context, now int64) {
	for _, m := range r.relay.Deliver(now) {
		if m.Kind == relay.KindSwapSecret {
			r.swaps.OnSecret(m, now)
			continue
		}
		b, ok := r.bridgeBy[m.Channel]
		if !ok {
			logging.FromContext(ctx).Warn("message for unknown bridge", "channel", m.Channel, "id", m.ID)
			continue
		}
		d, err := b.Receive(m, now)
		if m.ProbeID != "" {
			r.injector.OnProbeResult(m, d, err, now)
			continue
		}
		if err != nil && outcome.ClassOf(err) != outcome.ClassTransient {
			r.violation(now, err, b.Config().Source, b.Config().Destination)
		}
	}
}

// submit proposes every intent scheduled at now. Configuration errors at
// tick 0 prevent the scenario from starting; later rejections are outcomes.
func (r *Runner) submit(now int64) error {
	for r.nextTransfer < len(r.transfers) && r.transfers[r.nextTransfer].At <= now {
		t := r.transfers[r.nextTransfer]
		r.nextTransfer++
		req, err := t.Request()
		if err == nil {
			_, err = r.bridgeBy[t.Bridge].Initiate(req, now)
		}
		if err != nil {
			r.reject(OutcomeTransfer, t.ID, t.Bridge, now, err)
		}
	}
	for r.nextSwap < len(r.swapIntents) && r.swapIntents[r.nextSwap].At <= now {
		s := r.swapIntents[r.nextSwap]
		r.nextSwap++
		req, err := s.Request()
		if err == nil {
			_, err = r.swaps.Propose(req, now)
		}
		if err != nil {
			if now == 0 && outcome.ClassOf(err) == outcome.ClassConfiguration {
				return err
			}
			r.reject(OutcomeSwap, s.ID, "", now, err)
		}
	}
	return nil
}

func (r *Runner) reject(kind, id, bridgeID string, now int64, err error) {
	r.rejected[kind+"/"+id] = Outcome{
		Kind:        kind,
		ID:          id,
		Bridge:      bridgeID,
		State:       StateRejected,
		Class:       outcome.ClassOf(err),
		Code:        outcome.CodeOf(err),
		Detail:      err.Error(),
		SubmittedAt: now,
		EndedAt:     now,
	}
	r.flush([]event.Row{{Tick: now, Component: event.ComponentRunner, Kind: event.KindRejected,
		Entity: id, Bridge: bridgeID, From: kind, To: outcome.CodeOf(err), Detail: err.Error()}})
}

// resolveChallenges disputes optimistic transfers once their delay after
// delivery has elapsed.
func (r *Runner) resolveChallenges(now int64) {
	for _, c := range r.challenges {
		if c.done {
			continue
		}
		out := Outcome{Kind: OutcomeChallenge, ID: c.Transfer, Bridge: c.bridge, SubmittedAt: now, EndedAt: now}
		b := r.bridgeBy[c.bridge]
		t, ok := b.Transfer(c.Transfer)
		switch {
		case !ok:
			if _, rejected := r.rejected[OutcomeTransfer+"/"+c.Transfer]; !rejected {
				continue
			}
			out.State, out.Detail = StateSkipped, "transfer was never initiated"
		case t.Delivered && now >= t.DeliveredAt+c.AfterDelivery:
			if err := b.Challenge(c.Transfer, now); err != nil {
				out.State, out.Class, out.Code, out.Detail = StateRejected, outcome.ClassOf(err), outcome.CodeOf(err), err.Error()
			} else {
				out.State = StateApplied
			}
		case t.State.Terminal():
			out.State, out.Detail = StateSkipped, "transfer ended before delivery"
		default:
			continue
		}
		c.done = true
		c.result = out
	}
}

// checkInvariants runs conservation and atomicity checks. Each distinct
// violation is recorded once.
func (r *Runner) checkInvariants(now int64) {
	for _, b := range r.bridges {
		for _, err := range b.CheckConservation() {
			r.violation(now, err, b.Config().Source, b.Config().Destination)
		}
	}
	for _, c := range r.swaps.Contracts() {
		if c.Status == swap.StatusPartiallyStuck {
			err := fmt.Errorf("swap %s: %s: %w", c.ID, c.Violation, swap.ErrAtomicityViolation)
			r.violation(now, err, c.A.Chain, c.B.Chain)
		}
	}
	for _, err := range r.injector.Errors() {
		r.violation(now, err)
	}
}

func (r *Runner) violation(now int64, err error, chains ...string) {
	key := err.Error()
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	for _, id := range chains {
		r.violated[id] = true
	}
	class := outcome.ClassOf(err)
	if class == outcome.ClassNone {
		class = outcome.ClassFatal
	}
	r.violations = append(r.violations, Violation{Tick: now, Class: class, Code: outcome.CodeOf(err), Detail: err.Error()})
}

func (r *Runner) idle() bool {
	if r.nextTransfer < len(r.transfers) || r.nextSwap < len(r.swapIntents) {
		return false
	}
	for _, c := range r.challenges {
		if !c.done {
			return false
		}
	}
	for _, b := range r.bridges {
		if !b.Idle() {
			return false
		}
	}
	return r.swaps.Idle() && r.relay.Pending() == 0 && !r.injector.Pending()
}

func (r *Runner) drain() []event.Row {
	var rows []event.Row
	for _, b := range r.bridges {
		rows = append(rows, b.Drain()...)
	}
	rows = append(rows, r.swaps.Drain()...)
	return append(rows, r.injector.Drain()...)
}

// flush stamps rows and hands them to the collector and the writer. Sink
// errors are logged and never stop the scenario.
func (r *Runner) flush(rows []event.Row) {
	if len(rows) == 0 {
		return
	}
	for i := range rows {
		rows[i].RunID = r.runID
		rows[i].Timestamp = r.clock.At(rows[i].Tick)
	}
	r.collector.ObserveAll(rows)
	if r.writer == nil {
		return
	}
	if err := writeRows(r.writer, rows); err != nil {
		r.log.Error("write failed", "run_id", r.runID, "rows", len(rows), "err", err)
	}
}

// Snapshot returns the current metrics without waiting for the tick loop.
func (r *Runner) Snapshot() metrics.Snapshot {
	return r.collector.Snapshot()
}

// Status returns a point-in-time view of the scenario.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		RunID:    r.runID,
		Scenario: r.cfg.Name,
		Tick:     r.now,
		Done:     r.finished || r.aborted,
		Aborted:  r.aborted,
		Chains:   r.chainInfo(),
		Bridges:  r.bridgeInfo(),
		Active:   r.injector.Active(),
		Metrics:  r.collector.Snapshot(),
	}
}

func (r *Runner) chainInfo() []chain.Info {
	out := make([]chain.Info, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c.Snapshot())
	}
	return out
}

func (r *Runner) bridgeInfo() []bridge.Info {
	out := make([]bridge.Info, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b.Snapshot())
	}
	return out
}

// Result assembles the scenario report. It may be called at any time; only
// a scenario that ran to completion reports Complete.
func (r *Runner) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{
		RunID:      r.runID,
		Scenario:   r.cfg.Name,
		Seed:       r.cfg.Seed,
		Ticks:      r.now,
		Complete:   r.finished && r.complete && !r.aborted,
		Aborted:    r.aborted,
		Swaps:      r.swaps.Contracts(),
		Findings:   r.injector.Findings(),
		Violations: append([]Violation(nil), r.violations...),
		Chains:     r.chainInfo(),
		Bridges:    r.bridgeInfo(),
		Metrics:    r.collector.Snapshot(),
	}
	for _, t := range r.cfg.Transfers {
		res.Outcomes = append(res.Outcomes, r.transferOutcome(t))
	}
	for _, s := range r.cfg.Swaps {
		res.Outcomes = append(res.Outcomes, r.swapOutcome(s))
	}
	for _, c := range r.challenges {
		out := c.result
		if !c.done {
			out = Outcome{Kind: OutcomeChallenge, ID: c.Transfer, Bridge: c.bridge, State: StatePending}
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res
}

func (r *Runner) transferOutcome(ct config.Transfer) Outcome {
	if o, ok := r.rejected[OutcomeTransfer+"/"+ct.ID]; ok {
		return o
	}
	t, ok := r.bridgeBy[ct.Bridge].Transfer(ct.ID)
	if !ok {
		return Outcome{Kind: OutcomeTransfer, ID: ct.ID, Bridge: ct.Bridge, State: StateScheduled, SubmittedAt: ct.At}
	}
	o := Outcome{
		Kind:        OutcomeTransfer,
		ID:          t.ID,
		Bridge:      t.Bridge,
		State:       string(t.State),
		Code:        t.FailureCode,
		Detail:      t.FailureReason,
		SubmittedAt: t.InitiatedAt,
		Interrupted: t.Interrupted,
	}
	if t.State.Terminal() {
		o.EndedAt = t.EndedAt
		o.LatencySeconds = r.clock.Seconds(t.EndedAt - t.InitiatedAt)
	}
	if t.FailureCode != "" {
		o.Class = classOfCode(t.FailureCode)
	}
	return o
}

func (r *Runner) swapOutcome(cs config.Swap) Outcome {
	if o, ok := r.rejected[OutcomeSwap+"/"+cs.ID]; ok {
		return o
	}
	c, ok := r.swaps.Contract(cs.ID)
	if !ok {
		return Outcome{Kind: OutcomeSwap, ID: cs.ID, State: StateScheduled, SubmittedAt: cs.At}
	}
	o := Outcome{Kind: OutcomeSwap, ID: c.ID, State: string(c.Status), SubmittedAt: c.ProposedAt, Detail: c.Violation}
	if c.Status.Terminal() {
		o.EndedAt = c.EndedAt
		o.LatencySeconds = r.clock.Seconds(c.EndedAt - c.ProposedAt)
	}
	switch c.Status {
	case swap.StatusPartiallyStuck:
		o.Class, o.Code = outcome.ClassProtocolViolation, outcome.CodeOf(swap.ErrAtomicityViolation)
	case swap.StatusFailed:
		o.Class, o.Code, o.Detail = outcome.ClassFatal, outcome.CodeOf(swap.ErrChainLost), c.Failure
	}
	return o
}

var knownFailures = []*outcome.Error{
	bridge.ErrTransferTimeout, bridge.ErrBridgeFatal, bridge.ErrInjectedFailure,
	bridge.ErrReplayDetected, bridge.ErrPayloadMismatch, failure.ErrQuorumLost, failure.ErrChainRolledBack,
}

func classOfCode(code string) outcome.Class {
	for _, e := range knownFailures {
		if e.Code == code {
			return e.Class
		}
	}
	return outcome.ClassNone
}

// IsAborted reports whether err came from a cancelled scenario.
func IsAborted(err error) bool { return errors.Is(err, ErrAborted) }
