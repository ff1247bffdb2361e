// Package bridge implements the transfer lifecycle shared by all bridge kinds
// together with the kind-specific transition rules.
package bridge

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"bridgesim/internal/chain"
	"bridgesim/internal/event"
	"bridgesim/internal/outcome"
	"bridgesim/internal/relay"
)

// Transaction tags, matched by censorship.
const (
	TagLock    = "bridge_lock"
	TagBurn    = "bridge_burn"
	TagMint    = "bridge_mint"
	TagRelease = "bridge_release"
	TagRefund  = "bridge_refund"
)

// rules are the kind-specific parts of the lifecycle.
type rules struct {
	// waitConfirmations gates the destination action on source confirmations.
	waitConfirmations bool
	// challengeWindow keeps the destination action reversible after receipt.
	challengeWindow bool
}

var kindRules = map[Kind]rules{
	KindLockAndMint:      {waitConfirmations: true},
	KindOptimisticRollup: {challengeWindow: true},
}

// Totals are cumulative amounts moved by a bridge.
type Totals struct {
	Locked uint256.Int
	Minted uint256.Int
}

// Bridge drives transfers between two chains. It is owned by a single
// runner and not safe for concurrent use.
type Bridge struct {
	cfg        Config
	rules      rules
	src, dst   Chain
	relay      Relay
	validators *ValidatorSet
	haltCount  int
	fatal      bool
	status     Status

	transfers map[string]*Transfer
	order     []string
	nonces    map[Direction]uint64
	seen      map[Direction]map[uint64]string
	inbox     []relay.Message
	accepted  []relay.Message
	totals    Totals
	rows      []event.Row
}

// New validates cfg and wires the bridge to its endpoints.
func New(cfg Config, src, dst Chain, r Relay) (*Bridge, error) {
	rl, ok := kindRules[cfg.Kind]
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("bridge id required: %w", ErrInvalidConfig)
	case !ok:
		return nil, fmt.Errorf("bridge %s: unknown type %q: %w", cfg.ID, cfg.Kind, ErrInvalidConfig)
	case src == nil || dst == nil:
		return nil, fmt.Errorf("bridge %s: both endpoints required: %w", cfg.ID, ErrInvalidConfig)
	case src.ID() == dst.ID():
		return nil, fmt.Errorf("bridge %s: source and destination must differ: %w", cfg.ID, ErrInvalidConfig)
	case cfg.ConfirmationThreshold < 0 || cfg.ChallengePeriod < 0 || cfg.Latency < 0:
		return nil, fmt.Errorf("bridge %s: negative tick parameter: %w", cfg.ID, ErrInvalidConfig)
	case cfg.Kind == KindOptimisticRollup && cfg.ChallengePeriod == 0:
		return nil, fmt.Errorf("bridge %s: optimistic bridges need a challenge_period: %w", cfg.ID, ErrInvalidConfig)
	case cfg.DropProbability < 0 || cfg.DropProbability > 1:
		return nil, fmt.Errorf("bridge %s: drop_probability must be within [0,1]: %w", cfg.ID, ErrInvalidConfig)
	}
	if cfg.DegradedLatencyMult < 1 {
		cfg.DegradedLatencyMult = 1
	}
	if cfg.DegradedFailureMult < 1 {
		cfg.DegradedFailureMult = 1
	}
	b := &Bridge{
		cfg:        cfg,
		rules:      rl,
		src:        src,
		dst:        dst,
		relay:      r,
		validators: NewValidatorSet(cfg.ID, cfg.Validators, cfg.Quorum),
		status:     StatusActive,
		transfers:  make(map[string]*Transfer),
		nonces:     make(map[Direction]uint64),
		seen:       map[Direction]map[uint64]string{Forward: {}, Reverse: {}},
	}
	return b, nil
}

// ID returns the bridge id.
func (b *Bridge) ID() string { return b.cfg.ID }

// Config returns the bridge parameters.
func (b *Bridge) Config() Config { return b.cfg }

// Validators exposes the validator set for failure injection.
func (b *Bridge) Validators() *ValidatorSet { return b.validators }

// Status combines manual halts, fatal state and validator health.
func (b *Bridge) Status() Status {
	if b.fatal || b.haltCount > 0 {
		return StatusHalted
	}
	return b.validators.Status()
}

// Fatal reports whether the bridge is halted for the rest of the scenario.
func (b *Bridge) Fatal() bool { return b.fatal }

// Halt forces the bridge into the halted status until a matching Unhalt.
func (b *Bridge) Halt() { b.haltCount++ }

// Unhalt lifts one forced halt.
func (b *Bridge) Unhalt() {
	if b.haltCount > 0 {
		b.haltCount--
	}
}

// Initiate starts a transfer by submitting the lock (or burn) transaction.
func (b *Bridge) Initiate(req Request, now int64) (Transfer, error) {
	if b.fatal {
		return Transfer{}, fmt.Errorf("initiate %s on %s: %w", req.ID, b.cfg.ID, ErrBridgeFatal)
	}
	if b.Status() == StatusHalted {
		return Transfer{}, fmt.Errorf("initiate %s on %s: %w", req.ID, b.cfg.ID, ErrBridgeHalted)
	}
	if req.Amount.IsZero() {
		return Transfer{}, fmt.Errorf("initiate %s on %s: %w", req.ID, b.cfg.ID, ErrInvalidAmount)
	}
	if _, dup := b.transfers[req.ID]; dup || req.ID == "" {
		return Transfer{}, fmt.Errorf("initiate %q on %s: %w", req.ID, b.cfg.ID, ErrDuplicateTransfer)
	}
	dir := req.Direction
	if dir == "" {
		dir = Forward
	}
	from, to := b.src, b.dst
	tag := TagLock
	if dir == Reverse {
		from, to = b.dst, b.src
		tag = TagBurn
	}
	tx, err := from.Submit(chain.Transaction{Kind: chain.PayloadTransfer, Ref: req.ID, Tag: tag, Amount: req.Amount})
	if err != nil {
		return Transfer{}, fmt.Errorf("initiate %s on %s: %w", req.ID, b.cfg.ID, err)
	}
	b.nonces[dir]++
	t := &Transfer{
		ID:            req.ID,
		Bridge:        b.cfg.ID,
		Direction:     dir,
		Token:         req.Token,
		Amount:        req.Amount,
		From:          from.ID(),
		To:            to.ID(),
		State:         StateInitiated,
		Nonce:         b.nonces[dir],
		SourceTx:      tx.ID,
		InitiatedAt:   now,
		Probe:         req.Probe,
		SuppressRelay: req.SuppressRelay,
		History:       []Transition{{State: StateInitiated, Tick: now}},
	}
	t.PayloadHash = PayloadHash(b.cfg.ID, dir, t.Nonce, t.ID, t.Token, &t.Amount)
	if b.cfg.TransferTimeout > 0 {
		t.Deadline = now + b.cfg.TransferTimeout
	}
	b.transfers[t.ID] = t
	b.order = append(b.order, t.ID)
	b.emitTransfer(t, "", StateInitiated, now, "")
	return *t, nil
}

// Process runs one tick of reconciliation. While halted, in-flight transfers
// are frozen: their timeouts are pushed back and deliveries stay buffered.
func (b *Bridge) Process(now int64) {
	b.refreshStatus(now)
	if b.Status() == StatusHalted {
		for _, id := range b.order {
			t := b.transfers[id]
			if t.State.Terminal() {
				continue
			}
			t.Interrupted = true
			if t.Deadline > 0 {
				t.Deadline++
			}
			if t.ChallengeDeadline > 0 {
				t.ChallengeDeadline++
			}
		}
		return
	}
	if len(b.inbox) > 0 {
		buffered := b.inbox
		b.inbox = nil
		for _, m := range buffered {
			_, _ = b.Receive(m, now)
		}
	}
	for _, id := range b.order {
		t := b.transfers[id]
		if t.State.Terminal() {
			continue
		}
		if t.Deadline > 0 && now >= t.Deadline {
			b.fail(t, now, ErrTransferTimeout, fmt.Sprintf("no completion by tick %d", t.Deadline))
			continue
		}
		b.reconcile(t, now)
	}
}

// Receive handles a message popped from the relay.
func (b *Bridge) Receive(msg relay.Message, now int64) (Delivery, error) {
	if msg.Status == relay.StatusDropped {
		b.handleDrop(msg, now)
		return DeliveryDropped, nil
	}
	if b.fatal {
		b.emitReject(msg, now, ErrBridgeFatal)
		return DeliveryRejected, fmt.Errorf("message %s: %w", msg.ID, ErrBridgeFatal)
	}
	if b.Status() == StatusHalted {
		b.inbox = append(b.inbox, msg)
		return DeliveryBuffered, nil
	}
	dir := Direction(msg.Direction)
	if dir == "" {
		dir = Forward
	}
	if prev, replay := b.seen[dir][msg.Nonce]; replay {
		return b.handleReplay(msg, b.transfers[prev], now)
	}
	t, ok := b.transfers[msg.Ref]
	if !ok {
		b.emitReject(msg, now, ErrUnknownTransfer)
		return DeliveryRejected, fmt.Errorf("message %s nonce %d: %w", msg.ID, msg.Nonce, ErrUnknownTransfer)
	}
	if b.cfg.Security.VerifyPayload && msg.PayloadHash != t.PayloadHash {
		b.emitReject(msg, now, ErrPayloadMismatch)
		return DeliveryRejected, fmt.Errorf("message %s for %s: %w", msg.ID, t.ID, ErrPayloadMismatch)
	}
	if t.Delivered || t.State.Terminal() {
		// A second message for an already served transfer under a fresh nonce.
		return b.handleReplay(msg, t, now)
	}
	b.seen[dir][msg.Nonce] = t.ID
	t.Delivered = true
	t.DeliveredAt = now
	t.MessageID = msg.ID
	b.accepted = append(b.accepted, msg)
	b.reconcile(t, now)
	if t.State == StateMessageConfirmed || t.State == StateMinted || t.State == StateChallengeable || t.State == StateComplete {
		return DeliveryAccepted, nil
	}
	return DeliveryHeld, nil
}

// Challenge disputes an optimistic destination action inside its window.
func (b *Bridge) Challenge(id string, now int64) error {
	t, ok := b.transfers[id]
	if !ok {
		return fmt.Errorf("challenge %s on %s: %w", id, b.cfg.ID, ErrUnknownTransfer)
	}
	if t.State != StateChallengeable {
		return fmt.Errorf("challenge %s in state %s: %w", id, t.State, ErrNotChallengeable)
	}
	if now >= t.ChallengeDeadline {
		return fmt.Errorf("challenge %s at tick %d (deadline %d): %w", id, now, t.ChallengeDeadline, ErrChallengeWindowClosed)
	}
	b.transition(t, StateChallenged, now, "")
	to := b.chainByID(t.To)
	if t.DestTx != "" {
		_ = to.Revert(t.DestTx)
	}
	b.totals.Minted.Sub(&b.totals.Minted, &t.MintedAmount)
	t.MintedAmount.Clear()
	b.refund(t)
	t.EndedAt = now
	b.transition(t, StateReverted, now, "destination action reverted by challenge")
	return nil
}

// Fail terminates a transfer on explicit failure injection.
func (b *Bridge) Fail(id string, now int64, reason string) error {
	t, ok := b.transfers[id]
	if !ok {
		return fmt.Errorf("fail %s on %s: %w", id, b.cfg.ID, ErrUnknownTransfer)
	}
	if t.State.Terminal() {
		return nil
	}
	b.fail(t, now, ErrInjectedFailure, reason)
	return nil
}

// SetFatal halts the bridge for the rest of the scenario and fails every
// in-flight transfer with a terminal outcome.
func (b *Bridge) SetFatal(now int64, reason string) {
	if b.fatal {
		return
	}
	b.fatal = true
	for _, id := range b.order {
		t := b.transfers[id]
		if !t.State.Terminal() {
			b.fail(t, now, ErrBridgeFatal, reason)
		}
	}
	b.inbox = nil
	b.refreshStatus(now)
}

// Transfer returns a copy of the transfer with id.
func (b *Bridge) Transfer(id string) (Transfer, bool) {
	t, ok := b.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// Transfers returns copies of all transfers in initiation order.
func (b *Bridge) Transfers() []Transfer {
	out := make([]Transfer, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.transfers[id])
	}
	return out
}

// AwaitingDelivery returns transfers whose message is still in flight.
func (b *Bridge) AwaitingDelivery() []Transfer {
	var out []Transfer
	for _, id := range b.order {
		t := b.transfers[id]
		if t.State == StateMessageSent && !t.Delivered {
			out = append(out, *t)
		}
	}
	return out
}

// Accepted returns every message the bridge accepted, in acceptance order.
func (b *Bridge) Accepted() []relay.Message {
	out := make([]relay.Message, len(b.accepted))
	copy(out, b.accepted)
	return out
}

// Idle reports whether the bridge has no in-flight transfer or buffered message.
func (b *Bridge) Idle() bool {
	if b.fatal {
		return true
	}
	if len(b.inbox) > 0 {
		return false
	}
	for _, t := range b.transfers {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

// Totals returns cumulative locked and minted amounts.
func (b *Bridge) Totals() Totals { return b.totals }

// CheckConservation returns one error per completed transfer whose minted
// amount differs from its locked amount, plus one if the bridge minted more
// than it ever locked.
func (b *Bridge) CheckConservation() []error {
	var errs []error
	for _, id := range b.order {
		t := b.transfers[id]
		if t.State == StateComplete && !t.MintedAmount.Eq(&t.Amount) {
			errs = append(errs, fmt.Errorf("transfer %s locked %s minted %s: %w",
				t.ID, t.Amount.Dec(), t.MintedAmount.Dec(), ErrConservationViolation))
		}
	}
	if b.totals.Minted.Gt(&b.totals.Locked) {
		errs = append(errs, fmt.Errorf("bridge %s locked %s minted %s: %w",
			b.cfg.ID, b.totals.Locked.Dec(), b.totals.Minted.Dec(), ErrUnbackedMint))
	}
	return errs
}

// Snapshot summarizes the bridge.
func (b *Bridge) Snapshot() Info {
	inFlight := 0
	for _, t := range b.transfers {
		if !t.State.Terminal() {
			inFlight++
		}
	}
	return Info{
		ID:          b.cfg.ID,
		Kind:        b.cfg.Kind,
		Status:      b.Status(),
		Source:      b.cfg.Source,
		Destination: b.cfg.Destination,
		Validators:  b.validators.Total(),
		Failed:      b.validators.Failed(),
		Quorum:      b.validators.Quorum(),
		InFlight:    inFlight,
		Buffered:    len(b.inbox),
		Locked:      b.totals.Locked.Dec(),
		Minted:      b.totals.Minted.Dec(),
		Fatal:       b.fatal,
	}
}

// Drain returns and clears the rows emitted since the last call.
func (b *Bridge) Drain() []event.Row {
	rows := b.rows
	b.rows = nil
	return rows
}

// reconcile moves a transfer forward as far as current chain state allows.
func (b *Bridge) reconcile(t *Transfer, now int64) {
	from, to := b.chainByID(t.From), b.chainByID(t.To)
	if t.State == StateInitiated && from.Confirmations(t.SourceTx) >= 0 {
		b.totals.Locked.Add(&b.totals.Locked, &t.Amount)
		b.transition(t, StateLocked, now, "")
	}
	if t.State == StateLocked && !t.SuppressRelay {
		b.send(t, now)
		b.transition(t, StateMessageSent, now, "")
	}
	if t.Delivered && (t.State == StateInitiated || t.State == StateLocked || t.State == StateMessageSent) {
		switch {
		case b.rules.challengeWindow:
			b.execute(t, now)
			if t.DestTx == "" {
				return
			}
			t.ChallengeDeadline = now + b.cfg.ChallengePeriod
			b.transition(t, StateMinted, now, "optimistic execution")
			b.transition(t, StateChallengeable, now, fmt.Sprintf("challenge window until tick %d", t.ChallengeDeadline))
		case b.rules.waitConfirmations:
			if b.cfg.Security.EnforceConfirmations && from.Confirmations(t.SourceTx) < b.cfg.ConfirmationThreshold {
				return
			}
			b.transition(t, StateMessageConfirmed, now, "")
			b.execute(t, now)
		}
	}
	switch t.State {
	case StateMessageConfirmed:
		if t.DestTx == "" {
			b.execute(t, now)
		}
		if t.DestTx != "" && to.Confirmations(t.DestTx) >= 0 {
			t.MintedAmount.Add(&t.MintedAmount, &t.Amount)
			b.totals.Minted.Add(&b.totals.Minted, &t.Amount)
			b.transition(t, StateMinted, now, "")
			t.EndedAt = now
			b.transition(t, StateComplete, now, "")
		}
	case StateChallengeable:
		if now >= t.ChallengeDeadline {
			b.transition(t, StateFinalized, now, "challenge window elapsed")
			t.EndedAt = now
			b.transition(t, StateComplete, now, "")
		}
	}
}

// execute submits the destination action. Optimistic bridges count the
// minted amount immediately; lock-and-mint counts it on inclusion.
func (b *Bridge) execute(t *Transfer, now int64) {
	to := b.chainByID(t.To)
	tag := TagMint
	if t.Direction == Reverse {
		tag = TagRelease
	}
	tx, err := to.Submit(chain.Transaction{Kind: chain.PayloadBridgeMessage, Ref: t.ID, Tag: tag, Amount: t.Amount})
	if err != nil {
		// Destination halted; retried on the next tick.
		return
	}
	t.DestTx = tx.ID
	if b.rules.challengeWindow {
		t.MintedAmount.Add(&t.MintedAmount, &t.Amount)
		b.totals.Minted.Add(&b.totals.Minted, &t.Amount)
	}
}

func (b *Bridge) send(t *Transfer, now int64) {
	latency := b.cfg.Latency
	drop := b.cfg.DropProbability
	if b.Status() == StatusDegraded {
		latency = int64(math.Ceil(float64(latency) * b.cfg.DegradedLatencyMult))
		drop = math.Min(1, drop*b.cfg.DegradedFailureMult)
	}
	msg := relay.Message{
		Channel:     b.cfg.ID,
		Kind:        relay.KindTransfer,
		From:        t.From,
		To:          t.To,
		Direction:   string(t.Direction),
		Nonce:       t.Nonce,
		PayloadHash: t.PayloadHash,
		Ref:         t.ID,
	}
	sent := b.relay.SendJittered(msg, latency, b.cfg.Jitter, drop)
	t.MessageID = sent.ID
	t.Attempts++
	b.emit(event.Row{Tick: now, Kind: event.KindMessageSent, Entity: sent.ID, Chain: t.From, To: t.To,
		Detail: fmt.Sprintf("transfer %s nonce %d attempt %d due tick %d", t.ID, t.Nonce, t.Attempts, sent.ScheduledAt), Probe: t.Probe})
}

func (b *Bridge) handleDrop(msg relay.Message, now int64) {
	b.emit(event.Row{Tick: now, Kind: event.KindMessageDropped, Entity: msg.ID, Chain: msg.From, To: msg.To,
		Detail: fmt.Sprintf("transfer %s nonce %d", msg.Ref, msg.Nonce), Probe: msg.ProbeID != ""})
	t, ok := b.transfers[msg.Ref]
	if !ok || msg.ProbeID != "" || t.Delivered || t.State != StateMessageSent || t.MessageID != msg.ID {
		return
	}
	if t.Attempts > b.cfg.MaxRetries {
		return
	}
	b.emit(event.Row{Tick: now, Kind: event.KindMessageRetry, Entity: t.ID, Detail: fmt.Sprintf("resend nonce %d", t.Nonce), Probe: t.Probe})
	b.send(t, now)
}

func (b *Bridge) handleReplay(msg relay.Message, t *Transfer, now int64) (Delivery, error) {
	b.emit(event.Row{Tick: now, Kind: event.KindMessageReplayed, Entity: msg.ID, Chain: msg.From, To: msg.To,
		Detail: fmt.Sprintf("nonce %d ref %s", msg.Nonce, msg.Ref), Probe: msg.ProbeID != ""})
	if b.cfg.Security.ReplayProtection || t == nil {
		return DeliveryRejected, fmt.Errorf("message %s nonce %d: %w", msg.ID, msg.Nonce, ErrReplayDetected)
	}
	// Vulnerable bridge: the destination action runs a second time.
	to := b.chainByID(t.To)
	tx, err := to.Submit(chain.Transaction{Kind: chain.PayloadBridgeMessage, Ref: t.ID, Tag: TagMint, Amount: t.Amount})
	if err != nil {
		return DeliveryRejected, err
	}
	t.MintedAmount.Add(&t.MintedAmount, &t.Amount)
	b.totals.Minted.Add(&b.totals.Minted, &t.Amount)
	b.accepted = append(b.accepted, msg)
	b.emit(event.Row{Tick: now, Kind: event.KindTransferState, Entity: t.ID, From: string(t.State), To: string(t.State),
		Amount: t.Amount.Dec(), Detail: "replayed message re-executed as " + tx.ID, Probe: t.Probe})
	return DeliveryAccepted, nil
}

func (b *Bridge) refund(t *Transfer) {
	from := b.chainByID(t.From)
	if t.Reached(StateLocked) {
		if _, err := from.Submit(chain.Transaction{Kind: chain.PayloadTransfer, Ref: t.ID, Tag: TagRefund, Amount: t.Amount}); err == nil {
			b.totals.Locked.Sub(&b.totals.Locked, &t.Amount)
		}
	}
}

func (b *Bridge) fail(t *Transfer, now int64, cause error, reason string) {
	if t.DestTx != "" {
		_ = b.chainByID(t.To).Revert(t.DestTx)
		b.totals.Minted.Sub(&b.totals.Minted, &t.MintedAmount)
		t.MintedAmount.Clear()
	}
	b.refund(t)
	t.FailureCode = outcome.CodeOf(cause)
	t.FailureReason = reason
	t.EndedAt = now
	b.transition(t, StateFailed, now, reason)
}

func (b *Bridge) transition(t *Transfer, to State, now int64, detail string) {
	from := t.State
	t.State = to
	t.History = append(t.History, Transition{State: to, Tick: now})
	b.emitTransfer(t, from, to, now, detail)
}

func (b *Bridge) emitTransfer(t *Transfer, from, to State, now int64, detail string) {
	b.emit(event.Row{
		Tick:      now,
		Kind:      event.KindTransferState,
		Entity:    t.ID,
		Chain:     t.From,
		From:      string(from),
		To:        string(to),
		Amount:    t.Amount.Dec(),
		Detail:    detail,
		Probe:     t.Probe,
		Recovered: to == StateComplete && t.Interrupted,
	})
}

func (b *Bridge) emitReject(msg relay.Message, now int64, cause error) {
	b.emit(event.Row{Tick: now, Kind: event.KindRejected, Entity: msg.ID, Chain: msg.From, To: msg.To,
		Detail: fmt.Sprintf("%v (ref %s nonce %d)", cause, msg.Ref, msg.Nonce), Probe: msg.ProbeID != ""})
}

func (b *Bridge) refreshStatus(now int64) {
	st := b.Status()
	if st == b.status {
		return
	}
	b.emit(event.Row{Tick: now, Kind: event.KindBridgeStatus, Entity: b.cfg.ID, From: string(b.status), To: string(st),
		Detail: fmt.Sprintf("failed validators %d/%d quorum %d", b.validators.Failed(), b.validators.Total(), b.validators.Quorum())})
	b.status = st
}

func (b *Bridge) emit(r event.Row) {
	r.Component = event.ComponentBridge
	r.Bridge = b.cfg.ID
	b.rows = append(b.rows, r)
}

func (b *Bridge) chainByID(id string) Chain {
	if b.src.ID() == id {
		return b.src
	}
	return b.dst
}

// PayloadHash binds a message to its transfer, nonce and amount.
func PayloadHash(bridgeID string, dir Direction, nonce uint64, transferID, token string, amount *uint256.Int) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(bridgeID))
	h.Write([]byte{0})
	h.Write([]byte(dir))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	h.Write([]byte(transferID))
	h.Write([]byte{0})
	h.Write([]byte(token))
	amt := amount.Bytes32()
	h.Write(amt[:])
	return hex.EncodeToString(h.Sum(nil))
}
