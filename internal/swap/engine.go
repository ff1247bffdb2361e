// Package swap runs two-leg hashed-timelock swaps across simulated chains.
package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/rand"

	"golang.org/x/crypto/sha3"

	"bridgesim/internal/chain"
	"bridgesim/internal/event"
	"bridgesim/internal/relay"
)

// Engine owns every swap contract of a scenario.
type Engine struct {
	cfg       Config
	chains    map[string]Chain
	relay     Relay
	rng       *rand.Rand
	contracts map[string]*Contract
	order     []string
	lost      map[string]string // chain id -> reason
	rows      []event.Row
}

// New creates an engine over chains. rng supplies preimages.
func New(cfg Config, chains []Chain, r Relay, rng *rand.Rand) *Engine {
	m := make(map[string]Chain, len(chains))
	for _, c := range chains {
		m[c.ID()] = c
	}
	return &Engine{cfg: cfg, chains: m, relay: r, rng: rng, contracts: make(map[string]*Contract), lost: make(map[string]string)}
}

// Hashlock returns the hex keccak-256 of preimage.
func Hashlock(preimage []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(preimage)
	return hex.EncodeToString(h.Sum(nil))
}

// Propose validates req and registers the contract. Leg A is funded on the
// next Process call.
func (e *Engine) Propose(req Request, now int64) (Contract, error) {
	if req.B.Timeout >= req.A.Timeout {
		return Contract{}, fmt.Errorf("swap %s: Tb=%d Ta=%d: %w", req.ID, req.B.Timeout, req.A.Timeout, ErrInvalidTimeoutOrdering)
	}
	if req.ID == "" {
		return Contract{}, fmt.Errorf("swap id required: %w", ErrDuplicateContract)
	}
	if _, dup := e.contracts[req.ID]; dup {
		return Contract{}, fmt.Errorf("swap %s: %w", req.ID, ErrDuplicateContract)
	}
	for _, id := range []string{req.A.Chain, req.B.Chain} {
		if _, ok := e.chains[id]; !ok {
			return Contract{}, fmt.Errorf("swap %s: chain %q: %w", req.ID, id, ErrUnknownChain)
		}
	}
	if req.A.Chain == req.B.Chain {
		return Contract{}, fmt.Errorf("swap %s: both legs on %s: %w", req.ID, req.A.Chain, ErrUnknownChain)
	}
	if req.A.Amount.IsZero() || req.B.Amount.IsZero() {
		return Contract{}, fmt.Errorf("swap %s: %w", req.ID, ErrInvalidAmount)
	}
	initiator, counterparty := req.Initiator, req.Counterparty
	if initiator == "" {
		initiator = "alice"
	}
	if counterparty == "" {
		counterparty = "bob"
	}
	preimage := make([]byte, 32)
	e.rng.Read(preimage)
	lock := Hashlock(preimage)
	c := &Contract{
		ID:           req.ID,
		Initiator:    initiator,
		Counterparty: counterparty,
		A:            newLeg(req.A, lock, initiator, counterparty),
		B:            newLeg(req.B, lock, counterparty, initiator),
		Status:       StatusInitiated,
		ProposedAt:   now,
		ClaimAfter:   req.ClaimAfter,
		preimage:     preimage,
	}
	e.contracts[c.ID] = c
	e.order = append(e.order, c.ID)
	e.emit(c, now, "", StatusInitiated, fmt.Sprintf("Ta=%d Tb=%d", c.A.TimeoutHeight, c.B.TimeoutHeight))
	return *c, nil
}

func newLeg(spec LegSpec, lock, sender, recipient string) Leg {
	return Leg{
		Chain:         spec.Chain,
		Token:         spec.Token,
		Amount:        spec.Amount,
		Hashlock:      lock,
		TimeoutHeight: spec.Timeout,
		Sender:        sender,
		Recipient:     recipient,
		State:         LegUnfunded,
	}
}

// Claim submits a claim of leg by claimant with preimage.
func (e *Engine) Claim(id string, leg LegName, claimant string, preimage []byte, now int64) error {
	c, ok := e.contracts[id]
	if !ok {
		return fmt.Errorf("claim %s: %w", id, ErrUnknownContract)
	}
	l := c.Leg(leg)
	switch {
	case c.Status.Terminal() || l.State.settled():
		return fmt.Errorf("claim %s/%s: %w", id, leg, ErrAlreadySettled)
	case l.State != LegFunded:
		return fmt.Errorf("claim %s/%s in state %s: %w", id, leg, l.State, ErrNotFunded)
	case claimant != l.Recipient:
		return fmt.Errorf("claim %s/%s by %s: %w", id, leg, claimant, ErrUnauthorizedClaim)
	case Hashlock(preimage) != l.Hashlock:
		return fmt.Errorf("claim %s/%s: %w", id, leg, ErrInvalidPreimage)
	case l.ClaimTx != "":
		return fmt.Errorf("claim %s/%s: claim pending: %w", id, leg, ErrAlreadySettled)
	}
	ch := e.chains[l.Chain]
	if ch.Height() >= l.TimeoutHeight {
		return fmt.Errorf("claim %s/%s at height %d (timeout %d): %w", id, leg, ch.Height(), l.TimeoutHeight, ErrTimeoutElapsed)
	}
	tx, err := ch.Submit(chain.Transaction{Kind: chain.PayloadSwapStep, Ref: id, Tag: TagClaim, Amount: l.Amount})
	if err != nil {
		return fmt.Errorf("claim %s/%s: %w", id, leg, err)
	}
	l.ClaimTx = tx.ID
	e.emitLeg(c, leg, now, "claim submitted by "+claimant)
	return nil
}

// Refund submits the refund of leg once its timeout height is reached.
func (e *Engine) Refund(id string, leg LegName, now int64) error {
	c, ok := e.contracts[id]
	if !ok {
		return fmt.Errorf("refund %s: %w", id, ErrUnknownContract)
	}
	l := c.Leg(leg)
	switch {
	case c.Status.Terminal() || l.State.settled() || l.RefundTx != "":
		return fmt.Errorf("refund %s/%s: %w", id, leg, ErrAlreadySettled)
	case l.State != LegFunded:
		return fmt.Errorf("refund %s/%s in state %s: %w", id, leg, l.State, ErrNotFunded)
	}
	ch := e.chains[l.Chain]
	if ch.Height() < l.TimeoutHeight {
		return fmt.Errorf("refund %s/%s at height %d (timeout %d): %w", id, leg, ch.Height(), l.TimeoutHeight, ErrTimeoutNotReached)
	}
	tx, err := ch.Submit(chain.Transaction{Kind: chain.PayloadSwapStep, Ref: id, Tag: TagRefund, Amount: l.Amount})
	if err != nil {
		return fmt.Errorf("refund %s/%s: %w", id, leg, err)
	}
	l.RefundTx = tx.ID
	e.emitLeg(c, leg, now, "refund submitted")
	return nil
}

// OnSecret handles a preimage relayed from leg B's chain to the counterparty.
func (e *Engine) OnSecret(msg relay.Message, now int64) {
	c, ok := e.contracts[msg.Ref]
	if !ok || c.Status.Terminal() {
		return
	}
	if msg.Status == relay.StatusDropped {
		e.rows = append(e.rows, event.Row{Tick: now, Component: event.ComponentSwap, Kind: event.KindMessageDropped,
			Entity: msg.ID, Chain: msg.From, To: msg.To, Detail: "preimage for " + c.ID})
		if c.SecretSends <= e.cfg.SecretRetries {
			e.sendSecret(c, now)
		}
		return
	}
	if Hashlock(msg.Payload) != c.A.Hashlock {
		return
	}
	c.SecretKnown = true
}

// Process advances every contract by one tick.
func (e *Engine) Process(now int64) {
	for _, id := range e.order {
		c := e.contracts[id]
		if c.Status.Terminal() {
			continue
		}
		if e.abortIfLost(c, now) {
			continue
		}
		e.sync(c, LegA, now)
		e.sync(c, LegB, now)
		e.act(c, now)
		e.updateStatus(c, now)
	}
}

// ChainLost ends every open contract with a leg on chainID. Contracts
// proposed on it later end on their first Process call.
func (e *Engine) ChainLost(chainID string, now int64, reason string) {
	e.lost[chainID] = reason
	for _, id := range e.order {
		c := e.contracts[id]
		if !c.Status.Terminal() {
			e.abortIfLost(c, now)
		}
	}
}

// abortIfLost settles c when one of its legs sits on a lost chain. A contract
// with one leg already claimed is stuck; otherwise it failed.
func (e *Engine) abortIfLost(c *Contract, now int64) bool {
	chainID := c.A.Chain
	reason, ok := e.lost[chainID]
	if !ok {
		chainID = c.B.Chain
		if reason, ok = e.lost[chainID]; !ok {
			return false
		}
	}
	prev := c.Status
	c.Failure = fmt.Sprintf("chain %s: %s", chainID, reason)
	c.Status = StatusFailed
	if c.A.State == LegClaimed || c.B.State == LegClaimed {
		c.Status = StatusPartiallyStuck
		c.Violation = fmt.Sprintf("leg a %s, leg b %s, %s", c.A.State, c.B.State, c.Failure)
	}
	c.EndedAt = now
	e.emit(c, now, prev, c.Status, c.Failure)
	return true
}

// sync folds on-chain inclusion of the leg's transactions into its state.
func (e *Engine) sync(c *Contract, name LegName, now int64) {
	l := c.Leg(name)
	ch := e.chains[l.Chain]
	switch l.State {
	case LegFunding:
		if tx, ok := ch.Tx(l.FundTx); ok && tx.Included() {
			l.State = LegFunded
			e.emitLeg(c, name, now, "funded")
		} else if ch.Height() >= l.TimeoutHeight {
			_ = ch.Revert(l.FundTx)
			l.State = LegExpired
			l.SettledAt = now
			e.emitLeg(c, name, now, "funding missed timeout")
		}
	case LegFunded:
		if l.ClaimTx != "" {
			if tx, ok := ch.Tx(l.ClaimTx); ok && tx.Included() {
				if tx.Height < l.TimeoutHeight {
					l.State = LegClaimed
					l.SettledAt = now
					e.emitLeg(c, name, now, fmt.Sprintf("claimed at height %d", tx.Height))
					if name == LegB {
						c.revealed = true
					}
					return
				}
				_ = ch.Revert(l.ClaimTx)
				l.ClaimTx = ""
				e.emitLeg(c, name, now, fmt.Sprintf("claim included at height %d past timeout", tx.Height))
			}
		}
		if l.RefundTx != "" {
			if tx, ok := ch.Tx(l.RefundTx); ok && tx.Included() {
				if l.ClaimTx != "" {
					_ = ch.Revert(l.ClaimTx)
				}
				l.State = LegRefunded
				l.SettledAt = now
				e.emitLeg(c, name, now, "refunded")
			}
		}
	}
}

// act performs the honest parties' next protocol steps.
func (e *Engine) act(c *Contract, now int64) {
	a, b := &c.A, &c.B
	chA, chB := e.chains[a.Chain], e.chains[b.Chain]

	if a.State == LegUnfunded && chA.Height() < a.TimeoutHeight {
		if tx, err := chA.Submit(chain.Transaction{Kind: chain.PayloadSwapStep, Ref: c.ID, Tag: TagFund, Amount: a.Amount}); err == nil {
			a.FundTx = tx.ID
			a.State = LegFunding
		}
	} else if a.State == LegUnfunded {
		a.State = LegExpired
		a.SettledAt = now
		e.emitLeg(c, LegA, now, "never funded")
	}

	// The counterparty locks only after seeing leg A on chain.
	if a.State == LegFunded && b.State == LegUnfunded && chB.Height() < b.TimeoutHeight {
		if tx, err := chB.Submit(chain.Transaction{Kind: chain.PayloadSwapStep, Ref: c.ID, Tag: TagFund, Amount: b.Amount}); err == nil {
			b.FundTx = tx.ID
			b.State = LegFunding
		}
	}

	if a.State == LegFunded && b.State == LegFunded && c.FundedAt == 0 {
		c.FundedAt = now
	}

	if b.State == LegFunded && b.ClaimTx == "" && b.RefundTx == "" && c.FundedAt > 0 && now >= c.FundedAt+c.ClaimAfter &&
		chB.Height() < b.TimeoutHeight {
		_ = e.Claim(c.ID, LegB, c.Initiator, c.preimage, now)
	}

	if c.revealed && c.SecretSends == 0 {
		e.sendSecret(c, now)
	}

	if c.SecretKnown && a.State == LegFunded && a.ClaimTx == "" && a.RefundTx == "" && chA.Height() < a.TimeoutHeight {
		_ = e.Claim(c.ID, LegA, c.Counterparty, c.preimage, now)
	}

	for _, name := range []LegName{LegB, LegA} {
		l := c.Leg(name)
		if l.State == LegFunded && l.RefundTx == "" && e.chains[l.Chain].Height() >= l.TimeoutHeight {
			_ = e.Refund(c.ID, name, now)
		}
	}
}

func (e *Engine) sendSecret(c *Contract, now int64) {
	msg := relay.Message{
		Channel: "swap/" + c.ID,
		Kind:    relay.KindSwapSecret,
		From:    c.B.Chain,
		To:      c.A.Chain,
		Ref:     c.ID,
		Payload: bytes.Clone(c.preimage),
	}
	sent := e.relay.Send(msg, e.cfg.SecretLatency, e.cfg.SecretDropProb)
	c.SecretSends++
	e.rows = append(e.rows, event.Row{Tick: now, Component: event.ComponentSwap, Kind: event.KindMessageSent,
		Entity: sent.ID, Chain: c.B.Chain, To: c.A.Chain, Detail: fmt.Sprintf("preimage for %s due tick %d", c.ID, sent.ScheduledAt)})
}

func (e *Engine) updateStatus(c *Contract, now int64) {
	next := deriveStatus(c)
	if next == c.Status {
		return
	}
	prev := c.Status
	c.Status = next
	detail := ""
	if next == StatusPartiallyStuck {
		c.Violation = fmt.Sprintf("leg a %s, leg b %s", c.A.State, c.B.State)
		detail = c.Violation
	}
	if next.Terminal() {
		c.EndedAt = now
	}
	e.emit(c, now, prev, next, detail)
}

func deriveStatus(c *Contract) Status {
	a, b := c.A.State, c.B.State
	gone := func(s LegState) bool { return s == LegRefunded || s == LegExpired }
	switch {
	case a == LegClaimed && b == LegClaimed:
		return StatusBothClaimed
	case (a == LegClaimed && gone(b)) || (b == LegClaimed && gone(a)):
		return StatusPartiallyStuck
	case gone(a) && (gone(b) || b == LegUnfunded):
		return StatusRefundedA
	case gone(b):
		return StatusRefundedB
	case c.FundedAt > 0:
		return StatusBothFunded
	default:
		return StatusInitiated
	}
}

// Contract returns a copy of the contract with id.
func (e *Engine) Contract(id string) (Contract, bool) {
	c, ok := e.contracts[id]
	if !ok {
		return Contract{}, false
	}
	return *c, true
}

// Contracts returns copies of every contract in proposal order.
func (e *Engine) Contracts() []Contract {
	out := make([]Contract, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.contracts[id])
	}
	return out
}

// Preimage returns the secret of a contract once it has been revealed on
// chain, as any observer of chain B could read it.
func (e *Engine) Preimage(id string) ([]byte, bool) {
	c, ok := e.contracts[id]
	if !ok || !c.revealed {
		return nil, false
	}
	return bytes.Clone(c.preimage), true
}

// Violations returns one error per contract stuck in a mixed terminal state.
func (e *Engine) Violations() []error {
	var errs []error
	for _, id := range e.order {
		c := e.contracts[id]
		if c.Status == StatusPartiallyStuck {
			errs = append(errs, fmt.Errorf("swap %s: %s: %w", c.ID, c.Violation, ErrAtomicityViolation))
		}
	}
	return errs
}

// Idle reports whether every contract is terminal.
func (e *Engine) Idle() bool {
	for _, c := range e.contracts {
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}

// Drain returns and clears the rows emitted since the last call.
func (e *Engine) Drain() []event.Row {
	rows := e.rows
	e.rows = nil
	return rows
}

func (e *Engine) emit(c *Contract, now int64, from, to Status, detail string) {
	e.rows = append(e.rows, event.Row{
		Tick:      now,
		Component: event.ComponentSwap,
		Kind:      event.KindSwapState,
		Entity:    c.ID,
		Chain:     c.A.Chain,
		From:      string(from),
		To:        string(to),
		Amount:    c.A.Amount.Dec(),
		Detail:    detail,
	})
}

func (e *Engine) emitLeg(c *Contract, leg LegName, now int64, detail string) {
	l := c.Leg(leg)
	e.rows = append(e.rows, event.Row{
		Tick:      now,
		Component: event.ComponentSwap,
		Kind:      event.KindSwapState,
		Entity:    c.ID + "/" + string(leg),
		Chain:     l.Chain,
		From:      string(c.Status),
		To:        string(c.Status),
		Amount:    l.Amount.Dec(),
		Detail:    detail,
	})
}
