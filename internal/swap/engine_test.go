package swap

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"bridgesim/internal/chain"
	"bridgesim/internal/relay"
)

type swapHarness struct {
	t      *testing.T
	a, b   *chain.Chain
	relay  *relay.Relay
	engine *Engine
	now    int64
}

func newSwapHarness(t *testing.T, cfg Config) *swapHarness {
	t.Helper()
	a, err := chain.New(chain.Config{ID: "A", Confirmations: 1, FinalityBlocks: 5, BlockInterval: 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := chain.New(chain.Config{ID: "B", Confirmations: 1, FinalityBlocks: 5, BlockInterval: 1})
	if err != nil {
		t.Fatal(err)
	}
	r := relay.New(rand.New(rand.NewSource(3)))
	e := New(cfg, []Chain{a, b}, r, rand.New(rand.NewSource(4)))
	return &swapHarness{t: t, a: a, b: b, relay: r, engine: e}
}

func (h *swapHarness) step() {
	h.now++
	h.relay.SetNow(h.now)
	h.a.Advance(1)
	h.b.Advance(1)
	for _, m := range h.relay.Deliver(h.now) {
		h.engine.OnSecret(m, h.now)
	}
	h.engine.Process(h.now)
}

func (h *swapHarness) runUntilIdle(max int) {
	for i := 0; i < max && !h.engine.Idle(); i++ {
		h.step()
	}
}

func request(id string, ta, tb int64) Request {
	return Request{
		ID:           id,
		Initiator:    "alice",
		Counterparty: "bob",
		A:            LegSpec{Chain: "A", Token: "ETH", Amount: *uint256.NewInt(10), Timeout: ta},
		B:            LegSpec{Chain: "B", Token: "USDC", Amount: *uint256.NewInt(30000), Timeout: tb},
	}
}

func TestEqualTimeoutsRejected(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 1})
	if _, err := h.engine.Propose(request("s1", 100, 100), 0); !errors.Is(err, ErrInvalidTimeoutOrdering) {
		t.Fatalf("expected InvalidTimeoutOrdering, got %v", err)
	}
	if _, ok := h.engine.Contract("s1"); ok {
		t.Fatalf("contract created despite invalid ordering")
	}
	if len(h.a.PendingIDs()) != 0 {
		t.Fatalf("funding submitted for rejected swap")
	}
}

func TestHappyPathBothClaimed(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 2})
	if _, err := h.engine.Propose(request("s1", 40, 20), 0); err != nil {
		t.Fatal(err)
	}
	h.engine.Process(0)
	h.runUntilIdle(50)
	c, _ := h.engine.Contract("s1")
	if c.Status != StatusBothClaimed {
		t.Fatalf("status = %s (a=%s b=%s)", c.Status, c.A.State, c.B.State)
	}
	if c.A.Hashlock != c.B.Hashlock {
		t.Fatalf("legs use different hashlocks")
	}
	if len(h.engine.Violations()) != 0 {
		t.Fatalf("unexpected violations %v", h.engine.Violations())
	}
}

func TestNoClaimBothRefund(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 1})
	req := request("s1", 20, 10)
	req.ClaimAfter = 100
	if _, err := h.engine.Propose(req, 0); err != nil {
		t.Fatal(err)
	}
	h.engine.Process(0)
	for h.now < 15 {
		h.step()
	}
	if c, _ := h.engine.Contract("s1"); c.Status != StatusRefundedB {
		t.Fatalf("status after Tb = %s", c.Status)
	}
	h.runUntilIdle(30)
	c, _ := h.engine.Contract("s1")
	if c.Status != StatusRefundedA || c.A.State != LegRefunded || c.B.State != LegRefunded {
		t.Fatalf("status = %s (a=%s b=%s)", c.Status, c.A.State, c.B.State)
	}
}

func TestSettledContractRejectsSecondClaim(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 1})
	if _, err := h.engine.Propose(request("s1", 40, 20), 0); err != nil {
		t.Fatal(err)
	}
	h.engine.Process(0)
	h.runUntilIdle(50)
	secret, ok := h.engine.Preimage("s1")
	if !ok {
		t.Fatalf("preimage never revealed")
	}
	if err := h.engine.Claim("s1", LegA, "bob", secret, h.now); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second claim: %v", err)
	}
	if err := h.engine.Refund("s1", LegB, h.now); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("refund after claim: %v", err)
	}
}

func TestClaimChecks(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 1})
	req := request("s1", 40, 20)
	req.ClaimAfter = 100
	if _, err := h.engine.Propose(req, 0); err != nil {
		t.Fatal(err)
	}
	h.engine.Process(0)
	for i := 0; i < 3; i++ {
		h.step()
	}
	if err := h.engine.Claim("s1", LegB, "mallory", []byte("x"), h.now); !errors.Is(err, ErrUnauthorizedClaim) {
		t.Fatalf("unauthorized claim: %v", err)
	}
	if err := h.engine.Claim("s1", LegB, "alice", []byte("wrong"), h.now); !errors.Is(err, ErrInvalidPreimage) {
		t.Fatalf("wrong preimage: %v", err)
	}
	if err := h.engine.Refund("s1", LegB, h.now); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("early refund: %v", err)
	}
	if err := h.engine.Claim("nope", LegA, "bob", nil, h.now); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("unknown contract: %v", err)
	}
}

func TestLostPreimageLeavesSwapPartiallyStuck(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 2})
	if _, err := h.engine.Propose(request("s1", 30, 15), 0); err != nil {
		t.Fatal(err)
	}
	h.relay.Partition("A", "B")
	h.engine.Process(0)
	h.runUntilIdle(60)
	c, _ := h.engine.Contract("s1")
	if c.Status != StatusPartiallyStuck {
		t.Fatalf("status = %s (a=%s b=%s)", c.Status, c.A.State, c.B.State)
	}
	errs := h.engine.Violations()
	if len(errs) != 1 || !errors.Is(errs[0], ErrAtomicityViolation) {
		t.Fatalf("violations = %v", errs)
	}
}

func TestCensoredClaimExpires(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 1})
	if _, err := h.engine.Propose(request("s1", 30, 15), 0); err != nil {
		t.Fatal(err)
	}
	h.b.Censor(TagClaim)
	h.engine.Process(0)
	for h.now < 16 {
		h.step()
	}
	h.b.Uncensor(TagClaim)
	h.runUntilIdle(60)
	c, _ := h.engine.Contract("s1")
	if c.Status != StatusRefundedA {
		t.Fatalf("status = %s (a=%s b=%s)", c.Status, c.A.State, c.B.State)
	}
}

func TestChainLostEndsOpenContracts(t *testing.T) {
	h := newSwapHarness(t, Config{SecretLatency: 50})
	waiting := request("s1", 80, 60)
	waiting.ClaimAfter = 40
	if _, err := h.engine.Propose(waiting, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Propose(request("s2", 80, 60), 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if c, _ := h.engine.Contract("s2"); c.B.State == LegClaimed {
			break
		}
		h.step()
	}
	if c, _ := h.engine.Contract("s2"); c.B.State != LegClaimed || c.SecretKnown {
		t.Fatalf("s2 setup: leg b %s secret known %v", c.B.State, c.SecretKnown)
	}

	h.engine.ChainLost("A", h.now, "reorg beyond finality")

	s1, _ := h.engine.Contract("s1")
	if s1.Status != StatusFailed || s1.EndedAt != h.now || s1.Failure == "" {
		t.Fatalf("s1 status %s ended %d failure %q", s1.Status, s1.EndedAt, s1.Failure)
	}
	s2, _ := h.engine.Contract("s2")
	if s2.Status != StatusPartiallyStuck || s2.Violation == "" {
		t.Fatalf("s2 status %s violation %q", s2.Status, s2.Violation)
	}
	if errs := h.engine.Violations(); len(errs) != 1 || !errors.Is(errs[0], ErrAtomicityViolation) {
		t.Fatalf("violations = %v", errs)
	}
	if err := h.engine.Refund("s1", LegB, h.now); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("refund after chain loss: %v", err)
	}
	if !h.engine.Idle() {
		t.Fatalf("engine not idle")
	}

	if _, err := h.engine.Propose(request("s3", 80, 60), h.now); err != nil {
		t.Fatal(err)
	}
	h.step()
	if c, _ := h.engine.Contract("s3"); c.Status != StatusFailed {
		t.Fatalf("s3 proposed after loss: status %s", c.Status)
	}
}
