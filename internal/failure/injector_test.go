package failure

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"bridgesim/internal/bridge"
	"bridgesim/internal/chain"
	"bridgesim/internal/relay"
	"bridgesim/internal/swap"
)

type world struct {
	t      *testing.T
	chains map[string]*chain.Chain
	relay  *relay.Relay
	bridge *bridge.Bridge
	swaps  *swap.Engine
	inj    *Injector
	now    int64
}

func newWorld(t *testing.T, bcfg bridge.Config, events []Event) *world {
	t.Helper()
	chains := map[string]*chain.Chain{}
	for _, id := range []string{"A", "B"} {
		c, err := chain.New(chain.Config{ID: id, Confirmations: 2, FinalityBlocks: 5, BlockInterval: 1})
		if err != nil {
			t.Fatal(err)
		}
		chains[id] = c
	}
	rng := rand.New(rand.NewSource(11))
	r := relay.New(rng)
	bcfg.ID, bcfg.Source, bcfg.Destination = "ab", "A", "B"
	if bcfg.Kind == "" {
		bcfg.Kind = bridge.KindLockAndMint
	}
	b, err := bridge.New(bcfg, chains["A"], chains["B"], r)
	if err != nil {
		t.Fatal(err)
	}
	sw := swap.New(swap.Config{SecretLatency: 2}, []swap.Chain{chains["A"], chains["B"]}, r, rng)
	inj, err := New(events, Targets{
		Chains:  chains,
		Bridges: map[string]*bridge.Bridge{"ab": b},
		Relay:   r,
		Swaps:   sw,
		SwapIDs: []string{"s1"},
	}, rng)
	if err != nil {
		t.Fatalf("new injector: %v", err)
	}
	return &world{t: t, chains: chains, relay: r, bridge: b, swaps: sw, inj: inj}
}

func secure() bridge.Config {
	return bridge.Config{ConfirmationThreshold: 2, Latency: 3, Validators: 10, Quorum: 7, Security: bridge.DefaultSecurity()}
}

func (w *world) step() {
	w.now++
	w.relay.SetNow(w.now)
	w.inj.Step(w.now)
	w.chains["A"].Advance(1)
	w.chains["B"].Advance(1)
	for _, m := range w.relay.Deliver(w.now) {
		if m.Kind == relay.KindSwapSecret {
			w.swaps.OnSecret(m, w.now)
			continue
		}
		d, err := w.bridge.Receive(m, w.now)
		if m.ProbeID != "" {
			w.inj.OnProbeResult(m, d, err, w.now)
		}
	}
	w.bridge.Process(w.now)
	w.swaps.Process(w.now)
}

func (w *world) run(ticks int) {
	for i := 0; i < ticks; i++ {
		w.step()
	}
}

func (w *world) transfer(id string, amount uint64) {
	w.t.Helper()
	if _, err := w.bridge.Initiate(bridge.Request{ID: id, Amount: *uint256.NewInt(amount)}, w.now); err != nil {
		w.t.Fatalf("initiate: %v", err)
	}
}

func onlyFinding(t *testing.T, in *Injector) Finding {
	t.Helper()
	fs := in.Findings()
	if len(fs) != 1 {
		t.Fatalf("findings = %+v", fs)
	}
	return fs[0]
}

func TestNewReportsAllInvalidEvents(t *testing.T) {
	chains := map[string]*chain.Chain{}
	_, err := New([]Event{
		{Kind: KindBridgeHalt, Target: "nope"},
		{Kind: "meteor", Target: "A"},
		{Kind: KindChainHalt, Target: "A", Start: -1},
	}, Targets{Chains: chains}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []error{ErrUnknownTarget, ErrUnknownKind, ErrInvalidEvent} {
		if !errors.Is(err, want) {
			t.Fatalf("error %v does not include %v", err, want)
		}
	}
}

func TestValidatorFailureHaltsUntilDurationElapses(t *testing.T) {
	w := newWorld(t, secure(), []Event{
		{ID: "vf", Kind: KindValidatorFailure, Target: "ab", Start: 2, Duration: 5, Params: map[string]float64{"failed": 7, "total": 10}},
	})
	w.run(2)
	if w.bridge.Status() != bridge.StatusHalted {
		t.Fatalf("status = %s, want halted", w.bridge.Status())
	}
	if _, err := w.bridge.Initiate(bridge.Request{ID: "t1", Amount: *uint256.NewInt(1)}, w.now); !errors.Is(err, bridge.ErrBridgeHalted) {
		t.Fatalf("expected BridgeHalted, got %v", err)
	}
	w.run(5)
	if w.bridge.Status() != bridge.StatusActive {
		t.Fatalf("status after duration = %s", w.bridge.Status())
	}
	w.transfer("t2", 1)
}

func TestPermanentQuorumLossIsFatal(t *testing.T) {
	w := newWorld(t, secure(), []Event{
		{ID: "vf", Kind: KindValidatorFailure, Target: "ab", Start: 3, Params: map[string]float64{"failed": 8}},
	})
	w.transfer("t1", 5)
	w.run(3)
	if !w.bridge.Fatal() {
		t.Fatalf("bridge not fatal")
	}
	tr, _ := w.bridge.Transfer("t1")
	if tr.State != bridge.StateFailed {
		t.Fatalf("in-flight transfer state = %s", tr.State)
	}
	errs := w.inj.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrQuorumLost) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestBridgeHaltKeepsMessages(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "h", Kind: KindBridgeHalt, Target: "ab", Start: 2, Duration: 6}})
	w.transfer("t1", 5)
	w.run(12)
	tr, _ := w.bridge.Transfer("t1")
	if tr.State != bridge.StateComplete || !tr.Interrupted {
		t.Fatalf("state = %s interrupted = %v", tr.State, tr.Interrupted)
	}
}

func TestReplayAttackDefended(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "replay", Kind: KindReplayAttack, Target: "ab", Start: 1}})
	w.transfer("t1", 5)
	w.run(8)
	f := onlyFinding(t, w.inj)
	if !f.Defended || f.Code != "ReplayDetected" {
		t.Fatalf("finding = %+v", f)
	}
}

func TestReplayAttackFindsVulnerableBridge(t *testing.T) {
	cfg := secure()
	cfg.Security.ReplayProtection = false
	w := newWorld(t, cfg, []Event{{ID: "replay", Kind: KindReplayAttack, Target: "ab", Start: 1}})
	w.transfer("t1", 5)
	w.run(8)
	f := onlyFinding(t, w.inj)
	if !f.Vulnerability() {
		t.Fatalf("finding = %+v", f)
	}
	if len(w.bridge.CheckConservation()) == 0 {
		t.Fatalf("double mint not visible in conservation check")
	}
}

func TestFrontRunRejectedByPayloadCheck(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "fr", Kind: KindFrontRun, Target: "ab", Start: 1}})
	w.transfer("t1", 5)
	w.run(8)
	f := onlyFinding(t, w.inj)
	if !f.Defended || f.Code != "PayloadMismatch" {
		t.Fatalf("finding = %+v", f)
	}
	if tr, _ := w.bridge.Transfer("t1"); tr.State != bridge.StateComplete {
		t.Fatalf("genuine transfer state = %s", tr.State)
	}
}

func TestEclipseHeldByConfirmationThreshold(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "ecl", Kind: KindEclipse, Target: "ab", Start: 1}})
	w.run(2)
	f := onlyFinding(t, w.inj)
	if !f.Defended {
		t.Fatalf("finding = %+v", f)
	}
	cfg := secure()
	cfg.Security.EnforceConfirmations = false
	w = newWorld(t, cfg, []Event{{ID: "ecl", Kind: KindEclipse, Target: "ab", Start: 1}})
	w.run(2)
	if f := onlyFinding(t, w.inj); !f.Vulnerability() {
		t.Fatalf("finding without confirmation check = %+v", f)
	}
}

func TestEclipseOnOptimisticBridgeIsChallenged(t *testing.T) {
	cfg := secure()
	cfg.Kind = bridge.KindOptimisticRollup
	cfg.ChallengePeriod = 10
	w := newWorld(t, cfg, []Event{{ID: "ecl", Kind: KindEclipse, Target: "ab", Start: 1}})
	w.run(2)
	f := onlyFinding(t, w.inj)
	if !f.Defended {
		t.Fatalf("finding = %+v", f)
	}
	tr, _ := w.bridge.Transfer("probe/ecl")
	if tr.State != bridge.StateReverted {
		t.Fatalf("probe state = %s", tr.State)
	}
}

func TestPartitionDropsUntilHealed(t *testing.T) {
	cfg := secure()
	cfg.TransferTimeout = 6
	w := newWorld(t, cfg, []Event{{ID: "p", Kind: KindNetworkPartition, Target: "A", Peer: "B", Start: 1, Duration: 3}})
	w.transfer("t1", 5)
	w.run(2)
	if !w.relay.Partitioned("B", "A") {
		t.Fatalf("partition not applied")
	}
	w.run(6)
	if w.relay.Partitioned("A", "B") {
		t.Fatalf("partition not healed")
	}
	if tr, _ := w.bridge.Transfer("t1"); tr.State != bridge.StateFailed {
		t.Fatalf("transfer state = %s, want failed after lost message", tr.State)
	}
}

func TestReorgBeyondFinalityIsFatal(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "r", Kind: KindReorg, Target: "A", Start: 8, Params: map[string]float64{"depth": 7}}})
	w.run(8)
	if !w.chains["A"].Halted() || !w.bridge.Fatal() {
		t.Fatalf("chain halted %v bridge fatal %v", w.chains["A"].Halted(), w.bridge.Fatal())
	}
	errs := w.inj.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrChainRolledBack) || !errors.Is(errs[0], chain.ErrRollbackBeyondFinality) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestReorgWithinFinality(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "r", Kind: KindReorg, Target: "A", Start: 8, Params: map[string]float64{"depth": 2}}})
	w.run(8)
	if got := w.chains["A"].Height(); got != 6 {
		t.Fatalf("height after reorg and one more block = %d, want 6", got)
	}
	if len(w.inj.Errors()) != 0 {
		t.Fatalf("errors = %v", w.inj.Errors())
	}
}

func TestSwapReplayAndFrontRun(t *testing.T) {
	w := newWorld(t, secure(), []Event{
		{ID: "fr", Kind: KindFrontRun, Target: "s1", Start: 1},
		{ID: "rp", Kind: KindReplayAttack, Target: "s1", Start: 1},
	})
	if _, err := w.swaps.Propose(swap.Request{
		ID: "s1", Initiator: "alice", Counterparty: "bob",
		A: swap.LegSpec{Chain: "A", Amount: *uint256.NewInt(1), Timeout: 40},
		B: swap.LegSpec{Chain: "B", Amount: *uint256.NewInt(2), Timeout: 20},
	}, 0); err != nil {
		t.Fatal(err)
	}
	w.run(20)
	fs := w.inj.Findings()
	if len(fs) != 2 {
		t.Fatalf("findings = %+v", fs)
	}
	for _, f := range fs {
		if !f.Defended || f.Skipped {
			t.Fatalf("finding = %+v", f)
		}
	}
	if c, _ := w.swaps.Contract("s1"); c.Status != swap.StatusBothClaimed {
		t.Fatalf("swap status = %s", c.Status)
	}
}

func TestCensorshipJudgedAtFinish(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "c", Kind: KindCensorship, Target: "B", Start: 1, Duration: 4}})
	w.run(6)
	w.inj.Finish(w.now, func(string) bool { return false })
	if f := onlyFinding(t, w.inj); !f.Defended || f.Check != "settlement_under_censorship" {
		t.Fatalf("finding = %+v", f)
	}
	w = newWorld(t, secure(), []Event{{ID: "c", Kind: KindCensorship, Target: "B", Start: 1}})
	w.run(2)
	w.inj.Finish(w.now, func(id string) bool { return id == "B" })
	if f := onlyFinding(t, w.inj); !f.Vulnerability() {
		t.Fatalf("finding = %+v", f)
	}
}

func TestUnusedProbeSkipped(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "replay", Kind: KindReplayAttack, Target: "ab", Start: 1, Duration: 3}})
	w.run(5)
	f := onlyFinding(t, w.inj)
	if !f.Skipped || f.Vulnerability() {
		t.Fatalf("finding = %+v", f)
	}
}

func TestValidatorResizeKeepsDefaultQuorumProportional(t *testing.T) {
	cfg := secure()
	cfg.Validators, cfg.Quorum = 4, 0
	w := newWorld(t, cfg, []Event{
		{ID: "vf", Kind: KindValidatorFailure, Target: "ab", Start: 1, Params: map[string]float64{"failed": 5, "total": 10}},
	})
	w.run(1)
	vs := w.bridge.Validators()
	if vs.Total() != 10 || vs.Quorum() != 7 {
		t.Fatalf("total %d quorum %d, want 10 and 7", vs.Total(), vs.Quorum())
	}
	if w.bridge.Status() != bridge.StatusDegraded || w.bridge.Fatal() {
		t.Fatalf("status %s fatal %v, want degraded and not fatal", w.bridge.Status(), w.bridge.Fatal())
	}
	if len(w.inj.Errors()) != 0 {
		t.Fatalf("errors = %v", w.inj.Errors())
	}
}

func TestReorgBeyondFinalityEndsSwapsOnChain(t *testing.T) {
	w := newWorld(t, secure(), []Event{{ID: "r", Kind: KindReorg, Target: "A", Start: 8, Params: map[string]float64{"depth": 7}}})
	if _, err := w.swaps.Propose(swap.Request{
		ID: "s1", Initiator: "alice", Counterparty: "bob", ClaimAfter: 50,
		A: swap.LegSpec{Chain: "A", Amount: *uint256.NewInt(1), Timeout: 100},
		B: swap.LegSpec{Chain: "B", Amount: *uint256.NewInt(2), Timeout: 80},
	}, 0); err != nil {
		t.Fatal(err)
	}
	w.run(7)
	if c, _ := w.swaps.Contract("s1"); c.Status.Terminal() || c.A.State != swap.LegFunded {
		t.Fatalf("status before reorg = %s leg a %s", c.Status, c.A.State)
	}
	w.step()
	c, _ := w.swaps.Contract("s1")
	if c.Status != swap.StatusFailed || !c.Status.Terminal() || c.EndedAt != w.now || c.Failure == "" {
		t.Fatalf("after fatal reorg: status %s ended %d failure %q", c.Status, c.EndedAt, c.Failure)
	}
	if len(w.swaps.Violations()) != 0 {
		t.Fatalf("failed swap reported as atomicity violation: %v", w.swaps.Violations())
	}

	if _, err := w.swaps.Propose(swap.Request{
		ID: "s2", A: swap.LegSpec{Chain: "B", Amount: *uint256.NewInt(1), Timeout: 100},
		B: swap.LegSpec{Chain: "A", Amount: *uint256.NewInt(1), Timeout: 80},
	}, w.now); err != nil {
		t.Fatal(err)
	}
	w.step()
	if c, _ := w.swaps.Contract("s2"); c.Status != swap.StatusFailed {
		t.Fatalf("swap proposed on lost chain: status %s", c.Status)
	}
	if !w.swaps.Idle() {
		t.Fatalf("swap engine not idle after chain loss")
	}
}
