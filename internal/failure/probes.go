package failure

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"bridgesim/internal/bridge"
	"bridgesim/internal/outcome"
	"bridgesim/internal/relay"
	"bridgesim/internal/swap"
)

// attacker is the party that submits unauthorized swap claims.
const attacker = "mallory"

func checkName(k Kind) string {
	switch k {
	case KindReplayAttack:
		return "nonce_replay"
	case KindFrontRun:
		return "payload_verification"
	case KindEclipse:
		return "source_confirmation"
	case KindCensorship:
		return "settlement_under_censorship"
	}
	return string(k)
}

// probe tries to run an armed adversarial event. It stays armed while no
// opportunity exists, e.g. no accepted message to replay yet.
func (in *Injector) probe(s *scheduled, now int64) {
	if b, ok := in.t.Bridges[s.Target]; ok {
		var msg relay.Message
		var ready bool
		switch s.Kind {
		case KindReplayAttack:
			msg, ready = replayMessage(b)
		case KindFrontRun:
			msg, ready = forgedMessage(b)
		case KindEclipse:
			msg, ready = in.eclipseMessage(b, s, now)
		}
		if !ready {
			return
		}
		s.armed = false
		msg.ID = ""
		msg.ProbeID = s.ID
		in.t.Relay.Send(msg, 0, 0)
		in.waiting[s.ID] = s
		return
	}
	if in.t.Swaps != nil {
		in.probeSwap(s, now)
	}
}

// replayMessage re-sends the first message the bridge accepted.
func replayMessage(b *bridge.Bridge) (relay.Message, bool) {
	for _, m := range b.Accepted() {
		if m.ProbeID == "" {
			return m, true
		}
	}
	return relay.Message{}, false
}

// forgedMessage races an in-flight transfer with the same nonce and an
// inflated amount.
func forgedMessage(b *bridge.Bridge) (relay.Message, bool) {
	for _, t := range b.AwaitingDelivery() {
		if t.Probe {
			continue
		}
		inflated := new(uint256.Int).Mul(&t.Amount, uint256.NewInt(1000))
		return relay.Message{
			Channel:     b.ID(),
			Kind:        relay.KindTransfer,
			From:        t.From,
			To:          t.To,
			Direction:   string(t.Direction),
			Nonce:       t.Nonce,
			PayloadHash: bridge.PayloadHash(b.ID(), t.Direction, t.Nonce, t.ID, t.Token, inflated),
			Ref:         t.ID,
		}, true
	}
	return relay.Message{}, false
}

// eclipseMessage opens a probe transfer whose relayer is eclipsed and
// vouches for the lock before it has any confirmations.
func (in *Injector) eclipseMessage(b *bridge.Bridge, s *scheduled, now int64) (relay.Message, bool) {
	t, err := b.Initiate(bridge.Request{
		ID:            "probe/" + s.ID,
		Direction:     bridge.Forward,
		Token:         "PROBE",
		Amount:        *uint256.NewInt(1),
		Probe:         true,
		SuppressRelay: true,
	}, now)
	if err != nil {
		return relay.Message{}, false
	}
	return relay.Message{
		Channel:     b.ID(),
		Kind:        relay.KindTransfer,
		From:        t.From,
		To:          t.To,
		Direction:   string(t.Direction),
		Nonce:       t.Nonce,
		PayloadHash: t.PayloadHash,
		Ref:         t.ID,
	}, true
}

// OnProbeResult records the bridge's reaction to a crafted message.
func (in *Injector) OnProbeResult(msg relay.Message, d bridge.Delivery, err error, now int64) {
	s, ok := in.waiting[msg.ProbeID]
	if !ok {
		return
	}
	delete(in.waiting, msg.ProbeID)
	b := in.t.Bridges[s.Target]
	f := Finding{Tick: now, Event: s.ID, Kind: s.Kind, Target: s.Target, Check: checkName(s.Kind)}
	if err != nil {
		f.Code = outcome.CodeOf(err)
	}
	switch d {
	case bridge.DeliveryDropped:
		f.Defended, f.Skipped = true, true
		f.Detail = "crafted message dropped by relay"
		if s.Kind == KindEclipse {
			_ = b.Fail(msg.Ref, now, "probe message lost")
		}
	case bridge.DeliveryRejected:
		f.Defended = outcome.ClassOf(err) == outcome.ClassProtocolViolation || errors.Is(err, bridge.ErrBridgeFatal)
		f.Detail = fmt.Sprintf("rejected: %v", err)
	case bridge.DeliveryBuffered:
		f.Defended = true
		f.Detail = "bridge halted, message buffered"
	case bridge.DeliveryHeld:
		f.Defended = s.Kind == KindEclipse
		f.Detail = "held until source confirmations"
		if !f.Defended {
			f.Detail = "crafted message accepted pending confirmations"
		}
	case bridge.DeliveryAccepted:
		f.Detail = "crafted message executed"
		if s.Kind == KindEclipse && b.Config().Kind == bridge.KindOptimisticRollup {
			if cerr := b.Challenge(msg.Ref, now); cerr == nil {
				f.Defended = true
				f.Detail = "executed optimistically, reverted within challenge window"
			}
		}
	}
	if !f.Defended {
		f.Class = outcome.ClassProtocolViolation
	}
	in.record(f)
}

func (in *Injector) probeSwap(s *scheduled, now int64) {
	c, ok := in.t.Swaps.Contract(s.Target)
	if !ok {
		return
	}
	preimage, revealed := in.t.Swaps.Preimage(s.Target)
	var err error
	check := ""
	switch s.Kind {
	case KindReplayAttack:
		if !c.Status.Terminal() {
			return
		}
		check = "swap_double_settle"
		if revealed {
			err = in.t.Swaps.Claim(c.ID, swap.LegA, c.Counterparty, preimage, now)
		} else {
			err = in.t.Swaps.Refund(c.ID, swap.LegA, now)
		}
	case KindFrontRun:
		if !revealed || c.A.State != swap.LegFunded {
			return
		}
		check = "claim_authorization"
		err = in.t.Swaps.Claim(c.ID, swap.LegA, attacker, preimage, now)
	default:
		return
	}
	s.armed = false
	f := Finding{Tick: now, Event: s.ID, Kind: s.Kind, Target: s.Target, Check: check, Code: outcome.CodeOf(err)}
	switch {
	case errors.Is(err, swap.ErrAlreadySettled), errors.Is(err, swap.ErrUnauthorizedClaim):
		f.Defended = true
		f.Detail = err.Error()
	case err != nil:
		f.Defended = true
		f.Detail = "rejected: " + err.Error()
	default:
		f.Class = outcome.ClassProtocolViolation
		f.Detail = "crafted swap step accepted"
	}
	in.record(f)
}
