package swap

import (
	"github.com/holiman/uint256"

	"bridgesim/internal/chain"
	"bridgesim/internal/outcome"
	"bridgesim/internal/relay"
)

// Status is the contract-level state.
type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusBothFunded     Status = "both_funded"
	StatusBothClaimed    Status = "both_claimed"
	StatusRefundedA      Status = "refunded_a"
	StatusRefundedB      Status = "refunded_b"
	StatusPartiallyStuck Status = "partially_stuck"
	// StatusFailed ends a contract whose leg chain was lost to a fatal failure.
	StatusFailed Status = "failed"
)

// Terminal reports whether the contract can no longer change.
func (s Status) Terminal() bool {
	return s == StatusBothClaimed || s == StatusRefundedA || s == StatusPartiallyStuck || s == StatusFailed
}

// LegState is the state of one hashed-timelock leg.
type LegState string

const (
	LegUnfunded LegState = "unfunded"
	LegFunding  LegState = "funding"
	LegFunded   LegState = "funded"
	LegClaimed  LegState = "claimed"
	LegRefunded LegState = "refunded"
	// LegExpired means the funding tx never made it on chain before the timeout.
	LegExpired LegState = "expired"
)

func (s LegState) settled() bool {
	return s == LegClaimed || s == LegRefunded || s == LegExpired
}

// LegName selects a leg of a contract.
type LegName string

const (
	LegA LegName = "a"
	LegB LegName = "b"
)

// Transaction tags, matched by censorship.
const (
	TagFund   = "swap_fund"
	TagClaim  = "swap_claim"
	TagRefund = "swap_refund"
)

// LegSpec describes one side of a proposed swap.
type LegSpec struct {
	Chain   string
	Token   string
	Amount  uint256.Int
	Timeout int64 // absolute block height on Chain
}

// Request proposes a swap between two parties.
type Request struct {
	ID           string
	Initiator    string
	Counterparty string
	A            LegSpec // funded by the initiator, claimed by the counterparty
	B            LegSpec // funded by the counterparty, claimed by the initiator
	// ClaimAfter delays the initiator's claim of leg B by this many ticks
	// after both legs are funded.
	ClaimAfter int64
}

// Leg is one hashed-timelock contract on a single chain.
type Leg struct {
	Chain         string      `json:"chain"`
	Token         string      `json:"token"`
	Amount        uint256.Int `json:"-"`
	Hashlock      string      `json:"hashlock"`
	TimeoutHeight int64       `json:"timeout_height"`
	Sender        string      `json:"sender"`
	Recipient     string      `json:"recipient"`
	State         LegState    `json:"state"`
	FundTx        string      `json:"fund_tx,omitempty"`
	ClaimTx       string      `json:"claim_tx,omitempty"`
	RefundTx      string      `json:"refund_tx,omitempty"`
	SettledAt     int64       `json:"settled_at,omitempty"`
}

// Contract is a two-leg atomic swap.
type Contract struct {
	ID           string `json:"id"`
	Initiator    string `json:"initiator"`
	Counterparty string `json:"counterparty"`
	A            Leg    `json:"leg_a"`
	B            Leg    `json:"leg_b"`
	Status       Status `json:"status"`
	ProposedAt   int64  `json:"proposed_at"`
	FundedAt     int64  `json:"funded_at,omitempty"`
	EndedAt      int64  `json:"ended_at,omitempty"`
	ClaimAfter   int64  `json:"claim_after"`

	// SecretKnown is set once the counterparty has learned the preimage.
	SecretKnown bool   `json:"secret_known"`
	SecretSends int    `json:"secret_sends"`
	Violation   string `json:"violation,omitempty"`
	Failure     string `json:"failure,omitempty"`

	preimage []byte
	revealed bool
}

// Leg returns the named leg.
func (c *Contract) Leg(name LegName) *Leg {
	if name == LegB {
		return &c.B
	}
	return &c.A
}

// Chain is the ledger surface the engine needs. *chain.Chain satisfies it.
type Chain interface {
	ID() string
	Height() int64
	Submit(chain.Transaction) (chain.Transaction, error)
	Tx(id string) (chain.Transaction, bool)
	Revert(id string) error
}

// Relay carries revealed preimages between chains. *relay.Relay satisfies it.
type Relay interface {
	Send(msg relay.Message, latency int64, dropProbability float64) relay.Message
}

// Config tunes preimage propagation.
type Config struct {
	SecretLatency  int64
	SecretDropProb float64
	SecretRetries  int
}

var (
	ErrInvalidTimeoutOrdering = outcome.New(outcome.ClassConfiguration, "InvalidTimeoutOrdering", "leg B timeout must be lower than leg A timeout")
	ErrUnknownChain           = outcome.New(outcome.ClassConfiguration, "UnknownChain", "unknown chain")
	ErrDuplicateContract      = outcome.New(outcome.ClassConfiguration, "DuplicateContract", "duplicate swap id")
	ErrInvalidAmount          = outcome.New(outcome.ClassConfiguration, "InvalidAmount", "swap amount must be positive")
	ErrUnknownContract        = outcome.New(outcome.ClassProtocolViolation, "UnknownContract", "unknown swap contract")
	ErrAlreadySettled         = outcome.New(outcome.ClassProtocolViolation, "AlreadySettled", "swap leg already settled")
	ErrInvalidPreimage        = outcome.New(outcome.ClassProtocolViolation, "InvalidPreimage", "preimage does not match hashlock")
	ErrUnauthorizedClaim      = outcome.New(outcome.ClassProtocolViolation, "UnauthorizedClaim", "claimant is not the leg recipient")
	ErrTimeoutElapsed         = outcome.New(outcome.ClassProtocolViolation, "TimeoutElapsed", "leg timeout elapsed")
	ErrTimeoutNotReached      = outcome.New(outcome.ClassProtocolViolation, "TimeoutNotReached", "leg timeout not reached")
	ErrNotFunded              = outcome.New(outcome.ClassProtocolViolation, "NotFunded", "leg not funded")
	ErrAtomicityViolation     = outcome.New(outcome.ClassProtocolViolation, "AtomicityViolation", "swap legs settled inconsistently")
	ErrChainLost              = outcome.New(outcome.ClassFatal, "ChainLost", "swap leg chain halted for the rest of the run")
)
