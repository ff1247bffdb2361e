package bridge

import (
	"github.com/holiman/uint256"

	"bridgesim/internal/chain"
	"bridgesim/internal/outcome"
	"bridgesim/internal/relay"
)

// Kind selects the transition rules of a bridge.
type Kind string

const (
	KindLockAndMint      Kind = "lock_and_mint"
	KindOptimisticRollup Kind = "optimistic_rollup"
)

// Status is the operational status of a bridge.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusHalted   Status = "halted"
)

// Direction of a transfer relative to the bridge endpoints.
type Direction string

const (
	Forward Direction = "forward" // lock on source, mint on destination
	Reverse Direction = "reverse" // burn on destination, release on source
)

// State is the lifecycle state of a transfer.
type State string

const (
	StateInitiated        State = "initiated"
	StateLocked           State = "locked" // locked (forward) or burned (reverse)
	StateMessageSent      State = "message_sent"
	StateMessageConfirmed State = "message_confirmed"
	StateMinted           State = "minted" // minted (forward) or released (reverse)
	StateChallengeable    State = "challengeable"
	StateChallenged       State = "challenged"
	StateReverted         State = "reverted"
	StateFinalized        State = "finalized"
	StateComplete         State = "complete"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateReverted
}

// Delivery describes what a bridge did with a relayed message.
type Delivery string

const (
	DeliveryAccepted Delivery = "accepted" // destination action executed
	DeliveryHeld     Delivery = "held"     // accepted, waiting for confirmations
	DeliveryBuffered Delivery = "buffered" // bridge halted, kept for later
	DeliveryDropped  Delivery = "dropped"
	DeliveryRejected Delivery = "rejected"
)

// Security toggles the checks a bridge performs. All are on by default;
// turning one off models a vulnerable bridge.
type Security struct {
	ReplayProtection     bool `json:"replay_protection"`
	VerifyPayload        bool `json:"verify_payload"`
	EnforceConfirmations bool `json:"enforce_confirmations"`
}

// DefaultSecurity enables every check.
func DefaultSecurity() Security {
	return Security{ReplayProtection: true, VerifyPayload: true, EnforceConfirmations: true}
}

// Config is the already-parsed bridge parameter set.
type Config struct {
	ID                    string
	Kind                  Kind
	Source                string
	Destination           string
	ConfirmationThreshold int64
	ChallengePeriod       int64
	Validators            int
	Quorum                int
	Latency               int64
	Jitter                int64
	DropProbability       float64
	DegradedLatencyMult   float64
	DegradedFailureMult   float64
	TransferTimeout       int64
	MaxRetries            int
	Security              Security
}

// Chain is the ledger surface a bridge needs. *chain.Chain satisfies it.
type Chain interface {
	ID() string
	Submit(chain.Transaction) (chain.Transaction, error)
	Tx(id string) (chain.Transaction, bool)
	Confirmations(id string) int64
	Revert(id string) error
}

// Relay is the message surface a bridge needs. *relay.Relay satisfies it.
type Relay interface {
	SendJittered(msg relay.Message, latency, jitter int64, dropProbability float64) relay.Message
}

// Request asks a bridge to start a transfer.
type Request struct {
	ID        string
	Direction Direction
	Token     string
	Amount    uint256.Int
	// Probe transfers are created by the failure injector and excluded from
	// operational metrics. SuppressRelay keeps the bridge from sending its
	// own message so a crafted one can stand in for it.
	Probe         bool
	SuppressRelay bool
}

// Transition is one entry of a transfer's history.
type Transition struct {
	State State `json:"state"`
	Tick  int64 `json:"tick"`
}

// Transfer is one value movement through a bridge.
type Transfer struct {
	ID                string       `json:"id"`
	Bridge            string       `json:"bridge"`
	Direction         Direction    `json:"direction"`
	Token             string       `json:"token"`
	Amount            uint256.Int  `json:"-"`
	MintedAmount      uint256.Int  `json:"-"`
	From              string       `json:"from"`
	To                string       `json:"to"`
	State             State        `json:"state"`
	Nonce             uint64       `json:"nonce"`
	PayloadHash       string       `json:"payload_hash"`
	SourceTx          string       `json:"source_tx"`
	DestTx            string       `json:"dest_tx,omitempty"`
	MessageID         string       `json:"message_id,omitempty"`
	Attempts          int          `json:"attempts"`
	Delivered         bool         `json:"delivered"`
	DeliveredAt       int64        `json:"delivered_at,omitempty"`
	InitiatedAt       int64        `json:"initiated_at"`
	EndedAt           int64        `json:"ended_at,omitempty"`
	Deadline          int64        `json:"deadline,omitempty"`
	ChallengeDeadline int64        `json:"challenge_deadline,omitempty"`
	Interrupted       bool         `json:"interrupted,omitempty"`
	Probe             bool         `json:"probe,omitempty"`
	SuppressRelay     bool         `json:"-"`
	FailureCode       string       `json:"failure_code,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	History           []Transition `json:"history"`
}

// Reached reports whether the transfer ever entered state s.
func (t Transfer) Reached(s State) bool {
	for _, h := range t.History {
		if h.State == s {
			return true
		}
	}
	return false
}

// Info is a read-only view of a bridge.
type Info struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Status      Status `json:"status"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Validators  int    `json:"validators"`
	Failed      int    `json:"failed_validators"`
	Quorum      int    `json:"quorum"`
	InFlight    int    `json:"in_flight"`
	Buffered    int    `json:"buffered"`
	Locked      string `json:"locked"`
	Minted      string `json:"minted"`
	Fatal       bool   `json:"fatal"`
}

var (
	ErrBridgeHalted          = outcome.New(outcome.ClassTransient, "BridgeHalted", "bridge halted")
	ErrBridgeFatal           = outcome.New(outcome.ClassFatal, "BridgeFatal", "bridge permanently halted")
	ErrReplayDetected        = outcome.New(outcome.ClassProtocolViolation, "ReplayDetected", "replay detected")
	ErrPayloadMismatch       = outcome.New(outcome.ClassProtocolViolation, "PayloadMismatch", "payload hash mismatch")
	ErrUnknownTransfer       = outcome.New(outcome.ClassProtocolViolation, "UnknownTransfer", "message for unknown transfer")
	ErrNotChallengeable      = outcome.New(outcome.ClassProtocolViolation, "NotChallengeable", "transfer is not challengeable")
	ErrChallengeWindowClosed = outcome.New(outcome.ClassProtocolViolation, "ChallengeWindowClosed", "challenge window closed")
	ErrTransferTimeout       = outcome.New(outcome.ClassTransient, "TransferTimeout", "transfer timed out")
	ErrInvalidAmount         = outcome.New(outcome.ClassConfiguration, "InvalidAmount", "transfer amount must be positive")
	ErrDuplicateTransfer     = outcome.New(outcome.ClassConfiguration, "DuplicateTransfer", "duplicate transfer id")
	ErrInvalidConfig         = outcome.New(outcome.ClassConfiguration, "InvalidBridgeConfig", "invalid bridge config")
	ErrInjectedFailure       = outcome.New(outcome.ClassTransient, "InjectedFailure", "failure injected")
	ErrConservationViolation = outcome.New(outcome.ClassProtocolViolation, "ConservationViolation", "minted amount differs from locked amount")
	ErrUnbackedMint          = outcome.New(outcome.ClassProtocolViolation, "UnbackedMint", "minted more than locked")
)
