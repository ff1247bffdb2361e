package chain

import (
	"github.com/holiman/uint256"

	"bridgesim/internal/outcome"
)

// TxStatus is derived from inclusion height and the chain's current height.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFinalized TxStatus = "finalized"
	StatusReverted  TxStatus = "reverted"
)

// PayloadKind describes what a transaction carries.
type PayloadKind string

const (
	PayloadTransfer      PayloadKind = "transfer"
	PayloadBridgeMessage PayloadKind = "bridge_message"
	PayloadSwapStep      PayloadKind = "swap_step"
)

// Transaction is a ledger entry. Height is 0 while the transaction is pending.
type Transaction struct {
	ID        string
	Chain     string
	Kind      PayloadKind
	Ref       string // transfer or contract id the tx belongs to
	Tag       string // free-form label, matched by censorship
	Amount    uint256.Int
	Submitted int64
	Height    int64
	Reverted  bool
}

// Included reports whether the tx sits in a block.
func (t Transaction) Included() bool { return t.Height > 0 && !t.Reverted }

// Block references its parent by height and hash; the chain owns the sequence.
type Block struct {
	Height       int64    `json:"height"`
	Tick         int64    `json:"tick"`
	Hash         string   `json:"hash"`
	ParentHash   string   `json:"parent_hash"`
	ParentHeight int64    `json:"parent_height"`
	TxIDs        []string `json:"tx_ids"`
}

// Reorg records a forced rollback so height decreases are never silent.
type Reorg struct {
	Tick       int64    `json:"tick"`
	Depth      int64    `json:"depth"`
	FromHeight int64    `json:"from_height"`
	ToHeight   int64    `json:"to_height"`
	Reverted   []string `json:"reverted"`
}

// Config is the already-parsed chain parameter set.
type Config struct {
	ID             string
	Confirmations  int64
	FinalityBlocks int64
	BlockInterval  int64 // ticks per block
	MaxBlockTxs    int   // 0 means unlimited
}

// Info is a read-only view of a chain.
type Info struct {
	ID              string `json:"id"`
	Height          int64  `json:"height"`
	ConfirmedHeight int64  `json:"confirmed_height"`
	FinalizedHeight int64  `json:"finalized_height"`
	Pending         int    `json:"pending"`
	Halted          bool   `json:"halted"`
	Reorgs          int    `json:"reorgs"`
	Clock           int64  `json:"clock"`
}

var (
	ErrChainHalted            = outcome.New(outcome.ClassTransient, "ChainHalted", "chain halted")
	ErrRollbackBeyondFinality = outcome.New(outcome.ClassFatal, "RollbackBeyondFinality", "rollback beyond finality")
	ErrInvalidRollback        = outcome.New(outcome.ClassConfiguration, "InvalidRollback", "invalid rollback depth")
	ErrUnknownTx              = outcome.New(outcome.ClassConfiguration, "UnknownTransaction", "unknown transaction")
	ErrInvalidConfig          = outcome.New(outcome.ClassConfiguration, "InvalidChainConfig", "invalid chain config")
)
