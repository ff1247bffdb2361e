// Package chain models a simulated ledger producing blocks on a fixed tick
// interval with derived confirmation and finality depth.
package chain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Chain is a single simulated ledger. It is not safe for concurrent use; the
// runner advances each chain from at most one goroutine at a time.
type Chain struct {
	cfg      Config
	blocks   []Block
	txs      map[string]*Transaction
	pending  []string
	seq      uint64
	clock    int64
	carry    int64
	halted   bool
	censored map[string]bool
	reorgs   []Reorg
}

// New creates a chain with a genesis block at height 0.
func New(cfg Config) (*Chain, error) {
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("chain id required: %w", ErrInvalidConfig)
	case cfg.BlockInterval < 1:
		return nil, fmt.Errorf("chain %s: block_interval must be >= 1: %w", cfg.ID, ErrInvalidConfig)
	case cfg.Confirmations < 0:
		return nil, fmt.Errorf("chain %s: confirmations must be >= 0: %w", cfg.ID, ErrInvalidConfig)
	case cfg.FinalityBlocks < cfg.Confirmations:
		return nil, fmt.Errorf("chain %s: finality_blocks must be >= confirmations: %w", cfg.ID, ErrInvalidConfig)
	}
	c := &Chain{
		cfg:      cfg,
		txs:      make(map[string]*Transaction),
		censored: make(map[string]bool),
	}
	c.blocks = append(c.blocks, Block{Height: 0, Hash: blockHash("", 0, nil)})
	return c, nil
}

// ID returns the chain identifier.
func (c *Chain) ID() string { return c.cfg.ID }

// Config returns the chain parameters.
func (c *Chain) Config() Config { return c.cfg }

// Height is the height of the newest block.
func (c *Chain) Height() int64 { return c.blocks[len(c.blocks)-1].Height }

// ConfirmedHeight is the highest height with the configured confirmation depth.
func (c *Chain) ConfirmedHeight() int64 { return max(0, c.Height()-c.cfg.Confirmations) }

// FinalizedHeight is the highest height modeled as never reverting.
func (c *Chain) FinalizedHeight() int64 { return max(0, c.Height()-c.cfg.FinalityBlocks) }

// Clock returns the number of ticks this chain has advanced.
func (c *Chain) Clock() int64 { return c.clock }

// Submit appends tx to the pending set and returns it with its assigned id.
func (c *Chain) Submit(tx Transaction) (Transaction, error) {
	if c.halted {
		return Transaction{}, fmt.Errorf("submit to %s: %w", c.cfg.ID, ErrChainHalted)
	}
	c.seq++
	if tx.ID == "" {
		tx.ID = fmt.Sprintf("%s/%d", c.cfg.ID, c.seq)
	}
	if _, dup := c.txs[tx.ID]; dup {
		return Transaction{}, fmt.Errorf("submit %s to %s: duplicate id: %w", tx.ID, c.cfg.ID, ErrUnknownTx)
	}
	tx.Chain = c.cfg.ID
	tx.Submitted = c.clock
	tx.Height = 0
	tx.Reverted = false
	stored := tx
	c.txs[tx.ID] = &stored
	c.pending = append(c.pending, tx.ID)
	return tx, nil
}

// Tx returns a copy of the transaction with id.
func (c *Chain) Tx(id string) (Transaction, bool) {
	tx, ok := c.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// Status derives the status of a transaction from the current height.
func (c *Chain) Status(id string) (TxStatus, error) {
	tx, ok := c.txs[id]
	if !ok {
		return "", fmt.Errorf("status of %s on %s: %w", id, c.cfg.ID, ErrUnknownTx)
	}
	switch {
	case tx.Reverted:
		return StatusReverted, nil
	case tx.Height == 0:
		return StatusPending, nil
	case c.Height() >= tx.Height+c.cfg.FinalityBlocks:
		return StatusFinalized, nil
	case c.Height() >= tx.Height+c.cfg.Confirmations:
		return StatusConfirmed, nil
	default:
		return StatusPending, nil
	}
}

// Confirmations returns current height minus inclusion height, or -1 when
// the transaction is unknown, pending or reverted.
func (c *Chain) Confirmations(id string) int64 {
	tx, ok := c.txs[id]
	if !ok || !tx.Included() {
		return -1
	}
	return c.Height() - tx.Height
}

// Advance moves the chain clock forward and produces one block every
// BlockInterval ticks. The remainder carries over to the next call.
func (c *Chain) Advance(ticks int64) []Block {
	var produced []Block
	for i := int64(0); i < ticks; i++ {
		c.clock++
		if c.halted {
			c.carry = 0
			continue
		}
		c.carry++
		if c.carry < c.cfg.BlockInterval {
			continue
		}
		c.carry = 0
		produced = append(produced, c.produce())
	}
	return produced
}

func (c *Chain) produce() Block {
	parent := c.blocks[len(c.blocks)-1]
	b := Block{
		Height:       parent.Height + 1,
		Tick:         c.clock,
		ParentHash:   parent.Hash,
		ParentHeight: parent.Height,
	}
	var rest []string
	for _, id := range c.pending {
		tx := c.txs[id]
		if c.censored[tx.Tag] || (c.cfg.MaxBlockTxs > 0 && len(b.TxIDs) >= c.cfg.MaxBlockTxs) {
			rest = append(rest, id)
			continue
		}
		tx.Height = b.Height
		b.TxIDs = append(b.TxIDs, id)
	}
	c.pending = rest
	b.Hash = blockHash(parent.Hash, b.Height, b.TxIDs)
	c.blocks = append(c.blocks, b)
	return b
}

// Rollback removes the last n blocks and returns their transactions to the
// front of the pending set in their original order. It is the only path that
// lowers the height and refuses to touch finalized blocks.
func (c *Chain) Rollback(n int64) (Reorg, error) {
	if n <= 0 {
		return Reorg{}, fmt.Errorf("rollback %d blocks on %s: %w", n, c.cfg.ID, ErrInvalidRollback)
	}
	height := c.Height()
	if n > height || height-n+1 <= c.FinalizedHeight() {
		return Reorg{}, fmt.Errorf("rollback %d blocks on %s (height %d, finalized %d): %w",
			n, c.cfg.ID, height, c.FinalizedHeight(), ErrRollbackBeyondFinality)
	}
	cut := len(c.blocks) - int(n)
	removed := c.blocks[cut:]
	var reverted []string
	for _, b := range removed {
		for _, id := range b.TxIDs {
			c.txs[id].Height = 0
			reverted = append(reverted, id)
		}
	}
	c.blocks = c.blocks[:cut]
	c.pending = append(append([]string{}, reverted...), c.pending...)
	r := Reorg{Tick: c.clock, Depth: n, FromHeight: height, ToHeight: c.Height(), Reverted: reverted}
	c.reorgs = append(c.reorgs, r)
	return r, nil
}

// Revert marks a transaction reverted. Pending transactions are dropped from
// the mempool; included ones keep their block slot but lose their effect.
func (c *Chain) Revert(id string) error {
	tx, ok := c.txs[id]
	if !ok {
		return fmt.Errorf("revert %s on %s: %w", id, c.cfg.ID, ErrUnknownTx)
	}
	if tx.Reverted {
		return nil
	}
	if tx.Height == 0 {
		for i, pid := range c.pending {
			if pid == id {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
	}
	tx.Reverted = true
	return nil
}

// Halt stops block production and new submissions.
func (c *Chain) Halt() { c.halted = true }

// Resume restarts block production.
func (c *Chain) Resume() { c.halted = false }

// Halted reports whether block production is stopped.
func (c *Chain) Halted() bool { return c.halted }

// Censor keeps transactions with tag out of new blocks until Uncensor.
func (c *Chain) Censor(tag string) { c.censored[tag] = true }

// Uncensor lifts censorship of tag.
func (c *Chain) Uncensor(tag string) { delete(c.censored, tag) }

// Blocks returns a copy of the block sequence.
func (c *Chain) Blocks() []Block {
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Reorgs returns all recorded rollbacks.
func (c *Chain) Reorgs() []Reorg {
	out := make([]Reorg, len(c.reorgs))
	copy(out, c.reorgs)
	return out
}

// PendingIDs returns pending transaction ids in inclusion order.
func (c *Chain) PendingIDs() []string {
	out := make([]string, len(c.pending))
	copy(out, c.pending)
	return out
}

// Snapshot summarizes the chain.
func (c *Chain) Snapshot() Info {
	return Info{
		ID:              c.cfg.ID,
		Height:          c.Height(),
		ConfirmedHeight: c.ConfirmedHeight(),
		FinalizedHeight: c.FinalizedHeight(),
		Pending:         len(c.pending),
		Halted:          c.halted,
		Reorgs:          len(c.reorgs),
		Clock:           c.clock,
	}
}

func blockHash(parent string, height int64, txIDs []string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(parent))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	for _, id := range txIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
