package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Blockchain is the per-node append-only ledger. It starts at the fixed
// genesis block and admits new blocks purely on structural grounds (link and
// hash validity); it holds no opinion about consensus, which lets PBFT, PoA
// and PoS share a single tamper-evident log. There is no fork resolution:
// conflicting branches are rejected at admission and divergence is healed by
// the sync protocol.
type Blockchain struct {
	mu      sync.RWMutex
	chain   []*Block
	pending []Transaction
	log     *logrus.Entry
}

// NewBlockchain creates a ledger initialized with the genesis block.
func NewBlockchain(owner NodeID) *Blockchain {
	return &Blockchain{
		chain: []*Block{GenesisBlock()},
		log:   logrus.WithField("node", owner),
	}
}

// LastBlock returns the current tip.
func (bc *Blockchain) LastBlock() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.chain[len(bc.chain)-1]
}

// Height returns the index of the tip.
func (bc *Blockchain) Height() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.chain[len(bc.chain)-1].Index
}

// Length returns the number of blocks including genesis.
func (bc *Blockchain) Length() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.chain)
}

// AddTransaction appends a transaction to the pending set the next mined
// block will include.
func (bc *Blockchain) AddTransaction(tx Transaction) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.pending = append(bc.pending, tx)
}

// SetPending replaces the pending transaction set wholesale. The node runtime
// uses this to mine off a snapshot of its mempool.
func (bc *Blockchain) SetPending(txs []Transaction) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.pending = append([]Transaction(nil), txs...)
}

// AddBlock appends block if it links to the tip and its hash recomputes
// correctly. On success the pending set is cleared wholesale; per-hash
// mempool pruning is the node runtime's job. Returns false and logs the
// reason on rejection.
func (bc *Blockchain) AddBlock(block *Block) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tip := bc.chain[len(bc.chain)-1]
	if block.PreviousHash != tip.Hash {
		bc.log.WithFields(logrus.Fields{
			"index":     block.Index,
			"prev_hash": block.PreviousHash,
			"tip_hash":  tip.Hash,
		}).Warn("block rejected: previous hash does not match tip")
		return false
	}
	if computed := block.ComputeHash(); block.Hash != computed {
		bc.log.WithFields(logrus.Fields{
			"index":    block.Index,
			"hash":     block.Hash,
			"computed": computed,
		}).Warn("block rejected: hash mismatch")
		return false
	}

	bc.chain = append(bc.chain, block)
	bc.pending = nil
	return true
}

// MinePending builds the next block from the pending set plus a reward
// transaction ("Network" -> miner, amount 1). With addToChain the block is
// also submitted through AddBlock; consensus engines mine with
// addToChain=false and let agreement decide admission.
func (bc *Blockchain) MinePending(miner NodeID, nonce uint64, addToChain bool) *Block {
	bc.mu.Lock()
	reward := NewTransaction(NetworkID, miner, 1)
	bc.pending = append(bc.pending, reward)

	tip := bc.chain[len(bc.chain)-1]
	block := NewBlock(
		uint64(len(bc.chain)),
		tip.Hash,
		append([]Transaction(nil), bc.pending...),
		Now(),
		nonce,
	)
	bc.mu.Unlock()

	if addToChain {
		bc.AddBlock(block)
	}
	return block
}

// IsValid walks the chain from index 1 checking hash linkage and content
// hashes.
func (bc *Blockchain) IsValid() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for i := 1; i < len(bc.chain); i++ {
		current, previous := bc.chain[i], bc.chain[i-1]
		if current.PreviousHash != previous.Hash {
			return false
		}
		if current.Hash != current.ComputeHash() {
			return false
		}
	}
	return true
}

// BlockAt returns the block at the given index, or nil when out of range.
func (bc *Blockchain) BlockAt(index uint64) *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if index >= uint64(len(bc.chain)) {
		return nil
	}
	return bc.chain[index]
}

// Range returns blocks with indices in [start, min(end, tip)], inclusive.
func (bc *Blockchain) Range(start, end uint64) []*Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	var out []*Block
	for i := start; i <= end && i < uint64(len(bc.chain)); i++ {
		out = append(out, bc.chain[i])
	}
	return out
}

// Blocks returns a copy of the whole chain.
func (bc *Blockchain) Blocks() []*Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]*Block(nil), bc.chain...)
}
