package core

import (
	"github.com/gnpaone/nexuschain/crypto"
)

// Block is a batch of transactions linked to its predecessor by hash. Like
// Transaction it doubles as the on-wire record: the JSON encoding of this
// struct is exactly the `block` payload shape.
type Block struct {
	Index        uint64        `json:"index"`
	PreviousHash string        `json:"previous_hash"`
	Transactions []Transaction `json:"transactions"`
	Timestamp    float64       `json:"timestamp"`
	Nonce        uint64        `json:"nonce"`
	Hash         string        `json:"hash"`
}

// NewBlock constructs a block and computes its hash.
func NewBlock(index uint64, previousHash string, txs []Transaction, timestamp float64, nonce uint64) *Block {
	b := &Block{
		Index:        index,
		PreviousHash: previousHash,
		Transactions: txs,
		Timestamp:    timestamp,
		Nonce:        nonce,
	}
	b.Hash = b.ComputeHash()
	return b
}

// GenesisBlock returns the fixed first block every ledger starts from. Its
// hash is computed like any other block's, not pinned to a constant.
func GenesisBlock() *Block {
	return NewBlock(0, "0", nil, 0, 0)
}

// ComputeHash returns the SHA-256 hash of the canonical JSON of every field
// except the hash itself. The block timestamp and each nested transaction
// timestamp are stringified, so two blocks with equal content always hash
// identically regardless of float formatting elsewhere.
func (b *Block) ComputeHash() string {
	txs := make([]any, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = tx.hashRecord()
	}
	return crypto.HashValue(map[string]any{
		"index":         b.Index,
		"previous_hash": b.PreviousHash,
		"transactions":  txs,
		"timestamp":     crypto.FormatTimestamp(b.Timestamp),
		"nonce":         b.Nonce,
	})
}

// WireMap returns the full block (hash included) as a generic record with
// native-typed values. Consensus engines canonically serialize this for
// message signing, so both signer and verifier derive identical bytes from
// the same block contents.
func (b *Block) WireMap() map[string]any {
	txs := make([]any, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = tx.WireMap()
	}
	return map[string]any{
		"index":         b.Index,
		"previous_hash": b.PreviousHash,
		"transactions":  txs,
		"timestamp":     b.Timestamp,
		"nonce":         b.Nonce,
		"hash":          b.Hash,
	}
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() *Block {
	dup := *b
	dup.Transactions = make([]Transaction, len(b.Transactions))
	copy(dup.Transactions, b.Transactions)
	return &dup
}
