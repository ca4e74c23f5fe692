// Package core holds the simulator's chain data structures: transactions,
// blocks, the append-only ledger and the per-node mempool.
package core

import (
	"time"

	"github.com/gnpaone/nexuschain/crypto"
)

// NodeID identifies a participant in the simulated network.
type NodeID string

// NetworkID is the reserved sender of block-reward transactions.
const NetworkID NodeID = "Network"

// Transaction is the atomic unit of value transfer. It is the single on-wire
// record type: internal state, hashing and the JSON payload all use this
// shape. Immutable after construction.
type Transaction struct {
	Sender    NodeID  `json:"sender"` // originating node, or NetworkID for rewards
	Receiver  NodeID  `json:"receiver"`
	Amount    int64   `json:"amount"`
	Timestamp float64 `json:"timestamp"` // seconds since epoch
	TxHash    string  `json:"tx_hash"`
}

// NewTransaction builds a transaction stamped with the current time and a
// content hash over the four value fields.
func NewTransaction(sender, receiver NodeID, amount int64) Transaction {
	return NewTransactionAt(sender, receiver, amount, Now())
}

// NewTransactionAt builds a transaction with an explicit timestamp.
func NewTransactionAt(sender, receiver NodeID, amount int64, ts float64) Transaction {
	tx := Transaction{
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Timestamp: ts,
	}
	tx.TxHash = tx.ComputeHash()
	return tx
}

// ComputeHash returns the SHA-256 hash of the canonical JSON of the content
// fields (sender, receiver, amount, timestamp), keys sorted.
func (tx Transaction) ComputeHash() string {
	return crypto.HashValue(map[string]any{
		"sender":    string(tx.Sender),
		"receiver":  string(tx.Receiver),
		"amount":    tx.Amount,
		"timestamp": tx.Timestamp,
	})
}

// hashRecord is the transaction's shape inside block hashing: all five fields
// with the timestamp stringified.
func (tx Transaction) hashRecord() map[string]any {
	return map[string]any{
		"sender":    string(tx.Sender),
		"receiver":  string(tx.Receiver),
		"amount":    tx.Amount,
		"timestamp": crypto.FormatTimestamp(tx.Timestamp),
		"tx_hash":   tx.TxHash,
	}
}

// WireMap returns the transaction as a generic record with native-typed
// values, used when a block is canonically serialized for signing.
func (tx Transaction) WireMap() map[string]any {
	return map[string]any{
		"sender":    string(tx.Sender),
		"receiver":  string(tx.Receiver),
		"amount":    tx.Amount,
		"timestamp": tx.Timestamp,
		"tx_hash":   tx.TxHash,
	}
}

// Now returns the current time in seconds since epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
