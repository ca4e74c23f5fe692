package core

import "sync"

// Mempool is a node's ordered buffer of unconfirmed transactions. Replay
// suppression lives in the node's seen-hash set; the pool itself only guards
// against structural duplicates.
type Mempool struct {
	mu  sync.RWMutex
	txs []Transaction
}

// NewMempool creates an empty pool.
func NewMempool() *Mempool {
	return &Mempool{}
}

// Add appends tx unless a transaction with the same hash is already present.
// Reports whether the pool changed.
func (m *Mempool) Add(tx Transaction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txs {
		if existing.TxHash == tx.TxHash {
			return false
		}
	}
	m.txs = append(m.txs, tx)
	return true
}

// Contains reports whether a transaction with the given hash is pending.
func (m *Mempool) Contains(txHash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.txs {
		if tx.TxHash == txHash {
			return true
		}
	}
	return false
}

// Snapshot returns the pending transactions in insertion order.
func (m *Mempool) Snapshot() []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transaction(nil), m.txs...)
}

// RemoveHashes drops every pending transaction whose hash is in hashes.
// Called after a block commit with the hashes the block confirmed.
func (m *Mempool) RemoveHashes(hashes map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := m.txs[:0]
	for _, tx := range m.txs {
		if _, confirmed := hashes[tx.TxHash]; !confirmed {
			filtered = append(filtered, tx)
		}
	}
	m.txs = filtered
}

// Clear empties the pool.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = nil
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
