package node

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/events"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/network"
)

const (
	replayQueueCap    = 50
	replayProbability = 0.2
)

// MaliciousNode is a Node with adversarial behavior flags: block withholding,
// conflicting-block broadcast, transaction replay and consensus deafness. It
// satisfies the same Runtime contract as an honest node.
type MaliciousNode struct {
	*Node
	behavior config.BehaviorConfig

	replayMu    sync.Mutex
	replayQueue []core.Transaction
	rng         *rand.Rand
}

// NewMaliciousNode creates a node whose handlers apply behavior.
func NewMaliciousNode(
	cfg config.NodeConfig,
	peers []config.NodeConfig,
	behavior config.BehaviorConfig,
	mon monitor.Monitor,
	emitter *events.Emitter,
	netCfg config.NetworkConfig,
) (*MaliciousNode, error) {
	base, err := NewNode(cfg, peers, mon, emitter, netCfg)
	if err != nil {
		return nil, err
	}
	m := &MaliciousNode{
		Node:     base,
		behavior: behavior,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	// Route inbound traffic through the malicious overrides.
	base.handler = m
	return m, nil
}

// Behavior returns the node's attack flags.
func (m *MaliciousNode) Behavior() config.BehaviorConfig {
	return m.behavior
}

// SeedRNG makes the replay-attack coin flips reproducible in tests.
func (m *MaliciousNode) SeedRNG(seed int64) {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	m.rng = rand.New(rand.NewSource(seed))
}

// CreateBlock applies the withholding and conflicting-block behaviors; with
// neither flag set it behaves honestly.
func (m *MaliciousNode) CreateBlock(nonce uint64, withhold bool) (*core.Block, bool) {
	if m.behavior.WithholdBlocks {
		return m.Node.CreateBlock(nonce, true)
	}
	if m.behavior.SendConflictingBlocks {
		return m.createConflictingBlocks(nonce)
	}
	return m.Node.CreateBlock(nonce, withhold)
}

// createConflictingBlocks mines a block, admits it locally, fabricates a twin
// with a corrupted parent link and a duplicated transaction, and broadcasts
// both. Honest receivers admit at most one.
func (m *MaliciousNode) createConflictingBlocks(nonce uint64) (*core.Block, bool) {
	m.mu.Lock()
	pending := m.mempool.Snapshot()
	if len(pending) == 0 {
		m.mu.Unlock()
		return nil, false
	}
	m.chain.SetPending(pending)
	block := m.chain.MinePending(m.id, nonce, true)
	m.mu.Unlock()

	twin := block.Copy()
	twin.PreviousHash = "conflict_" + twin.PreviousHash
	if len(twin.Transactions) > 0 {
		twin.Transactions = append(twin.Transactions, twin.Transactions[0])
	}
	twin.Hash = twin.ComputeHash()

	if m.transport != nil {
		m.transport.BroadcastBlock(*block)
		m.transport.BroadcastBlock(*twin)
	}
	m.mempool.Clear()
	m.log.WithField("index", block.Index).Warn("broadcasted conflicting blocks")
	m.mon.RecordBlockProduced(m.id, block.Index)
	return block, true
}

// ReceiveTransaction optionally replays a remembered transaction before
// processing the new one, then queues it (bounded) for future replays.
func (m *MaliciousNode) ReceiveTransaction(tx core.Transaction) {
	if m.behavior.DropIncomingMessages {
		return
	}
	if m.behavior.ReplayAttack {
		m.replayMu.Lock()
		var victim *core.Transaction
		if len(m.replayQueue) > 0 && m.rng.Float64() < replayProbability {
			pick := m.replayQueue[m.rng.Intn(len(m.replayQueue))]
			victim = &pick
		}
		if len(m.replayQueue) >= replayQueueCap {
			m.replayQueue = m.replayQueue[1:]
		}
		m.replayQueue = append(m.replayQueue, tx)
		m.replayMu.Unlock()

		if victim != nil && m.transport != nil {
			m.log.WithField("tx_hash", victim.TxHash).Warn("replaying transaction")
			m.transport.BroadcastTransaction(*victim)
		}
	}
	m.Node.ReceiveTransaction(tx)
}

// ReceiveBlock drops inbound blocks silently when the node is configured to
// ignore consensus traffic.
func (m *MaliciousNode) ReceiveBlock(block core.Block) bool {
	if m.behavior.IgnoreConsensusMessages || m.behavior.DropIncomingMessages {
		m.log.Debug("ignored incoming block")
		return false
	}
	return m.Node.ReceiveBlock(block)
}

// ConsensusMessage is silently dropped for fully deaf nodes. A node that
// only ignores consensus still votes; its ReceiveBlock refusing the commit is
// what keeps its chain behind.
func (m *MaliciousNode) ConsensusMessage(msgType network.MsgType, payload json.RawMessage) {
	if m.behavior.DropIncomingMessages {
		return
	}
	m.Node.ConsensusMessage(msgType, payload)
}

// HandleSyncRequest is ignored by fully deaf nodes.
func (m *MaliciousNode) HandleSyncRequest(req network.SyncRequest, requester core.NodeID) {
	if m.behavior.DropIncomingMessages {
		return
	}
	m.Node.HandleSyncRequest(req, requester)
}

// HandleSyncResponse is ignored by fully deaf nodes.
func (m *MaliciousNode) HandleSyncResponse(blocks []core.Block) {
	if m.behavior.DropIncomingMessages {
		return
	}
	m.Node.HandleSyncResponse(blocks)
}
