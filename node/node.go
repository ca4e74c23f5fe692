// Package node implements the per-node runtime: ledger ownership, mempool,
// seen-hash bookkeeping, key material, message handlers and the hook to a
// consensus engine. MaliciousNode layers adversarial behaviors on top.
package node

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/consensus"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/crypto"
	"github.com/gnpaone/nexuschain/events"
	"github.com/gnpaone/nexuschain/identity"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/network"
)

// Runtime is what the simulation driver holds for each participant: honest
// nodes and malicious nodes both satisfy it.
type Runtime interface {
	network.Handler
	consensus.NodeHost
	Mempool() *core.Mempool
	Registry() *identity.Registry
	OwnPublicKeyPEM() string
	CreateTransaction(receiver core.NodeID, amount int64) *core.Transaction
	ReleaseWithheldBlock()
	Engine() consensus.Engine
	SetEngine(e consensus.Engine)
	StartNetwork(attack config.AttackConfig) error
	Stop()
	UpdateNetworkConfig(cfg config.NetworkConfig)
}

// TradeConfirmation records when a transaction was observed committed.
type TradeConfirmation struct {
	TxHash string
	At     float64
}

// Node owns one participant's full state. A single mutex serializes ledger
// admission, mempool edits and seen-set updates, so concurrent inbound
// workers cannot interleave half-applied state.
type Node struct {
	id       core.NodeID
	listenIP string
	port     int
	peers    []config.NodeConfig

	mu         sync.Mutex
	chain      *core.Blockchain
	mempool    *core.Mempool
	seenTx     mapset.Set[string]
	seenBlocks mapset.Set[string]
	withheld   *core.Block

	priv     *ecdsa.PrivateKey
	pubPEM   string
	registry *identity.Registry

	transport *network.Transport
	engine    consensus.Engine
	netCfg    config.NetworkConfig
	attack    config.AttackConfig

	mon     monitor.Monitor
	emitter *events.Emitter
	log     *logrus.Entry

	// handler is the outermost runtime dispatched into by the transport;
	// MaliciousNode points it at itself so behavior overrides apply to
	// inbound traffic.
	handler network.Handler

	tradeMu            sync.Mutex
	tradeSuccess       int
	tradeFailure       int
	tradeConfirmations []TradeConfirmation
}

// NewNode creates a node with a fresh ECDSA keypair, a genesis-initialized
// ledger and an identity registry already holding its own key.
func NewNode(
	cfg config.NodeConfig,
	peers []config.NodeConfig,
	mon monitor.Monitor,
	emitter *events.Emitter,
	netCfg config.NetworkConfig,
) (*Node, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.NodeID, err)
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.NodeID, err)
	}
	n := &Node{
		id:         cfg.NodeID,
		listenIP:   cfg.IP,
		port:       cfg.Port,
		peers:      peers,
		chain:      core.NewBlockchain(cfg.NodeID),
		mempool:    core.NewMempool(),
		seenTx:     mapset.NewSet[string](),
		seenBlocks: mapset.NewSet[string](),
		priv:       priv,
		pubPEM:     pubPEM,
		registry:   identity.NewRegistry(),
		netCfg:     netCfg,
		mon:        monitor.OrNop(mon),
		emitter:    emitter,
		log:        logrus.WithField("node", cfg.NodeID),
	}
	n.handler = n
	n.registry.Register(n.id, pubPEM, nil)
	return n, nil
}

// NewNodeWithKey is NewNode with caller-provided key material (loaded from a
// keystore).
func NewNodeWithKey(
	cfg config.NodeConfig,
	peers []config.NodeConfig,
	priv *ecdsa.PrivateKey,
	mon monitor.Monitor,
	emitter *events.Emitter,
	netCfg config.NetworkConfig,
) (*Node, error) {
	n, err := NewNode(cfg, peers, mon, emitter, netCfg)
	if err != nil {
		return nil, err
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.NodeID, err)
	}
	n.priv = priv
	n.pubPEM = pubPEM
	n.registry.Unregister(n.id)
	n.registry.Register(n.id, pubPEM, nil)
	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() core.NodeID { return n.id }

// Chain returns the node's ledger.
func (n *Node) Chain() *core.Blockchain { return n.chain }

// Mempool returns the node's pending-transaction pool.
func (n *Node) Mempool() *core.Mempool { return n.mempool }

// Registry returns the node's identity registry.
func (n *Node) Registry() *identity.Registry { return n.registry }

// OwnPublicKeyPEM returns this node's public key PEM.
func (n *Node) OwnPublicKeyPEM() string { return n.pubPEM }

// Engine returns the attached consensus engine.
func (n *Node) Engine() consensus.Engine { return n.engine }

// SetEngine attaches the consensus engine inbound *_message traffic is routed
// to.
func (n *Node) SetEngine(e consensus.Engine) { n.engine = e }

// Transport returns the node's transport, nil before StartNetwork.
func (n *Node) Transport() *network.Transport { return n.transport }

// StartNetwork builds the transport around the node's handler and starts
// listening.
func (n *Node) StartNetwork(attack config.AttackConfig) error {
	n.attack = attack
	n.transport = network.NewTransport(
		n.id, n.listenIP, n.port, n.peers, n.handler, n.netCfg, attack, n.mon)
	return n.transport.Start()
}

// Stop tears the transport down.
func (n *Node) Stop() {
	if n.transport != nil {
		n.transport.Stop()
	}
}

// UpdateNetworkConfig applies new transport settings at runtime.
func (n *Node) UpdateNetworkConfig(cfg config.NetworkConfig) {
	if n.transport != nil {
		n.transport.UpdateConfig(cfg)
	}
	n.log.WithField("config", cfg).Info("network config updated")
}

// CreateTransaction builds, records and broadcasts a new transfer. Returns
// nil when an identical transaction was already emitted.
func (n *Node) CreateTransaction(receiver core.NodeID, amount int64) *core.Transaction {
	tx := core.NewTransaction(n.id, receiver, amount)

	n.mu.Lock()
	if n.seenTx.Contains(tx.TxHash) {
		n.mu.Unlock()
		return nil
	}
	n.seenTx.Add(tx.TxHash)
	n.mempool.Add(tx)
	n.mu.Unlock()

	n.mon.RecordMessage(n.id, string(network.MsgTransaction), monitor.Delta{Sent: 1})
	if n.transport != nil {
		n.transport.BroadcastTransaction(tx)
	}
	return &tx
}

// ReceiveTransaction ingests an inbound transaction. Replayed hashes are
// counted as drops and trade failures; fresh ones join the mempool.
func (n *Node) ReceiveTransaction(tx core.Transaction) {
	n.mu.Lock()
	if n.seenTx.Contains(tx.TxHash) {
		n.mu.Unlock()
		n.mon.RecordMessage(n.id, string(network.MsgTransaction), monitor.Delta{Dropped: 1})
		n.log.WithField("tx_hash", tx.TxHash).Debug("ignored replayed transaction")
		n.logTradeFailure()
		return
	}
	n.seenTx.Add(tx.TxHash)
	added := n.mempool.Add(tx)
	n.mu.Unlock()

	if added {
		n.mon.RecordMessage(n.id, string(network.MsgTransaction), monitor.Delta{Recv: 1})
		n.log.Debug("transaction received and added to mempool")
		n.logTradeSuccess()
	}
}

// CreateBlock mines the next block off a snapshot of the mempool without
// admitting it; consensus decides admission. Returns false when the mempool
// is empty. With withhold the block is retained for a later
// ReleaseWithheldBlock instead of being reported as produced.
func (n *Node) CreateBlock(nonce uint64, withhold bool) (*core.Block, bool) {
	n.mu.Lock()
	pending := n.mempool.Snapshot()
	if len(pending) == 0 {
		n.mu.Unlock()
		return nil, false
	}
	n.chain.SetPending(pending)
	block := n.chain.MinePending(n.id, nonce, false)
	if withhold {
		n.withheld = block
		n.mu.Unlock()
		n.log.WithField("index", block.Index).Info("withholding newly mined block")
		return block, true
	}
	n.withheld = nil
	n.mu.Unlock()

	n.mon.RecordBlockProduced(n.id, block.Index)
	return block, true
}

// Withheld returns the currently retained block, if any.
func (n *Node) Withheld() *core.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.withheld
}

// ReleaseWithheldBlock broadcasts a previously withheld block.
func (n *Node) ReleaseWithheldBlock() {
	n.mu.Lock()
	block := n.withheld
	if block == nil || n.transport == nil {
		n.mu.Unlock()
		return
	}
	n.withheld = nil
	n.mu.Unlock()
	n.transport.BroadcastBlock(*block)
	n.log.WithField("index", block.Index).Info("released withheld block")
}

// ReceiveBlock admits an inbound block: duplicate hashes are dropped, the
// block keeps its supplied hash (admission recomputes and compares), and on
// success confirmed transactions leave the mempool and observers are
// notified.
func (n *Node) ReceiveBlock(block core.Block) bool {
	n.mu.Lock()
	if n.seenBlocks.Contains(block.Hash) {
		n.mu.Unlock()
		n.mon.RecordMessage(n.id, string(network.MsgBlock), monitor.Delta{Dropped: 1})
		n.log.WithField("hash", block.Hash).Debug("ignored replayed block")
		return false
	}
	n.seenBlocks.Add(block.Hash)

	if tip := n.chain.LastBlock(); block.PreviousHash != tip.Hash {
		n.mu.Unlock()
		n.mon.RecordForkEvent(n.id, fmt.Sprintf("block %d does not extend tip %d", block.Index, tip.Index))
		if n.emitter != nil {
			n.emitter.Emit(events.Event{
				Type:   events.EventForkDetected,
				NodeID: n.id,
				Data:   map[string]any{"index": block.Index, "previous_hash": block.PreviousHash},
			})
		}
		return false
	}

	if !n.chain.AddBlock(&block) {
		n.mu.Unlock()
		n.log.WithField("index", block.Index).Warn("block admission failed")
		return false
	}

	confirmed := make(map[string]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		confirmed[tx.TxHash] = struct{}{}
	}
	n.mempool.RemoveHashes(confirmed)
	n.mu.Unlock()

	n.mon.RecordMessage(n.id, string(network.MsgBlock), monitor.Delta{Recv: 1})
	n.mon.RecordBlockCommitted(n.id, &block)
	if n.emitter != nil {
		n.emitter.Emit(events.Event{
			Type:   events.EventBlockCommitted,
			NodeID: n.id,
			Block:  &block,
			Data:   map[string]any{"hash": block.Hash, "txs": len(block.Transactions)},
		})
	}

	at := core.Now()
	for txHash := range confirmed {
		n.logTradeConfirmation(txHash, at)
	}
	n.log.WithFields(logrus.Fields{
		"index": block.Index, "txs": len(block.Transactions),
	}).Info("block added to blockchain")
	return true
}

// HandleSyncRequest answers a peer's catch-up request with the block range it
// can serve, targeted at that peer only.
func (n *Node) HandleSyncRequest(req network.SyncRequest, requester core.NodeID) {
	blocks := n.chain.Range(req.Start, req.End)
	if len(blocks) == 0 || n.transport == nil {
		return
	}
	out := make([]core.Block, len(blocks))
	for i, b := range blocks {
		out[i] = *b
	}
	n.log.WithFields(logrus.Fields{
		"count": len(out), "requester": requester,
	}).Info("serving sync request")
	n.mon.RecordSyncEvent(n.id, fmt.Sprintf("sending %d blocks to node %s", len(out), requester))
	n.transport.SendSyncResponse(requester, out)
}

// HandleSyncResponse applies blocks that extend the tip exactly, skips ones
// already held and defers anything beyond the next index: a remaining gap
// stays open until re-requested.
func (n *Node) HandleSyncResponse(blocks []core.Block) {
	n.log.WithField("count", len(blocks)).Info("received sync response")
	n.mon.RecordSyncEvent(n.id, fmt.Sprintf("received sync response with %d blocks", len(blocks)))
	for _, b := range blocks {
		tipIndex := n.chain.Height()
		switch {
		case b.Index == tipIndex+1:
			n.handler.ReceiveBlock(b)
		case b.Index <= tipIndex:
			continue
		default:
			// Future-indexed: do not buffer here.
		}
	}
}

// ConsensusMessage routes a *_message payload into the attached engine.
func (n *Node) ConsensusMessage(msgType network.MsgType, payload json.RawMessage) {
	if n.engine == nil {
		n.log.WithField("type", msgType).Warn("consensus message without engine")
		return
	}
	n.engine.ReceiveMessage(payload)
}

// ---- consensus.NodeHost ----

// PublicKeyPEM looks a peer's key up in the registry.
func (n *Node) PublicKeyPEM(id core.NodeID) (string, bool) {
	return n.registry.PublicKey(id)
}

// SignData signs message with the node's private key.
func (n *Node) SignData(message []byte) (string, error) {
	return crypto.Sign(n.priv, message)
}

// BroadcastConsensus sends a consensus payload to all peers.
func (n *Node) BroadcastConsensus(msgType network.MsgType, payload any) {
	if n.transport != nil {
		n.transport.BroadcastConsensus(msgType, payload)
	}
}

// BroadcastSyncRequest asks peers for the block range [start, end].
func (n *Node) BroadcastSyncRequest(start, end uint64) {
	if n.transport != nil {
		n.transport.BroadcastSyncRequest(start, end)
	}
}

// ---- trade accounting ----

func (n *Node) logTradeSuccess() {
	n.tradeMu.Lock()
	n.tradeSuccess++
	n.tradeMu.Unlock()
	n.mon.RecordTradeSuccess(n.id)
}

func (n *Node) logTradeFailure() {
	n.tradeMu.Lock()
	n.tradeFailure++
	n.tradeMu.Unlock()
	n.mon.RecordTradeFailure(n.id)
}

func (n *Node) logTradeConfirmation(txHash string, at float64) {
	n.tradeMu.Lock()
	n.tradeConfirmations = append(n.tradeConfirmations, TradeConfirmation{TxHash: txHash, At: at})
	n.tradeMu.Unlock()
	n.mon.RecordTradeConfirmation(n.id, txHash, at)
}

// TradeStats returns the success and failure counters.
func (n *Node) TradeStats() (success, failure int) {
	n.tradeMu.Lock()
	defer n.tradeMu.Unlock()
	return n.tradeSuccess, n.tradeFailure
}

// TradeConfirmations returns the recorded confirmation times.
func (n *Node) TradeConfirmations() []TradeConfirmation {
	n.tradeMu.Lock()
	defer n.tradeMu.Unlock()
	return append([]TradeConfirmation(nil), n.tradeConfirmations...)
}
