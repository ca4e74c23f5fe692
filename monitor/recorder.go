package monitor

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/core"
)

type statKey struct {
	Node    core.NodeID
	MsgType string
}

// MessageStats are the accumulated counters for one (node, message type)
// pair.
type MessageStats struct {
	Sent       int
	Recv       int
	Dropped    int
	Retransmit int
	Bytes      int
}

// NodeStats are a node's aggregate counters.
type NodeStats struct {
	BlocksProduced  int
	BlocksCommitted int
	ForkEvents      int
	SyncEvents      int
	TradeSuccess    int
	TradeFailure    int
	Alerts          int
	Latencies       []float64
}

// Recorder is the default Monitor: it logs structured events through logrus
// and keeps per-node counters for inspection after (or during) a run.
type Recorder struct {
	mu       sync.Mutex
	messages map[statKey]*MessageStats
	nodes    map[core.NodeID]*NodeStats
	log      *logrus.Logger
}

// NewRecorder creates a Recorder logging to the standard logrus logger.
func NewRecorder() *Recorder {
	return NewRecorderWithLogger(logrus.StandardLogger())
}

// NewRecorderWithLogger creates a Recorder using the given logger.
func NewRecorderWithLogger(log *logrus.Logger) *Recorder {
	return &Recorder{
		messages: make(map[statKey]*MessageStats),
		nodes:    make(map[core.NodeID]*NodeStats),
		log:      log,
	}
}

func (r *Recorder) message(node core.NodeID, msgType string) *MessageStats {
	key := statKey{Node: node, MsgType: msgType}
	st, ok := r.messages[key]
	if !ok {
		st = &MessageStats{}
		r.messages[key] = st
	}
	return st
}

func (r *Recorder) node(node core.NodeID) *NodeStats {
	st, ok := r.nodes[node]
	if !ok {
		st = &NodeStats{}
		r.nodes[node] = st
	}
	return st
}

// RecordMessage accumulates sent/recv/dropped/bytes counters for a message
// type.
func (r *Recorder) RecordMessage(node core.NodeID, msgType string, d Delta) {
	r.mu.Lock()
	st := r.message(node, msgType)
	st.Sent += d.Sent
	st.Recv += d.Recv
	st.Dropped += d.Dropped
	st.Retransmit += d.Retransmit
	st.Bytes += d.Bytes
	r.mu.Unlock()
}

// RecordP2PEvent logs a node-to-node communication milestone.
func (r *Recorder) RecordP2PEvent(node, peer core.NodeID, msgType, direction string) {
	r.log.WithFields(logrus.Fields{
		"node": node, "peer": peer, "msg_type": msgType, "direction": direction,
	}).Debug("p2p event")
}

// RecordBlockProduced counts a block proposal.
func (r *Recorder) RecordBlockProduced(node core.NodeID, index uint64) {
	r.mu.Lock()
	r.node(node).BlocksProduced++
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"node": node, "index": index}).Info("block proposed")
}

// RecordBlockCommitted counts a committed block.
func (r *Recorder) RecordBlockCommitted(node core.NodeID, block *core.Block) {
	r.mu.Lock()
	r.node(node).BlocksCommitted++
	r.mu.Unlock()
	fields := logrus.Fields{"node": node}
	if block != nil {
		fields["index"] = block.Index
		fields["hash"] = block.Hash
		fields["txs"] = len(block.Transactions)
	}
	r.log.WithFields(fields).Info("block committed")
}

// RecordPBFTPrepare logs a prepare vote or a reached prepare quorum.
func (r *Recorder) RecordPBFTPrepare(node core.NodeID, index uint64, quorum bool) {
	msg := "sent prepare"
	if quorum {
		msg = "prepare quorum reached"
	}
	r.log.WithFields(logrus.Fields{"node": node, "index": index}).Debug(msg)
}

// RecordPBFTCommit logs a commit vote or a reached commit quorum.
func (r *Recorder) RecordPBFTCommit(node core.NodeID, index uint64, quorum bool) {
	msg := "sent commit"
	if quorum {
		msg = "commit quorum reached"
	}
	r.log.WithFields(logrus.Fields{"node": node, "index": index}).Debug(msg)
}

// RecordLatency records a consensus round latency sample.
func (r *Recorder) RecordLatency(node core.NodeID, seconds float64) {
	r.mu.Lock()
	st := r.node(node)
	st.Latencies = append(st.Latencies, seconds)
	r.mu.Unlock()
}

// RecordSyncEvent logs a synchronization milestone.
func (r *Recorder) RecordSyncEvent(node core.NodeID, info string) {
	r.mu.Lock()
	r.node(node).SyncEvents++
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"node": node}).Info("sync: " + info)
}

// RecordForkEvent counts an observed previous-hash conflict.
func (r *Recorder) RecordForkEvent(node core.NodeID, info string) {
	r.mu.Lock()
	r.node(node).ForkEvents++
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"node": node}).Warn("fork detected: " + info)
}

// RecordTradeSuccess counts an accepted transaction.
func (r *Recorder) RecordTradeSuccess(node core.NodeID) {
	r.mu.Lock()
	r.node(node).TradeSuccess++
	r.mu.Unlock()
}

// RecordTradeFailure counts a rejected (replayed) transaction.
func (r *Recorder) RecordTradeFailure(node core.NodeID) {
	r.mu.Lock()
	r.node(node).TradeFailure++
	r.mu.Unlock()
}

// RecordTradeConfirmation logs the confirmation time of a committed
// transaction.
func (r *Recorder) RecordTradeConfirmation(node core.NodeID, txHash string, at float64) {
	r.log.WithFields(logrus.Fields{"node": node, "tx_hash": txHash, "at": at}).
		Debug("trade confirmed")
}

// RaiseAlert counts and logs a protocol alert (rejected message, suspected
// Byzantine sender).
func (r *Recorder) RaiseAlert(node core.NodeID, message, severity string) {
	r.mu.Lock()
	r.node(node).Alerts++
	r.mu.Unlock()
	entry := r.log.WithFields(logrus.Fields{"node": node, "severity": severity})
	if severity == "WARNING" {
		entry.Warn(message)
	} else {
		entry.Error(message)
	}
}

// Messages returns a copy of the counters for (node, msgType).
func (r *Recorder) Messages(node core.NodeID, msgType string) MessageStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.messages[statKey{Node: node, MsgType: msgType}]; ok {
		return *st
	}
	return MessageStats{}
}

// Node returns a copy of the aggregate counters for node.
func (r *Recorder) Node(node core.NodeID) NodeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.nodes[node]; ok {
		dup := *st
		dup.Latencies = append([]float64(nil), st.Latencies...)
		return dup
	}
	return NodeStats{}
}
