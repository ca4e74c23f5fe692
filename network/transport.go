package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/monitor"
)

const (
	bindRetries      = 5
	bindRetryBackoff = time.Second
	defaultTimeout   = 2 * time.Second
)

// Transport owns a node's listener and outbound sends. Every outbound message
// opens a fresh connection; every accepted connection carries exactly one
// envelope and is processed on its own worker goroutine.
type Transport struct {
	nodeID     core.NodeID
	handler    Handler
	peers      []config.NodeConfig
	listenIP   string
	listenPort int
	injector   *FaultInjector
	mon        monitor.Monitor
	log        *logrus.Entry

	cfgMu  sync.RWMutex
	netCfg config.NetworkConfig

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTransport wires a transport for handler. peers lists every remote node;
// the local node must not be included.
func NewTransport(
	nodeID core.NodeID,
	listenIP string,
	listenPort int,
	peers []config.NodeConfig,
	handler Handler,
	netCfg config.NetworkConfig,
	attack config.AttackConfig,
	mon monitor.Monitor,
) *Transport {
	return &Transport{
		nodeID:     nodeID,
		handler:    handler,
		peers:      peers,
		listenIP:   listenIP,
		listenPort: listenPort,
		injector:   NewFaultInjector(attack, nil),
		mon:        monitor.OrNop(mon),
		log:        logrus.WithField("node", nodeID),
		netCfg:     netCfg,
		stopCh:     make(chan struct{}),
	}
}

// Start binds the listener, retrying up to five times with one-second backoff
// when the address is still busy, then begins accepting connections. If the
// replay attack is enabled, the replay scheduler starts too.
func (t *Transport) Start() error {
	addr := fmt.Sprintf("%s:%d", t.listenIP, t.listenPort)
	var ln net.Listener
	var err error
	for i := 0; i < bindRetries; i++ {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		if i == bindRetries-1 {
			return fmt.Errorf("bind %s after %d retries: %w", addr, bindRetries, err)
		}
		time.Sleep(bindRetryBackoff)
	}
	t.listener = ln
	t.log.WithField("addr", addr).Info("listening")

	go t.acceptLoop()
	if t.injector.ReplayEnabled() {
		go t.replayLoop()
	}
	return nil
}

// Stop tears the listener down and stops the replay scheduler.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.listener != nil {
			t.listener.Close()
		}
	})
}

// UpdateConfig merges new network settings; zero-valued fields keep their
// current value. Subsequent inbound messages see the new delay range
// immediately.
func (t *Transport) UpdateConfig(cfg config.NetworkConfig) {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	if cfg.PropagationDelay != 0 {
		t.netCfg.PropagationDelay = cfg.PropagationDelay
	}
	if cfg.SocketTimeout != 0 {
		t.netCfg.SocketTimeout = cfg.SocketTimeout
	}
	if cfg.MaxRetries != 0 {
		t.netCfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.DelayRange[0] != 0 || cfg.DelayRange[1] != 0 {
		t.netCfg.DelayRange = cfg.DelayRange
	}
}

func (t *Transport) delayRange() [2]float64 {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.netCfg.DelayRange
}

func (t *Transport) connectTimeout() time.Duration {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	if t.netCfg.SocketTimeout > 0 {
		return time.Duration(t.netCfg.SocketTimeout * float64(time.Second))
	}
	return defaultTimeout
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.WithError(err).Warn("accept error")
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		go t.handleConn(conn)
	}
}

// handleConn reads one envelope to EOF and runs it through the fault pipeline.
func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	data, err := io.ReadAll(conn)
	if err != nil {
		t.log.WithError(err).Warn("read error")
		return
	}
	if len(data) == 0 {
		return
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.log.Warn("received invalid JSON message")
		t.mon.RecordMessage(t.nodeID, "invalid_json", monitor.Delta{Dropped: 1})
		return
	}
	t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Recv: 1, Bytes: len(data)})
	t.ProcessMessage(env)
}

// ProcessMessage applies the fault-injection pipeline and dispatches the
// envelope to the handler. Exported because the replay scheduler re-feeds
// cached messages through the same path.
func (t *Transport) ProcessMessage(env Envelope) {
	if t.injector.Partitioned(env.SenderID) || t.injector.Partitioned(t.nodeID) {
		t.log.Debug("dropping message due to network partition")
		t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
		return
	}
	if t.injector.ShouldDrop() {
		t.log.Debug("dropping message probabilistically")
		t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
		return
	}
	if d := t.injector.Delay(t.delayRange()); d > 0 {
		time.Sleep(d)
	}
	if t.injector.ReplayEnabled() {
		t.injector.Capture(env)
	}

	t.dispatch(env)

	if env.SenderID != "" {
		t.mon.RecordP2PEvent(t.nodeID, env.SenderID, displayType(env), "RECV")
	}
}

func (t *Transport) dispatch(env Envelope) {
	switch env.Type {
	case MsgTransaction:
		var tx core.Transaction
		if err := json.Unmarshal(env.Payload, &tx); err != nil {
			t.log.WithError(err).Warn("bad transaction payload")
			t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
			return
		}
		t.handler.ReceiveTransaction(tx)
	case MsgBlock:
		var block core.Block
		if err := json.Unmarshal(env.Payload, &block); err != nil {
			t.log.WithError(err).Warn("bad block payload")
			t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
			return
		}
		t.handler.ReceiveBlock(block)
	case MsgSyncRequest:
		var req SyncRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			t.log.WithError(err).Warn("bad sync request payload")
			return
		}
		t.handler.HandleSyncRequest(req, env.SenderID)
	case MsgSyncResponse:
		var blocks []core.Block
		if err := json.Unmarshal(env.Payload, &blocks); err != nil {
			t.log.WithError(err).Warn("bad sync response payload")
			return
		}
		t.handler.HandleSyncResponse(blocks)
	case MsgPBFT, MsgPoA, MsgPoS:
		t.handler.ConsensusMessage(env.Type, env.Payload)
	default:
		t.log.WithField("type", env.Type).Warn("unknown message type")
	}
}

// SendMessage opens a fresh connection to peer, writes env and closes. Send
// failures are logged and counted as drops; they never propagate.
func (t *Transport) SendMessage(peer config.NodeConfig, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		t.log.WithError(err).Error("marshal envelope")
		return
	}
	addr := fmt.Sprintf("%s:%d", peer.IP, peer.Port)
	conn, err := net.DialTimeout("tcp", addr, t.connectTimeout())
	if err != nil {
		t.log.WithError(err).WithField("peer", peer.NodeID).Warn("send failed")
		t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
		return
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.log.WithError(err).WithField("peer", peer.NodeID).Warn("send failed")
		t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
		return
	}
	t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Sent: 1, Bytes: len(data)})
	t.mon.RecordP2PEvent(t.nodeID, peer.NodeID, displayType(env), "SENT")
}

// Broadcast sends env to every peer outside the partition. A partitioned
// local node sends nothing.
func (t *Transport) Broadcast(env Envelope) {
	for _, peer := range t.peers {
		if t.injector.Partitioned(peer.NodeID) || t.injector.Partitioned(t.nodeID) {
			t.log.WithField("peer", peer.NodeID).Debug("not sending to partitioned peer")
			t.mon.RecordMessage(t.nodeID, string(env.Type), monitor.Delta{Dropped: 1})
			continue
		}
		t.SendMessage(peer, env)
	}
}

// BroadcastTransaction sends tx to all peers.
func (t *Transport) BroadcastTransaction(tx core.Transaction) {
	t.broadcastPayload(MsgTransaction, tx)
}

// BroadcastBlock sends block to all peers.
func (t *Transport) BroadcastBlock(block core.Block) {
	t.broadcastPayload(MsgBlock, block)
}

// BroadcastConsensus sends a consensus-protocol message to all peers.
func (t *Transport) BroadcastConsensus(msgType MsgType, payload any) {
	t.broadcastPayload(msgType, payload)
}

// BroadcastSyncRequest asks every reachable peer for blocks [start, end].
func (t *Transport) BroadcastSyncRequest(start, end uint64) {
	t.broadcastPayload(MsgSyncRequest, SyncRequest{Start: start, End: end})
}

// SendSyncResponse sends blocks to the requesting peer only.
func (t *Transport) SendSyncResponse(target core.NodeID, blocks []core.Block) {
	for _, peer := range t.peers {
		if peer.NodeID != target {
			continue
		}
		data, err := json.Marshal(blocks)
		if err != nil {
			t.log.WithError(err).Error("marshal sync response")
			return
		}
		t.SendMessage(peer, Envelope{Type: MsgSyncResponse, Payload: data, SenderID: t.nodeID})
		return
	}
}

func (t *Transport) broadcastPayload(msgType MsgType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.log.WithError(err).WithField("type", msgType).Error("marshal payload")
		return
	}
	t.Broadcast(Envelope{Type: msgType, Payload: data, SenderID: t.nodeID})
}

// replayLoop periodically re-feeds a random captured message through the
// processing pipeline.
func (t *Transport) replayLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		case <-time.After(t.injector.ReplayInterval()):
			if env, ok := t.injector.RandomCached(); ok {
				t.log.WithField("type", env.Type).Info("replaying captured message")
				t.ProcessMessage(env)
			}
		}
	}
}

// displayType unwraps the inner protocol type of consensus envelopes for
// telemetry, falling back to the envelope type.
func displayType(env Envelope) string {
	if env.Type == MsgPBFT {
		var inner struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(env.Payload, &inner); err == nil && inner.Type != "" {
			return inner.Type
		}
	}
	return string(env.Type)
}
