package network

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/monitor"
)

type stubHandler struct {
	txCh       chan core.Transaction
	blockCh    chan core.Block
	syncReqCh  chan SyncRequest
	syncRespCh chan []core.Block
	consCh     chan MsgType
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		txCh:       make(chan core.Transaction, 16),
		blockCh:    make(chan core.Block, 16),
		syncReqCh:  make(chan SyncRequest, 16),
		syncRespCh: make(chan []core.Block, 16),
		consCh:     make(chan MsgType, 16),
	}
}

func (s *stubHandler) ReceiveTransaction(tx core.Transaction) { s.txCh <- tx }
func (s *stubHandler) ReceiveBlock(b core.Block) bool         { s.blockCh <- b; return true }
func (s *stubHandler) HandleSyncRequest(req SyncRequest, _ core.NodeID) {
	s.syncReqCh <- req
}
func (s *stubHandler) HandleSyncResponse(blocks []core.Block) { s.syncRespCh <- blocks }
func (s *stubHandler) ConsensusMessage(t MsgType, _ json.RawMessage) {
	s.consCh <- t
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// startPair starts a receiving transport ("b") and a sending transport ("a")
// that knows b as its only peer.
func startPair(t *testing.T, attackB config.AttackConfig) (*Transport, *stubHandler) {
	t.Helper()
	portA, portB := freePort(t), freePort(t)

	handlerB := newStubHandler()
	b := NewTransport("b", "127.0.0.1", portB, nil, handlerB, config.NetworkConfig{}, attackB, nil)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)

	peers := []config.NodeConfig{{NodeID: "b", IP: "127.0.0.1", Port: portB}}
	a := NewTransport("a", "127.0.0.1", portA, peers, newStubHandler(), config.NetworkConfig{}, config.AttackConfig{}, nil)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a, handlerB
}

func TestTransactionDelivery(t *testing.T) {
	a, handlerB := startPair(t, config.AttackConfig{})

	tx := core.NewTransaction("a", "b", 7)
	a.BroadcastTransaction(tx)

	select {
	case got := <-handlerB.txCh:
		assert.Equal(t, tx.TxHash, got.TxHash)
		assert.Equal(t, tx.Amount, got.Amount)
	case <-time.After(5 * time.Second):
		t.Fatal("transaction not delivered")
	}
}

func TestBlockDelivery(t *testing.T) {
	a, handlerB := startPair(t, config.AttackConfig{})

	block := core.NewBlock(1, "prev", []core.Transaction{core.NewTransaction("a", "b", 1)}, core.Now(), 0)
	a.BroadcastBlock(*block)

	select {
	case got := <-handlerB.blockCh:
		assert.Equal(t, block.Hash, got.Hash)
		require.Len(t, got.Transactions, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("block not delivered")
	}
}

func TestSyncRoundTripMessages(t *testing.T) {
	a, handlerB := startPair(t, config.AttackConfig{})

	a.BroadcastSyncRequest(1, 3)
	select {
	case req := <-handlerB.syncReqCh:
		assert.Equal(t, SyncRequest{Start: 1, End: 3}, req)
	case <-time.After(5 * time.Second):
		t.Fatal("sync request not delivered")
	}

	blocks := []core.Block{*core.NewBlock(1, "prev", nil, core.Now(), 0)}
	a.SendSyncResponse("b", blocks)
	select {
	case got := <-handlerB.syncRespCh:
		require.Len(t, got, 1)
		assert.Equal(t, blocks[0].Hash, got[0].Hash)
	case <-time.After(5 * time.Second):
		t.Fatal("sync response not delivered")
	}
}

func TestConsensusRouting(t *testing.T) {
	a, handlerB := startPair(t, config.AttackConfig{})

	a.BroadcastConsensus(MsgPBFT, map[string]any{"type": "PREPARE"})
	select {
	case typ := <-handlerB.consCh:
		assert.Equal(t, MsgPBFT, typ)
	case <-time.After(5 * time.Second):
		t.Fatal("consensus message not delivered")
	}
}

func TestPartitionedSenderDropped(t *testing.T) {
	a, handlerB := startPair(t, config.AttackConfig{
		Enabled:        true,
		PartitionNodes: []core.NodeID{"a"},
	})

	a.BroadcastTransaction(core.NewTransaction("a", "b", 1))
	select {
	case <-handlerB.txCh:
		t.Fatal("partitioned sender's message must not be dispatched")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSendToUnreachablePeerDoesNotPanic(t *testing.T) {
	mon := monitor.NewRecorder()
	port := freePort(t)
	peers := []config.NodeConfig{{NodeID: "ghost", IP: "127.0.0.1", Port: freePort(t)}}
	a := NewTransport("a", "127.0.0.1", port, peers, newStubHandler(), config.NetworkConfig{SocketTimeout: 0.5}, config.AttackConfig{}, mon)
	require.NoError(t, a.Start())
	defer a.Stop()

	a.BroadcastTransaction(core.NewTransaction("a", "ghost", 1))
	assert.Equal(t, 1, mon.Messages("a", string(MsgTransaction)).Dropped)
}

func TestUpdateConfigMergesNonZero(t *testing.T) {
	a := NewTransport("a", "127.0.0.1", freePort(t), nil, newStubHandler(),
		config.NetworkConfig{SocketTimeout: 2, DelayRange: [2]float64{0.1, 0.2}},
		config.AttackConfig{}, nil)

	a.UpdateConfig(config.NetworkConfig{DelayRange: [2]float64{0.3, 0.4}})
	assert.Equal(t, [2]float64{0.3, 0.4}, a.delayRange())
	assert.Equal(t, 2*time.Second, a.connectTimeout())

	a.UpdateConfig(config.NetworkConfig{SocketTimeout: 1})
	assert.Equal(t, time.Second, a.connectTimeout())
	assert.Equal(t, [2]float64{0.3, 0.4}, a.delayRange())
}

func TestInvalidJSONCounted(t *testing.T) {
	mon := monitor.NewRecorder()
	port := freePort(t)
	b := NewTransport("b", "127.0.0.1", port, nil, newStubHandler(), config.NetworkConfig{}, config.AttackConfig{}, mon)
	require.NoError(t, b.Start())
	defer b.Stop()

	conn, err := net.Dial("tcp", b.listener.Addr().String())
	require.NoError(t, err)
	conn.Write([]byte("{not json"))
	conn.Close()

	require.Eventually(t, func() bool {
		return mon.Messages("b", "invalid_json").Dropped == 1
	}, 5*time.Second, 20*time.Millisecond)
}
