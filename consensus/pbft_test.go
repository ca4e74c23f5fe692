package consensus_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/consensus"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/crypto"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/network"
	"github.com/gnpaone/nexuschain/node"
)

// delivery is one queued consensus broadcast.
type delivery struct {
	from    core.NodeID
	payload json.RawMessage
}

// cluster wires N node runtimes and their PBFT engines over an in-memory
// message queue instead of TCP, so protocol rounds run deterministically.
type cluster struct {
	t        *testing.T
	recorder *monitor.Recorder
	roster   []core.NodeID
	nodes    map[core.NodeID]node.Runtime
	engines  map[core.NodeID]*consensus.PBFT

	mu       sync.Mutex
	queue    []delivery
	sent     map[core.NodeID][]string
	syncReqs map[core.NodeID][][2]uint64
	isolated map[core.NodeID]bool
}

// busHost overrides the broadcast paths of a runtime to feed the cluster
// queue.
type busHost struct {
	node.Runtime
	c *cluster
}

func (h *busHost) BroadcastConsensus(_ network.MsgType, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(h.c.t, err)
	var inner struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &inner)

	h.c.mu.Lock()
	h.c.sent[h.ID()] = append(h.c.sent[h.ID()], inner.Type)
	h.c.queue = append(h.c.queue, delivery{from: h.ID(), payload: data})
	h.c.mu.Unlock()
}

func (h *busHost) BroadcastSyncRequest(start, end uint64) {
	h.c.mu.Lock()
	h.c.syncReqs[h.ID()] = append(h.c.syncReqs[h.ID()], [2]uint64{start, end})
	h.c.mu.Unlock()
}

func newCluster(t *testing.T, n int, malicious map[int]config.BehaviorConfig) *cluster {
	t.Helper()
	c := &cluster{
		t:        t,
		recorder: monitor.NewRecorder(),
		nodes:    make(map[core.NodeID]node.Runtime),
		engines:  make(map[core.NodeID]*consensus.PBFT),
		sent:     make(map[core.NodeID][]string),
		syncReqs: make(map[core.NodeID][][2]uint64),
		isolated: make(map[core.NodeID]bool),
	}

	for i := 0; i < n; i++ {
		id := core.NodeID(fmt.Sprint(i))
		c.roster = append(c.roster, id)
		cfg := config.NodeConfig{NodeID: id, IP: "127.0.0.1", Port: 1}

		var rt node.Runtime
		var err error
		if behavior, ok := malicious[i]; ok {
			rt, err = node.NewMaliciousNode(cfg, nil, behavior, c.recorder, nil, config.NetworkConfig{})
		} else {
			rt, err = node.NewNode(cfg, nil, c.recorder, nil, config.NetworkConfig{})
		}
		require.NoError(t, err)
		c.nodes[id] = rt
	}

	// Key exchange happens before any consensus traffic.
	for _, a := range c.nodes {
		for _, b := range c.nodes {
			if a.ID() != b.ID() {
				a.Registry().Register(b.ID(), b.OwnPublicKeyPEM(), nil)
			}
		}
	}

	for _, id := range c.roster {
		rt := c.nodes[id]
		host := &busHost{Runtime: rt, c: c}
		eng := consensus.NewPBFT(host, c.roster, c.recorder)
		rt.SetEngine(eng)
		c.engines[id] = eng
	}
	return c
}

// pump drains the queue, delivering each broadcast to every other reachable
// engine in roster order, until the network is quiet.
func (c *cluster) pump() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		d := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		for _, id := range c.roster {
			if id == d.from || c.isolated[id] || c.isolated[d.from] {
				continue
			}
			c.engines[id].ReceiveMessage(d.payload)
		}
	}
}

func (c *cluster) sentTypes(id core.NodeID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent[id]...)
}

// seedAndPropose puts one transaction into the primary's mempool and runs a
// full proposal.
func (c *cluster) seedAndPropose(primary core.NodeID) *core.Block {
	rt := c.nodes[primary]
	tx := rt.CreateTransaction("1", 5)
	require.NotNil(c.t, tx)
	block, ok := rt.CreateBlock(0, false)
	require.True(c.t, ok)
	c.engines[primary].ProposeBlock(*block)
	c.pump()
	return block
}

func signedMessage(t *testing.T, signer node.Runtime, msgType string, view uint32, seq uint64, block *core.Block) json.RawMessage {
	t.Helper()
	data := fmt.Sprintf("%s:%d:%d:%s:%s", msgType, view, seq, signer.ID(),
		crypto.CanonicalJSON(block.WireMap()))
	sig, err := signer.SignData([]byte(data))
	require.NoError(t, err)
	payload, err := json.Marshal(consensus.PBFTMessage{
		Type: msgType, View: view, Seq: seq, NodeID: signer.ID(),
		Block: *block, Signature: sig,
	})
	require.NoError(t, err)
	return payload
}

func TestQuorumFormula(t *testing.T) {
	for _, tc := range []struct {
		n, want int
	}{
		{4, 3}, {5, 3}, {6, 5}, {7, 5}, {10, 7},
	} {
		c := newCluster(t, tc.n, nil)
		assert.Equal(t, tc.want, c.engines["0"].Quorum(), "N=%d", tc.n)
	}
}

func TestPrimarySelection(t *testing.T) {
	c := newCluster(t, 4, nil)
	assert.Equal(t, core.NodeID("0"), c.engines["1"].Primary())
}

func TestHappyPathCommit(t *testing.T) {
	c := newCluster(t, 4, nil)
	block := c.seedAndPropose("0")

	for _, id := range c.roster {
		chain := c.nodes[id].Chain()
		require.Equal(t, uint64(1), chain.Height(), "node %s", id)
		assert.Equal(t, block.Hash, chain.LastBlock().Hash, "node %s", id)
		assert.True(t, chain.IsValid(), "node %s", id)
	}
}

func TestQuorumMonotonicity(t *testing.T) {
	c := newCluster(t, 4, nil)
	c.seedAndPropose("0")

	q := c.engines["0"].Quorum()
	for _, id := range c.roster {
		assert.GreaterOrEqual(t, c.engines[id].PreparedCount(1), q, "node %s", id)
	}
}

func TestNonPrimaryCannotPropose(t *testing.T) {
	c := newCluster(t, 4, nil)
	rt := c.nodes["1"]
	require.NotNil(t, rt.CreateTransaction("2", 1))
	block, ok := rt.CreateBlock(0, false)
	require.True(t, ok)

	c.engines["1"].ProposeBlock(*block)
	c.pump()
	assert.Empty(t, c.sentTypes("1"))
	assert.Equal(t, uint64(0), c.nodes["0"].Chain().Height())
}

func TestDuplicateProposalSkipped(t *testing.T) {
	c := newCluster(t, 4, nil)
	block := c.seedAndPropose("0")

	before := len(c.sentTypes("0"))
	c.engines["0"].ProposeBlock(*block)
	c.pump()
	assert.Len(t, c.sentTypes("0"), before, "re-proposal at the same height is skipped")
	assert.Equal(t, uint64(1), c.engines["0"].SequenceNumber())
}

func TestByzantineMinority(t *testing.T) {
	// Node 3 refuses blocks; Q=3 still commits on the honest majority.
	c := newCluster(t, 4, map[int]config.BehaviorConfig{
		3: {IgnoreConsensusMessages: true},
	})
	block := c.seedAndPropose("0")

	for _, id := range []core.NodeID{"0", "1", "2"} {
		require.Equal(t, uint64(1), c.nodes[id].Chain().Height(), "node %s", id)
		assert.Equal(t, block.Hash, c.nodes[id].Chain().LastBlock().Hash)
	}
	assert.Equal(t, uint64(0), c.nodes["3"].Chain().Height())
}

func TestGapTriggersSyncOnPrePrepare(t *testing.T) {
	c := newCluster(t, 4, nil)

	future := core.NewBlock(3, "unknown-parent", nil, core.Now(), 0)
	payload := signedMessage(t, c.nodes["0"], consensus.PhasePrePrepare, 0, 5, future)
	c.engines["1"].ReceiveMessage(payload)

	c.mu.Lock()
	reqs := c.syncReqs["1"]
	c.mu.Unlock()
	require.Len(t, reqs, 1)
	assert.Equal(t, [2]uint64{1, 3}, reqs[0])
	assert.NotContains(t, c.sentTypes("1"), consensus.PhasePrepare, "no vote across a gap")
}

func TestForkPrePrepareRejected(t *testing.T) {
	c := newCluster(t, 4, nil)

	wrong := core.NewBlock(1, "not-the-genesis-hash", nil, core.Now(), 0)
	payload := signedMessage(t, c.nodes["0"], consensus.PhasePrePrepare, 0, 1, wrong)
	c.engines["1"].ReceiveMessage(payload)

	assert.NotContains(t, c.sentTypes("1"), consensus.PhasePrepare)
	assert.Equal(t, 1, c.recorder.Node("1").ForkEvents)
}

func TestBadSignatureMarksSenderMalicious(t *testing.T) {
	c := newCluster(t, 4, nil)

	block := core.NewBlock(1, c.nodes["1"].Chain().LastBlock().Hash, nil, core.Now(), 0)
	payload, err := json.Marshal(consensus.PBFTMessage{
		Type: consensus.PhasePrepare, View: 0, Seq: 1, NodeID: "2",
		Block: *block, Signature: "deadbeef",
	})
	require.NoError(t, err)
	c.engines["1"].ReceiveMessage(payload)

	assert.Contains(t, c.engines["1"].MaliciousNodes(), core.NodeID("2"))
	assert.Equal(t, 0, c.engines["1"].PreparedCount(1))
}

func TestUnknownSenderRejected(t *testing.T) {
	c := newCluster(t, 4, nil)

	block := core.NewBlock(1, c.nodes["1"].Chain().LastBlock().Hash, nil, core.Now(), 0)
	payload, err := json.Marshal(consensus.PBFTMessage{
		Type: consensus.PhasePrepare, View: 0, Seq: 1, NodeID: "99",
		Block: *block, Signature: "deadbeef",
	})
	require.NoError(t, err)
	c.engines["1"].ReceiveMessage(payload)

	assert.Contains(t, c.engines["1"].MaliciousNodes(), core.NodeID("99"))
}

func TestDuplicateMessageIgnored(t *testing.T) {
	c := newCluster(t, 4, nil)

	block := core.NewBlock(1, c.nodes["3"].Chain().LastBlock().Hash, nil, core.Now(), 0)
	payload := signedMessage(t, c.nodes["2"], consensus.PhasePrepare, 0, 1, block)
	c.engines["3"].ReceiveMessage(payload)
	require.Equal(t, 1, c.engines["3"].PreparedCount(1))

	// Exact same (sender, type, seq) again: de-duplicated.
	c.engines["3"].ReceiveMessage(payload)
	assert.Equal(t, 1, c.engines["3"].PreparedCount(1))
}

func TestMultipleRoundsAdvanceSequence(t *testing.T) {
	c := newCluster(t, 4, nil)
	for i := 0; i < 3; i++ {
		rt := c.nodes["0"]
		require.NotNil(t, rt.CreateTransaction("1", int64(i+1)))
		block, ok := rt.CreateBlock(0, false)
		require.True(t, ok)
		c.engines["0"].ProposeBlock(*block)
		c.pump()
	}
	for _, id := range c.roster {
		assert.Equal(t, uint64(3), c.nodes[id].Chain().Height(), "node %s", id)
	}
	assert.Equal(t, uint64(3), c.engines["1"].SequenceNumber())
}

func TestPartitionHealViaSync(t *testing.T) {
	// N=5 keeps quorum (3) reachable while one node is cut off. With N=4 the
	// remaining three nodes cannot prepare-quorum because non-primaries do
	// not count their own prepare votes.
	c := newCluster(t, 5, nil)

	// Node 2 misses three committed rounds.
	c.mu.Lock()
	c.isolated["2"] = true
	c.mu.Unlock()
	for i := 0; i < 3; i++ {
		rt := c.nodes["0"]
		require.NotNil(t, rt.CreateTransaction("1", int64(i+1)))
		block, ok := rt.CreateBlock(0, false)
		require.True(t, ok)
		c.engines["0"].ProposeBlock(*block)
		c.pump()
	}
	c.mu.Lock()
	c.isolated["2"] = false
	c.mu.Unlock()
	require.Equal(t, uint64(0), c.nodes["2"].Chain().Height())
	require.Equal(t, uint64(3), c.nodes["0"].Chain().Height())

	// The healed node sees a proposal far ahead of its tip and asks for the
	// gap; a peer serves it and the chains converge.
	tip0 := c.nodes["0"].Chain().LastBlock()
	payload := signedMessage(t, c.nodes["0"], consensus.PhasePrePrepare, 0, 4,
		core.NewBlock(4, tip0.Hash, nil, core.Now(), 0))
	c.engines["2"].ReceiveMessage(payload)

	c.mu.Lock()
	reqs := c.syncReqs["2"]
	c.mu.Unlock()
	require.Len(t, reqs, 1)
	require.Equal(t, [2]uint64{1, 4}, reqs[0])

	// Range clamps at the serving node's tip, so blocks 1..3 come back.
	var blocks []core.Block
	for _, b := range c.nodes["0"].Chain().Range(reqs[0][0], reqs[0][1]) {
		blocks = append(blocks, *b)
	}
	c.nodes["2"].HandleSyncResponse(blocks)

	assert.Equal(t, uint64(3), c.nodes["2"].Chain().Height())
	assert.Equal(t, tip0.Hash, c.nodes["2"].Chain().LastBlock().Hash)
}
