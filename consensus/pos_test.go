package consensus_test

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/consensus"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/node"
)

func posNode(t *testing.T, id core.NodeID) node.Runtime {
	t.Helper()
	n, err := node.NewNode(config.NodeConfig{NodeID: id, IP: "127.0.0.1", Port: 1}, nil, nil, nil, config.NetworkConfig{})
	require.NoError(t, err)
	return n
}

func TestPoSStakeWeightedSelection(t *testing.T) {
	host := posNode(t, "0")
	validators := []core.NodeID{"0", "1", "2"}
	balances := map[core.NodeID]uint64{"0": 10, "1": 0, "2": 30}
	eng := consensus.NewPoS(host, validators, balances, rand.New(rand.NewSource(42)), nil)

	counts := make(map[core.NodeID]int)
	const draws = 4000
	for i := 0; i < draws; i++ {
		counts[eng.SelectValidator()]++
	}

	assert.Zero(t, counts["1"], "zero-stake validator is never selected")
	// Expected split is 1:3 between "0" and "2".
	assert.InDelta(t, 0.25, float64(counts["0"])/draws, 0.05)
	assert.InDelta(t, 0.75, float64(counts["2"])/draws, 0.05)
}

func TestPoSProposeOnlyWhenSelected(t *testing.T) {
	host := posNode(t, "0")
	require.NotNil(t, host.CreateTransaction("1", 2))

	// All stake on another validator: this node never wins a slot.
	eng := consensus.NewPoS(host, []core.NodeID{"0", "1"},
		map[core.NodeID]uint64{"1": 10}, rand.New(rand.NewSource(1)), nil)
	assert.Nil(t, eng.ProposeBlock())

	// All stake local: every slot is ours.
	sole := consensus.NewPoS(host, []core.NodeID{"0", "1"},
		map[core.NodeID]uint64{"0": 10}, rand.New(rand.NewSource(1)), nil)
	block := sole.ProposeBlock()
	require.NotNil(t, block)
	assert.Equal(t, uint64(1), block.Index)
}

func TestPoSAdmission(t *testing.T) {
	rec := monitor.NewRecorder()
	proposer := posNode(t, "0")
	receiver := posNode(t, "1")
	proposer.Registry().Register(receiver.ID(), receiver.OwnPublicKeyPEM(), nil)
	receiver.Registry().Register(proposer.ID(), proposer.OwnPublicKeyPEM(), nil)

	validators := []core.NodeID{"0", "1"}
	balances := map[core.NodeID]uint64{"0": 10, "1": 10}
	engRecv := consensus.NewPoS(receiver, validators, balances, rand.New(rand.NewSource(2)), rec)

	require.NotNil(t, proposer.CreateTransaction("1", 2))
	block, ok := proposer.CreateBlock(0, false)
	require.True(t, ok)

	payload, err := json.Marshal(consensus.BlockMessage{
		Block: *block, Signature: signBlockAs(t, proposer, block), SenderID: proposer.ID(),
	})
	require.NoError(t, err)
	engRecv.ReceiveMessage(payload)

	require.Equal(t, uint64(1), receiver.Chain().Height())
	assert.Equal(t, block.Hash, receiver.Chain().LastBlock().Hash)
}

func TestPoSRejectsOutsiderAndBadSignature(t *testing.T) {
	proposer := posNode(t, "0")
	receiver := posNode(t, "1")
	receiver.Registry().Register(proposer.ID(), proposer.OwnPublicKeyPEM(), nil)

	validators := []core.NodeID{"1"} // proposer not in the set
	eng := consensus.NewPoS(receiver, validators, map[core.NodeID]uint64{"1": 10},
		rand.New(rand.NewSource(3)), nil)

	require.NotNil(t, proposer.CreateTransaction("1", 2))
	block, ok := proposer.CreateBlock(0, false)
	require.True(t, ok)

	payload, err := json.Marshal(consensus.BlockMessage{
		Block: *block, Signature: signBlockAs(t, proposer, block), SenderID: proposer.ID(),
	})
	require.NoError(t, err)
	eng.ReceiveMessage(payload)
	assert.Equal(t, uint64(0), receiver.Chain().Height())
	assert.Contains(t, eng.MaliciousNodes(), core.NodeID("0"))

	// Validator set right, signature wrong.
	eng2 := consensus.NewPoS(receiver, []core.NodeID{"0", "1"},
		map[core.NodeID]uint64{"0": 10, "1": 10}, rand.New(rand.NewSource(4)), nil)
	payload2, err := json.Marshal(consensus.BlockMessage{
		Block: *block, Signature: "deadbeef", SenderID: proposer.ID(),
	})
	require.NoError(t, err)
	eng2.ReceiveMessage(payload2)
	assert.Equal(t, uint64(0), receiver.Chain().Height())
	assert.Contains(t, eng2.MaliciousNodes(), core.NodeID("0"))
}
