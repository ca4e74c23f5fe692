package sim

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
)

func testConfig(t *testing.T, n int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Nodes = nil
	cfg.StakingBalances = map[core.NodeID]uint64{}
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		id := core.NodeID(fmt.Sprint(i))
		cfg.Nodes = append(cfg.Nodes, config.NodeConfig{NodeID: id, IP: "127.0.0.1", Port: port})
		cfg.StakingBalances[id] = 10
	}
	cfg.SimulationDuration = 0
	cfg.TransactionRate = 2
	cfg.AttackConfig = config.AttackConfig{}
	return cfg
}

func TestEngineHappyPathPBFT(t *testing.T) {
	cfg := testConfig(t, 4)
	engine, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	nodes := engine.Nodes()
	require.Len(t, nodes, 4)

	// Wait for at least one committed round on every node.
	require.Eventually(t, func() bool {
		for _, rt := range nodes {
			if rt.Chain().Height() < 1 {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond, "all nodes commit at least one block")

	// Honest chains agree prefix-for-prefix at height 1.
	want := nodes[0].Chain().BlockAt(1).Hash
	for _, rt := range nodes {
		assert.Equal(t, want, rt.Chain().BlockAt(1).Hash, "node %s", rt.ID())
		assert.True(t, rt.Chain().IsValid(), "node %s", rt.ID())
	}
}

func TestEngineArchivesCommittedBlocks(t *testing.T) {
	cfg := testConfig(t, 4)
	engine, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start())

	nodes := engine.Nodes()
	require.Eventually(t, func() bool {
		for _, rt := range nodes {
			if rt.Chain().Height() < 1 {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)

	blocks, archiveErr := engine.Archive().Blocks()
	require.NoError(t, archiveErr)
	require.NotEmpty(t, blocks)
	assert.Equal(t, nodes[0].Chain().BlockAt(1).Hash, blocks[0].Hash)
	engine.Stop()
}

func TestEngineStopIsIdempotent(t *testing.T) {
	cfg := testConfig(t, 2)
	engine, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	engine.Stop()
	engine.Stop()
}

func TestUpdateNodeNetworkConfig(t *testing.T) {
	cfg := testConfig(t, 2)
	engine, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	assert.True(t, engine.UpdateNodeNetworkConfig("0", config.NetworkConfig{DelayRange: [2]float64{0.01, 0.02}}))
	assert.False(t, engine.UpdateNodeNetworkConfig("missing", config.NetworkConfig{}))
}

func TestNodeByID(t *testing.T) {
	cfg := testConfig(t, 2)
	engine, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	require.NotNil(t, engine.NodeByID("1"))
	assert.Equal(t, core.NodeID("1"), engine.NodeByID("1").ID())
	assert.Nil(t, engine.NodeByID("42"))
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.ConsensusAlgorithm = "pow"
	_, err := New(cfg)
	require.Error(t, err)
}
