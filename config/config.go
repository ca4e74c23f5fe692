// Package config defines the simulator's configuration file format and its
// defaults. The file is JSON; Load applies it over DefaultConfig and
// validates the result.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gnpaone/nexuschain/core"
)

// Consensus algorithm names accepted by the config.
const (
	AlgorithmPBFT = "pbft"
	AlgorithmPoA  = "poa"
	AlgorithmPoS  = "pos"
)

// NodeConfig identifies one simulated node and its listen address.
type NodeConfig struct {
	NodeID core.NodeID `json:"node_id"`
	IP     string      `json:"ip"`
	Port   int         `json:"port"`
}

// NetworkConfig holds transport tuning. DelayRange is a per-node propagation
// delay window in seconds; when its upper bound is zero the attack config's
// delay range applies instead.
type NetworkConfig struct {
	PropagationDelay float64    `json:"propagation_delay"`
	SocketTimeout    float64    `json:"socket_timeout"`
	MaxRetries       int        `json:"max_retries"`
	DelayRange       [2]float64 `json:"delay_range"`
}

// AttackConfig parameterizes the transport fault injector.
type AttackConfig struct {
	Enabled        bool          `json:"enabled"`
	DropRate       float64       `json:"drop_rate"`
	DelayRange     [2]float64    `json:"delay_range"`
	PartitionNodes []core.NodeID `json:"partition_nodes"`
	ReplayEnabled  bool          `json:"replay_enabled"`
}

// BehaviorConfig selects the adversarial behaviors of a malicious node.
type BehaviorConfig struct {
	WithholdBlocks          bool `json:"withhold_blocks"`
	SendConflictingBlocks   bool `json:"send_conflicting_blocks"`
	ReplayAttack            bool `json:"replay_attack"`
	IgnoreConsensusMessages bool `json:"ignore_consensus_messages"`
	DropIncomingMessages    bool `json:"drop_incoming_messages"`
}

// Config holds the whole simulation setup.
type Config struct {
	Nodes              []NodeConfig                    `json:"nodes"`
	ConsensusAlgorithm string                          `json:"consensus_algorithm"`
	SimulationDuration float64                         `json:"simulation_duration"` // seconds; 0 = until stopped
	BlockSize          int                             `json:"block_size"`          // transactions per block (pacing hint)
	TransactionRate    float64                         `json:"transaction_rate"`    // tx per second per node
	Network            NetworkConfig                   `json:"network"`
	StakingBalances    map[core.NodeID]uint64          `json:"staking_balances"`
	ValidatorsPoA      []core.NodeID                   `json:"validators_poa"`
	AttackConfig       AttackConfig                    `json:"attack_config"`
	MaliciousNodes     map[core.NodeID]BehaviorConfig  `json:"malicious_nodes"`
	LoggingLevel       string                          `json:"logging_level"`
	DataDir            string                          `json:"data_dir,omitempty"` // empty = in-memory archive
}

// DefaultConfig returns a four-node local PBFT setup.
func DefaultConfig() *Config {
	nodes := make([]NodeConfig, 4)
	staking := make(map[core.NodeID]uint64, 4)
	for i := range nodes {
		id := core.NodeID(fmt.Sprintf("%d", i))
		nodes[i] = NodeConfig{NodeID: id, IP: "127.0.0.1", Port: 5000 + i}
		staking[id] = 10
	}
	return &Config{
		Nodes:              nodes,
		ConsensusAlgorithm: AlgorithmPBFT,
		SimulationDuration: 120,
		BlockSize:          5,
		TransactionRate:    2,
		Network: NetworkConfig{
			PropagationDelay: 0.1,
			SocketTimeout:    2,
			MaxRetries:       3,
		},
		StakingBalances: staking,
		ValidatorsPoA:   []core.NodeID{"0", "1", "2"},
		AttackConfig: AttackConfig{
			DropRate:   0.1,
			DelayRange: [2]float64{0.05, 0.2},
		},
		MaliciousNodes: map[core.NodeID]BehaviorConfig{},
		LoggingLevel:   "info",
	}
}

// Load reads a JSON config file from path, applies it over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes must not be empty")
	}
	seen := make(map[core.NodeID]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("nodes[%d]: node_id must not be empty", i)
		}
		if seen[n.NodeID] {
			return fmt.Errorf("nodes[%d]: duplicate node_id %q", i, n.NodeID)
		}
		seen[n.NodeID] = true
		if n.Port <= 0 || n.Port > 65535 {
			return fmt.Errorf("nodes[%d]: port must be 1-65535, got %d", i, n.Port)
		}
	}
	switch c.ConsensusAlgorithm {
	case AlgorithmPBFT, AlgorithmPoA, AlgorithmPoS:
	default:
		return fmt.Errorf("consensus_algorithm must be pbft, poa or pos, got %q", c.ConsensusAlgorithm)
	}
	if c.ConsensusAlgorithm == AlgorithmPoA {
		if len(c.ValidatorsPoA) == 0 {
			return fmt.Errorf("validators_poa must not be empty for poa")
		}
		for i, v := range c.ValidatorsPoA {
			if !seen[v] {
				return fmt.Errorf("validators_poa[%d]: unknown node %q", i, v)
			}
		}
	}
	if c.ConsensusAlgorithm == AlgorithmPoS && len(c.StakingBalances) == 0 {
		return fmt.Errorf("staking_balances must not be empty for pos")
	}
	if c.AttackConfig.DropRate < 0 || c.AttackConfig.DropRate > 1 {
		return fmt.Errorf("attack_config.drop_rate must be in [0,1], got %v", c.AttackConfig.DropRate)
	}
	if c.AttackConfig.DelayRange[0] > c.AttackConfig.DelayRange[1] {
		return fmt.Errorf("attack_config.delay_range: min %v > max %v",
			c.AttackConfig.DelayRange[0], c.AttackConfig.DelayRange[1])
	}
	if c.TransactionRate < 0 {
		return fmt.Errorf("transaction_rate must be >= 0, got %v", c.TransactionRate)
	}
	for id := range c.MaliciousNodes {
		if !seen[id] {
			return fmt.Errorf("malicious_nodes: unknown node %q", id)
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
