// Package consensus implements the simulator's three agreement policies:
// PBFT (three-phase BFT over view and sequence space), PoA (validator
// round-robin) and PoS (stake-weighted random leader). Only PBFT carries
// quorum machinery; PoA and PoS are single-proposer schemes gated by
// signature checks.
package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/network"
)

// NodeHost is the view of the node runtime an engine needs: chain access,
// block admission, key material and outbound broadcast.
type NodeHost interface {
	ID() core.NodeID
	Chain() *core.Blockchain
	ReceiveBlock(block core.Block) bool
	CreateBlock(nonce uint64, withhold bool) (*core.Block, bool)
	PublicKeyPEM(id core.NodeID) (string, bool)
	SignData(message []byte) (string, error)
	BroadcastConsensus(msgType network.MsgType, payload any)
	BroadcastSyncRequest(start, end uint64)
}

// Engine is a consensus policy attached to a node. The node routes every
// inbound *_message payload into ReceiveMessage.
type Engine interface {
	Algorithm() string
	ReceiveMessage(payload json.RawMessage)
}

// BlockMessage is the wire payload of poa_message and pos_message: a signed
// block proposal from the current leader.
type BlockMessage struct {
	Block     core.Block  `json:"block"`
	Signature string      `json:"signature"`
	SenderID  core.NodeID `json:"sender_id"`
}

// New constructs the engine selected by cfg.ConsensusAlgorithm. roster is the
// ordered list of all node IDs; its order defines PBFT primary rotation.
func New(cfg *config.Config, host NodeHost, roster []core.NodeID, mon monitor.Monitor) (Engine, error) {
	switch cfg.ConsensusAlgorithm {
	case config.AlgorithmPBFT:
		return NewPBFT(host, roster, mon), nil
	case config.AlgorithmPoA:
		return NewPoA(host, cfg.ValidatorsPoA, mon), nil
	case config.AlgorithmPoS:
		return NewPoS(host, roster, cfg.StakingBalances, nil, mon), nil
	default:
		return nil, fmt.Errorf("unknown consensus algorithm %q", cfg.ConsensusAlgorithm)
	}
}
