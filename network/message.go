// Package network implements the simulator's inter-node transport: a TCP
// listener per node, one JSON envelope per connection, outbound broadcast and
// a configurable fault injector (drop, delay, partition, replay).
package network

import (
	"encoding/json"

	"github.com/gnpaone/nexuschain/core"
)

// MsgType labels a wire envelope.
type MsgType string

const (
	MsgTransaction  MsgType = "transaction"
	MsgBlock        MsgType = "block"
	MsgPBFT         MsgType = "pbft_message"
	MsgPoA          MsgType = "poa_message"
	MsgPoS          MsgType = "pos_message"
	MsgSyncRequest  MsgType = "sync_request"
	MsgSyncResponse MsgType = "sync_response"
)

// Envelope is the frame every message travels in. The connection itself
// delimits the frame: the client writes one envelope and closes, the server
// reads to EOF.
type Envelope struct {
	Type     MsgType         `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID core.NodeID     `json:"sender_id"`
}

// SyncRequest asks peers for the block range [Start, End].
type SyncRequest struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Handler is the node-side sink the transport dispatches parsed messages
// into. The node runtime implements it.
type Handler interface {
	ReceiveTransaction(tx core.Transaction)
	ReceiveBlock(block core.Block) bool
	HandleSyncRequest(req SyncRequest, requester core.NodeID)
	HandleSyncResponse(blocks []core.Block)
	ConsensusMessage(msgType MsgType, payload json.RawMessage)
}
