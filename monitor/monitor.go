// Package monitor defines the observability sink the consensus core reports
// into. The core only depends on the Monitor interface; Recorder is the
// default implementation, a structured logger with in-memory counters that
// tests and the simulation driver read back.
package monitor

import (
	"github.com/gnpaone/nexuschain/core"
)

// Delta is a set of per-message counter increments.
type Delta struct {
	Sent       int
	Recv       int
	Dropped    int
	Retransmit int
	Bytes      int
}

// Monitor receives telemetry from nodes, transports and consensus engines.
// Implementations must be safe for concurrent use; every method is fire and
// forget.
type Monitor interface {
	RecordMessage(node core.NodeID, msgType string, d Delta)
	RecordP2PEvent(node, peer core.NodeID, msgType, direction string)
	RecordBlockProduced(node core.NodeID, index uint64)
	RecordBlockCommitted(node core.NodeID, block *core.Block)
	RecordPBFTPrepare(node core.NodeID, index uint64, quorum bool)
	RecordPBFTCommit(node core.NodeID, index uint64, quorum bool)
	RecordLatency(node core.NodeID, seconds float64)
	RecordSyncEvent(node core.NodeID, info string)
	RecordForkEvent(node core.NodeID, info string)
	RecordTradeSuccess(node core.NodeID)
	RecordTradeFailure(node core.NodeID)
	RecordTradeConfirmation(node core.NodeID, txHash string, at float64)
	RaiseAlert(node core.NodeID, message, severity string)
}

// Nop is a Monitor that discards everything.
type Nop struct{}

func (Nop) RecordMessage(core.NodeID, string, Delta)                {}
func (Nop) RecordP2PEvent(core.NodeID, core.NodeID, string, string) {}
func (Nop) RecordBlockProduced(core.NodeID, uint64)                 {}
func (Nop) RecordBlockCommitted(core.NodeID, *core.Block)           {}
func (Nop) RecordPBFTPrepare(core.NodeID, uint64, bool)             {}
func (Nop) RecordPBFTCommit(core.NodeID, uint64, bool)              {}
func (Nop) RecordLatency(core.NodeID, float64)                      {}
func (Nop) RecordSyncEvent(core.NodeID, string)                     {}
func (Nop) RecordForkEvent(core.NodeID, string)                     {}
func (Nop) RecordTradeSuccess(core.NodeID)                          {}
func (Nop) RecordTradeFailure(core.NodeID)                          {}
func (Nop) RecordTradeConfirmation(core.NodeID, string, float64)    {}
func (Nop) RaiseAlert(core.NodeID, string, string)                  {}

// OrNop returns m, or a Nop sink when m is nil, so callers never have to
// nil-check before recording.
func OrNop(m Monitor) Monitor {
	if m == nil {
		return Nop{}
	}
	return m
}
