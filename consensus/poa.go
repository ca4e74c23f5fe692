package consensus

import (
	"encoding/json"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/crypto"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/network"
)

// defaultBlockTime is the minimum spacing between PoA proposals.
const defaultBlockTime = 5 * time.Second

// PoA rotates block production round-robin through a fixed validator set.
// Admission of received proposals is gated on validator membership, a valid
// signature and linkage to the local tip.
type PoA struct {
	host NodeHost
	mon  monitor.Monitor
	log  *logrus.Entry

	mu            sync.Mutex
	validators    []core.NodeID
	leaderIndex   int
	blockTime     time.Duration
	lastBlockTime time.Time
	malicious     mapset.Set[core.NodeID]
	seenBlocks    mapset.Set[string]
}

// NewPoA creates a PoA engine with the given validator roster.
func NewPoA(host NodeHost, validators []core.NodeID, mon monitor.Monitor) *PoA {
	return &PoA{
		host:       host,
		mon:        monitor.OrNop(mon),
		log:        logrus.WithFields(logrus.Fields{"node": host.ID(), "consensus": "poa"}),
		validators: append([]core.NodeID(nil), validators...),
		blockTime:  defaultBlockTime,
		malicious:  mapset.NewSet[core.NodeID](),
		seenBlocks: mapset.NewSet[string](),
	}
}

// Algorithm returns the engine's config name.
func (p *PoA) Algorithm() string { return config.AlgorithmPoA }

// SetBlockTime overrides the proposal spacing; tests shrink it.
func (p *PoA) SetBlockTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockTime = d
}

// CurrentLeader returns the validator whose turn it is.
func (p *PoA) CurrentLeader() core.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validators[p.leaderIndex]
}

func (p *PoA) rotateLeader() {
	p.leaderIndex = (p.leaderIndex + 1) % len(p.validators)
}

// CanPropose reports whether this node is the leader and the block-time gate
// has elapsed.
func (p *PoA) CanPropose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validators[p.leaderIndex] == p.host.ID() &&
		time.Since(p.lastBlockTime) >= p.blockTime
}

// ProposeBlock mines, signs and broadcasts the next block when this node is
// the due leader, then rotates leadership. Returns nil when it is not this
// node's turn or the mempool is empty.
func (p *PoA) ProposeBlock() *core.Block {
	if !p.CanPropose() {
		return nil
	}
	start := time.Now()
	block, ok := p.host.CreateBlock(0, false)
	if !ok {
		return nil
	}
	sig, err := p.signBlock(block)
	if err != nil {
		p.log.WithError(err).Error("sign block")
		return nil
	}
	msg := BlockMessage{Block: *block, Signature: sig, SenderID: p.host.ID()}
	p.mon.RecordMessage(p.host.ID(), string(network.MsgPoA),
		monitor.Delta{Sent: 1, Bytes: len(crypto.CanonicalJSON(block.WireMap()))})
	p.host.BroadcastConsensus(network.MsgPoA, msg)

	p.mu.Lock()
	p.lastBlockTime = time.Now()
	p.rotateLeader()
	p.mu.Unlock()

	p.mon.RecordBlockProduced(p.host.ID(), block.Index)
	p.mon.RecordLatency(p.host.ID(), time.Since(start).Seconds())
	return block
}

// ReceiveMessage validates and admits a leader's proposal.
func (p *PoA) ReceiveMessage(payload json.RawMessage) {
	var msg BlockMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.WithError(err).Warn("bad poa payload")
		return
	}
	if msg.Signature == "" || msg.SenderID == "" {
		p.log.Warn("invalid poa message")
		return
	}
	p.mon.RecordMessage(p.host.ID(), string(network.MsgPoA),
		monitor.Delta{Recv: 1, Bytes: len(payload)})

	p.admitProposal(admission{
		engine:     "poa",
		msg:        msg,
		members:    p.validators,
		malicious:  p.malicious,
		seenBlocks: p.seenBlocks,
	})
}

// Run drives the proposer loop until done closes. Only the rotating leader
// actually produces blocks; everyone else's tick is a no-op.
func (p *PoA) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.ProposeBlock()
		}
	}
}

// MaliciousNodes returns the peers whose traffic this engine has rejected.
func (p *PoA) MaliciousNodes() []core.NodeID {
	return p.malicious.ToSlice()
}

// signBlock signs the canonical JSON of the block. (The Python original
// signed the interpreter's repr of the block dict; canonical JSON carries the
// same intent with a well-defined byte form.)
func (p *PoA) signBlock(block *core.Block) (string, error) {
	return p.host.SignData(crypto.CanonicalJSON(block.WireMap()))
}

// admission bundles what PoA and PoS share when validating a proposal.
type admission struct {
	engine     string
	msg        BlockMessage
	members    []core.NodeID
	malicious  mapset.Set[core.NodeID]
	seenBlocks mapset.Set[string]
}

// admitProposal runs the shared single-proposer reception pipeline:
// membership, key lookup, signature, duplicate suppression, tip linkage.
func (p *PoA) admitProposal(a admission) {
	admitSingleProposer(p.host, p.mon, p.log, a)
}

func admitSingleProposer(host NodeHost, mon monitor.Monitor, log *logrus.Entry, a admission) {
	member := false
	for _, v := range a.members {
		if v == a.msg.SenderID {
			member = true
			break
		}
	}
	if !member {
		log.WithField("sender", a.msg.SenderID).Warn("message from non-validator rejected")
		a.malicious.Add(a.msg.SenderID)
		mon.RaiseAlert(a.msg.SenderID, "message from non-validator rejected", "WARNING")
		return
	}

	pem, ok := host.PublicKeyPEM(a.msg.SenderID)
	if !ok {
		log.WithField("sender", a.msg.SenderID).Warn("unknown public key, message rejected")
		return
	}
	pub, err := crypto.DecodePublicKeyPEM(pem)
	if err != nil {
		log.WithError(err).Warn("unparseable sender key")
		return
	}
	signed := crypto.CanonicalJSON(a.msg.Block.WireMap())
	if !crypto.Verify(pub, signed, a.msg.Signature) {
		log.WithField("sender", a.msg.SenderID).Warn("invalid signature, message rejected")
		a.malicious.Add(a.msg.SenderID)
		mon.RaiseAlert(a.msg.SenderID, "invalid signature in "+a.engine+" message", "WARNING")
		return
	}

	if !a.seenBlocks.Add(a.msg.Block.Hash) {
		log.WithField("hash", a.msg.Block.Hash).Debug("duplicate block, ignoring")
		return
	}

	tip := host.Chain().LastBlock()
	if a.msg.Block.PreviousHash == tip.Hash {
		host.ReceiveBlock(a.msg.Block)
	} else {
		log.Warn("received block does not extend tip, possible conflict")
		mon.RecordForkEvent(host.ID(), "conflict detected")
	}
}
