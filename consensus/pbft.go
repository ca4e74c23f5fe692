package consensus

import (
	"encoding/json"
	"fmt"
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

// PBFT protocol phases.
const (
	PhasePrePrepare = "PRE_PREPARE"
	PhasePrepare    = "PREPARE"
	PhaseCommit     = "COMMIT"
	PhaseReply      = "REPLY"
)

// roundCleanupThreshold is how far behind the latest committed sequence the
// per-round vote sets are kept before being dropped.
const roundCleanupThreshold = 5

// PBFTMessage is the wire payload of pbft_message. The signature covers
// "{type}:{view}:{seq}:{node_id}:{canonical JSON of block}".
type PBFTMessage struct {
	Type      string      `json:"type"`
	View      uint32      `json:"view"`
	Seq       uint64      `json:"seq"`
	NodeID    core.NodeID `json:"node_id"`
	Block     core.Block  `json:"block"`
	Signature string      `json:"signature"`
}

type msgKey struct {
	Sender core.NodeID
	Type   string
	Seq    uint64
}

// PBFT is the three-phase agreement engine. A single mutex serializes the
// whole receive path and proposals, covering every quorum-set mutation.
// There is no view change: a stuck primary halts progress.
type PBFT struct {
	host       NodeHost
	roster     []core.NodeID // ordered; primary = roster[view mod N]
	totalNodes int
	mon        monitor.Monitor
	log        *logrus.Entry

	mu                sync.Mutex
	currentView       uint32
	sequenceNumber    uint64
	lastProposedIndex int64
	prepared          map[uint64]mapset.Set[core.NodeID]
	committed         map[uint64]mapset.Set[core.NodeID]
	received          map[msgKey]PBFTMessage
	malicious         mapset.Set[core.NodeID]
	roundStart        time.Time
}

// NewPBFT creates a PBFT engine for host over the given ordered roster.
func NewPBFT(host NodeHost, roster []core.NodeID, mon monitor.Monitor) *PBFT {
	return &PBFT{
		host:              host,
		roster:            append([]core.NodeID(nil), roster...),
		totalNodes:        len(roster),
		mon:               monitor.OrNop(mon),
		log:               logrus.WithFields(logrus.Fields{"node": host.ID(), "consensus": "pbft"}),
		lastProposedIndex: -1,
		prepared:          make(map[uint64]mapset.Set[core.NodeID]),
		committed:         make(map[uint64]mapset.Set[core.NodeID]),
		received:          make(map[msgKey]PBFTMessage),
		malicious:         mapset.NewSet[core.NodeID](),
	}
}

// Algorithm returns the engine's config name.
func (p *PBFT) Algorithm() string { return config.AlgorithmPBFT }

// Primary returns the proposer for the current view.
func (p *PBFT) Primary() core.NodeID {
	return p.roster[int(p.currentView)%p.totalNodes]
}

// Quorum returns the vote threshold 2*floor(N/3)+1. Note this is the
// simulator's historical formula, not the textbook ceil((2N+1)/3); the two
// agree for typical N (4, 7, 10) but are not identical in general.
func (p *PBFT) Quorum() int {
	return 2*(p.totalNodes/3) + 1
}

// MaliciousNodes returns the peers whose traffic this engine has rejected.
func (p *PBFT) MaliciousNodes() []core.NodeID {
	return p.malicious.ToSlice()
}

// ReceiveMessage decodes and processes one inbound pbft_message payload.
func (p *PBFT) ReceiveMessage(payload json.RawMessage) {
	var msg PBFTMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.WithError(err).Warn("bad pbft payload")
		return
	}
	p.receive(msg, len(payload))
}

func (p *PBFT) receive(msg PBFTMessage, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pem, ok := p.host.PublicKeyPEM(msg.NodeID)
	if !ok {
		p.reject(msg.NodeID, "unknown sender")
		return
	}
	pub, err := crypto.DecodePublicKeyPEM(pem)
	if err != nil {
		p.reject(msg.NodeID, "unparseable sender key")
		return
	}
	signed := signingString(msg.Type, msg.View, msg.Seq, msg.NodeID, &msg.Block)
	if !crypto.Verify(pub, []byte(signed), msg.Signature) {
		p.reject(msg.NodeID, "invalid signature")
		return
	}

	p.mon.RecordMessage(p.host.ID(), msg.Type, monitor.Delta{Recv: 1, Bytes: size})

	key := msgKey{Sender: msg.NodeID, Type: msg.Type, Seq: msg.Seq}
	if _, seen := p.received[key]; seen {
		return
	}
	p.received[key] = msg

	switch msg.Type {
	case PhasePrePrepare:
		p.onPrePrepare(msg)
	case PhasePrepare:
		p.onPrepare(msg)
	case PhaseCommit:
		p.onCommit(msg)
	case PhaseReply:
		// Telemetry only.
	default:
		p.log.WithField("type", msg.Type).Warn("unknown pbft phase")
	}
}

func (p *PBFT) onPrePrepare(msg PBFTMessage) {
	tip := p.host.Chain().LastBlock()
	if msg.Block.Index > tip.Index+1 {
		p.triggerSync(tip.Index+1, msg.Block.Index)
		return // never vote across a gap
	}
	if msg.Block.PreviousHash != tip.Hash {
		p.mon.RecordForkEvent(p.host.ID(),
			fmt.Sprintf("pre-prepare overlap at block %d", msg.Block.Index))
		return
	}
	if p.host.ID() != p.Primary() {
		p.sendPrepare(&msg.Block, msg.Seq)
		p.votes(p.prepared, msg.Seq).Add(p.Primary())
	}
	p.startRoundTimer()
}

func (p *PBFT) onPrepare(msg PBFTMessage) {
	tip := p.host.Chain().LastBlock()
	if msg.Block.Index > tip.Index+1 {
		return
	}
	set := p.votes(p.prepared, msg.Seq)
	set.Add(msg.NodeID)
	if set.Cardinality() >= p.Quorum() {
		p.mon.RecordPBFTPrepare(p.host.ID(), msg.Block.Index, true)
		p.sendCommit(&msg.Block, msg.Seq)
		p.votes(p.committed, msg.Seq).Add(p.host.ID())
	}
}

func (p *PBFT) onCommit(msg PBFTMessage) {
	set := p.votes(p.committed, msg.Seq)
	set.Add(msg.NodeID)
	if set.Cardinality() < p.Quorum() {
		return
	}

	tip := p.host.Chain().LastBlock()
	if msg.Block.Index <= tip.Index {
		return // already caught up
	}
	if msg.Block.Index > tip.Index+1 {
		p.triggerSync(tip.Index+1, msg.Block.Index)
		return
	}
	if msg.Block.PreviousHash != tip.Hash {
		return
	}

	if p.host.ReceiveBlock(msg.Block) {
		p.finishRoundTimer()
		if msg.Seq > p.sequenceNumber {
			p.sequenceNumber = msg.Seq
		}
		p.cleanupRounds(msg.Seq)
	} else {
		p.finishRoundTimer()
	}
	p.mon.RecordPBFTCommit(p.host.ID(), msg.Block.Index, true)
	p.sendReply(&msg.Block, msg.Seq)
}

// ProposeBlock runs the primary's side of a round: bump the sequence, vote
// for itself and broadcast PRE_PREPARE. Duplicate proposals at a height
// already proposed are skipped.
func (p *PBFT) ProposeBlock(block core.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int64(block.Index) <= p.lastProposedIndex {
		p.log.WithField("index", block.Index).Debug("skipping duplicate proposal")
		return
	}
	if p.host.ID() != p.Primary() {
		return
	}
	p.sequenceNumber++
	p.lastProposedIndex = int64(block.Index)
	seq := p.sequenceNumber
	p.votes(p.prepared, seq).Add(p.host.ID())
	p.startRoundTimer()

	sig, err := p.sign(PhasePrePrepare, &block, seq)
	if err != nil {
		p.log.WithError(err).Error("sign pre-prepare")
		return
	}
	p.broadcast(PhasePrePrepare, &block, sig, seq)
}

// SequenceNumber returns the engine's highest known sequence.
func (p *PBFT) SequenceNumber() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequenceNumber
}

// PreparedCount returns the number of prepare votes recorded for seq.
func (p *PBFT) PreparedCount(seq uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.prepared[seq]; ok {
		return set.Cardinality()
	}
	return 0
}

// CommittedCount returns the number of commit votes recorded for seq.
func (p *PBFT) CommittedCount(seq uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.committed[seq]; ok {
		return set.Cardinality()
	}
	return 0
}

func (p *PBFT) votes(m map[uint64]mapset.Set[core.NodeID], seq uint64) mapset.Set[core.NodeID] {
	set, ok := m[seq]
	if !ok {
		set = mapset.NewSet[core.NodeID]()
		m[seq] = set
	}
	return set
}

// cleanupRounds drops vote sets and message logs for sequences well behind
// the one just committed.
func (p *PBFT) cleanupRounds(current uint64) {
	if current <= roundCleanupThreshold {
		return
	}
	cutoff := current - roundCleanupThreshold
	for seq := range p.prepared {
		if seq < cutoff {
			delete(p.prepared, seq)
			delete(p.committed, seq)
		}
	}
	for seq := range p.committed {
		if seq < cutoff {
			delete(p.committed, seq)
		}
	}
	for key := range p.received {
		if key.Seq < cutoff {
			delete(p.received, key)
		}
	}
}

func (p *PBFT) sendPrepare(block *core.Block, seq uint64) {
	p.mon.RecordPBFTPrepare(p.host.ID(), block.Index, false)
	sig, err := p.sign(PhasePrepare, block, seq)
	if err != nil {
		p.log.WithError(err).Error("sign prepare")
		return
	}
	p.broadcast(PhasePrepare, block, sig, seq)
}

func (p *PBFT) sendCommit(block *core.Block, seq uint64) {
	p.mon.RecordPBFTCommit(p.host.ID(), block.Index, false)
	sig, err := p.sign(PhaseCommit, block, seq)
	if err != nil {
		p.log.WithError(err).Error("sign commit")
		return
	}
	p.broadcast(PhaseCommit, block, sig, seq)
}

func (p *PBFT) sendReply(block *core.Block, seq uint64) {
	sig, err := p.sign(PhaseReply, block, seq)
	if err != nil {
		p.log.WithError(err).Error("sign reply")
		return
	}
	p.broadcast(PhaseReply, block, sig, seq)
}

func (p *PBFT) sign(msgType string, block *core.Block, seq uint64) (string, error) {
	data := signingString(msgType, p.currentView, seq, p.host.ID(), block)
	return p.host.SignData([]byte(data))
}

func (p *PBFT) broadcast(msgType string, block *core.Block, signature string, seq uint64) {
	msg := PBFTMessage{
		Type:      msgType,
		View:      p.currentView,
		Seq:       seq,
		NodeID:    p.host.ID(),
		Block:     *block,
		Signature: signature,
	}
	p.mon.RecordMessage(p.host.ID(), msgType,
		monitor.Delta{Sent: 1, Bytes: len(crypto.CanonicalJSON(block.WireMap()))})
	p.host.BroadcastConsensus(network.MsgPBFT, msg)
}

func (p *PBFT) triggerSync(start, end uint64) {
	p.log.WithFields(logrus.Fields{"start": start, "end": end}).Info("triggering sync")
	p.mon.RecordSyncEvent(p.host.ID(),
		fmt.Sprintf("triggered sync for blocks %d-%d", start, end))
	p.host.BroadcastSyncRequest(start, end)
}

func (p *PBFT) reject(sender core.NodeID, reason string) {
	p.log.WithFields(logrus.Fields{"sender": sender, "reason": reason}).
		Warn("pbft message rejected")
	if p.malicious.Add(sender) {
		p.log.WithField("sender", sender).Warn("node recorded as malicious")
	}
	p.mon.RaiseAlert(sender, "message rejected: "+reason, "WARNING")
}

func (p *PBFT) startRoundTimer() {
	p.roundStart = time.Now()
}

func (p *PBFT) finishRoundTimer() {
	if !p.roundStart.IsZero() {
		p.mon.RecordLatency(p.host.ID(), time.Since(p.roundStart).Seconds())
		p.roundStart = time.Time{}
	}
}

// signingString builds the exact byte sequence a PBFT signature covers.
func signingString(msgType string, view uint32, seq uint64, node core.NodeID, block *core.Block) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", msgType, view, seq, node,
		crypto.CanonicalJSON(block.WireMap()))
}
