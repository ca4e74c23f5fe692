package consensus

import (
	"encoding/json"
	"math/rand"
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

// PoS picks a proposer per slot with probability proportional to stake.
// Reception mirrors PoA with the staked validator set as the admission set.
type PoS struct {
	host NodeHost
	mon  monitor.Monitor
	log  *logrus.Entry

	validatorSet []core.NodeID
	balances     map[core.NodeID]uint64
	totalStaked  uint64

	mu         sync.Mutex
	rng        *rand.Rand
	malicious  mapset.Set[core.NodeID]
	seenBlocks mapset.Set[string]
}

// NewPoS creates a PoS engine. rng may be nil, in which case a time-seeded
// source is used; tests pass a seeded one to make leader selection
// reproducible.
func NewPoS(host NodeHost, validatorSet []core.NodeID, balances map[core.NodeID]uint64, rng *rand.Rand, mon monitor.Monitor) *PoS {
	var total uint64
	for _, stake := range balances {
		total += stake
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &PoS{
		host:         host,
		mon:          monitor.OrNop(mon),
		log:          logrus.WithFields(logrus.Fields{"node": host.ID(), "consensus": "pos"}),
		validatorSet: append([]core.NodeID(nil), validatorSet...),
		balances:     balances,
		totalStaked:  total,
		rng:          rng,
		malicious:    mapset.NewSet[core.NodeID](),
		seenBlocks:   mapset.NewSet[string](),
	}
}

// Algorithm returns the engine's config name.
func (p *PoS) Algorithm() string { return config.AlgorithmPoS }

// SelectValidator draws the slot leader: a uniform value in [0, total stake)
// walked against cumulative stakes, picking the first validator whose
// cumulative sum reaches the draw.
func (p *PoS) SelectValidator() core.NodeID {
	p.mu.Lock()
	draw := p.rng.Float64() * float64(p.totalStaked)
	p.mu.Unlock()

	var cumulative float64
	for _, id := range p.validatorSet {
		cumulative += float64(p.balances[id])
		if draw <= cumulative {
			return id
		}
	}
	return ""
}

// CanPropose draws a leader for this slot and reports whether it is us.
func (p *PoS) CanPropose() bool {
	return p.SelectValidator() == p.host.ID()
}

// ProposeBlock mines, signs and broadcasts the next block when this node
// wins the slot. Returns nil otherwise or when the mempool is empty.
func (p *PoS) ProposeBlock() *core.Block {
	if !p.CanPropose() {
		return nil
	}
	start := time.Now()
	block, ok := p.host.CreateBlock(0, false)
	if !ok {
		return nil
	}
	sig, err := p.host.SignData(crypto.CanonicalJSON(block.WireMap()))
	if err != nil {
		p.log.WithError(err).Error("sign block")
		return nil
	}
	msg := BlockMessage{Block: *block, Signature: sig, SenderID: p.host.ID()}
	p.mon.RecordMessage(p.host.ID(), string(network.MsgPoS),
		monitor.Delta{Sent: 1, Bytes: len(crypto.CanonicalJSON(block.WireMap()))})
	p.host.BroadcastConsensus(network.MsgPoS, msg)

	p.mon.RecordBlockProduced(p.host.ID(), block.Index)
	p.mon.RecordLatency(p.host.ID(), time.Since(start).Seconds())
	return block
}

// ReceiveMessage validates and admits a slot leader's proposal.
func (p *PoS) ReceiveMessage(payload json.RawMessage) {
	var msg BlockMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.WithError(err).Warn("bad pos payload")
		return
	}
	if msg.Signature == "" || msg.SenderID == "" {
		p.log.Warn("invalid pos message")
		return
	}
	p.mon.RecordMessage(p.host.ID(), string(network.MsgPoS),
		monitor.Delta{Recv: 1, Bytes: len(payload)})

	admitSingleProposer(p.host, p.mon, p.log, admission{
		engine:     "pos",
		msg:        msg,
		members:    p.validatorSet,
		malicious:  p.malicious,
		seenBlocks: p.seenBlocks,
	})
}

// Run drives slot proposals until done closes.
func (p *PoS) Run(interval time.Duration, done <-chan struct{}) {
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
func (p *PoS) MaliciousNodes() []core.NodeID {
	return p.malicious.ToSlice()
}
