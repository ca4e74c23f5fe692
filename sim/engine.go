// Package sim wires a full simulated network together and drives it: it
// builds the nodes, exchanges key material, generates transaction load and
// prompts PBFT primaries to propose.
package sim

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/consensus"
	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/events"
	"github.com/gnpaone/nexuschain/monitor"
	"github.com/gnpaone/nexuschain/node"
	"github.com/gnpaone/nexuschain/storage"
)

const (
	driverTick      = time.Second
	proposerTick    = time.Second
	stopJoinTimeout = 3 * time.Second
)

// Engine owns one simulation run end to end.
type Engine struct {
	cfg      *config.Config
	runID    string
	recorder *monitor.Recorder
	emitter  *events.Emitter
	db       storage.DB
	archive  *storage.Archive
	log      *logrus.Entry

	mu    sync.Mutex
	nodes []node.Runtime
	byID  map[core.NodeID]node.Runtime

	running  atomic.Bool
	done     chan struct{}
	loopDone chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New prepares a run for cfg: a fresh run ID, a recorder, an event bus and
// the archive (on disk under cfg.DataDir, or in memory when unset).
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	var db storage.DB
	var err error
	if cfg.DataDir != "" {
		db, err = storage.NewLevelDB(cfg.DataDir)
	} else {
		db, err = storage.NewMemoryDB()
	}
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	emitter := events.NewEmitter()
	return &Engine{
		cfg:      cfg,
		runID:    runID,
		recorder: monitor.NewRecorder(),
		emitter:  emitter,
		db:       db,
		archive:  storage.NewArchive(db, runID, emitter),
		log:      logrus.WithField("run", runID),
		byID:     make(map[core.NodeID]node.Runtime),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// RunID returns the run's identifier.
func (e *Engine) RunID() string { return e.runID }

// Recorder returns the run's metric recorder.
func (e *Engine) Recorder() *monitor.Recorder { return e.recorder }

// Archive returns the run's persistence observer.
func (e *Engine) Archive() *storage.Archive { return e.archive }

// Emitter returns the run's event bus.
func (e *Engine) Emitter() *events.Emitter { return e.emitter }

// Nodes returns the run's node runtimes.
func (e *Engine) Nodes() []node.Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]node.Runtime(nil), e.nodes...)
}

// NodeByID returns the runtime for id, or nil.
func (e *Engine) NodeByID(id core.NodeID) node.Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[id]
}

// Start builds the network and launches the driver loop.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.done = make(chan struct{})
	e.loopDone = make(chan struct{})

	if err := e.setupNetwork(); err != nil {
		e.running.Store(false)
		return err
	}
	e.log.WithFields(logrus.Fields{
		"nodes":     len(e.nodes),
		"consensus": e.cfg.ConsensusAlgorithm,
	}).Info("starting simulation")

	go e.runLoop()
	return nil
}

// Stop halts the driver, joins it with a bounded wait and tears down every
// node's listener.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.log.Info("stopping simulation engine")
	close(e.done)
	select {
	case <-e.loopDone:
	case <-time.After(stopJoinTimeout):
		e.log.Warn("driver loop did not stop within timeout")
	}

	e.mu.Lock()
	nodes := append([]node.Runtime(nil), e.nodes...)
	e.mu.Unlock()
	for _, n := range nodes {
		n.Stop()
	}
	if err := e.db.Close(); err != nil {
		e.log.WithError(err).Warn("close archive db")
	}
	e.report(nodes)
}

// UpdateNodeNetworkConfig applies new transport settings to one node at
// runtime. Reports whether the node exists.
func (e *Engine) UpdateNodeNetworkConfig(id core.NodeID, cfg config.NetworkConfig) bool {
	n := e.NodeByID(id)
	if n == nil {
		return false
	}
	n.UpdateNetworkConfig(cfg)
	return true
}

// setupNetwork builds every runtime, starts its listener, attaches its
// consensus engine and distributes public keys into every registry before any
// consensus traffic can flow.
func (e *Engine) setupNetwork() error {
	roster := make([]core.NodeID, len(e.cfg.Nodes))
	for i, nc := range e.cfg.Nodes {
		roster[i] = nc.NodeID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, nc := range e.cfg.Nodes {
		peers := make([]config.NodeConfig, 0, len(e.cfg.Nodes)-1)
		for _, other := range e.cfg.Nodes {
			if other.NodeID != nc.NodeID {
				peers = append(peers, other)
			}
		}

		var rt node.Runtime
		var err error
		if behavior, isMalicious := e.cfg.MaliciousNodes[nc.NodeID]; isMalicious {
			rt, err = node.NewMaliciousNode(nc, peers, behavior, e.recorder, e.emitter, e.cfg.Network)
		} else {
			rt, err = node.NewNode(nc, peers, e.recorder, e.emitter, e.cfg.Network)
		}
		if err != nil {
			return err
		}
		if err := rt.StartNetwork(e.cfg.AttackConfig); err != nil {
			return fmt.Errorf("start node %s: %w", nc.NodeID, err)
		}

		eng, err := consensus.New(e.cfg, rt, roster, e.recorder)
		if err != nil {
			return err
		}
		rt.SetEngine(eng)

		e.nodes = append(e.nodes, rt)
		e.byID[nc.NodeID] = rt
	}

	// Every node learns every peer's public key before consensus begins.
	for _, a := range e.nodes {
		for _, b := range e.nodes {
			if a.ID() != b.ID() {
				a.Registry().Register(b.ID(), b.OwnPublicKeyPEM(), nil)
			}
		}
	}

	// PoA and PoS proposers are time-driven rather than driver-driven.
	for _, rt := range e.nodes {
		switch eng := rt.Engine().(type) {
		case *consensus.PoA:
			go eng.Run(proposerTick, e.done)
		case *consensus.PoS:
			go eng.Run(proposerTick, e.done)
		}
	}
	return nil
}

// runLoop is the driver: every tick it injects random transaction load and
// prompts PBFT primaries with a non-empty mempool to propose.
func (e *Engine) runLoop() {
	defer close(e.loopDone)

	var deadline <-chan time.Time
	if e.cfg.SimulationDuration > 0 {
		deadline = time.After(time.Duration(e.cfg.SimulationDuration * float64(time.Second)))
	}
	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-deadline:
			e.log.Info("simulation duration reached")
			go e.Stop()
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	nodes := append([]node.Runtime(nil), e.nodes...)
	e.mu.Unlock()
	if len(nodes) < 2 {
		return
	}

	total := int(float64(len(nodes)) * e.cfg.TransactionRate)
	for i := 0; i < total; i++ {
		sender := nodes[e.intn(len(nodes))]
		receiver := nodes[e.intn(len(nodes))]
		if sender.ID() == receiver.ID() {
			continue
		}
		sender.CreateTransaction(receiver.ID(), int64(1+e.intn(10)))
	}

	if e.cfg.ConsensusAlgorithm != config.AlgorithmPBFT {
		return
	}
	for _, rt := range nodes {
		eng, ok := rt.Engine().(*consensus.PBFT)
		if !ok || eng.Primary() != rt.ID() {
			continue
		}
		if block, ok := rt.CreateBlock(0, false); ok {
			eng.ProposeBlock(*block)
		}
	}
}

func (e *Engine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// report logs each node's final state.
func (e *Engine) report(nodes []node.Runtime) {
	for _, rt := range nodes {
		e.log.WithFields(logrus.Fields{
			"node":    rt.ID(),
			"height":  rt.Chain().Height(),
			"mempool": rt.Mempool().Size(),
			"valid":   rt.Chain().IsValid(),
		}).Info("final node state")
	}
}
