package network

import (
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/core"
)

// replayCacheSize caps how many inbound messages the injector remembers for
// replay. The cache evicts in insertion order: entries are only ever added,
// never touched, so LRU order degenerates to FIFO.
const replayCacheSize = 100

// FaultInjector decides, per inbound message, whether to drop, delay or
// remember it for replay. The pipeline order is fixed: partition, random
// drop, delay, replay capture.
type FaultInjector struct {
	cfg       config.AttackConfig
	partition mapset.Set[core.NodeID]

	mu    sync.Mutex
	rng   *rand.Rand
	cache *lru.Cache
	seq   uint64
}

// NewFaultInjector builds an injector from attack config. A disabled config
// yields an injector that never drops and only applies the network delay
// range. rng may be nil, in which case a time-seeded source is used; tests
// pass a seeded one.
func NewFaultInjector(cfg config.AttackConfig, rng *rand.Rand) *FaultInjector {
	if !cfg.Enabled {
		cfg = config.AttackConfig{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cache, _ := lru.New(replayCacheSize)
	return &FaultInjector{
		cfg:       cfg,
		partition: mapset.NewSet(cfg.PartitionNodes...),
		rng:       rng,
		cache:     cache,
	}
}

// Partitioned reports whether id is isolated by the partition attack.
func (f *FaultInjector) Partitioned(id core.NodeID) bool {
	return f.partition.Contains(id)
}

// ShouldDrop rolls the configured drop probability.
func (f *FaultInjector) ShouldDrop() bool {
	if f.cfg.DropRate <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() < f.cfg.DropRate
}

// Delay samples a propagation delay from netRange, falling back to the attack
// delay range when netRange's upper bound is zero. Returns zero when neither
// is configured.
func (f *FaultInjector) Delay(netRange [2]float64) time.Duration {
	min, max := netRange[0], netRange[1]
	if max == 0 {
		min, max = f.cfg.DelayRange[0], f.cfg.DelayRange[1]
	}
	if max <= 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seconds := min + f.rng.Float64()*(max-min)
	return time.Duration(seconds * float64(time.Second))
}

// ReplayEnabled reports whether the replay attack is active.
func (f *FaultInjector) ReplayEnabled() bool {
	return f.cfg.ReplayEnabled
}

// Capture remembers env for later replay.
func (f *FaultInjector) Capture(env Envelope) {
	f.mu.Lock()
	f.seq++
	key := f.seq
	f.mu.Unlock()
	f.cache.Add(key, env)
}

// RandomCached returns a uniformly random remembered message, if any.
func (f *FaultInjector) RandomCached() (Envelope, bool) {
	keys := f.cache.Keys()
	if len(keys) == 0 {
		return Envelope{}, false
	}
	f.mu.Lock()
	key := keys[f.rng.Intn(len(keys))]
	f.mu.Unlock()
	v, ok := f.cache.Peek(key)
	if !ok {
		return Envelope{}, false
	}
	return v.(Envelope), true
}

// CacheLen returns how many messages are remembered for replay.
func (f *FaultInjector) CacheLen() int {
	return f.cache.Len()
}

// ReplayInterval samples the pause before the next scheduled replay,
// uniformly between 5 and 15 seconds.
func (f *FaultInjector) ReplayInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	seconds := 5 + f.rng.Float64()*10
	return time.Duration(seconds * float64(time.Second))
}
