package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/core"
	"github.com/gnpaone/nexuschain/events"
)

// Archive persists committed blocks and notable network events for one
// simulation run. It subscribes to the event bus and writes what it hears;
// nothing in the consensus core ever reads it back, so archive failures are
// logged and swallowed.
type Archive struct {
	db    DB
	runID string
	log   *logrus.Entry
}

// NewArchive creates an Archive for runID and subscribes it to emitter.
func NewArchive(db DB, runID string, emitter *events.Emitter) *Archive {
	a := &Archive{
		db:    db,
		runID: runID,
		log:   logrus.WithField("run", runID),
	}
	emitter.Subscribe(events.EventBlockCommitted, a.onBlockCommitted)
	emitter.Subscribe(events.EventForkDetected, a.onEvent)
	emitter.Subscribe(events.EventSync, a.onEvent)
	emitter.Subscribe(events.EventAlert, a.onEvent)
	return a
}

// RunID returns the run this archive records.
func (a *Archive) RunID() string {
	return a.runID
}

func (a *Archive) blockKey(hash string) []byte {
	return []byte(fmt.Sprintf("run:%s:block:%s", a.runID, hash))
}

func (a *Archive) eventPrefix() []byte {
	return []byte(fmt.Sprintf("run:%s:event:", a.runID))
}

func (a *Archive) onBlockCommitted(ev events.Event) {
	if ev.Block == nil {
		return
	}
	// The same block commits on every honest node; first write wins.
	if _, err := a.db.Get(a.blockKey(ev.Block.Hash)); err == nil {
		return
	}
	data, err := json.Marshal(ev.Block)
	if err != nil {
		a.log.WithError(err).Error("marshal committed block")
		return
	}
	if err := a.db.Set(a.blockKey(ev.Block.Hash), data); err != nil {
		a.log.WithError(err).Error("archive block write failed")
	}
}

func (a *Archive) onEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.log.WithError(err).Error("marshal event")
		return
	}
	key := append(a.eventPrefix(), []byte(uuid.NewString())...)
	if err := a.db.Set(key, data); err != nil {
		a.log.WithError(err).Error("archive event write failed")
	}
}

// Blocks returns every distinct committed block of the run, ordered by index.
func (a *Archive) Blocks() ([]*core.Block, error) {
	prefix := []byte(fmt.Sprintf("run:%s:block:", a.runID))
	it := a.db.NewIterator(prefix)
	defer it.Release()

	var blocks []*core.Block
	for it.Next() {
		var b core.Block
		if err := json.Unmarshal(it.Value(), &b); err != nil {
			return nil, fmt.Errorf("decode archived block: %w", err)
		}
		blocks = append(blocks, &b)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}

// Events returns every archived event of the run.
func (a *Archive) Events() ([]events.Event, error) {
	it := a.db.NewIterator(a.eventPrefix())
	defer it.Release()

	var out []events.Event
	for it.Next() {
		var ev events.Event
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		out = append(out, ev)
	}
	return out, it.Error()
}
