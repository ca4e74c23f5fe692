// Package events is a small synchronous pub/sub broker carrying the
// notifications the consensus core exposes to external observers.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/core"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockCommitted EventType = "block_committed"
	EventBlockProduced  EventType = "block_produced"
	EventForkDetected   EventType = "fork_detected"
	EventSync           EventType = "sync"
	EventAlert          EventType = "alert"
)

// Event carries a typed payload emitted after a state change. Block is set
// for EventBlockCommitted so observers can persist the committed block
// without re-fetching it.
type Event struct {
	Type   EventType      `json:"type"`
	NodeID core.NodeID    `json:"node_id"`
	Block  *core.Block    `json:"block,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously. Each handler
// is guarded by panic recovery so a misbehaving subscriber cannot take a node
// down with it.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"event": ev.Type,
						"panic": r,
					}).Error("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
