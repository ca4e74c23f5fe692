// Package identity manages the mapping from node IDs to public key material.
// Keys are distributed out-of-band before consensus begins; a lookup failure
// is grounds for rejecting a message.
package identity

import (
	"sync"

	"github.com/gnpaone/nexuschain/core"
)

// NodeInfo is the metadata recorded at registration time.
type NodeInfo struct {
	Metadata     map[string]string
	RegisteredAt float64
}

// Registry is a thread-safe node_id -> public-key-PEM registry.
type Registry struct {
	mu    sync.RWMutex
	nodes map[core.NodeID]NodeInfo
	keys  map[core.NodeID]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[core.NodeID]NodeInfo),
		keys:  make(map[core.NodeID]string),
	}
}

// Register records a node's public key and metadata. Returns false if the
// node ID is already registered; re-registration is refused, not merged.
func (r *Registry) Register(id core.NodeID, publicKeyPEM string, metadata map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[id]; exists {
		return false
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	r.nodes[id] = NodeInfo{Metadata: metadata, RegisteredAt: core.Now()}
	r.keys[id] = publicKeyPEM
	return true
}

// Unregister removes a node. There is no revocation protocol; removal is
// direct.
func (r *Registry) Unregister(id core.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
	delete(r.keys, id)
}

// PublicKey returns the PEM for id.
func (r *Registry) PublicKey(id core.NodeID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pem, ok := r.keys[id]
	return pem, ok
}

// Info returns the registration metadata for id.
func (r *Registry) Info(id core.NodeID) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[id]
	return info, ok
}

// IsRegistered reports whether id is known.
func (r *Registry) IsRegistered(id core.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// List returns all registered node IDs.
func (r *Registry) List() []core.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]core.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}
