package session

import (
	"fmt"
	"sync"

	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

// Registry is a concurrency-safe map of call id to active orchestrator.
// Connection-open and connection-close events from different calls mutate it
// concurrently; no two orchestrators ever share a call id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Orchestrator)}
}

// Add registers the orchestrator under its call id. A duplicate id is a
// conflict: at most one active session may exist per call.
func (r *Registry) Add(o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[o.CallID()]; exists {
		return fmt.Errorf("%w: session %s already registered", apperrors.ErrConflict, o.CallID())
	}
	r.sessions[o.CallID()] = o
	return nil
}

// Get returns the active orchestrator for the call id, if any.
func (r *Registry) Get(callID string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.sessions[callID]
	return o, ok
}

// Remove deregisters the call id. Removing an absent id is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
