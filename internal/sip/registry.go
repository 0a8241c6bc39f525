package sip

import "sync"

// Registry maps live Call-IDs to one-shot hang-up signals. Some carriers
// deliver the BYE for a call on a brand new TCP connection instead of
// the one that carried the INVITE; the inbound listener routes such a
// BYE to the owning orchestrator through this registry.
type Registry struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]chan struct{})}
}

// Register adds a Call-ID and returns the channel that closes when a
// BYE for it arrives out of band.
func (r *Registry) Register(callID string) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.m[callID] = ch
	r.mu.Unlock()
	return ch
}

// Fire closes the call's signal channel, at most once. It reports
// whether the Call-ID was registered.
func (r *Registry) Fire(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.m[callID]
	if !ok {
		return false
	}
	select {
	case <-ch: // already fired
	default:
		close(ch)
	}
	return true
}

// Unregister removes a Call-ID. Safe to call for unknown IDs.
func (r *Registry) Unregister(callID string) {
	r.mu.Lock()
	delete(r.m, callID)
	r.mu.Unlock()
}

// Len returns the number of registered calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
