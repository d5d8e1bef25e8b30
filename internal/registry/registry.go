// Package registry maps bound identities to the live connection that
// currently owns them.
package registry

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry is the authority for "is this user currently reachable". A later
// Register for the same identity replaces the earlier binding.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Sender // identity -> sender
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Sender)}
}

// Register binds identity to sender and returns the sender it displaced, if
// any. Re-registering the same connection returns nil.
func (r *Registry) Register(identity string, sender Sender) Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.sessions[identity]
	r.sessions[identity] = sender
	if !ok || previous.ID() == sender.ID() {
		return nil
	}
	return previous
}

// Lookup resolves identity to its live sender.
func (r *Registry) Lookup(identity string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.sessions[identity]
	return sender, ok
}

// Unregister removes identity only while it is still bound to sender, so a
// late teardown of a displaced connection cannot evict its replacement.
// It reports whether the binding was removed.
func (r *Registry) Unregister(identity string, sender Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[identity]
	if !ok || sender == nil || current.ID() != sender.ID() {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Count returns the number of bound identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Identities returns a sorted snapshot of the bound identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	identities := lo.Keys(r.sessions)
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}
