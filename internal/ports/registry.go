package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cr0hn/rpc-gateway/internal/arena"
)

var (
	// ErrPortInUse is returned when an active PortState already owns the port.
	ErrPortInUse = errors.New("port already has an active state")
	// ErrNotDeactivated is returned when removing a PortState that was not deactivated.
	ErrNotDeactivated = errors.New("port state not deactivated")
	// ErrStillServing is returned when removing a PortState whose forwarding loop is still running.
	ErrStillServing = errors.New("port state still serving")
	// ErrUnknownPort is returned for stale registry handles.
	ErrUnknownPort = errors.New("unknown port state")
)

// Registry holds every PortState known to the daemon, including deactivated
// ones that are still winding down.
type Registry struct {
	mu    sync.RWMutex
	ports *arena.Arena[*PortState]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ports: arena.New[*PortState]()}
}

// Add registers p. It fails if another active PortState uses the same port.
func (r *Registry) Add(p *PortState) (arena.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.ports.All() {
		if other.Port() == p.Port() && !other.IsDeactivated() {
			return arena.Index{}, fmt.Errorf("port %d: %w", p.Port(), ErrPortInUse)
		}
	}
	return r.ports.Insert(p), nil
}

// Get returns the PortState registered under idx.
func (r *Registry) Get(idx arena.Index) (*PortState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports.Get(idx)
}

// Lookup returns the active PortState for port.
func (r *Registry) Lookup(port uint16) (*PortState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.ports.All() {
		if p.Port() == port && !p.IsDeactivated() {
			return p, true
		}
	}
	return nil, false
}

// Remove drops a PortState that is deactivated and no longer serving.
func (r *Registry) Remove(idx arena.Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.ports.Get(idx)
	if !ok {
		return ErrUnknownPort
	}
	if !p.IsDeactivated() {
		return fmt.Errorf("port %d: %w", p.Port(), ErrNotDeactivated)
	}
	if p.IsServing() {
		return fmt.Errorf("port %d: %w", p.Port(), ErrStillServing)
	}
	r.ports.Remove(idx)
	return nil
}

// All returns the registered PortStates in iteration order.
func (r *Registry) All() []*PortState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PortState, 0, r.ports.Len())
	for _, p := range r.ports.All() {
		out = append(out, p)
	}
	return out
}

// Len returns the number of registered PortStates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports.Len()
}

// Snapshots returns the Status of every registered PortState.
func (r *Registry) Snapshots() []Status {
	all := r.All()
	out := make([]Status, 0, len(all))
	for _, p := range all {
		out = append(out, p.Snapshot())
	}
	return out
}
