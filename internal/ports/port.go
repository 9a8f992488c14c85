package ports

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/arena"
)

// EnvironmentIndex identifies the network environment a port belongs to.
type EnvironmentIndex uint8

// Lifecycle is the lifecycle stage of a PortState.
type Lifecycle int32

const (
	// LifecycleActive means the port may be served.
	LifecycleActive Lifecycle = iota
	// LifecycleDeactivated is terminal. The port must be re-created to be reused.
	LifecycleDeactivated
)

// String returns a human-readable representation of the lifecycle.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleActive:
		return "active"
	case LifecycleDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Link is one configured upstream of an environment.
// Links with an empty RPC address do not produce a target.
type Link struct {
	RPC string
	WS  string
}

// Option configures a PortState.
type Option func(*PortState)

// WithClock sets the time source used for statistics and transitions.
func WithClock(now func() time.Time) Option {
	return func(p *PortState) {
		p.now = now
	}
}

// PortState is the routing state of one listening port.
//
// Selection and address lookups take the targets read lock. Target
// insertion and removal take the write lock. Score updates only need the read
// lock since scores are stored atomically. Statistics and health use their
// own locks so neither stream serializes against selection.
type PortState struct {
	env  EnvironmentIndex
	port uint16
	now  func() time.Time

	lifecycle atomic.Int32
	serving   atomic.Bool

	idxMu sync.Mutex
	idx   arena.Index

	mu      sync.RWMutex
	targets *arena.Arena[*Target]

	statsMu sync.Mutex
	stats   CallStats

	healthMu    sync.Mutex
	healthy     bool
	transitions Transitions
}

// NewPortState creates a PortState with one target per link that has an RPC
// address. Links are inserted in name order so selection ties resolve the
// same way on every start.
func NewPortState(env EnvironmentIndex, port uint16, links map[string]Link, opts ...Option) *PortState {
	p := &PortState{
		env:     env,
		port:    port,
		now:     time.Now,
		targets: arena.New[*Target](),
	}
	for _, opt := range opts {
		opt(p)
	}

	created := p.now()
	p.transitions = Transitions{LastDown: created, LastUp: created}

	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if rpc := links[name].RPC; rpc != "" {
			p.targets.Insert(NewTarget(rpc))
		}
	}
	return p
}

// Environment returns the environment index set at construction.
func (p *PortState) Environment() EnvironmentIndex {
	return p.env
}

// Port returns the port number set at construction.
func (p *PortState) Port() uint16 {
	return p.port
}

// Deactivate requests that the port be retired. It is irreversible and
// idempotent. It returns true only for the call that performed the transition.
func (p *PortState) Deactivate() bool {
	return p.lifecycle.CompareAndSwap(int32(LifecycleActive), int32(LifecycleDeactivated))
}

// IsDeactivated reports whether Deactivate was called.
func (p *PortState) IsDeactivated() bool {
	return p.Lifecycle() == LifecycleDeactivated
}

// Lifecycle returns the current lifecycle stage.
func (p *PortState) Lifecycle() Lifecycle {
	return Lifecycle(p.lifecycle.Load())
}

// ReportServingStarted is called by the forwarding loop when it owns the port.
func (p *PortState) ReportServingStarted() {
	p.serving.Store(true)
}

// ReportServingStopped is called by the forwarding loop when it released the port.
func (p *PortState) ReportServingStopped() {
	p.serving.Store(false)
}

// IsServing reports whether a forwarding loop currently owns the port.
func (p *PortState) IsServing() bool {
	return p.serving.Load()
}

// FindBestTarget returns the target with the highest score.
// Ties go to the first target in iteration order. ok is false if the port has
// no targets.
func (p *PortState) FindBestTarget() (idx arena.Index, uri string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	best := ScoreMin
	for i, t := range p.targets.All() {
		score := t.RelativeHealthScore()
		// Strict comparison, but the first target must win even at ScoreMin.
		if !ok || score > best {
			best = score
			idx = i
			uri = t.URI()
			ok = true
		}
	}
	return idx, uri, ok
}

// AddressOf returns the address of the target at idx.
// ok is false if the target was removed.
func (p *PortState) AddressOf(idx arena.Index) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.targets.Get(idx)
	if !ok {
		return "", false
	}
	return t.URI(), true
}

// AddTarget inserts a new target for uri and returns its index.
func (p *PortState) AddTarget(uri string) arena.Index {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets.Insert(NewTarget(uri))
}

// RemoveTarget removes the target at idx. It returns false if idx is stale.
func (p *PortState) RemoveTarget(idx arena.Index) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.targets.Remove(idx)
	return ok
}

// SetTargetScore updates the score of the target at idx.
// It returns false if idx is stale.
func (p *PortState) SetTargetScore(idx arena.Index, score Score) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.targets.Get(idx)
	if !ok {
		return false
	}
	t.setScore(score)
	return true
}

// TargetScore returns the score of the target at idx.
func (p *PortState) TargetScore(idx arena.Index) (Score, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.targets.Get(idx)
	if !ok {
		return 0, false
	}
	return t.RelativeHealthScore(), true
}

// Targets returns a snapshot of all targets in iteration order.
func (p *PortState) Targets() []TargetInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]TargetInfo, 0, p.targets.Len())
	for idx, t := range p.targets.All() {
		out = append(out, TargetInfo{
			Index: idx,
			Slot:  idx.Slot(),
			URI:   t.URI(),
			Score: t.RelativeHealthScore(),
		})
	}
	return out
}

// TargetCount returns the number of targets.
func (p *PortState) TargetCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets.Len()
}

// ManagedIndex implements arena.Managed for the port registry.
func (p *PortState) ManagedIndex() arena.Index {
	p.idxMu.Lock()
	defer p.idxMu.Unlock()
	return p.idx
}

// SetManagedIndex implements arena.Managed for the port registry.
func (p *PortState) SetManagedIndex(idx arena.Index) {
	p.idxMu.Lock()
	p.idx = idx
	p.idxMu.Unlock()
}

// Status is a point-in-time view of a PortState for reporting.
type Status struct {
	Environment EnvironmentIndex `json:"environment"`
	Port        uint16           `json:"port"`
	Lifecycle   string           `json:"lifecycle"`
	Serving     bool             `json:"serving"`
	Healthy     bool             `json:"healthy"`
	Calls       CallStats        `json:"calls"`
	Transitions Transitions      `json:"transitions"`
	Targets     []TargetInfo     `json:"targets"`
}

// Snapshot returns the current Status.
func (p *PortState) Snapshot() Status {
	return Status{
		Environment: p.env,
		Port:        p.port,
		Lifecycle:   p.Lifecycle().String(),
		Serving:     p.IsServing(),
		Healthy:     p.IsHealthy(),
		Calls:       p.Stats(),
		Transitions: p.Transitions(),
		Targets:     p.Targets(),
	}
}
