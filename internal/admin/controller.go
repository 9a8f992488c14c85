// Package admin reconciles the configured environments into the port
// registry and owns the lifecycle of the per-port forwarding servers.
package admin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/arena"
	"github.com/cr0hn/rpc-gateway/internal/config"
	"github.com/cr0hn/rpc-gateway/internal/limiter"
	"github.com/cr0hn/rpc-gateway/internal/logger"
	"github.com/cr0hn/rpc-gateway/internal/metrics"
	"github.com/cr0hn/rpc-gateway/internal/ports"
	"github.com/cr0hn/rpc-gateway/internal/proxy"
	"github.com/cr0hn/rpc-gateway/pkg/netutil"
)

// DefaultRetireTimeout bounds how long Apply waits for a retiring port to
// drain. A port still draining afterwards is removed once it stops.
const DefaultRetireTimeout = 30 * time.Second

// ErrIndicesExhausted is returned when no environment index is left for a
// new custom environment name.
var ErrIndicesExhausted = errors.New("environment indices exhausted")

// managedPort is one served environment.
type managedPort struct {
	env    string
	idx    arena.Index
	state  *ports.PortState
	server *proxy.Server
	links  map[string]config.Link
	done   chan struct{}
}

// Controller creates, updates and retires port states to match the
// configuration.
type Controller struct {
	registry      *ports.Registry
	limiter       *limiter.Limiter
	transport     http.RoundTripper
	stats         *metrics.StatsCollector
	retireTimeout time.Duration
	pollInterval  time.Duration

	mu      sync.Mutex
	managed map[string]*managedPort
	closed  bool
	// indices holds the index given to each custom name; never reassigned.
	indices   map[string]uint8
	nextIndex int
}

// Option configures a Controller.
type Option func(*Controller)

// WithRetireTimeout overrides DefaultRetireTimeout.
func WithRetireTimeout(d time.Duration) Option {
	return func(c *Controller) { c.retireTimeout = d }
}

// WithPollInterval sets the deactivation poll interval of the port servers.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// NewController creates a Controller. Nothing is served until Apply.
func NewController(registry *ports.Registry, lim *limiter.Limiter, transport http.RoundTripper, stats *metrics.StatsCollector, opts ...Option) *Controller {
	c := &Controller{
		registry:      registry,
		limiter:       lim,
		transport:     transport,
		stats:         stats,
		retireTimeout: DefaultRetireTimeout,
		managed:       make(map[string]*managedPort),
		indices:       make(map[string]uint8),
		nextIndex:     config.FirstCustomEnvironmentIndex,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply reconciles cfg into the registry. Environments that were removed,
// disabled or moved to another port are deactivated and drained before new
// ports are bound; environments whose links changed are updated live.
// Errors of individual environments are joined; the others are still applied.
func (c *Controller) Apply(cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("controller is shut down")
	}

	desired := make(map[string]config.Environment)
	for _, name := range cfg.EnvironmentNames() {
		env := cfg.Environments[name]
		if env.Disabled {
			continue
		}
		desired[name] = env
	}

	// Retire first so a port can be rebound by another environment.
	var retiring []*managedPort
	for name, m := range c.managed {
		env, ok := desired[name]
		if ok && uint16(env.ProxyPort) == m.state.Port() {
			continue
		}
		retiring = append(retiring, m)
		delete(c.managed, name)
	}
	c.retireAll(retiring)

	var errs []error
	opts := proxy.Options{
		ListenAddress:  cfg.ListenAddress,
		ForwardTimeout: cfg.ForwardTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		PollInterval:   c.pollInterval,
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		env := desired[name]
		if m, ok := c.managed[name]; ok {
			if !maps.Equal(m.links, env.Links) {
				added, removed := SyncTargets(m.state, env.Links)
				m.links = maps.Clone(env.Links)
				logger.Info("port_targets_synced", "environment", name, "port", m.state.Port(), "added", added, "removed", removed)
			}
			continue
		}

		envIdx, err := c.environmentIndex(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", name, err))
			continue
		}
		m, err := c.create(name, envIdx, env, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", name, err))
			continue
		}
		c.managed[name] = m
	}

	metrics.ActivePorts.Set(float64(len(c.managed)))
	return errors.Join(errs...)
}

// environmentIndex returns the index of an environment name. Custom names get
// the next free index the first time they are served and keep it for the
// lifetime of the controller, so adding or removing other environments never
// renumbers them. Callers hold c.mu.
func (c *Controller) environmentIndex(name string) (uint8, error) {
	if idx, ok := config.WellKnownEnvironmentIndex(name); ok {
		return idx, nil
	}
	if idx, ok := c.indices[name]; ok {
		return idx, nil
	}
	if c.nextIndex > math.MaxUint8 {
		return 0, ErrIndicesExhausted
	}
	idx := uint8(c.nextIndex)
	c.indices[name] = idx
	c.nextIndex++
	return idx, nil
}

// create builds, registers and starts serving one environment.
func (c *Controller) create(name string, envIdx uint8, env config.Environment, opts proxy.Options) (*managedPort, error) {
	state := ports.NewPortState(ports.EnvironmentIndex(envIdx), uint16(env.ProxyPort), validLinks(name, env.Links))

	idx, err := c.registry.Add(state)
	if err != nil {
		return nil, err
	}

	server := proxy.NewServer(state, opts, c.limiter, c.transport, c.stats)
	if err := server.Listen(); err != nil {
		state.Deactivate()
		c.registry.Remove(idx)
		return nil, fmt.Errorf("binding %s: %w", netutil.ListenAddr(opts.ListenAddress, state.Port()), err)
	}

	m := &managedPort{
		env:    name,
		idx:    idx,
		state:  state,
		server: server,
		links:  maps.Clone(env.Links),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(m.done)
		if err := server.Start(); err != nil {
			logger.LogError("port_serve", err, "environment", name, "port", state.Port())
		}
	}()

	logger.Info("port_created",
		"environment", name,
		"environment_index", envIdx,
		"port", state.Port(),
		"targets", state.TargetCount(),
	)
	return m, nil
}

// retireAll deactivates every port, then waits for each to drain and
// removes it from the registry.
func (c *Controller) retireAll(retiring []*managedPort) {
	if len(retiring) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.retireTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, m := range retiring {
		m.state.Deactivate()
		wg.Add(1)
		go func(m *managedPort) {
			defer wg.Done()
			c.retire(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (c *Controller) retire(ctx context.Context, m *managedPort) {
	port := m.state.Port()

	if err := m.server.Shutdown(ctx); err != nil {
		logger.LogError("port_retire", err, "environment", m.env, "port", port)
	}

	select {
	case <-m.done:
	case <-ctx.Done():
		logger.Warn("port_retire_timeout", "environment", m.env, "port", port)
		go func() {
			<-m.done
			c.mu.Lock()
			defer c.mu.Unlock()
			c.release(m)
		}()
		return
	}

	c.release(m)
}

// release removes a port that stopped serving from the registry and drops its
// limiter counters when no other port uses the number. Callers hold c.mu.
func (c *Controller) release(m *managedPort) {
	port := m.state.Port()

	if err := c.registry.Remove(m.idx); err != nil {
		logger.LogError("port_remove", err, "environment", m.env, "port", port)
		return
	}
	// Handlers have returned, so no slot of this port is still held.
	if _, ok := c.registry.Lookup(port); !ok {
		c.limiter.Forget(port)
	}
	metrics.PortHealthy.DeleteLabelValues(metrics.PortLabel(port))
	logger.Info("port_retired", "environment", m.env, "port", port, "stats", m.state.Stats())
}

// Shutdown retires every served port.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	retiring := make([]*managedPort, 0, len(c.managed))
	for name, m := range c.managed {
		retiring = append(retiring, m)
		delete(c.managed, name)
	}
	c.retireAll(retiring)
	metrics.ActivePorts.Set(0)
}

// Served returns the port number of every served environment, keyed by name.
func (c *Controller) Served() map[string]uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]uint16, len(c.managed))
	for name, m := range c.managed {
		out[name] = m.state.Port()
	}
	return out
}

// Addr returns the bound listen address of a served environment.
func (c *Controller) Addr(env string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.managed[env]
	if !ok {
		return "", false
	}
	return m.server.Addr(), true
}
