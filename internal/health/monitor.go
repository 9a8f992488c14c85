package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/arena"
	"github.com/cr0hn/rpc-gateway/internal/logger"
	"github.com/cr0hn/rpc-gateway/internal/metrics"
	"github.com/cr0hn/rpc-gateway/internal/ports"
)

// Checker is the interface for health check implementations.
type Checker interface {
	// Check probes the upstream at uri.
	// Returns nil if the check succeeds, error otherwise.
	Check(ctx context.Context, uri string) error
}

// PortLister yields the port states to probe.
type PortLister interface {
	All() []*ports.PortState
}

// MonitorConfig holds configuration for the Monitor.
type MonitorConfig struct {
	Ports            PortLister
	Checker          Checker
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	// SlowThreshold is the probe latency above which a healthy target's
	// score starts to drop. Zero disables the latency penalty.
	SlowThreshold time.Duration
}

type targetKey struct {
	port *ports.PortState
	idx  arena.Index
}

type probe struct {
	key targetKey
	uri string
}

// Monitor periodically probes every target of every active port, writes the
// resulting scores back and maintains each port's aggregate healthy flag.
type Monitor struct {
	config   MonitorConfig
	statuses map[targetKey]*TargetStatus
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// NewMonitor creates a new Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{
		config:   cfg,
		statuses: make(map[targetKey]*TargetStatus),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.checkLoop()
	logger.Info("health_monitor_started",
		"interval", m.config.Interval,
		"timeout", m.config.Timeout,
		"failure_threshold", m.config.FailureThreshold,
		"success_threshold", m.config.SuccessThreshold,
		"slow_threshold", m.config.SlowThreshold,
	)
}

// Stop stops the probe loop and waits for the running round to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	logger.Info("health_monitor_stopped")
}

// ProbeStatuses returns the last probe result of every probed target,
// ordered by port and slot.
func (m *Monitor) ProbeStatuses() []metrics.ProbeStatus {
	m.mu.RLock()
	result := make([]metrics.ProbeStatus, 0, len(m.statuses))
	for key, status := range m.statuses {
		info := status.GetInfo()
		result = append(result, metrics.ProbeStatus{
			Port:      key.port.Port(),
			Slot:      key.idx.Slot(),
			URI:       info.URI,
			State:     info.State,
			LastCheck: info.LastCheck,
			LatencyMs: info.LastLatency.Milliseconds(),
			LastError: info.LastError,
		})
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Port != result[j].Port {
			return result[i].Port < result[j].Port
		}
		return result[i].Slot < result[j].Slot
	})
	return result
}

func (m *Monitor) checkLoop() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run an initial check immediately
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll runs one probe round over every target of every active port and
// blocks until the round completes.
func (m *Monitor) CheckAll(ctx context.Context) {
	var probes []probe
	var active []*ports.PortState
	for _, p := range m.config.Ports.All() {
		if p.IsDeactivated() {
			continue
		}
		active = append(active, p)
		for _, t := range p.Targets() {
			probes = append(probes, probe{key: targetKey{port: p, idx: t.Index}, uri: t.URI})
		}
	}

	m.syncStatuses(probes)

	var wg sync.WaitGroup
	for _, pr := range probes {
		wg.Add(1)
		go func(pr probe) {
			defer wg.Done()
			m.checkTarget(ctx, pr)
		}(pr)
	}
	wg.Wait()

	m.updatePorts(active)
}

// syncStatuses creates statuses for new targets and drops those whose target
// is gone.
func (m *Monitor) syncStatuses(probes []probe) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[targetKey]struct{}, len(probes))
	for _, pr := range probes {
		seen[pr.key] = struct{}{}
		if _, ok := m.statuses[pr.key]; !ok {
			m.statuses[pr.key] = NewTargetStatus(pr.uri)
		}
	}
	for key, status := range m.statuses {
		if _, ok := seen[key]; !ok {
			metrics.TargetScore.DeleteLabelValues(metrics.PortLabel(key.port.Port()), status.URI)
			delete(m.statuses, key)
		}
	}
}

func (m *Monitor) checkTarget(ctx context.Context, pr probe) {
	m.mu.RLock()
	status, ok := m.statuses[pr.key]
	m.mu.RUnlock()
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	start := time.Now()
	err := m.config.Checker.Check(checkCtx, pr.uri)
	duration := time.Since(start)

	metrics.HealthCheckDuration.WithLabelValues(pr.uri).Observe(duration.Seconds())

	port := pr.key.port.Port()
	if err != nil {
		metrics.HealthCheckTotal.WithLabelValues(pr.uri, "failure").Inc()
		if status.RecordFailure(err, m.config.FailureThreshold) {
			logger.LogTargetState(port, pr.uri, status.GetState().String(), err)
		} else {
			logger.Debug("health_check_failed",
				"port", port,
				"target", pr.uri,
				"error", err.Error(),
			)
		}
	} else {
		metrics.HealthCheckTotal.WithLabelValues(pr.uri, "success").Inc()
		if status.RecordSuccess(duration, m.config.SuccessThreshold) {
			logger.LogTargetState(port, pr.uri, status.GetState().String(), nil)
		} else {
			logger.Trace("health_check_success", "port", port, "target", pr.uri, "duration", duration)
		}
	}

	score := status.Score(m.config.SlowThreshold)
	// The target may have been removed while the probe was in flight.
	if pr.key.port.SetTargetScore(pr.key.idx, score) {
		metrics.TargetScore.WithLabelValues(metrics.PortLabel(port), pr.uri).Set(float64(score))
	}
}

// updatePorts recomputes the aggregate healthy flag of each port. A port is
// healthy while at least one of its targets is.
func (m *Monitor) updatePorts(active []*ports.PortState) {
	anyHealthy := make(map[*ports.PortState]bool, len(active))
	var healthy, unhealthy int

	m.mu.RLock()
	for key, status := range m.statuses {
		if status.IsHealthy() {
			healthy++
			anyHealthy[key.port] = true
		} else {
			unhealthy++
		}
	}
	m.mu.RUnlock()

	metrics.HealthyTargets.Set(float64(healthy))
	metrics.UnhealthyTargets.Set(float64(unhealthy))

	for _, p := range active {
		up := anyHealthy[p]
		label := metrics.PortLabel(p.Port())
		metrics.PortHealthy.WithLabelValues(label).Set(metrics.BoolGauge(up))
		if !p.SetHealthy(up) {
			continue
		}
		direction := "down"
		if up {
			direction = "up"
		}
		metrics.PortHealthTransitions.WithLabelValues(label, direction).Inc()
		logger.Info("port_health_changed", "port", p.Port(), "healthy", up)
	}
}
