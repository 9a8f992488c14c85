// Package health probes upstream targets and writes their scores and the
// aggregate port health into the routing state.
package health

import (
	"sync"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/ports"
)

// HealthState represents the health state of a target.
type HealthState int

const (
	// StateHealthy means the target answers probes.
	StateHealthy HealthState = iota
	// StateUnhealthy means the target has failed enough probes to be avoided.
	StateUnhealthy
	// StateRecovering means the target answered again after being unhealthy.
	StateRecovering
)

// String returns a human-readable representation of the health state.
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Score levels per state.
const (
	ScoreHealthy    ports.Score = 100
	ScoreRecovering ports.Score = 0
	ScoreUnhealthy  ports.Score = -100

	// maxLatencyPenalty is the most a slow but healthy target can lose.
	maxLatencyPenalty = 50
	// failurePenalty is lost per consecutive failure while still healthy.
	failurePenalty = 20
)

// TargetStatus holds the probe history of a single target.
type TargetStatus struct {
	URI                  string
	State                HealthState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastLatency          time.Duration
	LastError            error
	mu                   sync.RWMutex
}

// NewTargetStatus creates a new TargetStatus for the given URI.
func NewTargetStatus(uri string) *TargetStatus {
	return &TargetStatus{
		URI:   uri,
		State: StateHealthy,
	}
}

// GetState returns the current health state.
func (s *TargetStatus) GetState() HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// IsHealthy returns true if the target is in a healthy state.
func (s *TargetStatus) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State == StateHealthy
}

// RecordSuccess records a successful probe.
// Returns true if state changed.
func (s *TargetStatus) RecordSuccess(latency time.Duration, successThreshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastCheck = time.Now()
	s.LastLatency = latency
	s.LastError = nil
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses++

	oldState := s.State

	switch s.State {
	case StateUnhealthy:
		// First success after being unhealthy -> recovering
		s.State = StateRecovering
		s.ConsecutiveSuccesses = 1
		if successThreshold <= 1 {
			s.State = StateHealthy
		}
	case StateRecovering:
		if s.ConsecutiveSuccesses >= successThreshold {
			s.State = StateHealthy
		}
	case StateHealthy:
	}

	return oldState != s.State
}

// RecordFailure records a failed probe.
// Returns true if state changed.
func (s *TargetStatus) RecordFailure(err error, failureThreshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastCheck = time.Now()
	s.LastError = err
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++

	oldState := s.State

	switch s.State {
	case StateHealthy:
		if s.ConsecutiveFailures >= failureThreshold {
			s.State = StateUnhealthy
		}
	case StateRecovering:
		// Any failure while recovering goes back to unhealthy
		s.State = StateUnhealthy
	case StateUnhealthy:
	}

	return oldState != s.State
}

// Score maps the probe history to a relative health score.
//
// Healthy targets start at ScoreHealthy and lose up to maxLatencyPenalty when
// the last probe was slower than slow, plus failurePenalty per consecutive
// failure not yet past the threshold.
func (s *TargetStatus) Score(slow time.Duration) ports.Score {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.State {
	case StateUnhealthy:
		return ScoreUnhealthy
	case StateRecovering:
		return ScoreRecovering
	}

	score := int(ScoreHealthy) - failurePenalty*s.ConsecutiveFailures
	if slow > 0 && s.LastLatency > slow {
		penalty := int(int64(maxLatencyPenalty) * int64(s.LastLatency-slow) / int64(slow))
		score -= min(penalty, maxLatencyPenalty)
	}
	return ports.ClampScore(score)
}

// GetInfo returns a copy of the status info for external use.
func (s *TargetStatus) GetInfo() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastErr string
	if s.LastError != nil {
		lastErr = s.LastError.Error()
	}

	return StatusInfo{
		URI:                  s.URI,
		State:                s.State.String(),
		ConsecutiveFailures:  s.ConsecutiveFailures,
		ConsecutiveSuccesses: s.ConsecutiveSuccesses,
		LastCheck:            s.LastCheck,
		LastLatency:          s.LastLatency,
		LastError:            lastErr,
	}
}

// StatusInfo is a serializable representation of TargetStatus.
type StatusInfo struct {
	URI                  string        `json:"uri"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastCheck            time.Time     `json:"last_check"`
	LastLatency          time.Duration `json:"last_latency"`
	LastError            string        `json:"last_error,omitempty"`
}
