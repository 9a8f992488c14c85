// Package ports holds the routing state of each listening port: the pool of
// upstream targets, their health scores, the port lifecycle and call statistics.
package ports

import (
	"sync/atomic"

	"github.com/cr0hn/rpc-gateway/internal/arena"
)

// Score ranks a target's current desirability. Higher is healthier.
type Score int8

// Score bounds.
const (
	ScoreMin Score = -128
	ScoreMax Score = 127
	// ScoreUnknown is given to targets that were never probed. It is above the
	// minimum so a fresh target can be selected before its first probe.
	ScoreUnknown Score = 0
)

// ClampScore bounds v to the Score range.
func ClampScore(v int) Score {
	if v < int(ScoreMin) {
		return ScoreMin
	}
	if v > int(ScoreMax) {
		return ScoreMax
	}
	return Score(v)
}

// Target is one upstream RPC endpoint.
//
// The address never changes. The score is written only by the health monitor
// and may be read concurrently with that write.
type Target struct {
	idx   arena.Index
	uri   string
	score atomic.Int32
}

// NewTarget creates a Target for uri with the ScoreUnknown baseline.
func NewTarget(uri string) *Target {
	t := &Target{uri: uri}
	t.score.Store(int32(ScoreUnknown))
	return t
}

// URI returns the upstream address.
func (t *Target) URI() string {
	return t.uri
}

// RelativeHealthScore returns the current score.
func (t *Target) RelativeHealthScore() Score {
	return Score(t.score.Load())
}

func (t *Target) setScore(s Score) {
	t.score.Store(int32(s))
}

// ManagedIndex implements arena.Managed.
func (t *Target) ManagedIndex() arena.Index {
	return t.idx
}

// SetManagedIndex implements arena.Managed.
func (t *Target) SetManagedIndex(idx arena.Index) {
	t.idx = idx
}

// TargetInfo is a point-in-time view of a Target.
type TargetInfo struct {
	Index arena.Index `json:"-"`
	Slot  uint32      `json:"slot"`
	URI   string      `json:"uri"`
	Score Score       `json:"score"`
}
