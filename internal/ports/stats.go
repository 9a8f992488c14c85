package ports

import "time"

// CallStats counts forwarded call outcomes.
// LastOK is meaningful only when OK > 0, LastFailed only when Failed > 0.
type CallStats struct {
	OK         uint64    `json:"ok"`
	LastOK     time.Time `json:"last_ok"`
	Failed     uint64    `json:"failed"`
	LastFailed time.Time `json:"last_failed"`
}

// Transitions holds the last times the aggregate healthy flag flipped.
// They are meaningful only when they differ.
type Transitions struct {
	LastDown time.Time `json:"last_down"`
	LastUp   time.Time `json:"last_up"`
}

// RecordSuccess counts a successful forwarded call.
func (p *PortState) RecordSuccess() {
	now := p.now()
	p.statsMu.Lock()
	p.stats.OK++
	p.stats.LastOK = now
	p.statsMu.Unlock()
}

// RecordFailure counts a failed forwarded call.
func (p *PortState) RecordFailure() {
	now := p.now()
	p.statsMu.Lock()
	p.stats.Failed++
	p.stats.LastFailed = now
	p.statsMu.Unlock()
}

// Stats returns a copy of the call statistics.
func (p *PortState) Stats() CallStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// SetHealthy writes the aggregate healthy flag and returns true if the value
// flipped. A transition timestamp is recorded only on a flip.
func (p *PortState) SetHealthy(healthy bool) bool {
	now := p.now()
	p.healthMu.Lock()
	defer p.healthMu.Unlock()

	if p.healthy == healthy {
		return false
	}
	p.healthy = healthy
	if healthy {
		p.transitions.LastUp = now
	} else {
		p.transitions.LastDown = now
	}
	return true
}

// IsHealthy returns the aggregate healthy flag.
func (p *PortState) IsHealthy() bool {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.healthy
}

// Transitions returns the health transition timestamps.
func (p *PortState) Transitions() Transitions {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.transitions
}
