package engine

import "sync"

// OnDemandDelay is the number of extra passes requested after background work
// is last seen: one to integrate the final results and one to show them.
const OnDemandDelay = 2

// Redrawer is implemented by a host that renders frames on demand.
type Redrawer interface {
	RequestRedraw()
}

// Governor keeps an on-demand renderer pumping frames while background work
// is outstanding.
type Governor struct {
	mu    sync.Mutex
	delay int
	count int
}

// NewGovernor returns a governor that holds redraws open for delay passes.
func NewGovernor(delay int) *Governor {
	if delay <= 0 {
		delay = OnDemandDelay
	}
	return &Governor{delay: delay}
}

// Tick is called once per pass with the current outstanding task count and
// reports whether another redraw is needed.
func (g *Governor) Tick(outstanding int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if outstanding > 0 {
		g.count = g.delay
	}
	if g.count > 0 {
		g.count--
		return true
	}
	return false
}
