// Package routing implements the policy layer that turns the accessibility tracker's opinion of
// which runways are currently good into a single chosen Runway for a given target. It holds no
// network state of its own; everything it needs (which IDs are accessible, each candidate's
// avg_response_time) comes from internal/tracker and the current runwayinventory.Inventory snapshot.
package routing

import (
	"sync"

	"github.com/tayyebi/smart-proxy/internal/runway"
	"github.com/tayyebi/smart-proxy/internal/tracker"
)

// Mode selects the algorithm select_runway uses among the accessible candidates.
type Mode int

const (
	Latency Mode = iota
	FirstAccessible
	RoundRobin
)

func (m Mode) String() string {
	switch m {
	case FirstAccessible:
		return "first_accessible"
	case RoundRobin:
		return "round_robin"
	default:
		return "latency"
	}
}

// Engine selects a runway for a target under whichever Mode is currently set. Mode changes take
// effect on the next Select call; the round-robin cursor is kept per target.
//
// The reader-writer split mirrors the teacher's bestserver.latency: mode is read on every request
// and changed rarely, so an RWMutex lets concurrent Select calls proceed uncontended while a
// SetMode call is rare enough to pay for exclusive access.
type Engine struct {
	tr *tracker.Tracker

	mu      sync.RWMutex
	mode    Mode
	cursors map[string]int
}

// New constructs an Engine bound to tr, starting in mode.
func New(tr *tracker.Tracker, mode Mode) *Engine {
	return &Engine{
		tr:      tr,
		mode:    mode,
		cursors: make(map[string]int),
	}
}

// Mode returns the engine's current mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode atomically changes the engine's mode.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

// Select returns the chosen runway for target among runways, or false if none is currently
// accessible. runways is typically the runway inventory's full snapshot; Select intersects it
// against the tracker's accessible-ID set for target.
func (e *Engine) Select(target string, runways []runway.Runway) (runway.Runway, bool) {
	ids := e.tr.GetAccessibleRunways(target)
	if len(ids) == 0 {
		return runway.Runway{}, false
	}
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var candidates []runway.Runway
	for _, r := range runways {
		if idSet[r.ID] {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return runway.Runway{}, false
	}

	e.mu.RLock()
	mode := e.mode
	e.mu.RUnlock()

	switch mode {
	case FirstAccessible:
		return candidates[0], true

	case RoundRobin:
		e.mu.Lock()
		c := e.cursors[target]
		if c >= len(candidates) {
			c = 0
		}
		chosen := candidates[c]
		e.cursors[target] = (c + 1) % len(candidates)
		e.mu.Unlock()
		return chosen, true

	default: // Latency
		best := -1
		var bestRT int64
		for i, r := range candidates {
			m, ok := e.tr.GetMetrics(target, r.ID)
			if !ok || m.AvgResponseTime <= 0 {
				continue
			}
			rt := int64(m.AvgResponseTime)
			if best == -1 || rt < bestRT {
				best = i
				bestRT = rt
			}
		}
		if best == -1 {
			return candidates[0], true
		}
		return candidates[best], true
	}
}
