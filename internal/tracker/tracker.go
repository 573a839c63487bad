// Package tracker implements the per-target, per-runway accessibility bookkeeping: the rolling
// metrics and state machine that the routing engine, probe executor and health monitor all read
// from and write to.
//
// The locking discipline is grounded on the teacher's internal/bestserver package: a baseManager
// there protects one flat slice of servers with a single sync.RWMutex because the algorithms only
// ever compare a handful of candidates. Here the domain is a two-level map (target -> runway ->
// metrics) and the concurrency requirement is stronger -- updates to distinct (target, runway)
// pairs must never serialize against each other -- so each cell gets its own mutex and the outer
// maps use a read-mostly RWMutex guarding only insertion, the same shape bestserver.latency uses
// to guard its stats slice while still letting Best()/Result() run concurrently with Servers().
package tracker

import (
	"sync"
	"time"

	"github.com/tayyebi/smart-proxy/internal/constants"
	"github.com/tayyebi/smart-proxy/internal/logging"
)

// State is the accessibility state machine's state for one (target, runway) pair.
type State int

const (
	Unknown State = iota
	Testing
	Accessible
	PartiallyAccessible
	Inaccessible
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Testing:
		return "Testing"
	case Accessible:
		return "Accessible"
	case PartiallyAccessible:
		return "PartiallyAccessible"
	case Inaccessible:
		return "Inaccessible"
	default:
		return "Invalid"
	}
}

// TargetMetrics is a snapshot of the accounting kept for one (target, runway) pair. Values
// returned to callers are always copies; the live cell is never shared.
type TargetMetrics struct {
	State State

	NetworkSuccess     uint64
	UserSuccess        uint64
	PartialSuccess     uint64
	Failure            uint64
	TotalAttempts      uint64
	RecoveryCount      uint64
	ConsecutiveFailures uint32

	AvgResponseTime time.Duration

	LastSuccessTime time.Time
	LastFailureTime time.Time

	RecentAttempts []bool // Bounded to Window entries, oldest dropped first (FIFO)
	SuccessRate    float64
}

// cell is the mutable, individually-locked unit backing one TargetMetrics entry.
type cell struct {
	mu      sync.Mutex
	metrics TargetMetrics
}

func (c *cell) snapshot() TargetMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metrics
	m.RecentAttempts = append([]bool{}, c.metrics.RecentAttempts...)
	return m
}

// Tracker is the accessibility tracker: target -> runway ID -> cell.
type Tracker struct {
	window    int
	threshold float64
	log       *logging.Logger

	mu      sync.RWMutex // Protects targets (insertion only); cell access is via cell.mu
	targets map[string]map[string]*cell
}

// New constructs a Tracker. window is the length of the recent_attempts success-rate window and
// threshold is the success_rate_threshold admission cutoff for PartiallyAccessible runways.
func New(window int, threshold float64, log *logging.Logger) *Tracker {
	if window <= 0 {
		window = constants.Get().DefaultSuccessRateWindow
	}
	return &Tracker{
		window:    window,
		threshold: threshold,
		log:       log,
		targets:   make(map[string]map[string]*cell),
	}
}

// getOrCreateCell returns the cell for (target, runwayID), creating both levels of the map
// lazily. Insertion into the outer/inner maps is serialized by mu; the returned cell's own mutex
// protects the read-modify-write of its metrics.
func (t *Tracker) getOrCreateCell(target, runwayID string) *cell {
	t.mu.RLock()
	runways, ok := t.targets[target]
	if ok {
		c, ok := runways[runwayID]
		t.mu.RUnlock()
		if ok {
			return c
		}
	} else {
		t.mu.RUnlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	runways, ok = t.targets[target]
	if !ok {
		runways = make(map[string]*cell)
		t.targets[target] = runways
	}
	c, ok := runways[runwayID]
	if !ok {
		c = &cell{metrics: TargetMetrics{State: Unknown}}
		runways[runwayID] = c
	}
	return c
}

// Update applies one real or probed outcome to (target, runwayID). It never fails. See §4.3 of
// the accessibility tracker specification for the exact transition rules implemented below.
func (t *Tracker) Update(target, runwayID string, networkSuccess, userSuccess bool, responseTime time.Duration) {
	c := t.getOrCreateCell(target, runwayID)

	c.mu.Lock()
	defer c.mu.Unlock()

	m := &c.metrics
	now := time.Now()

	m.RecentAttempts = append(m.RecentAttempts, userSuccess)
	if len(m.RecentAttempts) > t.window {
		m.RecentAttempts = m.RecentAttempts[len(m.RecentAttempts)-t.window:]
	}
	m.TotalAttempts++

	wasInaccessible := m.State == Inaccessible

	switch {
	case networkSuccess && userSuccess: // full success
		m.NetworkSuccess++
		m.UserSuccess++
		m.ConsecutiveFailures = 0
		m.LastSuccessTime = now

		if wasInaccessible {
			m.RecoveryCount++
			if t.log != nil {
				t.log.Infof("recovery: %s via %s", target, runwayID)
			}
		}
		m.State = Accessible

		secs := responseTime.Seconds()
		if m.AvgResponseTime == 0 {
			m.AvgResponseTime = responseTime
		} else {
			avgSecs := m.AvgResponseTime.Seconds()
			avgSecs = constants.Get().EWMAWeightHistoric*avgSecs + constants.Get().EWMAWeightNew*secs
			m.AvgResponseTime = time.Duration(avgSecs * float64(time.Second))
		}

	case networkSuccess && !userSuccess: // partial
		m.NetworkSuccess++
		m.PartialSuccess++
		m.State = PartiallyAccessible
		// consecutive_failures intentionally untouched: network layer worked.

	default: // failure
		m.Failure++
		m.LastFailureTime = now
		m.ConsecutiveFailures++
		if int(m.ConsecutiveFailures) > constants.Get().ConsecutiveFailureLimit {
			m.State = Inaccessible
		}
	}

	m.SuccessRate = successRate(m.RecentAttempts)
}

func successRate(attempts []bool) float64 {
	if len(attempts) == 0 {
		return 0
	}
	successes := 0
	for _, a := range attempts {
		if a {
			successes++
		}
	}
	return float64(successes) / float64(len(attempts))
}

// GetAccessibleRunways returns, in unspecified order, every runway ID for target whose metrics
// are Accessible, or PartiallyAccessible with a success rate at or above the configured threshold.
func (t *Tracker) GetAccessibleRunways(target string) []string {
	t.mu.RLock()
	runways, ok := t.targets[target]
	if !ok {
		t.mu.RUnlock()
		return nil
	}
	cells := make(map[string]*cell, len(runways))
	for id, c := range runways {
		cells[id] = c
	}
	t.mu.RUnlock()

	var out []string
	for id, c := range cells {
		m := c.snapshot()
		switch {
		case m.State == Accessible:
			out = append(out, id)
		case m.State == PartiallyAccessible && m.SuccessRate >= t.threshold:
			out = append(out, id)
		}
	}
	return out
}

// GetMetrics returns a snapshot of the metrics for (target, runwayID), or false if no update has
// ever been recorded for that pair.
func (t *Tracker) GetMetrics(target, runwayID string) (TargetMetrics, bool) {
	t.mu.RLock()
	runways, ok := t.targets[target]
	if !ok {
		t.mu.RUnlock()
		return TargetMetrics{}, false
	}
	c, ok := runways[runwayID]
	t.mu.RUnlock()
	if !ok {
		return TargetMetrics{}, false
	}
	return c.snapshot(), true
}

// GetTargetMetrics returns a snapshot of every runway's metrics for target.
func (t *Tracker) GetTargetMetrics(target string) map[string]TargetMetrics {
	t.mu.RLock()
	runways, ok := t.targets[target]
	if !ok {
		t.mu.RUnlock()
		return map[string]TargetMetrics{}
	}
	cells := make(map[string]*cell, len(runways))
	for id, c := range runways {
		cells[id] = c
	}
	t.mu.RUnlock()

	out := make(map[string]TargetMetrics, len(cells))
	for id, c := range cells {
		out[id] = c.snapshot()
	}
	return out
}

// GetAllTargets returns every target known to the tracker. Ordering is unspecified; this
// implementation walks the underlying Go map, so ordering is effectively random across calls.
func (t *Tracker) GetAllTargets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.targets))
	for target := range t.targets {
		out = append(out, target)
	}
	return out
}
