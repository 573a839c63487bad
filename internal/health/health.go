// Package health implements the health monitor: a cooperative periodic loop that refreshes the
// runway inventory's interface list and re-probes recently failed or partially-accessible
// (target, runway) pairs, keeping the tracker's opinion of each path fresh even when no live
// client traffic happens to exercise it.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tayyebi/smart-proxy/internal/constants"
	"github.com/tayyebi/smart-proxy/internal/logging"
	"github.com/tayyebi/smart-proxy/internal/probe"
	"github.com/tayyebi/smart-proxy/internal/runway"
	"github.com/tayyebi/smart-proxy/internal/runwayinventory"
	"github.com/tayyebi/smart-proxy/internal/tracker"
)

// Monitor runs the periodic re-probe loop described in the package doc comment. A single stop
// flag terminates the loop at the next iteration boundary, mirroring the teacher's server
// shutdown-by-flag idiom rather than an unbuffered done channel fan-out.
type Monitor struct {
	interval  time.Duration
	tr        *tracker.Tracker
	inventory *runwayinventory.Inventory
	executor  *probe.Executor
	log       *logging.Logger

	mu      sync.Mutex
	stopped bool
}

// New constructs a Monitor. interval is the period between cycles; zero uses the package default
// of 60 seconds.
func New(interval time.Duration, tr *tracker.Tracker, inventory *runwayinventory.Inventory, executor *probe.Executor, log *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = constants.Get().DefaultHealthCheckInterval
	}
	return &Monitor{
		interval:  interval,
		tr:        tr,
		inventory: inventory,
		executor:  executor,
		log:       log,
	}
}

// Stop signals the loop to exit at the next iteration boundary. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *Monitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Run executes the periodic loop until Stop is called. It returns on the first
// iteration boundary after being stopped.
func (m *Monitor) Run() {
	d := constants.Get()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if m.isStopped() {
			return
		}
		m.runCycle(d)
		<-ticker.C
	}
}

func (m *Monitor) runCycle(d constants.Constants) {
	if err := m.inventory.Refresh(); err != nil && m.log != nil {
		m.log.Warnf("health: interface refresh failed: %v", err)
	}

	targets := m.tr.GetAllTargets()
	sort.Strings(targets) // Deterministic traversal order; the spec leaves this unspecified.
	if len(targets) > d.HealthMonitorMaxTargetsPerCycle {
		targets = targets[:d.HealthMonitorMaxTargetsPerCycle]
	}

	runways := m.inventory.Snapshot()
	byID := make(map[string]runway.Runway, len(runways))
	for _, r := range runways {
		byID[r.ID] = r
	}

	for _, target := range targets {
		m.reprobeTarget(target, byID, d)
	}
}

// Name satisfies reporter.Reporter.
func (m *Monitor) Name() string { return "health" }

// Report satisfies reporter.Reporter, summarizing accessibility state across every known target.
// resetCounters is accepted for interface conformance but ignored -- the tracker's own counters
// are cumulative and are never reset; replaying an update adds to them again.
func (m *Monitor) Report(resetCounters bool) string {
	targets := m.tr.GetAllTargets()
	var accessible, partial, inaccessible, recoveries int
	for _, target := range targets {
		for _, tm := range m.tr.GetTargetMetrics(target) {
			switch tm.State {
			case tracker.Accessible:
				accessible++
			case tracker.PartiallyAccessible:
				partial++
			case tracker.Inaccessible:
				inaccessible++
			}
			recoveries += int(tm.RecoveryCount)
		}
	}
	return fmt.Sprintf("targets=%d accessible=%d partial=%d inaccessible=%d recoveries=%d",
		len(targets), accessible, partial, inaccessible, recoveries)
}

func (m *Monitor) reprobeTarget(target string, byID map[string]runway.Runway, d constants.Constants) {
	metrics := m.tr.GetTargetMetrics(target)

	var inaccessible, partial []string
	for id, tm := range metrics {
		switch tm.State {
		case tracker.Inaccessible:
			inaccessible = append(inaccessible, id)
		case tracker.PartiallyAccessible:
			partial = append(partial, id)
		}
	}
	sort.Strings(inaccessible)
	sort.Strings(partial)

	if len(inaccessible) > d.HealthMonitorMaxInaccessiblePerTarget {
		inaccessible = inaccessible[:d.HealthMonitorMaxInaccessiblePerTarget]
	}
	if len(partial) > d.HealthMonitorMaxPartialPerTarget {
		partial = partial[:d.HealthMonitorMaxPartialPerTarget]
	}

	for _, id := range append(inaccessible, partial...) {
		r, ok := byID[id]
		if !ok {
			continue
		}
		result := m.executor.Probe(target, r, d.HealthMonitorProbeTimeout)
		m.tr.Update(target, id, result.NetworkSuccess, result.UserSuccess, result.Elapsed)
	}
}
