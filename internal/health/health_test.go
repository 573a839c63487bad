package health

import (
	"fmt"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/tayyebi/smart-proxy/internal/config"
	"github.com/tayyebi/smart-proxy/internal/constants"
	"github.com/tayyebi/smart-proxy/internal/dnsresolve"
	"github.com/tayyebi/smart-proxy/internal/probe"
	"github.com/tayyebi/smart-proxy/internal/runway"
	"github.com/tayyebi/smart-proxy/internal/runwayinventory"
	"github.com/tayyebi/smart-proxy/internal/tracker"
)

func newTestMonitor(t *testing.T) (*Monitor, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(10, 0.5, nil)
	inv := runwayinventory.New(
		[]config.DNSServerConfig{{Host: "8.8.8.8"}},
		nil,
		[]string{"auto"},
		nil,
	)
	inv.Discover()

	resolver := dnsresolve.New(nil, time.Second, nil)
	exec := probe.New(resolver, inv)
	mon := New(50*time.Millisecond, tr, inv, exec, nil)
	return mon, tr
}

func TestNewDefaultsZeroIntervalToConstant(t *testing.T) {
	mon := New(0, tracker.New(10, 0.5, nil), nil, nil, nil)
	if mon.interval != constants.Get().DefaultHealthCheckInterval {
		t.Errorf("expected default interval, got %v", mon.interval)
	}
}

func TestStopIsIdempotentAndObservable(t *testing.T) {
	mon, _ := newTestMonitor(t)
	if mon.isStopped() {
		t.Fatal("expected monitor to start unstopped")
	}
	mon.Stop()
	mon.Stop()
	if !mon.isStopped() {
		t.Error("expected monitor to report stopped")
	}
}

func TestReprobeTargetCapsInaccessibleAndPartial(t *testing.T) {
	mon, tr := newTestMonitor(t)

	for i := 0; i < 8; i++ {
		id := "inaccessible-" + strconv.Itoa(i)
		tr.Update("target", id, false, false, 0)
		tr.Update("target", id, false, false, 0)
		tr.Update("target", id, false, false, 0)
		tr.Update("target", id, false, false, 0)
	}
	for i := 0; i < 5; i++ {
		id := "partial-" + strconv.Itoa(i)
		tr.Update("target", id, true, false, 0)
	}

	metrics := tr.GetTargetMetrics("target")
	inaccessibleCount, partialCount := 0, 0
	for _, m := range metrics {
		switch m.State {
		case tracker.Inaccessible:
			inaccessibleCount++
		case tracker.PartiallyAccessible:
			partialCount++
		}
	}
	if inaccessibleCount != 8 {
		t.Fatalf("expected 8 inaccessible runways seeded, got %d", inaccessibleCount)
	}
	if partialCount != 5 {
		t.Fatalf("expected 5 partial runways seeded, got %d", partialCount)
	}

	// Unlike a synthetic empty map, byID here holds a real runway entry for every seeded id, so
	// reprobeTarget actually probes the capped subset instead of skipping every candidate via
	// the "unknown id" path. The resolver has no configured DNS servers, so every probe attempt
	// resolves to nil and returns immediately without touching the network.
	byID := make(map[string]runway.Runway, len(metrics))
	for id := range metrics {
		byID[id] = runway.NewDirect(id, "lo", "127.0.0.1", runway.DNSServer{Host: "8.8.8.8"})
	}
	mon.reprobeTarget("target", byID, constants.Get())

	d := constants.Get()
	after := tr.GetTargetMetrics("target")

	for i := 0; i < 8; i++ {
		id := "inaccessible-" + strconv.Itoa(i)
		want := uint64(4)
		if i < d.HealthMonitorMaxInaccessiblePerTarget {
			want = 5 // reprobed: one extra attempt recorded
		}
		if got := after[id].TotalAttempts; got != want {
			t.Errorf("%s: expected TotalAttempts=%d, got %d", id, want, got)
		}
	}
	for i := 0; i < 5; i++ {
		id := "partial-" + strconv.Itoa(i)
		want := uint64(1)
		if i < d.HealthMonitorMaxPartialPerTarget {
			want = 2 // reprobed: one extra attempt recorded
		}
		if got := after[id].TotalAttempts; got != want {
			t.Errorf("%s: expected TotalAttempts=%d, got %d", id, want, got)
		}
	}
}

func TestRunCycleCapsTargetsPerCycle(t *testing.T) {
	mon, tr := newTestMonitor(t)

	runways := mon.inventory.Snapshot()
	if len(runways) == 0 {
		t.Skip("no runways discovered on this host, skipping")
	}
	runwayID := runways[0].ID

	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("target-%02d", i)
		tr.Update(id, runwayID, true, false, 0) // PartiallyAccessible, so eligible for re-probing
	}
	if len(tr.GetAllTargets()) != 15 {
		t.Fatalf("expected 15 targets seeded, got %d", len(tr.GetAllTargets()))
	}

	// runCycle caps the targets it reprobes per cycle. Since runwayID is a real entry in the
	// monitor's own inventory, the resolver-failure-fast path still records an extra attempt for
	// every target that gets reprobed -- letting us tell capped targets apart from skipped ones.
	mon.runCycle(constants.Get())

	d := constants.Get()
	targets := make([]string, 15)
	for i := range targets {
		targets[i] = fmt.Sprintf("target-%02d", i)
	}
	sort.Strings(targets)

	for i, target := range targets {
		want := uint64(1)
		if i < d.HealthMonitorMaxTargetsPerCycle {
			want = 2 // reprobed this cycle: one extra attempt recorded
		}
		if got := tr.GetTargetMetrics(target)[runwayID].TotalAttempts; got != want {
			t.Errorf("%s: expected TotalAttempts=%d, got %d", target, want, got)
		}
	}
}
