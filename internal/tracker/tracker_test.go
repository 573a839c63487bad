package tracker

import (
	"testing"
	"time"
)

func TestStateTransitionsScenario1(t *testing.T) {
	tr := New(10, 0.5, nil)

	tr.Update("example.com", "r1", true, true, time.Millisecond) // full success -> Accessible
	tr.Update("example.com", "r1", false, false, 0)
	tr.Update("example.com", "r1", false, false, 0)
	tr.Update("example.com", "r1", false, false, 0)
	tr.Update("example.com", "r1", false, false, 0)

	m, ok := tr.GetMetrics("example.com", "r1")
	if !ok {
		t.Fatal("expected metrics to exist")
	}
	if m.State != Inaccessible {
		t.Errorf("expected Inaccessible, got %s", m.State)
	}
	if m.ConsecutiveFailures != 4 {
		t.Errorf("expected consecutive_failures=4, got %d", m.ConsecutiveFailures)
	}

	tr.Update("example.com", "r1", true, true, time.Millisecond)
	m, _ = tr.GetMetrics("example.com", "r1")
	if m.State != Accessible {
		t.Errorf("expected Accessible after recovery, got %s", m.State)
	}
	if m.RecoveryCount != 1 {
		t.Errorf("expected recovery_count=1, got %d", m.RecoveryCount)
	}
	if m.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive_failures reset to 0, got %d", m.ConsecutiveFailures)
	}
}

func TestSuccessRateWindowScenario2(t *testing.T) {
	tr := New(3, 0.5, nil)

	seq := []bool{true, true, true, false}
	for _, u := range seq {
		tr.Update("t", "r", u, u, 0)
	}

	m, _ := tr.GetMetrics("t", "r")
	if len(m.RecentAttempts) != 3 {
		t.Fatalf("expected window of 3, got %d", len(m.RecentAttempts))
	}
	want := []bool{true, true, false}
	for i, v := range want {
		if m.RecentAttempts[i] != v {
			t.Errorf("recent_attempts[%d] = %v, want %v", i, m.RecentAttempts[i], v)
		}
	}
	if diff := m.SuccessRate - (2.0 / 3.0); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("success_rate = %v, want ~0.6667", m.SuccessRate)
	}
}

func TestEWMAScenario3(t *testing.T) {
	tr := New(10, 0.5, nil)

	tr.Update("t", "r", true, true, time.Second)
	m, _ := tr.GetMetrics("t", "r")
	if m.AvgResponseTime != time.Second {
		t.Fatalf("expected avg=1s after first sample, got %v", m.AvgResponseTime)
	}

	tr.Update("t", "r", true, true, 2*time.Second)
	m, _ = tr.GetMetrics("t", "r")
	want := 1.3 * float64(time.Second)
	got := float64(m.AvgResponseTime)
	if got < want-1e6 || got > want+1e6 {
		t.Errorf("avg_response_time = %v, want ~1.3s", m.AvgResponseTime)
	}
}

func TestPartiallyAccessibleAdmissionScenario4(t *testing.T) {
	tr := New(5, 0.5, nil)

	// Drive success_rate to exactly 0.4: 2 of 5 user successes, all network successes so state
	// stays PartiallyAccessible.
	outcomes := []bool{true, true, false, false, false}
	for _, u := range outcomes {
		tr.Update("t", "r", true, u, 0)
	}
	m, _ := tr.GetMetrics("t", "r")
	if m.State != PartiallyAccessible {
		t.Fatalf("expected PartiallyAccessible, got %s", m.State)
	}
	if m.SuccessRate != 0.4 {
		t.Fatalf("expected success_rate=0.4, got %v", m.SuccessRate)
	}
	if ids := tr.GetAccessibleRunways("t"); len(ids) != 0 {
		t.Errorf("expected no accessible runways below threshold, got %v", ids)
	}

	// A window of 5 cannot hold exactly 0.5, so construct a fresh tracker with a window of 2.
	tr2 := New(2, 0.5, nil)
	tr2.Update("t2", "r", true, true, 0)
	tr2.Update("t2", "r", true, false, 0)
	m2, _ := tr2.GetMetrics("t2", "r")
	if m2.SuccessRate != 0.5 {
		t.Fatalf("expected success_rate=0.5, got %v", m2.SuccessRate)
	}
	ids := tr2.GetAccessibleRunways("t2")
	if len(ids) != 1 || ids[0] != "r" {
		t.Errorf("expected runway admitted at threshold, got %v", ids)
	}
}

func TestAccessibleRunwaysExcludesUnknownTestingInaccessible(t *testing.T) {
	tr := New(10, 0.5, nil)

	tr.Update("t", "inaccessible", false, false, 0)
	tr.Update("t", "inaccessible", false, false, 0)
	tr.Update("t", "inaccessible", false, false, 0)
	tr.Update("t", "inaccessible", false, false, 0)

	tr.Update("t", "accessible", true, true, time.Millisecond)

	ids := tr.GetAccessibleRunways("t")
	if len(ids) != 1 || ids[0] != "accessible" {
		t.Errorf("expected only 'accessible' runway, got %v", ids)
	}
}

func TestTotalAttemptsInvariant(t *testing.T) {
	tr := New(10, 0.5, nil)
	tr.Update("t", "r", true, true, 0)
	tr.Update("t", "r", true, false, 0)
	tr.Update("t", "r", false, false, 0)

	m, _ := tr.GetMetrics("t", "r")
	if m.TotalAttempts != m.Failure+m.NetworkSuccess {
		t.Errorf("invariant broken: total=%d failure=%d network_success=%d",
			m.TotalAttempts, m.Failure, m.NetworkSuccess)
	}
}

func TestIdempotentReplayDoublesCounters(t *testing.T) {
	tr := New(10, 0.5, nil)
	tr.Update("t", "r", true, true, time.Second)
	m1, _ := tr.GetMetrics("t", "r")

	tr2 := New(10, 0.5, nil)
	tr2.Update("t", "r", true, true, time.Second)
	tr2.Update("t", "r", true, true, time.Second)
	m2, _ := tr2.GetMetrics("t", "r")

	if m2.TotalAttempts != 2*m1.TotalAttempts {
		t.Errorf("expected total_attempts to double, got %d vs %d", m2.TotalAttempts, m1.TotalAttempts)
	}
	if m2.UserSuccess != 2*m1.UserSuccess {
		t.Errorf("expected user_success to double, got %d vs %d", m2.UserSuccess, m1.UserSuccess)
	}
	if len(m2.RecentAttempts) != 2 {
		t.Errorf("expected recent_attempts len 2, got %d", len(m2.RecentAttempts))
	}
}

func TestRecentAttemptsNeverExceedsWindow(t *testing.T) {
	tr := New(3, 0.5, nil)
	for i := 0; i < 50; i++ {
		tr.Update("t", "r", i%2 == 0, i%3 == 0, 0)
		m, _ := tr.GetMetrics("t", "r")
		if len(m.RecentAttempts) > 3 {
			t.Fatalf("recent_attempts exceeded window: %d", len(m.RecentAttempts))
		}
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	tr := New(10, 0.5, nil)
	tr.Update("t", "r", true, true, 0)
	m, _ := tr.GetMetrics("t", "r")
	m.RecentAttempts[0] = false
	m.TotalAttempts = 999

	m2, _ := tr.GetMetrics("t", "r")
	if m2.TotalAttempts == 999 {
		t.Error("mutating a snapshot affected the live cell")
	}
	if !m2.RecentAttempts[0] {
		t.Error("mutating a snapshot's slice affected the live cell")
	}
}

func TestGetMetricsUnknownPair(t *testing.T) {
	tr := New(10, 0.5, nil)
	if _, ok := tr.GetMetrics("nope", "nope"); ok {
		t.Error("expected no metrics for unknown pair")
	}
}
