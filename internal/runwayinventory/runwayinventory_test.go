package runwayinventory

import (
	"testing"

	"github.com/tayyebi/smart-proxy/internal/config"
)

func TestBuildRunwaysDirectBeforeProxy(t *testing.T) {
	inv := New(
		[]config.DNSServerConfig{{Host: "8.8.8.8", Port: 53, Name: "google"}},
		[]config.UpstreamProxyConfig{{Type: "http", Host: "10.0.0.1", Port: 8080}},
		[]string{"auto"},
		nil,
	)
	inv.buildRunways(map[string]string{"eth0": "192.168.1.5"})

	runways := inv.Snapshot()
	if len(runways) != 2 {
		t.Fatalf("expected 2 runways (1 direct + 1 proxy), got %d", len(runways))
	}
	if !runways[0].IsDirect {
		t.Errorf("expected direct runway first, got %+v", runways[0])
	}
	if runways[1].IsDirect {
		t.Errorf("expected proxy runway second, got %+v", runways[1])
	}
}

func TestBuildRunwaysCrossProduct(t *testing.T) {
	inv := New(
		[]config.DNSServerConfig{{Host: "8.8.8.8"}, {Host: "1.1.1.1"}},
		[]config.UpstreamProxyConfig{{Type: "http", Host: "10.0.0.1"}, {Type: "socks5", Host: "10.0.0.2"}},
		[]string{"auto"},
		nil,
	)
	inv.buildRunways(map[string]string{"eth0": "192.168.1.5", "eth1": "192.168.1.6"})

	runways := inv.Snapshot()
	// direct: 2 interfaces * 2 dns = 4; proxy: 2 interfaces * 2 proxies * 2 dns = 8
	if len(runways) != 12 {
		t.Fatalf("expected 12 runways, got %d", len(runways))
	}

	directCount, proxyCount := 0, 0
	for _, r := range runways {
		if r.IsDirect {
			directCount++
		} else {
			proxyCount++
		}
	}
	if directCount != 4 || proxyCount != 8 {
		t.Errorf("expected 4 direct / 8 proxy, got %d direct / %d proxy", directCount, proxyCount)
	}
}

func TestRunwayIDsAreUnique(t *testing.T) {
	inv := New(
		[]config.DNSServerConfig{{Host: "8.8.8.8"}},
		[]config.UpstreamProxyConfig{{Type: "http", Host: "10.0.0.1"}},
		[]string{"auto"},
		nil,
	)
	inv.buildRunways(map[string]string{"eth0": "192.168.1.5", "eth1": "192.168.1.6"})

	seen := make(map[string]bool)
	for _, r := range inv.Snapshot() {
		if seen[r.ID] {
			t.Fatalf("duplicate runway id %s", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestSelectInterfacesAutoReturnsAllDiscovered(t *testing.T) {
	inv := New(nil, nil, []string{"auto"}, nil)
	discovered := map[string]string{"eth0": "10.0.0.1", "eth1": "10.0.0.2"}
	selected := inv.selectInterfaces(discovered)
	if len(selected) != 2 {
		t.Errorf("expected auto to select all interfaces, got %v", selected)
	}
}

func TestSelectInterfacesExplicitNarrowsDown(t *testing.T) {
	inv := New(nil, nil, []string{"eth0"}, nil)
	discovered := map[string]string{"eth0": "10.0.0.1", "eth1": "10.0.0.2"}
	selected := inv.selectInterfaces(discovered)
	if len(selected) != 1 || selected["eth0"] != "10.0.0.1" {
		t.Errorf("expected only eth0 selected, got %v", selected)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	inv := New(
		[]config.DNSServerConfig{{Host: "8.8.8.8"}},
		nil,
		[]string{"auto"},
		nil,
	)
	inv.buildRunways(map[string]string{"eth0": "192.168.1.5"})

	s := inv.Snapshot()
	s[0].ID = "mutated"

	s2 := inv.Snapshot()
	if s2[0].ID == "mutated" {
		t.Error("mutating a snapshot affected the live runway set")
	}
}

func TestHasInterface(t *testing.T) {
	inv := New(nil, nil, []string{"auto"}, nil)
	inv.mu.Lock()
	inv.interfaces = map[string]string{"eth0": "10.0.0.1"}
	inv.mu.Unlock()

	if !inv.HasInterface("eth0") {
		t.Error("expected eth0 to be present")
	}
	if inv.HasInterface("eth9") {
		t.Error("expected eth9 to be absent")
	}
}
