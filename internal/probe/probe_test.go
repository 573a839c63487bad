package probe

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tayyebi/smart-proxy/internal/dnsresolve"
	"github.com/tayyebi/smart-proxy/internal/runway"
)

func TestProbeDirectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:80") // direct probes always connect to port 80
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	resolver := dnsresolve.New(nil, time.Second, nil)
	exec := New(resolver, nil)

	r := runway.NewDirect("direct_1", "lo", "127.0.0.1", runway.DNSServer{Host: "8.8.8.8"})
	target := "127.0.0.1"

	result := exec.Probe(target, r, time.Second)
	if !result.NetworkSuccess || !result.UserSuccess {
		t.Errorf("expected success probing loopback port 80, got %+v", result)
	}
}

func TestProbeDirectUnreachable(t *testing.T) {
	resolver := dnsresolve.New(nil, time.Second, nil)
	exec := New(resolver, nil)
	r := runway.NewDirect("direct_1", "lo", "127.0.0.1", runway.DNSServer{Host: "8.8.8.8"})

	// 198.51.100.1 is TEST-NET-2, non-routable.
	result := exec.Probe("198.51.100.1", r, 100*time.Millisecond)
	if result.NetworkSuccess || result.UserSuccess {
		t.Errorf("expected failure probing unreachable host, got %+v", result)
	}
}

func TestProbeProxyInaccessibleShortCircuits(t *testing.T) {
	resolver := dnsresolve.New(nil, time.Second, nil)
	exec := New(resolver, nil)
	r := runway.NewProxied("proxy_1", "eth0", "10.0.0.1", runway.UpstreamProxy{
		Type: runway.ProxyHTTP, Host: "10.0.0.2", Port: 8080, Accessible: false,
	}, runway.DNSServer{Host: "8.8.8.8"})

	result := exec.Probe("93.184.216.34", r, time.Second)
	if result.NetworkSuccess || result.UserSuccess {
		t.Errorf("expected short-circuit failure for inaccessible proxy, got %+v", result)
	}
}

func TestProbeProxySuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	host, portStr, _ := net.SplitHostPort(upstream.Listener.Addr().String())
	port := mustAtoi(portStr)

	resolver := dnsresolve.New(nil, time.Second, nil)
	exec := New(resolver, nil)
	r := runway.NewProxied("proxy_1", "eth0", "10.0.0.1", runway.UpstreamProxy{
		Type: runway.ProxyHTTP, Host: host, Port: port, Accessible: true,
	}, runway.DNSServer{Host: "8.8.8.8"})

	result := exec.Probe("93.184.216.34", r, time.Second)
	if !result.NetworkSuccess || !result.UserSuccess {
		t.Errorf("expected success through test proxy, got %+v", result)
	}
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
