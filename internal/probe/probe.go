// Package probe implements the probe executor: given a target and a candidate runway, it performs
// the minimal network operation needed to decide whether that runway can currently reach the
// target, used both by the proxy's first-contact fan-out and by the health monitor's periodic
// re-checks.
package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tayyebi/smart-proxy/internal/dnsresolve"
	"github.com/tayyebi/smart-proxy/internal/runwayinventory"

	"github.com/tayyebi/smart-proxy/internal/runway"
)

// Result is the outcome of one probe attempt.
type Result struct {
	NetworkSuccess bool
	UserSuccess    bool
	Elapsed        time.Duration
}

// Executor performs probes against a target over a given runway.
type Executor struct {
	resolver  *dnsresolve.Resolver
	inventory *runwayinventory.Inventory
}

// New constructs an Executor bound to a resolver and the runway inventory (used to check whether a
// direct runway's interface is still present).
func New(resolver *dnsresolve.Resolver, inventory *runwayinventory.Inventory) *Executor {
	return &Executor{resolver: resolver, inventory: inventory}
}

// Probe tests whether target is reachable via r within timeout. It never returns an error: all
// failure modes collapse into a false Result per the specification's error-absorption policy.
func (e *Executor) Probe(target string, r runway.Runway, timeout time.Duration) Result {
	start := time.Now()

	host := target
	var resolvedIP net.IP
	if dnsresolve.IsIPAddress(host) {
		resolvedIP = net.ParseIP(host)
	} else if dnsresolve.IsPrivateIP(host) {
		resolvedIP = net.ParseIP(host)
	} else {
		ip, _ := e.resolver.Resolve(host)
		if ip == nil {
			return Result{Elapsed: time.Since(start)}
		}
		resolvedIP = ip
	}

	if !r.IsDirect {
		return e.probeProxy(resolvedIP, r, timeout, start)
	}
	return e.probeDirect(resolvedIP, r, timeout, start)
}

func (e *Executor) probeProxy(ip net.IP, r runway.Runway, timeout time.Duration, start time.Time) Result {
	if r.UpstreamProxy == nil || !r.UpstreamProxy.Accessible {
		return Result{Elapsed: time.Since(start)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	proxyURL, err := url.Parse("http://" + net.JoinHostPort(r.UpstreamProxy.Host, strconv.Itoa(r.UpstreamProxy.Port)))
	if err != nil {
		return Result{Elapsed: time.Since(start)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip.String(), nil)
	if err != nil {
		return Result{Elapsed: time.Since(start)}
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: timeout,
	}

	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Elapsed: elapsed}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	return Result{NetworkSuccess: success, UserSuccess: success, Elapsed: elapsed}
}

func (e *Executor) probeDirect(ip net.IP, r runway.Runway, timeout time.Duration, start time.Time) Result {
	if e.inventory != nil && !e.inventory.HasInterface(r.Interface) {
		return Result{Elapsed: time.Since(start)}
	}

	addr := net.JoinHostPort(ip.String(), "80")
	conn, err := net.DialTimeout("tcp", addr, timeout)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Elapsed: elapsed}
	}
	conn.Close()
	return Result{NetworkSuccess: true, UserSuccess: true, Elapsed: elapsed}
}
