// Package forward implements the proxy's dispatch loop: choosing a runway for an inbound request
// (falling back to a direct-first parallel probe fan-out when none is known good), forwarding the
// request through it, validating the response, and retrying once through an alternate runway on
// failure.
package forward

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tayyebi/smart-proxy/internal/concurrencytracker"
	"github.com/tayyebi/smart-proxy/internal/constants"
	"github.com/tayyebi/smart-proxy/internal/dnsresolve"
	"github.com/tayyebi/smart-proxy/internal/logging"
	"github.com/tayyebi/smart-proxy/internal/probe"
	"github.com/tayyebi/smart-proxy/internal/routing"
	"github.com/tayyebi/smart-proxy/internal/runway"
	"github.com/tayyebi/smart-proxy/internal/runwayinventory"
	"github.com/tayyebi/smart-proxy/internal/tlsutil"
	"github.com/tayyebi/smart-proxy/internal/tracker"
	"github.com/tayyebi/smart-proxy/internal/validator"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

var hopByHopHeaders = []string{"Host", "Connection", "Proxy-Connection"}

// Dispatcher ties the routing engine, probe executor, tracker and resolver together into the
// request-handling loop described in the package doc comment.
type Dispatcher struct {
	tr        *tracker.Tracker
	engine    *routing.Engine
	inventory *runwayinventory.Inventory
	executor  *probe.Executor
	resolver  *dnsresolve.Resolver
	log       *logging.Logger

	networkTimeout time.Duration
	runwayLimits   *runwayLimiter
}

// New constructs a Dispatcher. maxConnsPerRunway enforces max_connections_per_runway by rejecting
// a forward attempt through a runway that already has that many requests in flight -- the original
// reference implementation accepted this setting but never enforced it; here it genuinely gates
// admission. A value of 0 disables the limit.
func New(tr *tracker.Tracker, engine *routing.Engine, inventory *runwayinventory.Inventory, executor *probe.Executor, resolver *dnsresolve.Resolver, networkTimeout time.Duration, maxConnsPerRunway int, log *logging.Logger) *Dispatcher {
	if networkTimeout <= 0 {
		networkTimeout = constants.Get().DefaultNetworkTimeout
	}
	return &Dispatcher{
		tr:             tr,
		engine:         engine,
		inventory:      inventory,
		executor:       executor,
		resolver:       resolver,
		networkTimeout: networkTimeout,
		runwayLimits:   newRunwayLimiter(maxConnsPerRunway),
		log:            log,
	}
}

// runwayLimiter enforces a per-runway concurrency ceiling, one concurrencytracker.Counter per
// runway ID, mirroring the global Counter the teacher's server struct embeds for peak-concurrency
// reporting but keyed per runway instead of process-wide.
type runwayLimiter struct {
	max int

	mu       sync.Mutex
	counters map[string]*concurrencytracker.Counter
}

func newRunwayLimiter(max int) *runwayLimiter {
	return &runwayLimiter{max: max, counters: make(map[string]*concurrencytracker.Counter)}
}

func (l *runwayLimiter) admit(runwayID string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[runwayID]
	if !ok {
		c = &concurrencytracker.Counter{}
		l.counters[runwayID] = c
	}

	c.Peak(true) // Lower the peak to the current in-flight count so Peak reads as current after Add
	c.Add()
	if c.Peak(false) > l.max {
		c.Done()
		return false
	}
	return true
}

func (l *runwayLimiter) release(runwayID string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[runwayID]; ok {
		c.Done()
	}
}

// Outcome is the result of handling one inbound request, used by the HTTP handler to decide what
// to write back to the client.
type Outcome struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// ErrNotImplemented signals a CONNECT request, which is rejected with 501 per the non-goal of
// tunneling arbitrary TCP.
var ErrNotImplemented = &dispatchError{status: http.StatusNotImplemented, message: "CONNECT not implemented"}

type dispatchError struct {
	status  int
	message string
}

func (e *dispatchError) Error() string { return e.message }

// Handle dispatches one inbound proxy request for target host/port. req is the original inbound
// request (already stripped of hop-by-hop headers is NOT assumed; Handle strips them itself).
func (d *Dispatcher) Handle(ctx context.Context, req *http.Request, host string, port string) (*Outcome, error) {
	if req.Method == http.MethodConnect {
		return nil, ErrNotImplemented
	}

	runways := d.inventory.Snapshot()

	chosen, ok := d.engine.Select(host, runways)
	if !ok {
		var found bool
		chosen, found = d.firstContactProbe(host, runways)
		if !found {
			return nil, &dispatchError{status: http.StatusBadGateway, message: "no accessible runway"}
		}
	}

	// Buffer the body once so each retry attempt -- possibly through a different runway -- gets its
	// own fresh reader instead of replaying a partially-drained req.Body from a prior attempt.
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	excluded := map[string]bool{}
	for attempt := 0; attempt < constants.Get().MaxForwardAttempts; attempt++ {
		excluded[chosen.ID] = true

		if !d.runwayLimits.admit(chosen.ID) {
			alt, found := d.pickAlternate(host, runways, excluded)
			if !found {
				return nil, &dispatchError{status: http.StatusServiceUnavailable, message: "runway at connection limit, no alternate"}
			}
			chosen = alt
			continue
		}

		outcome, networkSuccess, userSuccess, elapsed, transportErr := d.forwardOnce(ctx, req, bodyBytes, host, port, chosen)
		d.runwayLimits.release(chosen.ID)
		d.tr.Update(host, chosen.ID, networkSuccess, userSuccess, elapsed)

		if transportErr == nil && networkSuccess {
			return outcome, nil
		}

		alt, found := d.pickAlternate(host, runways, excluded)
		if !found {
			return nil, &dispatchError{status: http.StatusBadGateway, message: "forward failed, no alternate runway"}
		}
		chosen = alt
	}

	return nil, &dispatchError{status: http.StatusBadGateway, message: "forward failed after retries"}
}

func (d *Dispatcher) pickAlternate(host string, runways []runway.Runway, excluded map[string]bool) (runway.Runway, bool) {
	ids := d.tr.GetAccessibleRunways(host)
	for _, id := range ids {
		if excluded[id] {
			continue
		}
		for _, r := range runways {
			if r.ID == id {
				return r, true
			}
		}
	}
	return runway.Runway{}, false
}

// firstContactProbe tests every runway, direct-first, in parallel batches of at most
// ProbeBatchSize, writing every probe result into the tracker. It returns the first runway whose
// probe reported user_success == true.
func (d *Dispatcher) firstContactProbe(host string, runways []runway.Runway) (runway.Runway, bool) {
	var direct, proxied []runway.Runway
	for _, r := range runways {
		if r.IsDirect {
			direct = append(direct, r)
		} else {
			proxied = append(proxied, r)
		}
	}
	ordered := append(append([]runway.Runway{}, direct...), proxied...)

	batchSize := constants.Get().ProbeBatchSize
	timeout := constants.Get().DefaultAccessibilityTimeout

	for start := 0; start < len(ordered); start += batchSize {
		end := start + batchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[start:end]

		type probed struct {
			r      runway.Runway
			result probe.Result
		}
		results := make([]probed, len(batch))

		var wg sync.WaitGroup
		for i, r := range batch {
			wg.Add(1)
			go func(i int, r runway.Runway) {
				defer wg.Done()
				results[i] = probed{r: r, result: d.executor.Probe(host, r, timeout)}
			}(i, r)
		}
		wg.Wait()

		for _, p := range results {
			d.tr.Update(host, p.r.ID, p.result.NetworkSuccess, p.result.UserSuccess, p.result.Elapsed)
		}
		for _, p := range results {
			if p.result.UserSuccess {
				return p.r, true
			}
		}
	}

	return runway.Runway{}, false
}

func (d *Dispatcher) forwardOnce(ctx context.Context, req *http.Request, body []byte, host, port string, r runway.Runway) (*Outcome, bool, bool, time.Duration, error) {
	start := time.Now()

	resolvedIP, _ := d.resolveHost(host)
	if resolvedIP == nil {
		return nil, false, false, time.Since(start), &dispatchError{status: http.StatusBadGateway, message: "resolution failed"}
	}

	targetURL := "http://" + net.JoinHostPort(resolvedIP.String(), port) + req.URL.RequestURI()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bodyReader)
	if err != nil {
		return nil, false, false, time.Since(start), err
	}
	copyHeadersStrippingHopByHop(req.Header, outReq.Header)
	outReq.Header.Set("Host", net.JoinHostPort(host, port))

	transport, err := d.buildTransport(r)
	if err != nil {
		return nil, false, false, time.Since(start), err
	}
	client := &http.Client{Timeout: d.networkTimeout, Transport: transport}

	resp, err := client.Do(outReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, false, false, elapsed, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	networkSuccess := resp.StatusCode >= 200 && resp.StatusCode < 400
	_, userSuccess := validator.ValidateHTTP(resp.StatusCode, body)

	outcome := &Outcome{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header.Clone(),
	}
	return outcome, networkSuccess, userSuccess, elapsed, nil
}

// buildTransport constructs the outbound http.Transport for runway r, h2-configured the same way
// the teacher's DoH client transport is in cmd/trustydns-proxy/main.go. Direct runways and
// http-proxy runways get a plain transport; an https upstream proxy dials through
// internal/tlsutil's client TLS config; a socks5 upstream proxy dials through
// golang.org/x/net/proxy's SOCKS5 client.
func (d *Dispatcher) buildTransport(r runway.Runway) (*http.Transport, error) {
	transport := &http.Transport{}

	if !r.IsDirect && r.UpstreamProxy != nil {
		addr := net.JoinHostPort(r.UpstreamProxy.Host, strconv.Itoa(r.UpstreamProxy.Port))

		switch r.UpstreamProxy.Type {
		case runway.ProxySOCKS5:
			dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
			if err != nil {
				return nil, err
			}
			transport.DialContext = func(ctx context.Context, network, a string) (net.Conn, error) {
				return dialer.Dial(network, a)
			}

		case runway.ProxyHTTPS:
			proxyURL, err := url.Parse("https://" + addr)
			if err != nil {
				return nil, err
			}
			tlsConfig, err := tlsutil.NewClientTLSConfig(true, nil, "", "")
			if err != nil {
				return nil, err
			}
			transport.Proxy = http.ProxyURL(proxyURL)
			transport.TLSClientConfig = tlsConfig

		default: // runway.ProxyHTTP
			proxyURL, err := url.Parse("http://" + addr)
			if err != nil {
				return nil, err
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	if err := http2.ConfigureTransport(transport); err != nil && d.log != nil {
		d.log.Warnf("forward: http2.ConfigureTransport: %v", err)
	}
	return transport, nil
}

func (d *Dispatcher) resolveHost(host string) (net.IP, time.Duration) {
	if dnsresolve.IsIPAddress(host) {
		return net.ParseIP(host), 0
	}
	return d.resolver.Resolve(host)
}

func copyHeadersStrippingHopByHop(src, dst http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if bytes.EqualFold([]byte(h), []byte(name)) {
			return true
		}
	}
	return false
}

// StatusAndMessage exposes a dispatchError's fields for the HTTP handler without requiring a type
// assertion on the unexported type.
func StatusAndMessage(err error) (int, string) {
	if de, ok := err.(*dispatchError); ok {
		return de.status, de.message
	}
	return http.StatusBadGateway, err.Error()
}
