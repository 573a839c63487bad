// Package proxyserver is the top-level HTTP listener: it accepts inbound proxy requests, rejects
// CONNECT, enforces the configured connection limits, and delegates everything else to
// internal/forward's dispatch loop. Its shape -- a struct wrapping an *http.Server plus a
// connection tracker wired through ConnState and a concurrency counter around each request -- is
// grounded on the teacher's
// cmd/trustydns-proxy/server.go and cmd/trustydns-server/server.go.
package proxyserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/tayyebi/smart-proxy/internal/concurrencytracker"
	"github.com/tayyebi/smart-proxy/internal/connectiontracker"
	"github.com/tayyebi/smart-proxy/internal/forward"
	"github.com/tayyebi/smart-proxy/internal/logging"
)

// Server is the inbound HTTP forward-proxy listener.
type Server struct {
	stdout io.Writer
	listenAddress string

	dispatcher *forward.Dispatcher
	log        *logging.Logger

	cct  concurrencytracker.Counter // Global concurrent-request peak tracker
	conn *connectiontracker.Tracker

	maxConcurrent int

	admitted int64 // Currently admitted requests, for the max_concurrent_connections cap
	admitMu  sync.Mutex

	mu     sync.Mutex
	server *http.Server
}

// New constructs a Server. maxConcurrent is the global cap on in-flight requests
// (max_concurrent_connections); the corresponding per-runway cap
// (max_connections_per_runway) is enforced by the Dispatcher itself.
func New(listenAddress string, dispatcher *forward.Dispatcher, maxConcurrent int, log *logging.Logger, stdout io.Writer) *Server {
	if stdout == nil {
		stdout = io.Discard
	}
	return &Server{
		stdout:        stdout,
		listenAddress: listenAddress,
		dispatcher:    dispatcher,
		log:           log,
		conn:          connectiontracker.New("smartproxy-proxy"),
		maxConcurrent: maxConcurrent,
	}
}

// Start begins listening and serving in a new goroutine, signalling errors via errorChan and
// registering with wg the way the teacher's server.start does.
func (s *Server) Start(errorChan chan error, wg *sync.WaitGroup) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	srv := &http.Server{
		Addr:      s.listenAddress,
		Handler:   mux,
		ConnState: s.conn.ConnState,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errorChan <- srv.ListenAndServe()
	}()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT not implemented", http.StatusNotImplemented)
		return
	}

	if !s.admit() {
		http.Error(w, "too many concurrent connections", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	s.cct.Add()
	defer s.cct.Done()

	host, port := hostPort(r)

	outcome, err := s.dispatcher.Handle(r.Context(), r, host, port)
	if err != nil {
		status, message := forward.StatusAndMessage(err)
		if s.log != nil {
			s.log.Warnf("proxyserver: %s %s -> %d (%s)", r.Method, r.URL, status, message)
		}
		http.Error(w, message, status)
		return
	}

	for name, values := range outcome.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(outcome.StatusCode)
	w.Write(outcome.Body)
}

// admit enforces max_concurrent_connections, returning false if the global cap is already at
// capacity. release must be called exactly once for every admit that returned true.
func (s *Server) admit() bool {
	if s.maxConcurrent <= 0 {
		return true
	}
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.admitted >= int64(s.maxConcurrent) {
		return false
	}
	s.admitted++
	return true
}

func (s *Server) release() {
	if s.maxConcurrent <= 0 {
		return
	}
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	s.admitted--
}

// hostPort extracts the target host and port from a proxied request, defaulting the port to 80
// for plain http:// absolute-form requests and to whatever the Host header specifies otherwise.
func hostPort(r *http.Request) (string, string) {
	var hostport string
	if r.URL.IsAbs() {
		hostport = r.URL.Host
	} else {
		hostport = r.Host
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		if r.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}

// StatusReport renders one summary line per the teacher's cmd/trustydns-proxy/reporter.go idiom,
// used by periodic logging in cmd/smartproxy-proxy.
func (s *Server) StatusReport(resetCounters bool) string {
	return fmt.Sprintf("listen=%s %s", s.listenAddress, s.conn.Report(resetCounters))
}

// Name satisfies reporter.Reporter, letting the Server sit alongside the connection/health
// reporters in the same periodic status loop the teacher's statusReport() drives.
func (s *Server) Name() string { return "proxyserver" }

// Report satisfies reporter.Reporter by delegating to StatusReport.
func (s *Server) Report(resetCounters bool) string { return s.StatusReport(resetCounters) }

// ParseListenAddress validates "host:port" forms the same way the teacher's flagutil does for its
// own listen addresses, returning a normalized "host:port" string.
func ParseListenAddress(host string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("proxyserver: invalid port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
