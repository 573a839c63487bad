// Package dnsresolve implements the forward-lookup half of the DNS resolver component: a
// TTL-cached, multi-server UDP resolver built on github.com/miekg/dns, the same library and
// dns.Client/dns.Msg idiom the pack's AdGuard Home uses for its own upstream resolution.
package dnsresolve

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/tayyebi/smart-proxy/internal/logging"
)

const cacheTTL = 300 * time.Second

type cacheEntry struct {
	ip        net.IP
	insertedAt time.Time
}

// Resolver resolves domain names to IPv4/IPv6 addresses by querying a configured list of DNS
// servers in order, caching successful results for 300 seconds. It never returns an error:
// failures are logged and surfaced to the caller as a (nil, configured timeout) result, mirroring the probe
// executor's error-absorbing contract.
type Resolver struct {
	servers []string // host:port, queried in declared order
	timeout time.Duration
	log     *logging.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New constructs a Resolver. servers are DNS server addresses in "host:port" form, tried in the
// given order for every uncached lookup; timeout bounds each individual server attempt.
func New(servers []string, timeout time.Duration, log *logging.Logger) *Resolver {
	return &Resolver{
		servers: servers,
		timeout: timeout,
		log:     log,
		cache:   make(map[string]cacheEntry),
	}
}

// Resolve looks up domain, consulting the cache first. It never fails: total failure to reach any
// configured server returns (nil, the configured timeout) and logs the failure.
func (r *Resolver) Resolve(domain string) (net.IP, time.Duration) {
	start := time.Now()

	if ip := net.ParseIP(domain); ip != nil {
		return ip, 0
	}

	if ip, ok := r.lookupCache(domain); ok {
		return ip, 0
	}

	fqdn := dns.Fqdn(domain)
	for _, server := range r.servers {
		client := &dns.Client{Net: "udp", Timeout: r.timeout}
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, dns.TypeA)
		msg.RecursionDesired = true

		reply, _, err := client.Exchange(msg, server)
		if err != nil {
			if r.log != nil {
				r.log.Debugf("dns: %s via %s failed: %v", domain, server, err)
			}
			continue
		}
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				r.store(domain, a.A)
				return a.A, time.Since(start)
			}
			if aaaa, ok := rr.(*dns.AAAA); ok {
				r.store(domain, aaaa.AAAA)
				return aaaa.AAAA, time.Since(start)
			}
		}
	}

	if r.log != nil {
		r.log.Warnf("dns: %s unresolved after trying %d server(s)", domain, len(r.servers))
	}
	return nil, r.timeout
}

func (r *Resolver) lookupCache(domain string) (net.IP, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[domain]
	if !ok {
		return nil, false
	}
	if time.Since(entry.insertedAt) > cacheTTL {
		return nil, false
	}
	return entry.ip, true
}

func (r *Resolver) store(domain string, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[domain] = cacheEntry{ip: ip, insertedAt: time.Now()}
}

// IsIPAddress reports whether s parses as a literal IPv4 or IPv6 address.
func IsIPAddress(s string) bool {
	return net.ParseIP(s) != nil
}

// IsPrivateIP reports whether s parses as an IP address that is RFC1918, link-local, or loopback.
// Non-IP strings report false. net.IP's own IsPrivate/IsLoopback/IsLinkLocalUnicast predicates
// (stdlib since Go 1.17) implement exactly these classifications, so no third-party CIDR-matching
// library is pulled in for this.
func IsPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// ParseServerAddr normalizes a host and port into the "host:port" form dns.Client.Exchange wants.
func ParseServerAddr(host string, port int) string {
	if port <= 0 {
		port = 53
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]" // IPv6 literal
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}
