// Package config loads the smart-proxy JSON configuration document and applies defaults for any
// field the document omits. Unlike the flag-driven configuration of the teacher's trustydns
// commands, this proxy is configured by a single JSON file per its external interface
// specification; encoding/json is used directly since the document's shape is mandated rather than
// a matter of library choice.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tayyebi/smart-proxy/internal/constants"
	"github.com/tayyebi/smart-proxy/internal/routing"
)

// DNSServerConfig is one entry of the "dns_servers" list.
type DNSServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// UpstreamProxyConfig is one entry of the "upstream_proxies" list.
type UpstreamProxyConfig struct {
	Type string `json:"type"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config mirrors the JSON document described in the external interfaces section. All fields are
// optional; Load() fills in defaults for anything left unset.
type Config struct {
	RoutingMode string `json:"routing_mode"`

	DNSServers       []DNSServerConfig     `json:"dns_servers"`
	UpstreamProxies  []UpstreamProxyConfig `json:"upstream_proxies"`
	Interfaces       []string              `json:"interfaces"`

	HealthCheckInterval  *int     `json:"health_check_interval"`
	AccessibilityTimeout *int     `json:"accessibility_timeout"`
	DNSTimeout           *float64 `json:"dns_timeout"`
	NetworkTimeout        *int    `json:"network_timeout"`
	UserValidationTimeout *int    `json:"user_validation_timeout"` // Accepted, not separately enforced; see SPEC_FULL.md

	MaxConcurrentConnections *int `json:"max_concurrent_connections"`
	MaxConnectionsPerRunway  *int `json:"max_connections_per_runway"`

	SuccessRateThreshold *float64 `json:"success_rate_threshold"`
	SuccessRateWindow     *int    `json:"success_rate_window"`

	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file"`
	LogMaxBytes   *int64 `json:"log_max_bytes"`  // Accepted, rotation not implemented; see SPEC_FULL.md
	LogBackupCount *int  `json:"log_backup_count"`

	ProxyListenHost string `json:"proxy_listen_host"`
	ProxyListenPort *int   `json:"proxy_listen_port"`
}

// Resolved is the Config with every optional field defaulted. Durations keep the document's plain
// int/float64 second values; callers convert them to time.Duration where they use them.
type Resolved struct {
	RoutingMode routing.Mode

	DNSServers      []DNSServerConfig
	UpstreamProxies []UpstreamProxyConfig
	Interfaces      []string

	HealthCheckIntervalSeconds  int
	AccessibilityTimeoutSeconds int
	DNSTimeoutSeconds           float64
	NetworkTimeoutSeconds       int

	MaxConcurrentConnections int
	MaxConnectionsPerRunway  int

	SuccessRateThreshold float64
	SuccessRateWindow    int

	LogLevel string
	LogFile  string

	ProxyListenHost string
	ProxyListenPort int
}

// Load reads and decodes the JSON document at path, then resolves it against defaults. A missing
// or malformed top-level document is a fatal error; missing individual optional fields silently
// fall back to defaults.
func Load(path string) (*Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return c.resolve(), nil
}

// Default returns the resolved configuration with every field at its default value.
func Default() *Resolved {
	return (&Config{}).resolve()
}

func (c *Config) resolve() *Resolved {
	d := constants.Get()

	r := &Resolved{
		RoutingMode:     parseRoutingMode(c.RoutingMode),
		DNSServers:      c.DNSServers,
		UpstreamProxies: c.UpstreamProxies,
		Interfaces:      c.Interfaces,

		HealthCheckIntervalSeconds:  intOr(c.HealthCheckInterval, int(d.DefaultHealthCheckInterval.Seconds())),
		AccessibilityTimeoutSeconds: intOr(c.AccessibilityTimeout, int(d.DefaultAccessibilityTimeout.Seconds())),
		DNSTimeoutSeconds:           floatOr(c.DNSTimeout, d.DefaultDNSTimeout.Seconds()),
		NetworkTimeoutSeconds:       intOr(c.NetworkTimeout, int(d.DefaultNetworkTimeout.Seconds())),

		MaxConcurrentConnections: intOr(c.MaxConcurrentConnections, d.DefaultMaxConcurrentConns),
		MaxConnectionsPerRunway:  intOr(c.MaxConnectionsPerRunway, d.DefaultMaxConnsPerRunway),

		SuccessRateThreshold: floatOr(c.SuccessRateThreshold, d.DefaultSuccessRateThreshold),
		SuccessRateWindow:    intOr(c.SuccessRateWindow, d.DefaultSuccessRateWindow),

		LogLevel: stringOr(c.LogLevel, "INFO"),
		LogFile:  c.LogFile,

		ProxyListenHost: stringOr(c.ProxyListenHost, d.DefaultProxyListenHost),
		ProxyListenPort: intOr(c.ProxyListenPort, d.DefaultProxyListenPort),
	}

	if len(r.Interfaces) == 0 {
		r.Interfaces = []string{"auto"}
	}

	for i := range r.DNSServers {
		if r.DNSServers[i].Port == 0 {
			r.DNSServers[i].Port = d.DefaultDNSPort
		}
	}

	return r
}

// parseRoutingMode maps the configured string onto a routing.Mode, defaulting to Latency for any
// unrecognized or absent value -- matching the original implementation's Config::routing_mode().
func parseRoutingMode(s string) routing.Mode {
	switch strings.ToLower(s) {
	case "first_accessible":
		return routing.FirstAccessible
	case "round_robin":
		return routing.RoundRobin
	case "latency", "":
		return routing.Latency
	default:
		return routing.Latency
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(s, def string) string {
	if len(s) == 0 {
		return def
	}
	return s
}
