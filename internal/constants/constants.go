/*
Package constants provides common values used across all smart-proxy packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProxyProgramName, "version", consts.Version)

The primary reason for making this a constructed struct rather than the more typical const () block
is so the defaults live in one place and are trivially overridden in tests.
*/
package constants

import "time"

// Constants contains the system-wide constants and defaults.
type Constants struct {
	ProxyProgramName string
	CLIProgramName   string
	Version          string
	PackageName      string
	PackageURL       string

	DefaultRoutingMode          string
	DefaultHealthCheckInterval  time.Duration
	DefaultAccessibilityTimeout time.Duration
	DefaultDNSTimeout           time.Duration
	DefaultNetworkTimeout       time.Duration
	DefaultSuccessRateThreshold float64
	DefaultSuccessRateWindow    int
	DefaultProxyListenHost      string
	DefaultProxyListenPort     int
	DefaultDNSPort             int
	DefaultMaxConcurrentConns  int
	DefaultMaxConnsPerRunway   int

	DNSCacheTTL             time.Duration
	ConsecutiveFailureLimit int // Inaccessible threshold: consecutive_failures > this value
	EWMAWeightNew           float64
	EWMAWeightHistoric      float64

	HealthMonitorMaxTargetsPerCycle       int
	HealthMonitorMaxInaccessiblePerTarget int
	HealthMonitorMaxPartialPerTarget      int
	HealthMonitorProbeTimeout             time.Duration

	ProbeBatchSize int // Max concurrent probes when testing all runways on first contact

	MaxForwardAttempts int // Real request attempts including the first (spec: maximum 2 total)

	HopByHopHeaders []string
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProxyProgramName: "smartproxy-proxy",
		CLIProgramName:   "smartproxy-cli",
		Version:          "v0.1.0",
		PackageName:      "Smart Multi-Path Proxy",
		PackageURL:       "https://github.com/tayyebi/smart-proxy",

		DefaultRoutingMode:          "latency",
		DefaultHealthCheckInterval:  60 * time.Second,
		DefaultAccessibilityTimeout: 5 * time.Second,
		DefaultDNSTimeout:           3 * time.Second,
		DefaultNetworkTimeout:       10 * time.Second,
		DefaultSuccessRateThreshold: 0.5,
		DefaultSuccessRateWindow:    10,
		DefaultProxyListenHost:      "127.0.0.1",
		DefaultProxyListenPort:      2123,
		DefaultDNSPort:              53,
		DefaultMaxConcurrentConns:   100,
		DefaultMaxConnsPerRunway:    10,

		DNSCacheTTL:             300 * time.Second,
		ConsecutiveFailureLimit: 3,
		EWMAWeightNew:           0.3,
		EWMAWeightHistoric:      0.7,

		HealthMonitorMaxTargetsPerCycle:       10,
		HealthMonitorMaxInaccessiblePerTarget: 5,
		HealthMonitorMaxPartialPerTarget:      3,
		HealthMonitorProbeTimeout:             5 * time.Second,

		ProbeBatchSize: 5,

		MaxForwardAttempts: 2,

		HopByHopHeaders: []string{"Host", "Connection", "Proxy-Connection"},
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constants struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
