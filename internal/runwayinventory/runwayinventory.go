// Package runwayinventory discovers local IPv4 interfaces and materializes the cross product of
// interfaces, upstream proxies (plus the implicit direct path) and DNS servers into the runways
// the rest of the program routes and probes against.
package runwayinventory

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tayyebi/smart-proxy/internal/config"
	"github.com/tayyebi/smart-proxy/internal/logging"
	"github.com/tayyebi/smart-proxy/internal/runway"
)

// Inventory owns interface discovery and runway materialization. Mutating operations (Discover,
// Refresh) take the exclusive lock; Snapshot copy-on-reads under the shared lock.
type Inventory struct {
	dnsServers      []config.DNSServerConfig
	upstreamProxies []config.UpstreamProxyConfig
	configured      []string // as configured, e.g. ["auto"] or explicit interface names
	log             *logging.Logger

	counter uint64 // monotonically increasing runway id suffix

	mu         sync.RWMutex
	interfaces map[string]string // name -> IPv4 address
	runways    []runway.Runway
}

// New constructs an Inventory from resolved configuration. Discover must be called before any
// runway is produced.
func New(dnsServers []config.DNSServerConfig, upstreamProxies []config.UpstreamProxyConfig, configuredInterfaces []string, log *logging.Logger) *Inventory {
	return &Inventory{
		dnsServers:      dnsServers,
		upstreamProxies: upstreamProxies,
		configured:      configuredInterfaces,
		log:             log,
		interfaces:      make(map[string]string),
	}
}

// Discover enumerates the host's IPv4 interfaces, narrows them to the configured selection, and
// builds the full runway set: direct runways first, then proxy runways, per the declared ordering
// the probe executor relies on to prefer direct paths on first contact.
func (inv *Inventory) Discover() error {
	ifaces, err := discoverIPv4Interfaces()
	if err != nil {
		return fmt.Errorf("runwayinventory: enumerating interfaces: %w", err)
	}

	selected := inv.selectInterfaces(ifaces)

	inv.mu.Lock()
	inv.interfaces = selected
	inv.mu.Unlock()

	inv.buildRunways(selected)
	return nil
}

// Refresh re-enumerates interfaces, adding newly seen ones and dropping removed ones, and logging
// a notice when an existing interface's address changed. It does NOT regenerate runways; callers
// invoke Discover explicitly for that.
func (inv *Inventory) Refresh() error {
	ifaces, err := discoverIPv4Interfaces()
	if err != nil {
		return fmt.Errorf("runwayinventory: refreshing interfaces: %w", err)
	}
	selected := inv.selectInterfaces(ifaces)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	for name, addr := range selected {
		old, existed := inv.interfaces[name]
		if existed && old != addr && inv.log != nil {
			inv.log.Infof("runwayinventory: interface %s address changed %s -> %s", name, old, addr)
		}
	}
	inv.interfaces = selected
	return nil
}

// selectInterfaces narrows the discovered interfaces down to the configured list, treating "auto"
// as "all currently-present IPv4 interfaces".
func (inv *Inventory) selectInterfaces(discovered map[string]string) map[string]string {
	if len(inv.configured) == 0 {
		return discovered
	}
	for _, name := range inv.configured {
		if name == "auto" {
			return discovered
		}
	}
	selected := make(map[string]string)
	for _, name := range inv.configured {
		if addr, ok := discovered[name]; ok {
			selected[name] = addr
		}
	}
	return selected
}

func (inv *Inventory) nextID() uint64 {
	return atomic.AddUint64(&inv.counter, 1)
}

// buildRunways materializes the direct-then-proxy runway set described in the inventory's
// specification: every selected interface crossed with every DNS server for direct runways, then
// every interface crossed with every upstream proxy crossed with every DNS server for proxy
// runways.
func (inv *Inventory) buildRunways(interfaces map[string]string) {
	var runways []runway.Runway

	for name, addr := range interfaces {
		for _, d := range inv.dnsServers {
			id := fmt.Sprintf("direct_%s_%s_%d", name, d.Host, inv.nextID())
			runways = append(runways, runway.NewDirect(id, name, addr, runway.DNSServer{
				Host: d.Host,
				Port: d.Port,
				Name: d.Name,
			}))
		}
	}

	for name, addr := range interfaces {
		for _, p := range inv.upstreamProxies {
			for _, d := range inv.dnsServers {
				id := fmt.Sprintf("proxy_%s_%s_%s_%s_%d", name, p.Type, p.Host, d.Host, inv.nextID())
				runways = append(runways, runway.NewProxied(id, name, addr, runway.UpstreamProxy{
					Type:       runway.ProxyType(p.Type),
					Host:       p.Host,
					Port:       p.Port,
					Accessible: true,
				}, runway.DNSServer{
					Host: d.Host,
					Port: d.Port,
					Name: d.Name,
				}))
			}
		}
	}

	inv.mu.Lock()
	inv.runways = runways
	inv.mu.Unlock()
}

// Snapshot returns a copy of the current runway set. Safe for concurrent use with Discover and
// Refresh.
func (inv *Inventory) Snapshot() []runway.Runway {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]runway.Runway, len(inv.runways))
	copy(out, inv.runways)
	return out
}

// HasInterface reports whether name is among the currently discovered interfaces, used by the
// probe executor to short-circuit a direct probe whose interface has since disappeared.
func (inv *Inventory) HasInterface(name string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.interfaces[name]
	return ok
}

func discoverIPv4Interfaces() (map[string]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.To4() == nil {
				continue
			}
			out[iface.Name] = ip.String()
			break
		}
	}
	return out, nil
}
