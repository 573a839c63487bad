package main

import (
	"time"

	"github.com/tayyebi/smart-proxy/internal/flagutil"
)

// config holds every command-line flag for the proxy daemon. The bulk of the program's behaviour
// is actually driven by the JSON document loaded via --config (internal/config); these flags cover
// process-level concerns the teacher's cmd/trustydns-proxy/config.go also keeps separate from its
// DoH-specific doh.Config: help/version, status reporting cadence, gops/profiling and the
// setuid/setgid/chroot process constraints.
type config struct {
	gops    bool
	help    bool
	verbose bool
	version bool

	configPath     string
	statusInterval time.Duration

	extraDNSServers flagutil.StringValue // -dns-server host[:port], repeatable, appended to the config file's list

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string
}
