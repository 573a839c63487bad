// smartproxy-proxy listens for inbound HTTP proxy requests and dispatches each one over whichever
// runway -- interface, DNS server and optional upstream proxy combination -- currently looks most
// accessible for the destination.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/tayyebi/smart-proxy/internal/config"
	"github.com/tayyebi/smart-proxy/internal/constants"
	"github.com/tayyebi/smart-proxy/internal/dnsresolve"
	"github.com/tayyebi/smart-proxy/internal/forward"
	"github.com/tayyebi/smart-proxy/internal/health"
	"github.com/tayyebi/smart-proxy/internal/logging"
	"github.com/tayyebi/smart-proxy/internal/osutil"
	"github.com/tayyebi/smart-proxy/internal/probe"
	"github.com/tayyebi/smart-proxy/internal/proxyserver"
	"github.com/tayyebi/smart-proxy/internal/reporter"
	"github.com/tayyebi/smart-proxy/internal/routing"
	"github.com/tayyebi/smart-proxy/internal/runwayinventory"
	"github.com/tayyebi/smart-proxy/internal/tracker"
)

// Program-wide variables, following the teacher's cmd/trustydns-proxy/main.go layout.
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer
	stderr io.Writer

	startTime   = time.Now()
	stopChannel chan os.Signal
	flagSet     *flag.FlagSet
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProxyProgramName, ": ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution, the same as the teacher's mainInit.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainState(initial)
	stopChannel = make(chan os.Signal, 4)
	signal.Notify(stopChannel, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	defer mainState(stopped) // Tell testers we've stopped even on error returns

	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProxyProgramName, "Version:", consts.Version)
		return 0
	}

	resolved, err := config.Load(cfg.configPath)
	if err != nil {
		return fatal(err)
	}
	for _, hostPort := range cfg.extraDNSServers.Args() {
		dns, err := parseDNSServerFlag(hostPort)
		if err != nil {
			return fatal(err)
		}
		resolved.DNSServers = append(resolved.DNSServers, dns)
	}

	var logOut io.Writer = stdout
	if len(resolved.LogFile) > 0 {
		f, err := os.OpenFile(resolved.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		logOut = f
	}
	log := logging.New(logOut, logging.ParseLevel(resolved.LogLevel))

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
	}

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	tr := tracker.New(resolved.SuccessRateWindow, resolved.SuccessRateThreshold, log)

	inv := runwayinventory.New(resolved.DNSServers, resolved.UpstreamProxies, resolved.Interfaces, log)
	if err := inv.Discover(); err != nil {
		return fatal(err)
	}

	var dnsServerAddrs []string
	for _, s := range resolved.DNSServers {
		dnsServerAddrs = append(dnsServerAddrs, dnsresolve.ParseServerAddr(s.Host, s.Port))
	}
	dnsTimeout := time.Duration(resolved.DNSTimeoutSeconds * float64(time.Second))
	resolver := dnsresolve.New(dnsServerAddrs, dnsTimeout, log)

	executor := probe.New(resolver, inv)
	engine := routing.New(tr, resolved.RoutingMode)

	healthInterval := time.Duration(resolved.HealthCheckIntervalSeconds) * time.Second
	mon := health.New(healthInterval, tr, inv, executor, log)
	go mon.Run()

	networkTimeout := time.Duration(resolved.NetworkTimeoutSeconds) * time.Second
	dispatcher := forward.New(tr, engine, inv, executor, resolver, networkTimeout, resolved.MaxConnectionsPerRunway, log)

	listenAddr, err := proxyserver.ParseListenAddress(resolved.ProxyListenHost, resolved.ProxyListenPort)
	if err != nil {
		return fatal(err)
	}
	srv := proxyserver.New(listenAddr, dispatcher, resolved.MaxConcurrentConnections, log, stdout)

	reporters := []reporter.Reporter{mon, srv}

	errorChannel := make(chan error, 1)
	wg := &sync.WaitGroup{}
	srv.Start(errorChannel, wg)
	if cfg.verbose {
		fmt.Fprintln(stdout, "Starting", consts.ProxyProgramName, "on", listenAddr)
	}

	err = osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir)
	if err != nil {
		return fatal(err)
	}
	if cfg.verbose {
		fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	mainState(started)
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if s == syscall.SIGUSR1 {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running

		case err := <-errorChannel:
			return fatal(err)

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	mon.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	mainState(stopped)
	wg.Wait()

	if cfg.verbose {
		statusReport("Status", true, reporters)
		fmt.Fprintln(stdout, consts.ProxyProgramName, consts.Version, "Exiting after", uptime())
	}

	if memProfileFile != nil {
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfileFile); err != nil {
			return fatal(err)
		}
	}

	return 0
}

// parseDNSServerFlag turns a -dns-server argument of the form host or host:port into a
// config.DNSServerConfig. When no port is given the Port field is left at 0 and
// dnsresolve.ParseServerAddr later applies port 53.
func parseDNSServerFlag(hostPort string) (config.DNSServerConfig, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return config.DNSServerConfig{Host: hostPort}, nil // no port given; ParseServerAddr defaults to 53
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.DNSServerConfig{}, fmt.Errorf("-dns-server %q: invalid port: %w", hostPort, err)
	}
	return config.DNSServerConfig{Host: host, Port: port}, nil
}

// nextInterval calculates the duration to the modulo interval next time, the same as the teacher's
// nextInterval.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func uptime() string {
	return time.Now().Sub(startTime).Truncate(time.Second).String()
}

func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProxyProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
