package main

import (
	"fmt"
	"io"
	"text/template"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output, the same as the teacher's cmd/trustydns-proxy/usage.go.

const usageMessageTemplate = `
NAME
          {{.ProxyProgramName}} -- a multi-path HTTP forward proxy

SYNOPSIS
          {{.ProxyProgramName}} [options]

DESCRIPTION
          {{.ProxyProgramName}} is an HTTP forward proxy that dispatches each request over one of
          several candidate "runways" -- a combination of local interface, DNS server and, optionally,
          an upstream proxy. It continuously tracks which runways are accessible for which
          destination and routes new requests accordingly, falling back to alternates when the
          chosen runway fails.

          Configuration is read from a single JSON document (--config); nearly everything about
          routing mode, timeouts, concurrency limits and listen address is controlled there rather
          than on the command line. See the companion {{.CLIProgramName}} tool for inspecting and
          testing a running configuration offline.

OPTIONS
          [-hv] [--version]
          [--config path]
          [--dns-server host[:port]] ...
          [-i status-report-interval]
          [--gops] [--cpu-profile file] [--mem-profile file]
          [--user userName] [--group groupName] [--chroot directory]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use, the same
// as the teacher's parseCommandLine.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	flagSet.StringVar(&cfg.configPath, "config", "/etc/smartproxy/config.json", "`path` to the JSON configuration document")
	flagSet.Var(&cfg.extraDNSServers, "dns-server", "additional DNS resolver `host[:port]`, repeatable, appended to the config file's dns_servers")
	flagSet.DurationVar(&cfg.statusInterval, "i", consts.DefaultHealthCheckInterval, "Periodic Status Report `interval`")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	return flagSet.Parse(args[1:])
}
