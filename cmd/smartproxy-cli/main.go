package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tayyebi/smart-proxy/internal/constants"
)

var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer
	stderr io.Writer

	flagSet *flag.FlagSet
)

func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

// mainExecute parses the global flags, builds a fresh state snapshot from the configuration
// document, and dispatches to one subcommand -- the same parse-build-run-exit shape as
// trustydns-dig's doQuery, generalized to seven subcommands instead of one query type.
func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1
	}

	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.CLIProgramName, "Version:", consts.Version)
		return 0
	}

	if flagSet.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: a command is required")
		usage(stderr)
		return 1
	}

	command := flagSet.Arg(0)
	rest := flagSet.Args()[1:]

	// Validate the command name before building any state, the same as the original cli.rs
	// where clap's Commands enum rejects an unrecognized subcommand before Config::load ever runs.
	switch command {
	case "status", "runways", "targets", "stats", "reload", "mode", "test":
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", command)
		usage(stderr)
		return 1
	}

	// Every known subcommand gets a freshly built state, the same as the original cli.rs which
	// constructs the resolver/inventory/tracker/engine once before matching on the command.
	st, err := buildState(cfg.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "Fatal:", err)
		return 1
	}

	switch command {
	case "status":
		return cmdStatus(st, cfg.json, stdout)
	case "runways":
		return cmdRunways(st, cfg.json, stdout)
	case "targets":
		return cmdTargets(st, cfg.json, stdout)
	case "stats":
		return cmdStats(st, cfg.json, stdout)
	case "reload":
		return cmdReload(cfg.json, stdout)
	case "mode":
		return cmdMode(st, rest, cfg.json, stdout, stderr)
	case "test":
		return cmdTest(st, rest, cfg.json, stdout, stderr)
	default:
		return 1 // unreachable: command was validated above
	}
}
