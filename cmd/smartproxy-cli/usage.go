package main

import (
	"fmt"
	"io"
	"text/template"
)

const usageMessageTemplate = `
NAME
          {{.CLIProgramName}} -- offline management tool for {{.ProxyProgramName}}

SYNOPSIS
          {{.CLIProgramName}} [--json] [--config path] COMMAND [args...]

DESCRIPTION
          {{.CLIProgramName}} loads the same configuration document as {{.ProxyProgramName}},
          rebuilds the runway inventory and accessibility tracker fresh in this process, and runs
          one command against that freshly-built state. It does not talk to a running
          {{.ProxyProgramName}} process -- there is no RPC or shared persisted state -- so
          each invocation starts from an empty tracker and runs a single command; "test" prints
          its probe results without recording them, so "targets" and "stats" report no targets.

COMMANDS
          status                         routing mode, runway count, target count
          runways                        list known runways
          targets                        per target, per runway accessibility metrics
          stats                          aggregate accessibility counts per target
          reload                         acknowledge; config is re-read on next daemon startup
          mode <latency|first_accessible|round_robin>
                                          validate a routing mode name
          test <target> [runway_id]      probe one or all runways against target

OPTIONS
          [-h] [--version]
          [--json] [--config path]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err)
	}
	if err := tmpl.Execute(out, consts); err != nil {
		panic(err)
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flagSet.BoolVar(&cfg.json, "json", false, "Emit JSON instead of plain text")
	flagSet.StringVar(&cfg.configPath, "config", "config.json", "`path` to the JSON configuration document")

	return flagSet.Parse(args[1:])
}
