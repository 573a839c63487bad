package main

// config holds the global flags shared by every smartproxy-cli subcommand, grounded on the
// teacher's cmd/trustydns-proxy/config.go struct-of-flags shape.
type config struct {
	help    bool
	version bool
	json    bool

	configPath string
}
