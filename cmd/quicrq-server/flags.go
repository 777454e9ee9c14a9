package main

import (
	"errors"
	"flag"
	"os"
)

// cliConfig holds flag values prior to being merged with the (optional)
// YAML config file, following the teacher's cmd/rtmp-server/flags.go split
// between flag parsing and config assembly.
type cliConfig struct {
	configFile string
	listenAddr string
	logLevel   string

	certFile string
	keyFile  string

	enableOrigin bool
	enableRelay  bool
	upstreamAddr string
	upstreamSNI  string

	metricsListen string
	showVersion   bool
}

var version = "dev"

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("quicrq-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configFile, "config", "", "Path to a YAML config file (overrides flag defaults, overridden by explicit flags)")
	fs.StringVar(&cfg.listenAddr, "listen", ":4433", "QUIC listen address")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.certFile, "cert-file", "", "TLS certificate file")
	fs.StringVar(&cfg.keyFile, "key-file", "", "TLS key file")
	fs.BoolVar(&cfg.enableOrigin, "enable-origin", true, "Serve locally-published sources")
	fs.BoolVar(&cfg.enableRelay, "enable-relay", false, "Originate missing sources from an upstream node")
	fs.StringVar(&cfg.upstreamAddr, "upstream-addr", "", "Upstream QUIC address (required with -enable-relay)")
	fs.StringVar(&cfg.upstreamSNI, "upstream-sni", "", "Upstream TLS server name")
	fs.StringVar(&cfg.metricsListen, "metrics-listen", "", "Prometheus metrics HTTP listen address (empty disables)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.showVersion {
		return cfg, nil
	}
	if cfg.configFile != "" {
		// Only explicitly set flags override the file; clear the defaults
		// of flags resolveConfig would otherwise always apply.
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["listen"] {
			cfg.listenAddr = ""
		}
		if !set["log-level"] {
			cfg.logLevel = ""
		}
		if !set["enable-origin"] {
			cfg.enableOrigin = false
		}
	}
	if cfg.configFile == "" {
		if cfg.certFile == "" || cfg.keyFile == "" {
			return nil, errors.New("-cert-file and -key-file are required (or supply -config)")
		}
		if cfg.enableRelay && cfg.upstreamAddr == "" {
			return nil, errors.New("-upstream-addr is required with -enable-relay")
		}
	}
	return cfg, nil
}
