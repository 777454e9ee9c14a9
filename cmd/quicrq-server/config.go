package main

import qconfig "github.com/alxayo/quicrq/internal/config"

// resolveConfig merges a YAML file (if given) with flag-supplied values.
// Flags are applied on top of the file's values, mirroring the teacher's
// flags-are-final precedence in cmd/rtmp-server.
func resolveConfig(cli *cliConfig) (*qconfig.Config, error) {
	var cfg *qconfig.Config
	if cli.configFile != "" {
		loaded, err := qconfig.Load(cli.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &qconfig.Config{}
	}

	if cli.listenAddr != "" {
		cfg.Listen = cli.listenAddr
	}
	if cli.certFile != "" {
		cfg.CertFile = cli.certFile
	}
	if cli.keyFile != "" {
		cfg.KeyFile = cli.keyFile
	}
	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
	if cli.metricsListen != "" {
		cfg.MetricsListen = cli.metricsListen
	}
	cfg.EnableOrigin = cfg.EnableOrigin || cli.enableOrigin
	cfg.EnableRelay = cfg.EnableRelay || cli.enableRelay
	if cli.upstreamAddr != "" {
		cfg.UpstreamAddr = cli.upstreamAddr
	}
	if cli.upstreamSNI != "" {
		cfg.UpstreamSNI = cli.upstreamSNI
	}

	return cfg, cfg.ApplyDefaults()
}
