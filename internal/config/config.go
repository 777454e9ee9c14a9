// Package config loads the node's options (spec.md §6): transport
// credentials, role (origin/relay), cache tuning, congestion control and
// repair knobs. Layered YAML-file-below-flags the way the teacher's
// cmd/rtmp-server/flags.go layers CLI flags, generalized with a YAML tier
// grounded on nishisan-dev-n-backup's internal/config (LoadServerConfig +
// validate-with-defaults pattern).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the options spec.md §6 names, plus the cache/congestion/repair
// tuning knobs spec.md §4-5 call out as operator-configurable. The simulated
// test clock is not a Config field; it is transport.Config.SimulatedTime.
type Config struct {
	Listen string `yaml:"listen"`

	ALPN                string `yaml:"alpn"`
	CertFile            string `yaml:"cert_file"`
	KeyFile             string `yaml:"key_file"`
	CertRootStore       string `yaml:"cert_root_store"`
	TicketEncryptionKey string `yaml:"ticket_encryption_key"` // hex-encoded

	EnableOrigin bool   `yaml:"enable_origin"`
	EnableRelay  bool   `yaml:"enable_relay"`
	UpstreamAddr string `yaml:"upstream_addr"`
	UpstreamSNI  string `yaml:"upstream_sni"`
	UseDatagrams bool   `yaml:"use_datagrams"`

	CacheDuration    time.Duration `yaml:"cache_duration"`     // archival retention, default 30s
	RealTimeCache    bool          `yaml:"real_time_cache"`    // 3s retention instead of 30s
	HousekeepingCron string        `yaml:"housekeeping_cron"`  // robfig/cron schedule, default "@every 1s"

	EnableCongestionControl bool   `yaml:"enable_congestion_control"`
	MinLossClassFlag        uint8  `yaml:"min_loss_class_flag"`
	MaxDrops                int    `yaml:"max_drops"`
	ExtraRepeat              int           `yaml:"extra_repeat"`
	ExtraRepeatDelay         time.Duration `yaml:"extra_repeat_delay"`

	MetricsListen string `yaml:"metrics_listen"`

	LogLevel string `yaml:"log_level"`
}

// Load reads and validates path, applying defaults for anything the file
// left unset: ApplyDefaults validates and fills in defaults in place.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() error {
	if c.Listen == "" {
		c.Listen = ":4433"
	}
	if c.ALPN == "" {
		c.ALPN = "quicrq"
	}
	if !c.EnableOrigin && !c.EnableRelay {
		return fmt.Errorf("at least one of enable_origin, enable_relay must be true")
	}
	if c.EnableRelay && c.UpstreamAddr == "" {
		return fmt.Errorf("upstream_addr is required when enable_relay is true")
	}
	if c.CacheDuration <= 0 {
		c.CacheDuration = 30 * time.Second
	}
	if c.RealTimeCache {
		c.CacheDuration = 3 * time.Second
	}
	if c.HousekeepingCron == "" {
		c.HousekeepingCron = "@every 1s"
	}
	if c.EnableCongestionControl && c.MaxDrops <= 0 {
		c.MaxDrops = 25 // matches spec.md scenario 3's calibration
	}
	if c.ExtraRepeat < 0 {
		return fmt.Errorf("extra_repeat must be >= 0, got %d", c.ExtraRepeat)
	}
	if c.ExtraRepeatDelay < 0 {
		return fmt.Errorf("extra_repeat_delay must be >= 0, got %s", c.ExtraRepeatDelay)
	}
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}
