// Package config holds the agent configuration: YAML on disk, partial
// overrides onto defaults, and hot reload of the fields that are safe to
// change while capturing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration.
type Config struct {
	Engagement EngagementConfig `yaml:"engagement"`
	Logging    LoggingConfig    `yaml:"logging"`
	IPC        IPCConfig        `yaml:"ipc"`
	Capture    CaptureConfig    `yaml:"capture"`
	Filter     FilterConfig     `yaml:"filter"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
	Spool      SpoolConfig      `yaml:"spool"`
	Consent    ConsentConfig    `yaml:"consent"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type EngagementConfig struct {
	// ID scopes consent and capture; the agent refuses to start without it.
	ID string `yaml:"id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

type IPCConfig struct {
	// Endpoint is a unix socket path on POSIX or a pipe name like
	// `\\.\pipe\KMFlowAgent` on Windows.
	Endpoint    string        `yaml:"endpoint"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type CaptureConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	RingCapacity int           `yaml:"ring_capacity"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type FilterConfig struct {
	// Blocklist and Allowlist entries may be exact names, bundle ids, or
	// globs. A non-empty allowlist makes capture exclusive to it.
	Blocklist []string `yaml:"blocklist"`
	Allowlist []string `yaml:"allowlist"`
}

type ScreenshotConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SameAppCooldown time.Duration `yaml:"same_app_cooldown"`
	AnyCooldown     time.Duration `yaml:"any_cooldown"`
	HourlyCap       int           `yaml:"hourly_cap"`
	DailyCap        int           `yaml:"daily_cap"`
}

type SpoolConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type ConsentConfig struct {
	// StoreDir is where sealed consent records live.
	StoreDir string `yaml:"store_dir"`
	// KeyFile holds the 32-byte sealing key; KMFLOW_SEAL_KEY overrides it.
	KeyFile string `yaml:"key_file"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus endpoint when non-empty, e.g.
	// "127.0.0.1:9477".
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		IPC: IPCConfig{
			Endpoint:    defaultEndpoint(),
			DialTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			PollInterval: 50 * time.Millisecond,
			BatchSize:    256,
			RingCapacity: 4096,
			IdleTimeout:  5 * time.Minute,
		},
		Screenshot: ScreenshotConfig{
			Enabled:         true,
			SameAppCooldown: 120 * time.Second,
			AnyCooldown:     30 * time.Second,
			HourlyCap:       12,
			DailyCap:        60,
		},
		Spool: SpoolConfig{
			Path:     defaultDataPath("spool.db"),
			MaxBytes: 100 << 20,
		},
		Consent: ConsentConfig{
			StoreDir: defaultDataPath("consent"),
			KeyFile:  defaultDataPath("seal.key"),
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.IPC.Endpoint == "" {
		return fmt.Errorf("config: ipc.endpoint is required")
	}
	if c.Capture.PollInterval <= 0 {
		return fmt.Errorf("config: capture.poll_interval must be positive")
	}
	if c.Capture.RingCapacity < 2 {
		return fmt.Errorf("config: capture.ring_capacity must be at least 2")
	}
	if c.Screenshot.HourlyCap < 0 || c.Screenshot.DailyCap < 0 {
		return fmt.Errorf("config: screenshot caps must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return dir + string(os.PathSeparator) + "kmflow-agent" + string(os.PathSeparator) + name
}
