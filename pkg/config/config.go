package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pgpilot/pgpilot/pkg/types"
)

// Duration wraps time.Duration so YAML files can use "30s" style values.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Thresholds holds every timing and WAL-distance knob of the failover core.
// The struct is built once at startup and passed by value; nothing reads
// these from globals.
type Thresholds struct {
	// UnhealthyTimeout is how long a node may go without reporting before
	// it is considered gone.
	UnhealthyTimeout Duration `yaml:"unhealthy_timeout"`

	// StartupGracePeriod suppresses unhealthy verdicts based on failed
	// health checks right after a monitor restart, while health checks are
	// still catching up. A node reporting postgres down is not covered.
	StartupGracePeriod Duration `yaml:"startup_grace_period"`

	// DrainTimeout bounds how long a demoted primary may linger in
	// demote_timeout before the failover proceeds without its ack.
	DrainTimeout Duration `yaml:"drain_timeout"`

	// EnableSyncWalThreshold is the max WAL lag, in bytes, at which a
	// catching-up standby is promoted to a synchronous secondary.
	EnableSyncWalThreshold uint64 `yaml:"enable_sync_wal_threshold"`

	// PromoteWalThreshold is the max WAL distance, in bytes, the most
	// advanced standby may lag the failed primary before promotion is
	// refused to avoid losing acknowledged writes.
	PromoteWalThreshold uint64 `yaml:"promote_wal_threshold"`
}

// Raft configures optional metadata replication across monitors.
type Raft struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	// JoinAddr is the API address of an existing monitor to join; empty
	// means bootstrap a new single-monitor cluster.
	JoinAddr string `yaml:"join_addr"`
}

// HealthCheck configures the monitor-side TCP prober.
type HealthCheck struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// Config is the full monitor configuration.
type Config struct {
	// NodeID identifies this monitor instance (raft server id). Generated
	// when empty.
	NodeID     string      `yaml:"node_id"`
	ListenAddr string      `yaml:"listen_addr"`
	DataDir    string      `yaml:"data_dir"`
	Raft       Raft        `yaml:"raft"`
	Health     HealthCheck `yaml:"health_check"`
	Thresholds Thresholds  `yaml:"thresholds"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:6070",
		DataDir:    "/var/lib/pgpilot",
		Raft: Raft{
			Enabled:  false,
			BindAddr: "0.0.0.0:6071",
		},
		Health: HealthCheck{
			Enabled:  true,
			Interval: Duration(5 * time.Second),
			Timeout:  Duration(2 * time.Second),
			Retries:  2,
		},
		Thresholds: Thresholds{
			UnhealthyTimeout:       Duration(20 * time.Second),
			StartupGracePeriod:     Duration(10 * time.Second),
			DrainTimeout:           Duration(30 * time.Second),
			EnableSyncWalThreshold: types.WalSegmentSize,
			PromoteWalThreshold:    types.WalSegmentSize,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the monitor cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Raft.Enabled && c.Raft.BindAddr == "" {
		return fmt.Errorf("raft.bind_addr must be set when raft is enabled")
	}
	if c.Thresholds.UnhealthyTimeout <= 0 ||
		c.Thresholds.DrainTimeout <= 0 ||
		c.Thresholds.StartupGracePeriod <= 0 {
		return fmt.Errorf("thresholds must be positive durations")
	}
	return nil
}
