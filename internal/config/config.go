// Package config provides configuration loading and validation for the
// eskka daemon.
//
// Configuration file: /etc/eskka/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Durations and ports are range-checked.
//   - Fewer than three seed nodes is legal but degraded (a two-seed
//     quorum of 2 cannot survive any seed loss); the daemon warns.
//   - Invalid config on startup: the daemon refuses to start.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for eskka.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Discovery configures membership, quorum, and partition handling.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Storage configures the operational journal.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// DiscoveryConfig holds the cluster formation parameters.
type DiscoveryConfig struct {
	// SeedNodes is the static seed list ("host[:port]"). It is both the
	// bootstrap contact set and the quorum denominator; it never changes
	// for the lifetime of the process.
	SeedNodes []string `yaml:"seed_nodes"`

	// Host is the gossip bind host. Empty selects the first
	// non-loopback interface address.
	Host string `yaml:"host"`

	// Port is the gossip bind port. Default: 9400, or 0 (ephemeral)
	// when Client is true.
	Port int `yaml:"port"`

	// TransportPort is the discovery RPC port. Default: 9401.
	TransportPort int `yaml:"transport_port"`

	// Client marks a non-data, non-master observer node.
	Client bool `yaml:"client"`

	// Master marks the node master-eligible. Defaults to !Client; the
	// pointer distinguishes "unset" from an explicit false.
	Master *bool `yaml:"master"`

	// Partition configures the quorum-ping monitor.
	Partition PartitionConfig `yaml:"partition"`

	// HeartbeatInterval is the failure detector probe interval.
	// Default: 1s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// AcceptableHeartbeatPause is the failure detector slack before a
	// member is reported unreachable. Default: 3s.
	AcceptableHeartbeatPause time.Duration `yaml:"acceptable_heartbeat_pause"`

	// PublishTimeout bounds one publish round. Hard-capped at 60s.
	// Default: 30s.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// PartitionConfig holds the partition monitor parameters.
type PartitionConfig struct {
	// EvalDelay is the pause between a member becoming unreachable and
	// the quorum-ping evaluation, and between evaluation rounds.
	// Default: 5s.
	EvalDelay time.Duration `yaml:"eval_delay"`

	// PingTimeout is each voter's affirmative-timeout window.
	// Default: 2s.
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// StorageConfig holds journal parameters.
type StorageConfig struct {
	// JournalPath is the BoltDB file for downing/restart records.
	JournalPath string `yaml:"journal_path"`

	// RetentionDays is the journal retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9402.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultGossipPort is the default cluster port.
const DefaultGossipPort = 9400

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Discovery: DiscoveryConfig{
			Port:          DefaultGossipPort,
			TransportPort: 9401,
			Partition: PartitionConfig{
				EvalDelay:   5 * time.Second,
				PingTimeout: 2 * time.Second,
			},
			HeartbeatInterval:        1 * time.Second,
			AcceptableHeartbeatPause: 3 * time.Second,
			PublishTimeout:           30 * time.Second,
		},
		Storage: StorageConfig{
			JournalPath:   "/var/lib/eskka/journal.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9402",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// MasterEligible resolves the node.master flag: explicit value when
// set, otherwise the inverse of Client.
func (d DiscoveryConfig) MasterEligible() bool {
	if d.Master != nil {
		return *d.Master
	}
	return !d.Client
}

// EffectivePort resolves the gossip port: an unset port on a client
// node binds ephemerally.
func (d DiscoveryConfig) EffectivePort() int {
	if d.Client && d.Port == DefaultGossipPort {
		return 0
	}
	return d.Port
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if len(cfg.Discovery.SeedNodes) == 0 {
		errs = append(errs, "discovery.seed_nodes must not be empty")
	}
	if cfg.Discovery.Port < 0 || cfg.Discovery.Port > 65535 {
		errs = append(errs, fmt.Sprintf("discovery.port must be in [0, 65535], got %d", cfg.Discovery.Port))
	}
	if cfg.Discovery.TransportPort < 1 || cfg.Discovery.TransportPort > 65535 {
		errs = append(errs, fmt.Sprintf("discovery.transport_port must be in [1, 65535], got %d", cfg.Discovery.TransportPort))
	}
	if cfg.Discovery.Partition.EvalDelay <= 0 {
		errs = append(errs, fmt.Sprintf("discovery.partition.eval_delay must be > 0, got %s", cfg.Discovery.Partition.EvalDelay))
	}
	if cfg.Discovery.Partition.PingTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("discovery.partition.ping_timeout must be > 0, got %s", cfg.Discovery.Partition.PingTimeout))
	}
	if cfg.Discovery.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Sprintf("discovery.heartbeat_interval must be > 0, got %s", cfg.Discovery.HeartbeatInterval))
	}
	if cfg.Discovery.AcceptableHeartbeatPause < cfg.Discovery.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf(
			"discovery.acceptable_heartbeat_pause must be >= heartbeat_interval, got %s < %s",
			cfg.Discovery.AcceptableHeartbeatPause, cfg.Discovery.HeartbeatInterval))
	}
	if cfg.Discovery.PublishTimeout <= 0 || cfg.Discovery.PublishTimeout > 60*time.Second {
		errs = append(errs, fmt.Sprintf("discovery.publish_timeout must be in (0, 60s], got %s", cfg.Discovery.PublishTimeout))
	}
	if cfg.Storage.JournalPath == "" {
		errs = append(errs, "storage.journal_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
