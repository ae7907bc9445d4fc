package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Discovery.SeedNodes = []string{"10.0.0.1:9400", "10.0.0.2:9400", "10.0.0.3:9400"}
	return cfg
}

func TestValidateAcceptsDefaultsWithSeeds(t *testing.T) {
	cfg := validConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRequiresSeeds(t *testing.T) {
	cfg := Defaults()
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("empty seed list accepted")
	}
	if !strings.Contains(err.Error(), "seed_nodes") {
		t.Errorf("error does not name seed_nodes: %v", err)
	}
}

func TestValidateAggregatesViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.Partition.PingTimeout = 0
	cfg.Discovery.PublishTimeout = 2 * time.Minute
	cfg.Storage.RetentionDays = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"ping_timeout", "publish_timeout", "retention_days"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("aggregated error missing %q: %v", want, err)
		}
	}
}

func TestValidateHeartbeatPauseBelowInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.AcceptableHeartbeatPause = 500 * time.Millisecond
	cfg.Discovery.HeartbeatInterval = time.Second
	if err := Validate(&cfg); err == nil {
		t.Fatal("pause below heartbeat interval accepted")
	}
}

func TestMasterEligibleDerivation(t *testing.T) {
	d := DiscoveryConfig{}
	if !d.MasterEligible() {
		t.Error("default node must be master-eligible")
	}

	d.Client = true
	if d.MasterEligible() {
		t.Error("client node must not default to master-eligible")
	}

	explicit := true
	d.Master = &explicit
	if !d.MasterEligible() {
		t.Error("explicit master=true must override the client default")
	}
}

func TestEffectivePort(t *testing.T) {
	d := DiscoveryConfig{Port: DefaultGossipPort}
	if got := d.EffectivePort(); got != DefaultGossipPort {
		t.Errorf("server port = %d", got)
	}
	d.Client = true
	if got := d.EffectivePort(); got != 0 {
		t.Errorf("client default port = %d, want ephemeral", got)
	}
	d.Port = 9500
	if got := d.EffectivePort(); got != 9500 {
		t.Errorf("explicit client port = %d, want 9500", got)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
schema_version: "1"
discovery:
  seed_nodes: ["10.0.0.1:9400", "10.0.0.2:9400", "10.0.0.3:9400"]
  partition:
    eval_delay: 7s
storage:
  journal_path: /tmp/eskka-test.db
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discovery.Partition.EvalDelay != 7*time.Second {
		t.Errorf("eval_delay = %s, want file value 7s", cfg.Discovery.Partition.EvalDelay)
	}
	if cfg.Discovery.Partition.PingTimeout != 2*time.Second {
		t.Errorf("ping_timeout = %s, want default 2s", cfg.Discovery.Partition.PingTimeout)
	}
	if cfg.Observability.MetricsAddr != "127.0.0.1:9402" {
		t.Errorf("metrics_addr = %s, want default", cfg.Observability.MetricsAddr)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("discovery: {seed_nodes: []}\nschema_version: \"1\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("config without seeds accepted")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
