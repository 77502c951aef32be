package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netsteria/sst/internal/flow"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.CC() != flow.CCReno {
		t.Errorf("default cc = %v", cfg.CC())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
port: 7000
cc_mode: vegas
delayed_ack: false
profile: "test node"
regservers:
  - 192.0.2.10:8662
retry_min: 250000
retry_max: 30000000
fail_max: 10000000
log:
  level: debug
  format: json
metrics:
  listen: 127.0.0.1:9100
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7000 || cfg.CC() != flow.CCVegas || cfg.DelayedAck {
		t.Errorf("parsed %+v", cfg)
	}
	if cfg.RetryMin() != 250*time.Millisecond {
		t.Errorf("retry_min = %v", cfg.RetryMin())
	}
	if cfg.FailMax() != 10*time.Second {
		t.Errorf("fail_max = %v", cfg.FailMax())
	}
	if cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad cc mode", func(c *Config) { c.CCMode = "warp" }},
		{"fixed without window", func(c *Config) { c.CCMode = "fixed" }},
		{"bad regserver", func(c *Config) { c.RegServers = []string{"nonsense"} }},
		{"inverted timers", func(c *Config) { c.RetryMinUsec = 10; c.RetryMaxUsec = 5 }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", tt.name)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Port = 4242
	cfg.CCMode = "power"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Port != 4242 || back.CCMode != "power" {
		t.Errorf("round trip lost fields: %+v", back)
	}
}
