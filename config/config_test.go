package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}

	if !cfg.Monitor.Enabled {
		t.Error("monitoring should be enabled by default")
	}
	if !cfg.Failover.Enabled {
		t.Error("failover should be enabled by default")
	}
	if cfg.Failover.Mode != ModeReaderOrWriter {
		t.Errorf("expected default mode %q, got %q", ModeReaderOrWriter, cfg.Failover.Mode)
	}
	if !cfg.Failover.ReaderFailover() || !cfg.Failover.WriterFailover() {
		t.Error("reader and writer failover should default to enabled")
	}

	ttl, err := cfg.Topology.GetCacheTTL()
	if err != nil || ttl != 30*time.Second {
		t.Errorf("expected default cache TTL 30s, got %v (err %v)", ttl, err)
	}
	window, err := cfg.Monitor.GetDetectionWindow()
	if err != nil || window != 15*time.Second {
		t.Errorf("expected default detection window 15s, got %v (err %v)", window, err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[database]
user = "app"
password = "secret"
name = "appdb"

[database.metadata]
hosts = ["meta1.example.com", "meta2.example.com"]
port = 6432

[topology]
cache_ttl = "10s"
host_pattern = "?.cluster-ro.example.com"

[monitor]
enabled = true
interval = "2s"
failure_threshold = 5

[failover]
enabled = true
timeout = "45s"
mode = "strict-reader"
writer_failover_enabled = false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.User != "app" || cfg.Database.Name != "appdb" {
		t.Error("database section was not loaded")
	}
	if len(cfg.Database.Metadata.Hosts) != 2 {
		t.Errorf("expected 2 metadata hosts, got %d", len(cfg.Database.Metadata.Hosts))
	}
	port, err := cfg.Database.Metadata.GetPort()
	if err != nil || port != "6432" {
		t.Errorf("expected port 6432, got %q (err %v)", port, err)
	}

	ttl, _ := cfg.Topology.GetCacheTTL()
	if ttl != 10*time.Second {
		t.Errorf("expected cache TTL 10s, got %v", ttl)
	}
	if cfg.Monitor.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.Monitor.FailureThreshold)
	}
	// The interval override must not disturb untouched defaults.
	probeTimeout, _ := cfg.Monitor.GetProbeTimeout()
	if probeTimeout != 3*time.Second {
		t.Errorf("expected default probe timeout 3s, got %v", probeTimeout)
	}

	if cfg.Failover.Mode != ModeStrictReader {
		t.Errorf("expected mode strict-reader, got %q", cfg.Failover.Mode)
	}
	if cfg.Failover.WriterFailover() {
		t.Error("writer failover should be disabled by the file")
	}
	if !cfg.Failover.ReaderFailover() {
		t.Error("reader failover should keep its default")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfigFile(t, `[topology`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name: "host pattern without placeholder",
			mutate: func(c *Config) {
				c.Topology.HostPattern = "cluster-ro.example.com"
			},
			wantErr: "placeholder",
		},
		{
			name: "host pattern with two placeholders",
			mutate: func(c *Config) {
				c.Topology.HostPattern = "?.cluster.?.example.com"
			},
			wantErr: "placeholder",
		},
		{
			name: "zero failure threshold",
			mutate: func(c *Config) {
				c.Monitor.FailureThreshold = 0
			},
			wantErr: "failure_threshold",
		},
		{
			name: "unknown failover mode",
			mutate: func(c *Config) {
				c.Failover.Mode = "fastest"
			},
			wantErr: "failover.mode",
		},
		{
			name: "negative failover timeout",
			mutate: func(c *Config) {
				c.Failover.Timeout = "-5s"
			},
			wantErr: "failover.timeout",
		},
		{
			name: "unparseable probe timeout",
			mutate: func(c *Config) {
				c.Monitor.ProbeTimeout = "three seconds"
			},
			wantErr: "monitor.probe_timeout",
		},
		{
			name: "metadata without hosts",
			mutate: func(c *Config) {
				c.Database.Metadata = &MetadataConfig{}
			},
			wantErr: "at least one host",
		},
		{
			name: "invalid metadata port",
			mutate: func(c *Config) {
				c.Database.Metadata = &MetadataConfig{Hosts: []string{"h"}, Port: "not-a-port"}
			},
			wantErr: "port",
		},
		{
			name: "admin enabled without api key",
			mutate: func(c *Config) {
				c.Admin.Enabled = true
				c.Admin.APIKey = ""
			},
			wantErr: "api_key",
		},
		{
			name: "disabled monitor skips monitor checks",
			mutate: func(c *Config) {
				c.Monitor.Enabled = false
				c.Monitor.FailureThreshold = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected validation error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestGetPort(t *testing.T) {
	tests := []struct {
		name    string
		port    interface{}
		want    string
		wantErr bool
	}{
		{"unset uses default", nil, "5432", false},
		{"string", "6432", "6432", false},
		{"int", 6432, "6432", false},
		{"int64 from toml", int64(6432), "6432", false},
		{"non-numeric string", "pg", "", true},
		{"unsupported type", 64.32, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MetadataConfig{Port: tt.port}
			got, err := m.GetPort()
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetPort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("GetPort() = %q, want %q", got, tt.want)
			}
		})
	}
}
