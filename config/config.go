package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration loaded from the TOML file.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Topology TopologyConfig `toml:"topology"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Failover FailoverConfig `toml:"failover"`
	Admin    AdminConfig    `toml:"admin"`
}

// LoggingConfig controls log output, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds the credentials and connection settings shared by
// every physical connection the engine establishes, plus the endpoints used
// to reach the cluster metadata source.
type DatabaseConfig struct {
	User           string          `toml:"user"`
	Password       string          `toml:"password"`
	Name           string          `toml:"name"`
	TLSMode        bool            `toml:"tls"`
	ConnectTimeout string          `toml:"connect_timeout"` // Timeout for the initial connect (default: "10s")
	Metadata       *MetadataConfig `toml:"metadata"`        // Endpoints for the topology metadata pool
}

// MetadataConfig describes the endpoints backing the topology metadata pool.
// Multiple hosts are accepted so the metadata source itself survives a host
// loss; any cluster member can answer the topology query.
type MetadataConfig struct {
	Hosts    []string    `toml:"hosts"`
	Port     interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	MaxConns int         `toml:"max_conns"`
	MinConns int         `toml:"min_conns"`
}

// TopologyConfig controls the cluster topology cache.
type TopologyConfig struct {
	CacheTTL       string `toml:"cache_ttl"`       // How long a snapshot stays fresh (default: "30s")
	RefreshTimeout string `toml:"refresh_timeout"` // Timeout for one metadata fetch (default: "5s")
	HostPattern    string `toml:"host_pattern"`    // Template turning a host ID into an endpoint, e.g. "?.cluster-ro.example.com"
}

// MonitorConfig controls background host health monitoring.
type MonitorConfig struct {
	Enabled          bool   `toml:"enabled"`
	Interval         string `toml:"interval"`          // Probe interval (default: "5s")
	ProbeTimeout     string `toml:"probe_timeout"`     // Per-probe timeout, independent of query timeouts (default: "3s")
	FailureThreshold int    `toml:"failure_threshold"` // Consecutive failed probes before a failure signal (default: 3)
	DetectionWindow  string `toml:"detection_window"`  // Minimum span of the failure streak (default: "15s")
}

// FailoverConfig controls the failover coordinator.
type FailoverConfig struct {
	Enabled               bool   `toml:"enabled"`
	Timeout               string `toml:"timeout"`         // Overall budget for one failover cycle (default: "60s")
	ConnectTimeout        string `toml:"connect_timeout"` // Per-candidate connect timeout (default: "5s")
	Mode                  string `toml:"mode"`            // "strict-writer", "strict-reader" or "reader-or-writer"
	ReaderFailoverEnabled *bool  `toml:"reader_failover_enabled"`
	WriterFailoverEnabled *bool  `toml:"writer_failover_enabled"`
}

// AdminConfig controls the HTTP status API.
type AdminConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// Failover modes. The mode decides the precedence between writer and reader
// failover when the failed host was serving a read-only session.
const (
	ModeStrictWriter   = "strict-writer"
	ModeStrictReader   = "strict-reader"
	ModeReaderOrWriter = "reader-or-writer"
)

// NewDefaultConfig returns a configuration with all defaults applied.
func NewDefaultConfig() Config {
	t := true
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			ConnectTimeout: "10s",
		},
		Topology: TopologyConfig{
			CacheTTL:       "30s",
			RefreshTimeout: "5s",
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			Interval:         "5s",
			ProbeTimeout:     "3s",
			FailureThreshold: 3,
			DetectionWindow:  "15s",
		},
		Failover: FailoverConfig{
			Enabled:               true,
			Timeout:               "60s",
			ConnectTimeout:        "5s",
			Mode:                  ModeReaderOrWriter,
			ReaderFailoverEnabled: &t,
			WriterFailoverEnabled: &t,
		},
		Admin: AdminConfig{
			Addr: "localhost:9187",
		},
	}
}

// Load reads the TOML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Database.GetConnectTimeout(); err != nil {
		return fmt.Errorf("database.connect_timeout: %w", err)
	}
	if c.Database.Metadata != nil {
		if len(c.Database.Metadata.Hosts) == 0 {
			return fmt.Errorf("database.metadata.hosts: at least one host must be specified")
		}
		if _, err := c.Database.Metadata.GetPort(); err != nil {
			return fmt.Errorf("database.metadata.port: %w", err)
		}
	}

	if c.Topology.HostPattern != "" {
		if strings.Count(c.Topology.HostPattern, "?") != 1 {
			return fmt.Errorf("topology.host_pattern %q must contain exactly one '?' placeholder", c.Topology.HostPattern)
		}
	}
	if d, err := c.Topology.GetCacheTTL(); err != nil {
		return fmt.Errorf("topology.cache_ttl: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("topology.cache_ttl must be positive")
	}
	if d, err := c.Topology.GetRefreshTimeout(); err != nil {
		return fmt.Errorf("topology.refresh_timeout: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("topology.refresh_timeout must be positive")
	}

	if c.Monitor.Enabled {
		if c.Monitor.FailureThreshold < 1 {
			return fmt.Errorf("monitor.failure_threshold must be at least 1")
		}
		if d, err := c.Monitor.GetInterval(); err != nil {
			return fmt.Errorf("monitor.interval: %w", err)
		} else if d <= 0 {
			return fmt.Errorf("monitor.interval must be positive")
		}
		if d, err := c.Monitor.GetProbeTimeout(); err != nil {
			return fmt.Errorf("monitor.probe_timeout: %w", err)
		} else if d <= 0 {
			return fmt.Errorf("monitor.probe_timeout must be positive")
		}
		if _, err := c.Monitor.GetDetectionWindow(); err != nil {
			return fmt.Errorf("monitor.detection_window: %w", err)
		}
	}

	if c.Failover.Enabled {
		switch c.Failover.Mode {
		case ModeStrictWriter, ModeStrictReader, ModeReaderOrWriter:
		default:
			return fmt.Errorf("failover.mode %q is not one of %q, %q, %q",
				c.Failover.Mode, ModeStrictWriter, ModeStrictReader, ModeReaderOrWriter)
		}
		if d, err := c.Failover.GetTimeout(); err != nil {
			return fmt.Errorf("failover.timeout: %w", err)
		} else if d <= 0 {
			return fmt.Errorf("failover.timeout must be positive")
		}
		if d, err := c.Failover.GetConnectTimeout(); err != nil {
			return fmt.Errorf("failover.connect_timeout: %w", err)
		} else if d <= 0 {
			return fmt.Errorf("failover.connect_timeout must be positive")
		}
	}

	if c.Admin.Enabled && c.Admin.APIKey == "" {
		return fmt.Errorf("admin.api_key is required when the admin API is enabled")
	}

	return nil
}

// GetConnectTimeout parses the connect timeout for new physical connections.
func (d *DatabaseConfig) GetConnectTimeout() (time.Duration, error) {
	if d.ConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(d.ConnectTimeout)
}

// GetPort normalizes the metadata port, which TOML may deliver as a string
// or an integer.
func (m *MetadataConfig) GetPort() (string, error) {
	var portStr string
	if m.Port != nil {
		switch v := m.Port.(type) {
		case string:
			portStr = v
		case int:
			portStr = strconv.Itoa(v)
		case int64: // TOML parsers often use int64 for numbers
			portStr = strconv.FormatInt(v, 10)
		default:
			return "", fmt.Errorf("invalid type for port: %T", v)
		}
	}
	if portStr == "" {
		portStr = "5432" // Default PostgreSQL port
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", fmt.Errorf("invalid port value '%s': %v", portStr, err)
	}
	return portStr, nil
}

// GetCacheTTL parses the topology cache time-to-live.
func (t *TopologyConfig) GetCacheTTL() (time.Duration, error) {
	if t.CacheTTL == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(t.CacheTTL)
}

// GetRefreshTimeout parses the timeout for one metadata fetch.
func (t *TopologyConfig) GetRefreshTimeout() (time.Duration, error) {
	if t.RefreshTimeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(t.RefreshTimeout)
}

// GetInterval parses the monitor probe interval.
func (m *MonitorConfig) GetInterval() (time.Duration, error) {
	if m.Interval == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(m.Interval)
}

// GetProbeTimeout parses the per-probe timeout.
func (m *MonitorConfig) GetProbeTimeout() (time.Duration, error) {
	if m.ProbeTimeout == "" {
		return 3 * time.Second, nil
	}
	return time.ParseDuration(m.ProbeTimeout)
}

// GetDetectionWindow parses the minimum span a failure streak must cover.
func (m *MonitorConfig) GetDetectionWindow() (time.Duration, error) {
	if m.DetectionWindow == "" {
		return 15 * time.Second, nil
	}
	return time.ParseDuration(m.DetectionWindow)
}

// GetTimeout parses the overall failover budget.
func (f *FailoverConfig) GetTimeout() (time.Duration, error) {
	if f.Timeout == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(f.Timeout)
}

// GetConnectTimeout parses the per-candidate connect timeout.
func (f *FailoverConfig) GetConnectTimeout() (time.Duration, error) {
	if f.ConnectTimeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(f.ConnectTimeout)
}

// ReaderFailover reports whether reader failover is enabled (default true).
func (f *FailoverConfig) ReaderFailover() bool {
	return f.ReaderFailoverEnabled == nil || *f.ReaderFailoverEnabled
}

// WriterFailover reports whether writer failover is enabled (default true).
func (f *FailoverConfig) WriterFailover() bool {
	return f.WriterFailoverEnabled == nil || *f.WriterFailoverEnabled
}
