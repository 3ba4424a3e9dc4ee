package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete agent configuration
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Connectivity  ConnectivityConfig  `yaml:"connectivity"`
	LocalAPI      LocalAPIConfig      `yaml:"local_api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig contains device identity settings
type AgentConfig struct {
	DeviceID string `yaml:"device_id"`
	DataDir  string `yaml:"data_dir"`
}

// ServerConfig contains sync server settings
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds, per dispatch call
	AuthToken      string `yaml:"auth_token"`
}

// StorageConfig contains local queue storage settings
type StorageConfig struct {
	DBPath         string `yaml:"db_path"`
	RetentionHours int    `yaml:"retention_hours"` // terminal operations kept this long
}

// DispatchConfig contains drain loop settings
type DispatchConfig struct {
	MaxConcurrentScopes int `yaml:"max_concurrent_scopes"`
	MaxRetries          int `yaml:"max_retries"`
	BackoffBaseMS       int `yaml:"backoff_base_ms"`
	BackoffMaxMS        int `yaml:"backoff_max_ms"`
	DrainInterval       int `yaml:"drain_interval"` // seconds, background trigger period
	LeaseTTL            int `yaml:"lease_ttl"`      // seconds, drain leadership lease
}

// DedupConfig contains duplicate-content detection settings
type DedupConfig struct {
	Enabled          bool `yaml:"enabled"`
	IndexWindowHours int  `yaml:"index_window_hours"` // local recent-uploads index retention
}

// ConnectivityConfig contains reachability probe settings
type ConnectivityConfig struct {
	ProbeInterval int    `yaml:"probe_interval"` // seconds
	ProbeTimeout  int    `yaml:"probe_timeout"`  // seconds
	DebounceMS    int    `yaml:"debounce_ms"`
	ProbePath     string `yaml:"probe_path"`
}

// LocalAPIConfig contains settings for the device-local HTTP API
type LocalAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	OTELendpoint   string `yaml:"otel_endpoint"`
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir: "/var/lib/field-sync",
		},
		Server: ServerConfig{
			RequestTimeout: 30,
		},
		Storage: StorageConfig{
			RetentionHours: 72,
		},
		Dispatch: DispatchConfig{
			MaxConcurrentScopes: 4,
			MaxRetries:          5,
			BackoffBaseMS:       1000,
			BackoffMaxMS:        60000,
			DrainInterval:       60,
			LeaseTTL:            30,
		},
		Dedup: DedupConfig{
			Enabled:          true,
			IndexWindowHours: 168, // one week
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15,
			ProbeTimeout:  5,
			DebounceMS:    2000,
			ProbePath:     "/healthz",
		},
		LocalAPI: LocalAPIConfig{
			Enabled: true,
			Port:    8787,
		},
		Observability: ObservabilityConfig{
			OTELendpoint:   "",
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

// GetDBPath returns the effective queue database path
func (c *Config) GetDBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Agent.DataDir, "queue.db")
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// The data directory must exist and be writable before the queue opens
	dataDir := filepath.Dir(c.GetDBPath())
	info, err := os.Stat(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return fmt.Errorf("cannot create data directory: %w", err)
			}
		} else {
			return fmt.Errorf("cannot access data directory: %w", err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("data directory path is not a directory")
	}

	if c.Server.RequestTimeout < 1 || c.Server.RequestTimeout > 300 {
		return fmt.Errorf("server.request_timeout must be between 1 and 300 seconds")
	}

	if c.Dispatch.MaxConcurrentScopes < 1 || c.Dispatch.MaxConcurrentScopes > 32 {
		return fmt.Errorf("dispatch.max_concurrent_scopes must be between 1 and 32")
	}
	if c.Dispatch.MaxRetries < 1 || c.Dispatch.MaxRetries > 20 {
		return fmt.Errorf("dispatch.max_retries must be between 1 and 20")
	}
	if c.Dispatch.BackoffBaseMS < 1 {
		return fmt.Errorf("dispatch.backoff_base_ms must be positive")
	}
	if c.Dispatch.BackoffMaxMS < c.Dispatch.BackoffBaseMS {
		return fmt.Errorf("dispatch.backoff_max_ms must be >= dispatch.backoff_base_ms")
	}
	if c.Dispatch.LeaseTTL < 1 {
		return fmt.Errorf("dispatch.lease_ttl must be positive")
	}

	if c.Connectivity.ProbeInterval < 1 {
		return fmt.Errorf("connectivity.probe_interval must be positive")
	}
	if c.Connectivity.DebounceMS < 0 {
		return fmt.Errorf("connectivity.debounce_ms must not be negative")
	}

	if c.LocalAPI.Enabled {
		if c.LocalAPI.Port < 1024 || c.LocalAPI.Port > 65535 {
			return fmt.Errorf("local_api.port must be between 1024 and 65535")
		}
	}

	if c.Observability.LogLevel != "debug" &&
		c.Observability.LogLevel != "info" &&
		c.Observability.LogLevel != "warn" &&
		c.Observability.LogLevel != "error" {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}
