package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from YAML file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("FIELD_SYNC_SERVER_URL"); val != "" {
		cfg.Server.BaseURL = val
	}
	if val := os.Getenv("FIELD_SYNC_AUTH_TOKEN"); val != "" {
		cfg.Server.AuthToken = val
	}
	if val := os.Getenv("FIELD_SYNC_DEVICE_ID"); val != "" {
		cfg.Agent.DeviceID = val
	}
	if val := os.Getenv("FIELD_SYNC_DATA_DIR"); val != "" {
		cfg.Agent.DataDir = val
	}
	if val := os.Getenv("FIELD_SYNC_DB_PATH"); val != "" {
		cfg.Storage.DBPath = val
	}

	if val := os.Getenv("FIELD_SYNC_LOCAL_API_PORT"); val != "" {
		if port := parseInt(val); port > 0 {
			cfg.LocalAPI.Port = port
		}
	}
	if val := os.Getenv("FIELD_SYNC_MAX_CONCURRENT_SCOPES"); val != "" {
		if n := parseInt(val); n > 0 {
			cfg.Dispatch.MaxConcurrentScopes = n
		}
	}
	if val := os.Getenv("FIELD_SYNC_MAX_RETRIES"); val != "" {
		if n := parseInt(val); n > 0 {
			cfg.Dispatch.MaxRetries = n
		}
	}

	if val := os.Getenv("FIELD_SYNC_DEDUP_ENABLED"); val != "" {
		cfg.Dedup.Enabled = val == "true" || val == "1"
	}

	// Observability
	if val := os.Getenv("OTEL_ENDPOINT"); val != "" {
		cfg.Observability.OTELendpoint = val
	}
	if val := os.Getenv("FIELD_SYNC_LOG_LEVEL"); val != "" {
		cfg.Observability.LogLevel = val
	}
}

// parseInt parses an integer from a string, returns 0 on error
func parseInt(s string) int {
	var val int
	fmt.Sscanf(s, "%d", &val)
	return val
}
