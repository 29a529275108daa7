package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfig reads, parses and validates a configuration file. The format
// is chosen by file extension (".toml" or ".json"); files without a known
// extension are tried as TOML first, then JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg := &Config{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON configuration %s: %w", path, err)
		}
	default:
		if tomlErr := toml.Unmarshal(data, cfg); tomlErr != nil {
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("failed to parse configuration %s as TOML (%v) or JSON (%v)", path, tomlErr, jsonErr)
			}
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills in unset fields so the rest of the program never has
// to nil-check optional sections.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := ":5665"
		cfg.Server.Address = &addr
	}
	if cfg.Server.MaxConnections == nil {
		n := 0
		cfg.Server.MaxConnections = &n
	}
	if cfg.API == nil {
		cfg.API = &APIConfig{}
	}
	if cfg.API.ConcurrentRequests == nil {
		n := DefaultConcurrentRequests
		cfg.API.ConcurrentRequests = &n
	}
	if cfg.API.BodySizeRules == nil {
		cfg.API.BodySizeRules = append([]BodySizeRule(nil), DefaultBodySizeRules...)
	}
	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.Target == "" {
		cfg.Logging.Target = "stderr"
	}
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg *Config) error {
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return fmt.Errorf("server listen address (server.address) is not configured")
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls requires both cert_file and key_file")
		}
	}
	if cfg.Server.MaxConnections != nil && *cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if cfg.API != nil && cfg.API.ConcurrentRequests != nil && *cfg.API.ConcurrentRequests < 1 {
		return fmt.Errorf("api.concurrent_requests must be at least 1")
	}
	for _, u := range cfg.Users {
		if u.Name == "" {
			return fmt.Errorf("users entries require a name")
		}
	}
	for _, rule := range cfg.API.BodySizeRules {
		if rule.Permission == "" {
			return fmt.Errorf("api.body_size_rules entries require a permission pattern")
		}
		if rule.MaxBytes < 0 {
			return fmt.Errorf("api.body_size_rules entry for %q has a negative max_bytes", rule.Permission)
		}
	}
	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("unknown log level %q", cfg.Logging.LogLevel)
	}
	return nil
}
