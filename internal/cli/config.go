package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenGrant maps an access token to an actor and its edit capability.
type TokenGrant struct {
	Token   string `yaml:"token"`
	Actor   string `yaml:"actor"`
	CanEdit bool   `yaml:"canEdit"`
}

// ServerConfig is the optional YAML configuration for the serve command.
// Flags override file values when set.
type ServerConfig struct {
	Addr     string       `yaml:"addr"`
	Database string       `yaml:"database"`
	Tokens   []TokenGrant `yaml:"tokens"`
	// AllowAnonymous grants read-only access to connections presenting no or
	// unknown tokens instead of rejecting them.
	AllowAnonymous bool `yaml:"allowAnonymous"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{Addr: "localhost:8080", Database: "sharecode.sqlite3"}
}

func loadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8080"
	}
	if cfg.Database == "" {
		cfg.Database = "sharecode.sqlite3"
	}
	return cfg, nil
}
