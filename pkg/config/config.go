// Copyright 2025 The shellybridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the bridge:
// listener and metrics addresses, device credentials, and the device
// directory backend.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/turtacn/shellybridge/pkg/auth"
	yaml "gopkg.in/yaml.v2"
)

// UserConfig is one configured credential entry.
type UserConfig struct {
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig configures device authentication.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Users   []UserConfig `yaml:"users" json:"users"`
}

// DirectoryConfig selects the device directory backend.
type DirectoryConfig struct {
	// Backend is "open" (admit every resolvable device), "memory"
	// (allow-list from Devices), or "postgres" (allow-list from DSN).
	Backend string   `yaml:"backend" json:"backend"`
	DSN     string   `yaml:"dsn" json:"dsn"`
	Devices []string `yaml:"devices" json:"devices"`
}

// BrokerConfig configures the device-facing broker.
type BrokerConfig struct {
	Listen      string          `yaml:"listen" json:"listen"`
	MetricsPort string          `yaml:"metrics_port" json:"metrics_port"`
	Auth        AuthConfig      `yaml:"auth" json:"auth"`
	Directory   DirectoryConfig `yaml:"directory" json:"directory"`
}

// Config holds the complete configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a configuration that listens on the standard MQTT
// port, admits every supported device, and requires no credentials.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Listen:      ":1883",
			MetricsPort: ":8082",
			Auth: AuthConfig{
				Enabled: false,
			},
			Directory: DirectoryConfig{
				Backend: "open",
			},
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file. An empty path
// yields the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// validateConfig checks the configuration for obvious mistakes.
func validateConfig(config *Config) error {
	if config.Broker.Listen == "" {
		return fmt.Errorf("broker.listen must not be empty")
	}

	switch config.Broker.Directory.Backend {
	case "", "open", "memory":
	case "postgres":
		if config.Broker.Directory.DSN == "" {
			return fmt.Errorf("broker.directory.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown directory backend: %s", config.Broker.Directory.Backend)
	}

	if config.Broker.Auth.Enabled && len(config.Broker.Auth.Users) == 0 {
		return fmt.Errorf("auth is enabled but no users are configured")
	}
	for i, user := range config.Broker.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("auth user %d has an empty username", i)
		}
		switch auth.HashAlgorithm(user.Algorithm) {
		case auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
		default:
			return fmt.Errorf("auth user %s has unsupported algorithm %q", user.Username, user.Algorithm)
		}
	}
	return nil
}

// BuildAuthChain converts the auth configuration into an authenticator
// chain for the handshake path.
func BuildAuthChain(cfg AuthConfig) (*auth.Chain, error) {
	chain := auth.NewChain()
	chain.SetEnabled(cfg.Enabled)
	if !cfg.Enabled {
		return chain, nil
	}

	mem := auth.NewMemoryAuthenticator()
	for _, user := range cfg.Users {
		if !user.Enabled {
			continue
		}
		if err := mem.AddUser(user.Username, user.Password, auth.HashAlgorithm(user.Algorithm)); err != nil {
			return nil, fmt.Errorf("failed to add user %s: %w", user.Username, err)
		}
	}
	chain.AddAuthenticator(mem)
	return chain, nil
}
