// Sunfish is a Redfish fabric aggregation manager.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds service configuration loaded from environment
// variables, with flag overrides applied in main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// DatabasePath is the sqlite database file path.
	DatabasePath string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// RedfishRoot is the path prefix of the aggregated resource tree.
	RedfishRoot string

	// PrivateDir holds service-private state such as the URI alias registry
	// and stored event files.
	PrivateDir string

	// BackupDir is the directory of index.json files the tree is reloaded
	// from on a ClearResources event.
	BackupDir string

	// AgentTimeout bounds each southbound HTTP request to an agent.
	AgentTimeout time.Duration

	// InsecureAgentTLS skips TLS verification on agent connections. Lab
	// fabric agents commonly run with self-signed certificates.
	InsecureAgentTLS bool

	// AuthEnabled turns on session/basic authentication for northbound
	// requests. Event ingress and session login stay unauthenticated.
	AuthEnabled bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Port:             5000,
		DatabasePath:     "sunfish.db",
		LogLevel:         "info",
		RedfishRoot:      "/redfish/v1",
		PrivateDir:       "fs_private",
		BackupDir:        "Resources",
		AgentTimeout:     30 * time.Second,
		InsecureAgentTLS: true,
		AuthEnabled:      false,
	}
}

// LoadFromEnv loads configuration from SUNFISH_* environment variables on
// top of the defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("SUNFISH_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil || port < 1 || port > 65535 {
			return cfg, fmt.Errorf("invalid SUNFISH_PORT value %q", val)
		}
		cfg.Port = port
	}
	if val := os.Getenv("SUNFISH_DB"); val != "" {
		cfg.DatabasePath = val
	}
	if val := os.Getenv("SUNFISH_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("SUNFISH_REDFISH_ROOT"); val != "" {
		cfg.RedfishRoot = val
	}
	if val := os.Getenv("SUNFISH_PRIVATE_DIR"); val != "" {
		cfg.PrivateDir = val
	}
	if val := os.Getenv("SUNFISH_BACKUP_DIR"); val != "" {
		cfg.BackupDir = val
	}
	if val := os.Getenv("SUNFISH_AGENT_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SUNFISH_AGENT_TIMEOUT: %w", err)
		}
		cfg.AgentTimeout = d
	}
	if val := os.Getenv("SUNFISH_INSECURE_AGENT_TLS"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SUNFISH_INSECURE_AGENT_TLS value: %w", err)
		}
		cfg.InsecureAgentTLS = b
	}
	if val := os.Getenv("SUNFISH_AUTH"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SUNFISH_AUTH value: %w", err)
		}
		cfg.AuthEnabled = b
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.RedfishRoot == "" || c.RedfishRoot[0] != '/' {
		return fmt.Errorf("redfish root must be an absolute path, got %q", c.RedfishRoot)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent timeout must be positive")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	return nil
}
