package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	RetryInterval int    `json:"retry_interval" yaml:"retry_interval" toml:"retry_interval"`
	IdleInterval  int    `json:"idle_interval" yaml:"idle_interval" toml:"idle_interval"`
	ErrorInterval int    `json:"error_interval" yaml:"error_interval" toml:"error_interval"`
	PythonBin     string `json:"python_bin" yaml:"python_bin" toml:"python_bin"`
	ShellBin      string `json:"shell_bin" yaml:"shell_bin" toml:"shell_bin"`
	GraceSeconds  int    `json:"grace_seconds" yaml:"grace_seconds" toml:"grace_seconds"`
	Concurrent    bool   `json:"concurrent" yaml:"concurrent" toml:"concurrent"`
	CORSEnabled   bool   `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins   string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
