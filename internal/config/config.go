package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn" yaml:"dsn"`
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	// SnapshotEvery writes a graph snapshot every N steps; 0 means only at
	// the end of a run.
	SnapshotEvery int `json:"snapshot_every" yaml:"snapshot_every"`
}

type RedisConfig struct {
	URL    string `json:"url" yaml:"url"`
	MaxLen int64  `json:"max_len" yaml:"max_len"`
}

type ArchiveConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// SimulationConfig sets server-wide defaults for new runs.
type SimulationConfig struct {
	TickIntervalMs int        `json:"tick_interval_ms" yaml:"tick_interval_ms"`
	MaxRuns        int        `json:"max_runs" yaml:"max_runs"`
	Defaults       *RunConfig `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// RunDefaults returns the configured run defaults, falling back to
// DefaultRunConfig when the section is absent.
func (s SimulationConfig) RunDefaults() RunConfig {
	if s.Defaults == nil {
		return DefaultRunConfig()
	}
	return *s.Defaults
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file and substitutes environment variable
// references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := expandEnv(string(data))

	cfg := Config{
		Simulation: SimulationConfig{TickIntervalMs: 50, MaxRuns: 64},
	}
	if isYAML(path) {
		err = yaml.Unmarshal([]byte(resolved), &cfg)
	} else {
		err = json.Unmarshal([]byte(resolved), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Simulation.Defaults != nil {
		// Overlay partial defaults onto the built-in ones.
		merged := DefaultRunConfig()
		if err := overlay(&merged, resolved, isYAML(path)); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("simulation defaults in %s: %w", path, err)
		}
		cfg.Simulation.Defaults = &merged
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})
}

// overlay decodes simulation.defaults from raw onto dst so that omitted keys
// keep the values already in dst.
func overlay(dst *RunConfig, raw string, asYAML bool) error {
	if asYAML {
		var doc struct {
			Simulation struct {
				Defaults yaml.Node `yaml:"defaults"`
			} `yaml:"simulation"`
		}
		if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
			return err
		}
		return doc.Simulation.Defaults.Decode(dst)
	}
	var doc struct {
		Simulation struct {
			Defaults json.RawMessage `json:"defaults"`
		} `json:"simulation"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	return json.Unmarshal(doc.Simulation.Defaults, dst)
}
