package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds per-user settings that are not part of a recipe.
type AppConfig struct {
	Cache struct {
		Path    string `yaml:"path"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"cache"`
	Supervisor struct {
		SampleIntervalMS int `yaml:"sample_interval_ms"`
		StderrTailLines  int `yaml:"stderr_tail_lines"`
	} `yaml:"supervisor"`
	Scheduler struct {
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"scheduler"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		MonitoringAddr string `yaml:"monitoring_addr"`
		TraceFile      string `yaml:"trace_file"`
	} `yaml:"telemetry"`
	SSH struct {
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
		User       string `yaml:"user"`
	} `yaml:"ssh"`
}

// CacheEnabled reports whether the result cache is on (default true).
func (c AppConfig) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// SampleInterval returns the memory sampling period.
func (c AppConfig) SampleInterval() time.Duration {
	if c.Supervisor.SampleIntervalMS <= 0 {
		return defaultSampleInterval
	}
	return time.Duration(c.Supervisor.SampleIntervalMS) * time.Millisecond
}

// DefaultConfig returns settings used when no config file exists.
func DefaultConfig() AppConfig {
	var cfg AppConfig
	cfg.Cache.Path = filepath.Join(dataDir(), "cache.db")
	cfg.Supervisor.SampleIntervalMS = int(defaultSampleInterval / time.Millisecond)
	cfg.Supervisor.StderrTailLines = defaultStderrLines
	home, _ := os.UserHomeDir()
	cfg.SSH.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	cfg.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	return cfg
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/batchprover/config.yaml or ~/.config/batchprover/config.yaml,
// and a missing file yields defaults. Environment overrides are applied last.
func LoadConfig(path string) (AppConfig, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "batchprover", "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if v := os.Getenv("BATCHPROVER_CACHE"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("BATCHPROVER_MONITOR_ADDR"); v != "" {
		cfg.Telemetry.MonitoringAddr = v
	}
	return cfg, nil
}

func dataDir() string {
	if base := os.Getenv("XDG_CACHE_HOME"); base != "" {
		return filepath.Join(base, "batchprover")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "batchprover")
}
