// Package config loads the management core's process configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document, loaded from YAML.
// The --log-level and --log-json CLI flags in cmd/cachectl-core set up
// logging directly; they do not override the Log block, which the
// binary does not read.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Catalog struct {
		// MaxReconnectAttempts is reported as max_attempts in the
		// session-error event published after each failed reconnect. It
		// does not bound the reconnect loop, which keeps retrying at the
		// capped backoff delay, and no scan fails because of it.
		MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
		// MaxSessionReplacedBeforeLogout is the session-replacement
		// counter threshold before credentials are cleared.
		MaxSessionReplacedBeforeLogout int `yaml:"max_session_replaced_before_logout"`
		ConnectTimeout                 time.Duration `yaml:"connect_timeout"`
		LogonTimeout                   time.Duration `yaml:"logon_timeout"`
	} `yaml:"catalog"`

	Depot struct {
		BatchSize              int           `yaml:"batch_size"`
		ProgressThrottle        time.Duration `yaml:"progress_throttle"`
		IncrementalChangeBudget uint32        `yaml:"incremental_change_budget"`
		ArtifactURL             string        `yaml:"artifact_url"`
		ArtifactTimeout         time.Duration `yaml:"artifact_timeout"`
	} `yaml:"depot"`

	Operations struct {
		RetentionSweepEvery time.Duration `yaml:"retention_sweep_every"`
	} `yaml:"operations"`

	DatabaseReset struct {
		BatchRows int `yaml:"batch_rows"`
	} `yaml:"database_reset"`

	Tooling struct {
		LogManagerPath        string `yaml:"log_manager_path"`
		CorruptionManagerPath string `yaml:"corruption_manager_path"`
		LogDir                string `yaml:"log_dir"`
		CacheDir              string `yaml:"cache_dir"`
		ProgressDir           string `yaml:"progress_dir"`
		Timezone              string `yaml:"timezone"`
	} `yaml:"tooling"`

	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	var cfg Config
	cfg.DataDir = "./data"
	cfg.Log.Level = "info"
	cfg.Catalog.MaxReconnectAttempts = 5
	cfg.Catalog.MaxSessionReplacedBeforeLogout = 3
	cfg.Catalog.ConnectTimeout = 60 * time.Second
	cfg.Catalog.LogonTimeout = 60 * time.Second
	cfg.Depot.BatchSize = 50
	cfg.Depot.ProgressThrottle = 250 * time.Millisecond
	cfg.Depot.IncrementalChangeBudget = 1_000_000
	cfg.Depot.ArtifactTimeout = 5 * time.Minute
	cfg.Operations.RetentionSweepEvery = 5 * time.Minute
	cfg.DatabaseReset.BatchRows = 100_000
	cfg.Tooling.LogManagerPath = "log-manager"
	cfg.Tooling.CorruptionManagerPath = "corruption-manager"
	cfg.Tooling.LogDir = "./logs"
	cfg.Tooling.CacheDir = "./cache"
	cfg.Tooling.ProgressDir = "./data/progress"
	cfg.Tooling.Timezone = "UTC"
	// TZ is the only environment variable the core reads; it is handed
	// through verbatim to the external tools.
	if tz := os.Getenv("TZ"); tz != "" {
		cfg.Tooling.Timezone = tz
	}
	cfg.Health.Addr = "127.0.0.1:9091"
	return cfg
}

// Load reads a YAML configuration file, applying it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
