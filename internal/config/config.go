// Package config assembles runtime settings from an optional .env file, an
// optional YAML file and the environment. Only main packages call it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment keys.
const (
	EnvStateTable   = "STATE_TABLE"
	EnvOrderIndex   = "ORDER_INDEX"
	EnvParamPrefix  = "PARAM_PREFIX"
	EnvPageSize     = "PAGE_SIZE"
	EnvPollInterval = "POLL_INTERVAL"
	EnvDataDir      = "DATA_DIR"
	EnvMetricsAddr  = "METRICS_ADDR"
	EnvConfigFile   = "CONVSYNC_CONFIG"
)

type Config struct {
	StateTable   string        `yaml:"state_table"`
	OrderIndex   string        `yaml:"order_index"`
	ParamPrefix  string        `yaml:"param_prefix"`
	PageSize     int           `yaml:"page_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DataDir      string        `yaml:"data_dir"`
	MetricsAddr  string        `yaml:"metrics_addr"`
}

func Defaults() Config {
	return Config{
		OrderIndex:   "createdAt-index",
		PageSize:     30,
		PollInterval: time.Second,
	}
}

// Load applies, in increasing precedence: defaults, the YAML file named by
// CONVSYNC_CONFIG, then environment variables. envFiles are loaded into the
// environment first; missing files are ignored and never override variables
// already set.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if cfg.PageSize <= 0 {
		return Config{}, fmt.Errorf("config: %s must be positive, got %d", EnvPageSize, cfg.PageSize)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("config: %s must be positive, got %s", EnvPollInterval, cfg.PollInterval)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str(EnvStateTable, &c.StateTable)
	str(EnvOrderIndex, &c.OrderIndex)
	str(EnvParamPrefix, &c.ParamPrefix)
	str(EnvDataDir, &c.DataDir)
	str(EnvMetricsAddr, &c.MetricsAddr)

	if v := strings.TrimSpace(getenv(EnvPageSize)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPageSize, err)
		}
		c.PageSize = n
	}
	if v := strings.TrimSpace(getenv(EnvPollInterval)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPollInterval, err)
		}
		c.PollInterval = d
	}
	return nil
}

// RequireStateTable reports a missing table name, for binaries that talk to
// DynamoDB.
func (c Config) RequireStateTable() error {
	if c.StateTable == "" {
		return fmt.Errorf("config: %s is required", EnvStateTable)
	}
	return nil
}
