// Package config loads cairn.yml and applies CAIRN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// Duration is a time.Duration that unmarshals from "5s" / "2m" strings in
// both yaml and environment overrides.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// EvaluatorConfig controls source fetching.
type EvaluatorConfig struct {
	Timeout     Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retries     int      `yaml:"retries" envconfig:"RETRIES"`
	Concurrency int      `yaml:"concurrency" envconfig:"CONCURRENCY"`
	RatePerSec  int      `yaml:"rate_per_sec" envconfig:"RATE_PER_SEC"`
}

// Config represents the top-level cairn.yml configuration. Every field can
// be overridden by a CAIRN_* environment variable.
type Config struct {
	NodeID    string `yaml:"node_id" envconfig:"NODE_ID"`
	StateDir  string `yaml:"state_dir" envconfig:"STATE_DIR"`
	RedisAddr string `yaml:"redis_addr" envconfig:"REDIS_ADDR"` // empty: in-process cluster cache

	Quorum     int `yaml:"quorum" envconfig:"QUORUM"`
	Clusters   int `yaml:"clusters" envconfig:"CLUSTERS"`
	SampleSize int `yaml:"sample_size" envconfig:"SAMPLE_SIZE"` // 0: cluster on every source

	CacheTTL            Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
	LockTimeout         Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
	ProposalExpiry      Duration `yaml:"proposal_expiry" envconfig:"PROPOSAL_EXPIRY"`
	ProposerPoll        Duration `yaml:"proposer_poll" envconfig:"PROPOSER_POLL"`
	MinerPoll           Duration `yaml:"miner_poll" envconfig:"MINER_POLL"`
	MaintenanceInterval Duration `yaml:"maintenance_interval" envconfig:"MAINTENANCE_INTERVAL"`

	BackupKeep int `yaml:"backup_keep" envconfig:"BACKUP_KEEP"`

	Evaluator EvaluatorConfig `yaml:"evaluator"`
}

// Default returns the configuration used when cairn.yml is absent.
func Default() *Config {
	return &Config{
		StateDir:            "cairn-state",
		Quorum:              2,
		Clusters:            len(ledger.TierOrder),
		CacheTTL:            Duration(300 * time.Second),
		LockTimeout:         Duration(5 * time.Second),
		ProposalExpiry:      Duration(10 * time.Minute),
		ProposerPoll:        Duration(2 * time.Second),
		MinerPoll:           Duration(time.Second),
		MaintenanceInterval: Duration(60 * time.Second),
		BackupKeep:          5,
		Evaluator: EvaluatorConfig{
			Timeout:     Duration(10 * time.Second),
			Retries:     2,
			Concurrency: 4,
			RatePerSec:  10,
		},
	}
}

// Load reads the configuration from path, falling back to defaults when the
// file does not exist, then applies CAIRN_* environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults plus environment is a complete configuration.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("cairn", cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.Quorum < 1 {
		return fmt.Errorf("quorum must be at least 1, got %d", c.Quorum)
	}
	if c.Clusters < 1 || c.Clusters > len(ledger.TierOrder) {
		return fmt.Errorf("clusters must be between 1 and %d, got %d", len(ledger.TierOrder), c.Clusters)
	}
	if c.SampleSize < 0 {
		return fmt.Errorf("sample_size cannot be negative, got %d", c.SampleSize)
	}
	if c.BackupKeep < 0 {
		return fmt.Errorf("backup_keep cannot be negative, got %d", c.BackupKeep)
	}
	for name, d := range map[string]Duration{
		"cache_ttl":            c.CacheTTL,
		"lock_timeout":         c.LockTimeout,
		"proposal_expiry":      c.ProposalExpiry,
		"proposer_poll":        c.ProposerPoll,
		"miner_poll":           c.MinerPoll,
		"maintenance_interval": c.MaintenanceInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Evaluator.Timeout <= 0 {
		return fmt.Errorf("evaluator timeout must be positive")
	}
	if c.Evaluator.Retries < 0 {
		return fmt.Errorf("evaluator retries cannot be negative, got %d", c.Evaluator.Retries)
	}
	if c.Evaluator.Concurrency < 1 {
		return fmt.Errorf("evaluator concurrency must be at least 1, got %d", c.Evaluator.Concurrency)
	}
	if c.Evaluator.RatePerSec < 1 {
		return fmt.Errorf("evaluator rate_per_sec must be at least 1, got %d", c.Evaluator.RatePerSec)
	}
	return nil
}
