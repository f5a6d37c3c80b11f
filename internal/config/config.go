// Package config provides configuration loading for the kernel.
// Configuration sources (in priority order): env vars > config file > defaults.
// The config file may be JSON or YAML (by extension).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all kernel configuration.
type Config struct {
	// Listen address for the HTTP API (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Data directory for the SQLite store and spool files (default "/var/lib/jobmesh")
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
	// Signing key for HMAC job envelopes (hex-encoded)
	SigningKey string `json:"signing_key,omitempty" yaml:"signing_key,omitempty"`
	// OTLP gRPC endpoint for tracing; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Chain     ChainConfig     `json:"chain" yaml:"chain"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Janitor   JanitorConfig   `json:"janitor" yaml:"janitor"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
}

// DispatchConfig tunes the job dispatcher loop.
type DispatchConfig struct {
	TickSeconds   int    `json:"tick_seconds" yaml:"tick_seconds"`
	MaxRetries    int    `json:"max_retries" yaml:"max_retries"`
	DefaultSource string `json:"default_source" yaml:"default_source"`
}

// ChainConfig tunes the chain runner loop and chain guards.
type ChainConfig struct {
	TickSeconds    int `json:"tick_seconds" yaml:"tick_seconds"`
	SelectLimit    int `json:"select_limit" yaml:"select_limit"`
	LeaseSeconds   int `json:"lease_seconds" yaml:"lease_seconds"`
	MaxDepth       int `json:"max_depth" yaml:"max_depth"`
	MaxJobsTotal   int `json:"max_jobs_total" yaml:"max_jobs_total"`
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
	ChildResultCap int `json:"child_result_cap" yaml:"child_result_cap"`
}

// RegistryConfig tunes worker selection and health probing.
type RegistryConfig struct {
	Path            string  `json:"path,omitempty" yaml:"path,omitempty"`
	WeightCost      float64 `json:"weight_cost" yaml:"weight_cost"`
	WeightRel       float64 `json:"weight_rel" yaml:"weight_rel"`
	WeightLat       float64 `json:"weight_lat" yaml:"weight_lat"`
	RelMin          float64 `json:"rel_min" yaml:"rel_min"`
	WarmupN         int     `json:"warmup_n" yaml:"warmup_n"`
	StaleTTLSeconds int     `json:"stale_ttl_seconds" yaml:"stale_ttl_seconds"`
	LatCapMS        float64 `json:"lat_cap_ms" yaml:"lat_cap_ms"`
	MaxInflight     int     `json:"max_inflight" yaml:"max_inflight"`
	FailThreshold   int     `json:"fail_threshold" yaml:"fail_threshold"`
	CooldownSeconds int     `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	ProberSeconds   int     `json:"prober_seconds" yaml:"prober_seconds"`
	ProberTimeoutMS int     `json:"prober_timeout_ms" yaml:"prober_timeout_ms"`
}

// LedgerConfig locates the journal and tunes settlement margins.
type LedgerConfig struct {
	JournalPath      string  `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	DomainLock       string  `json:"domain_lock,omitempty" yaml:"domain_lock,omitempty"`
	StatePath        string  `json:"state_path,omitempty" yaml:"state_path,omitempty"`
	SettledIndexPath string  `json:"settled_index_path,omitempty" yaml:"settled_index_path,omitempty"`
	Currency         string  `json:"currency" yaml:"currency"`
	HashChain        bool    `json:"hash_chain" yaml:"hash_chain"`
	BaseMargin       float64 `json:"base_margin" yaml:"base_margin"`
	MarginK1         float64 `json:"margin_k1" yaml:"margin_k1"`
	MarginK2         float64 `json:"margin_k2" yaml:"margin_k2"`
	MaxMargin        float64 `json:"max_margin" yaml:"max_margin"`
}

// RateLimitConfig sets defaults for sources without explicit limits.
type RateLimitConfig struct {
	DefaultPerMinute  int `json:"default_per_minute" yaml:"default_per_minute"`
	DefaultConcurrent int `json:"default_concurrent" yaml:"default_concurrent"`
}

// JanitorConfig schedules background maintenance. Schedules parse as a Go
// duration ("5m") or a standard cron expression ("*/5 * * * *").
type JanitorConfig struct {
	StuckJobSchedule  string `json:"stuck_job_schedule" yaml:"stuck_job_schedule"`
	StuckAfterSeconds int    `json:"stuck_after_seconds" yaml:"stuck_after_seconds"`
	ChainSweep        string `json:"chain_sweep_schedule" yaml:"chain_sweep_schedule"`
	VerifySchedule    string `json:"verify_schedule" yaml:"verify_schedule"`
}

// TransportConfig selects how jobs reach workers.
type TransportConfig struct {
	// Mode is "filequeue", "webrelay", or "memory".
	Mode     string `json:"mode" yaml:"mode"`
	SpoolDir string `json:"spool_dir,omitempty" yaml:"spool_dir,omitempty"`
}

// Default returns configuration with production defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/jobmesh",
		LogLevel:   "info",
		Dispatch: DispatchConfig{
			TickSeconds:   2,
			MaxRetries:    3,
			DefaultSource: "default",
		},
		Chain: ChainConfig{
			TickSeconds:    1,
			SelectLimit:    8,
			LeaseSeconds:   120,
			MaxDepth:       5,
			MaxJobsTotal:   25,
			TimeoutSeconds: 900,
			ChildResultCap: 25000,
		},
		Registry: RegistryConfig{
			WeightCost:      0.45,
			WeightRel:       0.40,
			WeightLat:       0.15,
			RelMin:          0.60,
			WarmupN:         5,
			StaleTTLSeconds: 120,
			LatCapMS:        1500,
			MaxInflight:     3,
			FailThreshold:   3,
			CooldownSeconds: 300,
			ProberSeconds:   30,
			ProberTimeoutMS: 2500,
		},
		Ledger: LedgerConfig{
			Currency:   "tokens",
			HashChain:  true,
			BaseMargin: 0.10,
			MarginK1:   0.20,
			MarginK2:   0.10,
			MaxMargin:  0.40,
		},
		RateLimit: RateLimitConfig{
			DefaultPerMinute:  60,
			DefaultConcurrent: 10,
		},
		Janitor: JanitorConfig{
			StuckJobSchedule:  "1m",
			StuckAfterSeconds: 600,
			ChainSweep:        "30s",
			VerifySchedule:    "", // disabled unless set
		},
		Transport: TransportConfig{
			Mode: "filequeue",
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.fillPaths()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("JOBMESH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("JOBMESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("JOBMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOBMESH_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("JOBMESH_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	// Ledger
	if v := os.Getenv("LEDGER_JOURNAL_PATH"); v != "" {
		cfg.Ledger.JournalPath = v
	}
	if v := os.Getenv("LEDGER_DOMAIN_LOCK"); v != "" {
		cfg.Ledger.DomainLock = v
	}
	if v := os.Getenv("LEDGER_CURRENCY"); v != "" {
		cfg.Ledger.Currency = v
	}
	if v := os.Getenv("JOURNAL_HASH_CHAIN"); v != "" {
		cfg.Ledger.HashChain = v == "1" || strings.EqualFold(v, "true")
	}

	// Worker mesh scoring
	envFloat("MESH_WEIGHT_COST", &cfg.Registry.WeightCost)
	envFloat("MESH_WEIGHT_REL", &cfg.Registry.WeightRel)
	envFloat("MESH_WEIGHT_LAT", &cfg.Registry.WeightLat)
	envFloat("MESH_REL_MIN", &cfg.Registry.RelMin)
	envInt("MESH_WARMUP_N", &cfg.Registry.WarmupN)
	envInt("MESH_STALE_TTL", &cfg.Registry.StaleTTLSeconds)
	envFloat("MESH_LAT_CAP_MS", &cfg.Registry.LatCapMS)
	envInt("MESH_PROBER_INTERVAL", &cfg.Registry.ProberSeconds)
	envInt("MESH_PROBER_TIMEOUT", &cfg.Registry.ProberTimeoutMS)
	envInt("MESH_PROBER_FAIL_THRESHOLD", &cfg.Registry.FailThreshold)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func (c *Config) validate() error {
	if c.Dispatch.TickSeconds <= 0 {
		return fmt.Errorf("dispatch.tick_seconds must be > 0")
	}
	if c.Chain.TickSeconds <= 0 {
		return fmt.Errorf("chain.tick_seconds must be > 0")
	}
	if c.Chain.LeaseSeconds <= 0 {
		return fmt.Errorf("chain.lease_seconds must be > 0")
	}
	if c.Registry.WeightCost < 0 || c.Registry.WeightRel < 0 || c.Registry.WeightLat < 0 {
		return fmt.Errorf("registry weights must be >= 0")
	}
	if c.Registry.WeightCost+c.Registry.WeightRel+c.Registry.WeightLat == 0 {
		return fmt.Errorf("registry weights must not all be zero")
	}
	if c.Ledger.BaseMargin < 0 || c.Ledger.MaxMargin > 1 || c.Ledger.BaseMargin > c.Ledger.MaxMargin {
		return fmt.Errorf("ledger margins must satisfy 0 <= base <= max <= 1")
	}
	switch c.Transport.Mode {
	case "filequeue", "webrelay", "memory":
	default:
		return fmt.Errorf("invalid transport mode: %s", c.Transport.Mode)
	}
	return nil
}

// fillPaths derives file locations that were not set explicitly.
func (c *Config) fillPaths() {
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.DataDir, "workers.json")
	}
	if c.Ledger.JournalPath == "" {
		c.Ledger.JournalPath = filepath.Join(c.DataDir, "ledger", "journal.ndjson")
	}
	if c.Ledger.DomainLock == "" {
		c.Ledger.DomainLock = c.Ledger.JournalPath + ".lock"
	}
	if c.Ledger.StatePath == "" {
		c.Ledger.StatePath = filepath.Join(c.DataDir, "ledger", "state.json")
	}
	if c.Ledger.SettledIndexPath == "" {
		c.Ledger.SettledIndexPath = filepath.Join(c.DataDir, "ledger", "settled.json")
	}
	if c.Transport.SpoolDir == "" {
		c.Transport.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
}
