package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "30s" parse from YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all runtime configuration for the platform
type Config struct {
	Log      LogConfig      `yaml:"log"`
	MasterDB MasterDBConfig `yaml:"master_db"`
	Vault    VaultConfig    `yaml:"vault"`
	Resolver ResolverConfig `yaml:"resolver"`
	Tenants  TenantsConfig  `yaml:"tenants"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Cron     CronConfig     `yaml:"cron"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// LogConfig controls logger output
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// MasterDBConfig configures the master registry database pool
type MasterDBConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// VaultConfig configures credential encryption
type VaultConfig struct {
	// Passphrase is hashed with SHA-256 to derive the AES-256 key
	Passphrase string `yaml:"passphrase"`
}

// ResolverConfig configures tenant resolution
type ResolverConfig struct {
	DefaultStoreSlug string   `yaml:"default_store_slug"`
	RedisAddr        string   `yaml:"redis_addr"`
	CacheTTL         Duration `yaml:"cache_ttl"`
}

// TenantsConfig configures the per-tenant connection manager
type TenantsConfig struct {
	CacheTTL     Duration `yaml:"cache_ttl"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	MaxConns     int      `yaml:"max_conns"`
}

// JobsConfig configures the durable job engine
type JobsConfig struct {
	Workers            int      `yaml:"workers"`
	PollInterval       Duration `yaml:"poll_interval"`
	CancelPollInterval Duration `yaml:"cancel_poll_interval"`
	VisibilityTimeout  Duration `yaml:"visibility_timeout"`
	RetryBase          Duration `yaml:"retry_base"`
	RetryCap           Duration `yaml:"retry_cap"`
	HistoryRetention   Duration `yaml:"history_retention"`
}

// CronConfig configures the cron scheduler
type CronConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	// LeaderLockKey is the Postgres advisory lock key; one ticker cluster-wide
	LeaderLockKey int64 `yaml:"leader_lock_key"`
}

// RefreshConfig configures the token refresh scheduler
type RefreshConfig struct {
	Buffer       Duration `yaml:"buffer"`
	BatchTimeout Duration `yaml:"batch_timeout"`
}

// HTTPConfig configures the admin HTTP surface
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration defaults applied before file and
// environment overrides
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", JSONOutput: false},
		MasterDB: MasterDBConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(time.Hour),
		},
		Resolver: ResolverConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
		Tenants: TenantsConfig{
			CacheTTL:     Duration(15 * time.Minute),
			ProbeTimeout: Duration(5 * time.Second),
			MaxConns:     5,
		},
		Jobs: JobsConfig{
			Workers:            4,
			PollInterval:       Duration(time.Second),
			CancelPollInterval: Duration(200 * time.Millisecond),
			VisibilityTimeout:  Duration(10 * time.Minute),
			RetryBase:          Duration(30 * time.Second),
			RetryCap:           Duration(time.Hour),
			HistoryRetention:   Duration(30 * 24 * time.Hour),
		},
		Cron: CronConfig{
			TickInterval:  Duration(15 * time.Second),
			LeaderLockKey: 0x636172746c6d, // "cartlm"
		},
		Refresh: RefreshConfig{
			Buffer:       Duration(time.Hour),
			BatchTimeout: Duration(5 * time.Minute),
		},
		HTTP: HTTPConfig{Addr: ":8400"},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing path is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Secrets
// should arrive this way rather than through the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CARTLOOM_MASTER_DSN"); v != "" {
		cfg.MasterDB.DSN = v
	}
	if v := os.Getenv("CARTLOOM_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("CARTLOOM_REDIS_ADDR"); v != "" {
		cfg.Resolver.RedisAddr = v
	}
	if v := os.Getenv("CARTLOOM_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CARTLOOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that required settings are present and sane
func (c *Config) Validate() error {
	if c.MasterDB.DSN == "" {
		return fmt.Errorf("master_db.dsn is required (or set CARTLOOM_MASTER_DSN)")
	}
	if c.Vault.Passphrase == "" {
		return fmt.Errorf("vault.passphrase is required (or set CARTLOOM_VAULT_PASSPHRASE)")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if c.Jobs.RetryBase.Std() <= 0 || c.Jobs.RetryCap.Std() < c.Jobs.RetryBase.Std() {
		return fmt.Errorf("jobs.retry_base must be positive and no greater than jobs.retry_cap")
	}
	return nil
}
