package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CARTLOOM_MASTER_DSN", "postgres://localhost/master")
	t.Setenv("CARTLOOM_VAULT_PASSPHRASE", "test-passphrase")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 30*time.Second, cfg.Jobs.RetryBase.Std())
	assert.Equal(t, time.Hour, cfg.Jobs.RetryCap.Std())
	assert.Equal(t, 15*time.Second, cfg.Cron.TickInterval.Std())
	assert.Equal(t, time.Hour, cfg.Refresh.Buffer.Std())
	assert.Equal(t, ":8400", cfg.HTTP.Addr)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("CARTLOOM_MASTER_DSN", "")
	t.Setenv("CARTLOOM_VAULT_PASSPHRASE", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
log:
  level: debug
  json: true
master_db:
  dsn: postgres://db.internal/master
vault:
  passphrase: from-file
jobs:
  workers: 8
  retry_base: 10s
  visibility_timeout: 2m
cron:
  tick_interval: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSONOutput)
	assert.Equal(t, "postgres://db.internal/master", cfg.MasterDB.DSN)
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 10*time.Second, cfg.Jobs.RetryBase.Std())
	assert.Equal(t, 2*time.Minute, cfg.Jobs.VisibilityTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Cron.TickInterval.Std())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
master_db:
  dsn: postgres://from-file/master
vault:
  passphrase: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	t.Setenv("CARTLOOM_MASTER_DSN", "postgres://from-env/master")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env/master", cfg.MasterDB.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "missing dsn",
			mutate: func(c *Config) { c.MasterDB.DSN = "" },
			errMsg: "master_db.dsn",
		},
		{
			name:   "missing passphrase",
			mutate: func(c *Config) { c.Vault.Passphrase = "" },
			errMsg: "vault.passphrase",
		},
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.Jobs.Workers = 0 },
			errMsg: "jobs.workers",
		},
		{
			name:   "retry cap below base",
			mutate: func(c *Config) { c.Jobs.RetryCap = Duration(time.Second) },
			errMsg: "retry_base",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MasterDB.DSN = "postgres://localhost/master"
			cfg.Vault.Passphrase = "pass"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
master_db:
  dsn: postgres://localhost/master
  conn_max_lifetime: not-a-duration
vault:
  passphrase: pass
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
