package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegrid/sessioncore/pkg/directory"
	"github.com/telegrid/sessioncore/pkg/pool"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost:5432/sessioncore?sslmode=disable
  max_open_conns: 20
pool:
  max_sessions: 50
  session_ttl: 30m
  check_interval: 5m
  start_timeout: 10s
directory:
  batch_size: 25
  batch_time: 2s
  peers_threshold: 10
  username_ttl: 4h
  op_timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/sessioncore?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)

	pc := cfg.PoolConfig()
	assert.Equal(t, pool.Config{
		MaxSessions:   50,
		SessionTTL:    30 * time.Minute,
		CheckInterval: 5 * time.Minute,
		StartTimeout:  10 * time.Second,
	}, pc)

	ec := cfg.EngineConfig()
	assert.Equal(t, directory.Config{
		BatchSize:      25,
		BatchTime:      2 * time.Second,
		PeersThreshold: 10,
		UsernameTTL:    4 * time.Hour,
		OpTimeout:      3 * time.Second,
	}, ec)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/sessioncore
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, pool.DefaultMaxSessions, cfg.Pool.MaxSessions)
	assert.Equal(t, pool.DefaultSessionTTL, cfg.Pool.SessionTTL.Std())
	assert.Equal(t, pool.DefaultCheckInterval, cfg.Pool.CheckInterval.Std())
	assert.Equal(t, directory.DefaultBatchSize, cfg.Directory.BatchSize)
	assert.Equal(t, directory.DefaultBatchTime, cfg.Directory.BatchTime.Std())
	assert.Equal(t, directory.DefaultPeersThreshold, cfg.Directory.PeersThreshold)
	assert.Equal(t, directory.DefaultUsernameTTL, cfg.Directory.UsernameTTL.Std())
	assert.Equal(t, directory.DefaultOpTimeout, cfg.Directory.OpTimeout.Std())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "pool: [not a mapping")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsCheckIntervalAboveTTL(t *testing.T) {
	path := writeConfig(t, `
pool:
  session_ttl: 5m
  check_interval: 1h
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check_interval")
}

func TestLoad_RejectsPeersThresholdAboveBatchSize(t *testing.T) {
	path := writeConfig(t, `
directory:
  batch_size: 10
  peers_threshold: 20
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peers_threshold")
}

func TestDuration_IntegerSeconds(t *testing.T) {
	path := writeConfig(t, `
pool:
  session_ttl: 3600
  check_interval: 900
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Pool.SessionTTL.Std())
	assert.Equal(t, 15*time.Minute, cfg.Pool.CheckInterval.Std())
}

func TestDuration_RejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
pool:
  session_ttl: soon
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, pool.DefaultMaxSessions, cfg.Pool.MaxSessions)
}
