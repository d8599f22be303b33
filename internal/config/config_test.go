package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DAOWYN_RPC_URL", "http://localhost:8545")
	t.Setenv("DAOWYN_CONTRACT", "0x1111111111111111111111111111111111111111")
	t.Setenv("DAOWYN_LOGINDEX_URL", "http://localhost:9000")
}

func TestLoad_DefaultsWithEnvRequired(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, 20*time.Second, cfg.Cache.StaleCeiling)
	assert.Equal(t, 15*time.Minute, cfg.Index.RoundLookback)
	assert.Equal(t, 3, cfg.Admit.Burst)
	assert.Equal(t, 60*time.Second, cfg.Spin.RevealWindow)
	assert.False(t, cfg.Keeper.Enabled)
}

func TestLoad_MissingRPCURL(t *testing.T) {
	t.Setenv("DAOWYN_CONTRACT", "0x1111111111111111111111111111111111111111")
	t.Setenv("DAOWYN_LOGINDEX_URL", "http://localhost:9000")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DAOWYN_RPC_URL")
}

func TestLoad_YAMLFile(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "daowyn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: "0.0.0.0:9090"
cache:
  stale_ceiling: 45s
admission:
  burst: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTP.Addr)
	assert.Equal(t, 45*time.Second, cfg.Cache.StaleCeiling)
	assert.Equal(t, 7, cfg.Admit.Burst)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	setRequired(t)
	t.Setenv("DAOWYN_STALE_CEILING", "5s")
	t.Setenv("DAOWYN_ADMIT_BURST", "9")

	path := filepath.Join(t.TempDir(), "daowyn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  stale_ceiling: 45s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Cache.StaleCeiling)
	assert.Equal(t, 9, cfg.Admit.Burst)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	setRequired(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestLoad_KeeperRequiresFrom(t *testing.T) {
	setRequired(t)
	t.Setenv("DAOWYN_KEEPER_ENABLED", "true")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DAOWYN_KEEPER_FROM")

	t.Setenv("DAOWYN_KEEPER_FROM", "0x2222222222222222222222222222222222222222")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Keeper.Enabled)
}

func TestLoad_BadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("DAOWYN_STALE_CEILING", "twenty")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DAOWYN_STALE_CEILING")
}
