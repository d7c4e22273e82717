package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Mission.CycleBudget)
	assert.Equal(t, 3, cfg.Conductor.RestartBudget)
	assert.Equal(t, 130_000, cfg.Watcher.GracefulThreshold)
	assert.Equal(t, 140_000, cfg.Watcher.EmergencyThreshold)
	assert.Equal(t, 5_000, cfg.Watcher.LowCacheRead)
	assert.Equal(t, 55*time.Minute, cfg.Watcher.TimeHandoffAfter.Std())
	assert.Equal(t, 5*time.Minute, cfg.Watcher.StaleSessionTimeout.Std())
	assert.True(t, cfg.Mission.AutoSave)
}

func TestLoadPartialFileMergesOverDefaults(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".voyager")
	require.NoError(t, os.MkdirAll(dir, 0755))
	doc := "mission:\n  cycle_budget: 5\nconductor:\n  restart_budget: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Mission.CycleBudget)
	assert.Equal(t, 7, cfg.Conductor.RestartBudget)
	// Untouched sections keep their defaults.
	assert.Equal(t, 130_000, cfg.Watcher.GracefulThreshold)
}

func TestLoadMalformedFileFails(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".voyager")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("mission: ["), 0644))

	_, err := Load(ws)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOYAGER_CYCLE_BUDGET", "4")
	t.Setenv("VOYAGER_RESTART_BUDGET", "9")
	t.Setenv("VOYAGER_LLM_TIMEOUT", "90s")
	t.Setenv("VOYAGER_PROVIDER", "gemini")
	t.Setenv("VOYAGER_DEBUG", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Mission.CycleBudget)
	assert.Equal(t, 9, cfg.Conductor.RestartBudget)
	assert.Equal(t, 90*time.Second, cfg.Conductor.LLMTimeout.Std())
	assert.Equal(t, "gemini", cfg.Prompt.Provider)
	assert.True(t, cfg.Logging.DebugMode)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("VOYAGER_CYCLE_BUDGET", "banana")
	t.Setenv("VOYAGER_LLM_TIMEOUT", "-5s")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Mission.CycleBudget)
	assert.Equal(t, 60*time.Minute, cfg.Conductor.LLMTimeout.Std())
}

func TestNormalizeClampsBadValues(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".voyager")
	require.NoError(t, os.MkdirAll(dir, 0755))
	doc := "mission:\n  cycle_budget: -2\nwatcher:\n  poll_interval: -1s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Mission.CycleBudget)
	assert.Equal(t, time.Second, cfg.Watcher.PollInterval.Std())
}

func TestSaveRoundTrips(t *testing.T) {
	ws := t.TempDir()
	cfg := DefaultConfig()
	cfg.Mission.CycleBudget = 6
	require.NoError(t, cfg.Save(ws))

	loaded, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Mission.CycleBudget)
}
