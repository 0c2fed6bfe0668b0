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
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 15, cfg.Cache.WindowSize)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 20, cfg.Search.TopK)
	assert.Equal(t, 60.0, cfg.Search.RRFConstant)
	assert.Equal(t, 0.7, cfg.Search.SemanticWeight)
	assert.Equal(t, 0.5, cfg.Entities.ConfidenceFloor)
	assert.Equal(t, 7, cfg.Consolidation.CutoffDays)
	assert.Equal(t, 3, cfg.Consolidation.SchedulerHour)
	assert.Equal(t, "development", cfg.Security.Mode)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEMBANK_PORT", "9191")
	t.Setenv("MEMBANK_SESSION_WINDOW", "20")
	t.Setenv("MEMBANK_SESSION_TTL", "5m")
	t.Setenv("MEMBANK_SEARCH_SEMANTIC_WEIGHT", "0.6")
	t.Setenv("MEMBANK_CONSOLIDATION_CUTOFF_DAYS", "14")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Cache.WindowSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 0.6, cfg.Search.SemanticWeight)
	assert.Equal(t, 14, cfg.Consolidation.CutoffDays)
}

func TestLoadUnparseableEnvFallsBack(t *testing.T) {
	t.Setenv("MEMBANK_PORT", "not-a-number")
	t.Setenv("MEMBANK_SESSION_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "membank.yaml")
	body := `
server:
  port: 8088
search:
  semantic_weight: 0.55
consolidation:
  scheduler_hour: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MEMBANK_CONFIG_FILE", path)
	t.Setenv("MEMBANK_PORT", "9999") // file wins over env

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 0.55, cfg.Search.SemanticWeight)
	assert.Equal(t, 5, cfg.Consolidation.SchedulerHour)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MEMBANK_STORAGE_ENGINE", "mongodb")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("MEMBANK_STORAGE_ENGINE", "postgres")
	t.Setenv("MEMBANK_POSTGRES_DSN", "")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("MEMBANK_STORAGE_ENGINE", "sqlite")
	t.Setenv("MEMBANK_SEARCH_SEMANTIC_WEIGHT", "1.5")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("MEMBANK_SEARCH_SEMANTIC_WEIGHT", "0.7")
	t.Setenv("MEMBANK_CONSOLIDATION_HOUR", "24")
	_, err = Load()
	require.Error(t, err)
}
