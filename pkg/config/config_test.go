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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5, cfg.Locator.Limit)
	assert.Equal(t, SourceMemory, cfg.Source.Kind)
	assert.Equal(t, 5432, cfg.PostGIS.Port)
	assert.Equal(t, "stores", cfg.Elastic.Index)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9090"
  shutdown_timeout: 3s
locator:
  limit: 7
  max_radius_km: 25.5
source:
  kind: PostGIS
postgis:
  password: hunter2
log:
  level: debug
`), 0o644))

	t.Setenv("STORELOCATOR_LOG_LEVEL", "warn")
	t.Setenv("STORELOCATOR_ELASTIC_OVERSAMPLE", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 7, cfg.Locator.Limit)
	assert.InDelta(t, 25.5, cfg.Locator.MaxRadiusKm, 1e-9)
	assert.Equal(t, SourcePostGIS, cfg.Source.Kind)
	assert.Equal(t, "warn", cfg.Log.Level, "environment overrides the file")
	assert.Equal(t, 4, cfg.Elastic.Oversample)

	assert.NotContains(t, cfg.String(), "hunter2")
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "max_radius_km: 25.5")
	assert.NotContains(t, out, "hunter2")
	assert.Equal(t, "hunter2", cfg.PostGIS.Password, "YAML leaves the config untouched")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("STORELOCATOR_SOURCE_KIND", "redis")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Source: SourceConfig{Kind: SourceMemory}, Locator: LocatorConfig{Limit: 5}}
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Locator.Limit = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Locator.MaxRadiusKm = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.Burst = -1
	assert.Error(t, cfg.Validate())
}
