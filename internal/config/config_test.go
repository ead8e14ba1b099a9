package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, "admin", cfg.Admin.Username)
	assert.Equal(t, "meschain_sync", cfg.Database.Database)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.com, ,https://bi.example.com")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.example.com", "https://bi.example.com"}, cfg.CORSOrigins)
}

func TestLoadSyncConfig_Defaults(t *testing.T) {
	t.Setenv("SYNC_CONFIG_PATH", "")

	cfg, err := LoadSyncConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay())
	assert.Equal(t, 5*time.Second, cfg.ClockSkew())
	assert.Equal(t, "remote", cfg.ConflictPolicy["order"])
	assert.Equal(t, []string{"trendyol", "amazon", "n11", "hepsiburada", "ozon", "ebay"}, cfg.EnabledMarketplaces())
	assert.Equal(t, 30*time.Second, cfg.IntervalFor("trendyol"))
	assert.Equal(t, 150*time.Second, cfg.IntervalFor("ebay"))
	assert.Equal(t, time.Minute, cfg.IntervalFor("unknown"))
}

func TestLoadSyncConfig_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 5
max_retries: 1
marketplaces:
  Trendyol:
    enabled: true
    timeout: 10
  n11:
    enabled: false
conflict_policy:
  price: remote
`), 0o644))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg, err := LoadSyncConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 100, cfg.BatchSize, "gaps fall back to defaults")
	assert.Equal(t, []string{"trendyol"}, cfg.EnabledMarketplaces())

	tr, ok := cfg.Marketplace("trendyol")
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, cfg.TimeoutFor("trendyol"))
	assert.Equal(t, 1, tr.Priority)
	assert.Equal(t, "https://api.trendyol.com/sapigw/suppliers", tr.BaseURL)
	assert.Equal(t, "remote", cfg.ConflictPolicy["price"])
}

func TestLoadSyncConfig_CredentialEnv(t *testing.T) {
	t.Setenv("SYNC_CONFIG_PATH", "")
	t.Setenv("OZON_API_KEY", "key-1")
	t.Setenv("OZON_SELLER_ID", "42")
	t.Setenv("EBAY_ENABLED", "false")

	cfg, err := LoadSyncConfig()
	require.NoError(t, err)

	oz, _ := cfg.Marketplace("ozon")
	assert.Equal(t, "key-1", oz.APIKey)
	assert.Equal(t, "42", oz.SellerID)
	assert.NotContains(t, cfg.EnabledMarketplaces(), "ebay")
}

func TestLoadSyncConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"conflict_policy": {"order": "newest"}}`), 0o644))
	t.Setenv("SYNC_CONFIG_PATH", path)

	_, err := LoadSyncConfig()
	assert.ErrorContains(t, err, "invalid sync config")

	t.Setenv("SYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadSyncConfig()
	assert.Error(t, err)
}
