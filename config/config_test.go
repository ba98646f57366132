package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"LISTEN_ADDR", "ROOMEDIT_DB_PATH", "DATABASE_URL", "PUBLIC_BASE_URL", "LOG_LEVEL",
	"EDIT_PROVIDER", "BFL_API_KEY", "BFL_BASE_URL", "BFL_MODEL", "GEMINI_API_KEY", "GEMINI_IMAGE_MODEL",
	"EDIT_POLL_INTERVAL", "EDIT_POLL_ATTEMPTS", "APIFY_TOKEN", "APIFY_ACTOR_ID", "APIFY_BASE_URL",
	"APIFY_WAIT_SECONDS", "SCRAPE_ALLOWED_HOSTS", "SCRAPE_ENFORCE_HOST", "SCRAPE_CACHE_TTL", "API_TOKENS",
	"DOWNLOAD_TIMEOUT", "DOWNLOAD_MAX_BYTES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("BFL_API_KEY", "bfl")
	t.Setenv("APIFY_TOKEN", "apify")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "roomedit.db", cfg.DBPath)
	assert.Equal(t, "http://localhost:8080", cfg.PublicBaseURL)
	assert.Equal(t, ProviderFlux, cfg.EditProvider)
	assert.Equal(t, "flux-2-pro", cfg.BFLModel)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 60, cfg.PollMaxAttempts)
	assert.Equal(t, "nMiNd0glV6oqKv78Y", cfg.ApifyActorID)
	assert.Equal(t, 300*time.Second, cfg.ApifyWaitForFinish)
	assert.Equal(t, []string{"immobilienscout24.de"}, cfg.ScrapeAllowedHosts)
	assert.True(t, cfg.ScrapeEnforceHost)
	assert.Equal(t, 24*time.Hour, cfg.ScrapeCacheTTL)
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, int64(20<<20), cfg.DownloadMaxBytes)
	assert.Empty(t, cfg.APITokens)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDIT_PROVIDER", "Gemini")
	t.Setenv("GEMINI_API_KEY", "g")
	t.Setenv("APIFY_TOKEN", "apify")
	t.Setenv("PUBLIC_BASE_URL", "https://rooms.example/")
	t.Setenv("EDIT_POLL_INTERVAL", "500ms")
	t.Setenv("EDIT_POLL_ATTEMPTS", "10")
	t.Setenv("SCRAPE_ALLOWED_HOSTS", "immobilienscout24.de, immowelt.de")
	t.Setenv("SCRAPE_ENFORCE_HOST", "false")
	t.Setenv("API_TOKENS", "alice:$2a$10$abc,bob:$2a$10$def")
	t.Setenv("DOWNLOAD_TIMEOUT", "5s")
	t.Setenv("DOWNLOAD_MAX_BYTES", "1048576")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, cfg.EditProvider)
	assert.Equal(t, "https://rooms.example", cfg.PublicBaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10, cfg.PollMaxAttempts)
	assert.Equal(t, []string{"immobilienscout24.de", "immowelt.de"}, cfg.ScrapeAllowedHosts)
	assert.False(t, cfg.ScrapeEnforceHost)
	assert.Equal(t, map[string]string{"alice": "$2a$10$abc", "bob": "$2a$10$def"}, cfg.APITokens)
	assert.Equal(t, 5*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, int64(1<<20), cfg.DownloadMaxBytes)
}

func TestLoad_ReportsAllMissingKeys(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BFL_API_KEY")
	assert.Contains(t, err.Error(), "APIFY_TOKEN")
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("BFL_API_KEY", "bfl")
	t.Setenv("APIFY_TOKEN", "apify")
	t.Setenv("EDIT_POLL_ATTEMPTS", "many")
	t.Setenv("SCRAPE_ENFORCE_HOST", "maybe")
	t.Setenv("EDIT_PROVIDER", "dalle")
	t.Setenv("DOWNLOAD_MAX_BYTES", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOWNLOAD_MAX_BYTES")
	assert.Contains(t, err.Error(), "EDIT_POLL_ATTEMPTS")
	assert.Contains(t, err.Error(), "SCRAPE_ENFORCE_HOST")
	assert.Contains(t, err.Error(), "EDIT_PROVIDER")
}

func TestParseTokens_Invalid(t *testing.T) {
	_, err := parseTokens("alice")
	assert.Error(t, err)
	_, err = parseTokens(":hash")
	assert.Error(t, err)
}
