package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Minute, cfg.ScrapeInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 120*time.Minute, cfg.StaleRequestTimeout)
	assert.Equal(t, 3, cfg.ConcurrentScrapers)
	assert.Equal(t, 15*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, "fast", cfg.WaitStrategy)
	assert.True(t, cfg.DisableImages)
	assert.False(t, cfg.DisableCSS)
	assert.Equal(t, time.Duration(0), cfg.DynamicWait)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCRAPE_INTERVAL_MINUTES", "15")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("CONCURRENT_SCRAPERS", "8")
	t.Setenv("PUPPETEER_TIMEOUT", "30000")
	t.Setenv("WAIT_STRATEGY", "comprehensive")
	t.Setenv("DISABLE_IMAGES", "false")
	t.Setenv("DYNAMIC_WAIT_MS", "250")

	cfg := Load()

	assert.Equal(t, 15*time.Minute, cfg.ScrapeInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 8, cfg.ConcurrentScrapers)
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, "comprehensive", cfg.WaitStrategy)
	assert.False(t, cfg.DisableImages)
	assert.Equal(t, 250*time.Millisecond, cfg.DynamicWait)
}

func TestValidate(t *testing.T) {
	valid := Load()
	require.NoError(t, valid.Validate())

	badRetries := Load()
	badRetries.MaxRetries = -1
	assert.Error(t, badRetries.Validate())

	badScrapers := Load()
	badScrapers.ConcurrentScrapers = 0
	assert.Error(t, badScrapers.Validate())

	badStrategy := Load()
	badStrategy.WaitStrategy = "extreme"
	assert.Error(t, badStrategy.Validate())
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 7, GetEnvInt("TEST_INT", 7))

	assert.Equal(t, 7, GetEnvInt("TEST_INT_UNSET", 7))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "TRUE")
	assert.True(t, GetEnvBool("TEST_BOOL", false))

	t.Setenv("TEST_BOOL", "0")
	assert.False(t, GetEnvBool("TEST_BOOL", true))

	t.Setenv("TEST_BOOL", "maybe")
	assert.True(t, GetEnvBool("TEST_BOOL", true))

	assert.False(t, GetEnvBool("TEST_BOOL_UNSET", false))
}

func TestParseOTLPHeaders(t *testing.T) {
	headers := ParseOTLPHeaders(" api-key = secret , x-team=infra,malformed")

	assert.Equal(t, map[string]string{
		"api-key": "secret",
		"x-team":  "infra",
	}, headers)

	assert.Empty(t, ParseOTLPHeaders(""))
}
