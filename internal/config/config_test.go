package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "SEARCH_MIN_LENGTH", "SEARCH_DEBOUNCE", "KAFKA_BROKERS", "API_KEY", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 2, cfg.SearchMinLength)
	assert.Equal(t, 300*time.Millisecond, cfg.SearchDebounce)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Empty(t, cfg.APIKeys)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("SEARCH_MIN_LENGTH", "3")
	t.Setenv("SEARCH_DEBOUNCE", "150")
	t.Setenv("HOSPITAL_API_TIMEOUT", "5s")
	t.Setenv("SEARCH_RATE_LIMIT", "2.5")
	t.Setenv("KAFKA_BROKERS", "rp-1:9092, ,rp-2:9092")
	t.Setenv("API_KEY", "k1,k2")
	t.Setenv("FLAG", "true")
	t.Setenv("BROKEN", "abc")

	cfg := FromEnv()
	assert.Equal(t, 3, cfg.SearchMinLength)
	assert.Equal(t, 150*time.Millisecond, cfg.SearchDebounce)
	assert.Equal(t, 5*time.Second, cfg.HospitalAPITimeout)
	assert.Equal(t, 2.5, cfg.SearchRateLimit)
	assert.Equal(t, []string{"rp-1:9092", "rp-2:9092"}, cfg.KafkaBrokers)
	assert.Len(t, cfg.APIKeys, 2)

	assert.True(t, GetBool("FLAG", false))
	assert.Equal(t, 7, GetInt("BROKEN", 7))
	assert.Equal(t, time.Minute, GetDuration("BROKEN", time.Minute))
}

func TestLoadDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9999\nLOG_LEVEL=debug\n"), 0o600))

	t.Setenv("PORT", "8181")
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	cfg := Load(path)
	assert.Equal(t, "8181", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	os.Unsetenv("LOG_LEVEL")
}
