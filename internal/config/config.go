// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the forms API settings
type Config struct {
	Port       string
	LogLevel   string
	APIKeys    map[string]string
	CORSOrigin string

	HospitalAPIURL     string
	HospitalAPIToken   string
	HospitalAPIRefresh string
	HospitalAPITimeout time.Duration

	SearchMinLength int
	SearchDebounce  time.Duration
	SearchTimeout   time.Duration
	SearchRateLimit float64
	SearchBurst     int
	SearchCacheTTL  time.Duration

	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
	KafkaBrokers  []string

	OTLPEndpoint    string
	TraceSampleRate float64

	SessionIdleTimeout time.Duration
	ShutdownTimeout    time.Duration
}

// Load reads files (default ".env") into the environment without overriding
// variables already set, then builds the config. Missing files are ignored.
func Load(files ...string) Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
	return FromEnv()
}

// FromEnv builds the config from the current environment
func FromEnv() Config {
	cfg := Config{
		Port:       GetString("PORT", "8080"),
		LogLevel:   GetString("LOG_LEVEL", "info"),
		APIKeys:    map[string]string{},
		CORSOrigin: GetString("CORS_ORIGIN", "*"),

		HospitalAPIURL:     GetString("HOSPITAL_API_URL", "http://localhost:3000/api"),
		HospitalAPIToken:   GetString("HOSPITAL_API_TOKEN", ""),
		HospitalAPIRefresh: GetString("HOSPITAL_API_REFRESH_TOKEN", ""),
		HospitalAPITimeout: GetDuration("HOSPITAL_API_TIMEOUT", 15*time.Second),

		SearchMinLength: GetInt("SEARCH_MIN_LENGTH", 2),
		SearchDebounce:  GetDuration("SEARCH_DEBOUNCE", 300*time.Millisecond),
		SearchTimeout:   GetDuration("SEARCH_TIMEOUT", 10*time.Second),
		SearchRateLimit: GetFloat("SEARCH_RATE_LIMIT", 10),
		SearchBurst:     GetInt("SEARCH_BURST", 5),
		SearchCacheTTL:  GetDuration("SEARCH_CACHE_TTL", 30*time.Second),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		KafkaBrokers:  GetList("KAFKA_BROKERS", []string{"localhost:9092"}),

		OTLPEndpoint:    GetString("OTLP_ENDPOINT", ""),
		TraceSampleRate: GetFloat("TRACE_SAMPLE_RATE", 1.0),

		SessionIdleTimeout: GetDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		ShutdownTimeout:    GetDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	for _, key := range GetList("API_KEY", nil) {
		cfg.APIKeys[key] = "frontdesk"
	}
	return cfg
}

// GetString returns the trimmed value of key or def when unset or blank
func GetString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetInt returns key as an int, or def when unset or malformed
func GetInt(key string, def int) int {
	v, err := strconv.Atoi(GetString(key, ""))
	if err != nil {
		return def
	}
	return v
}

// GetFloat returns key as a float64, or def when unset or malformed
func GetFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(GetString(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

// GetBool returns key as a bool, or def when unset or malformed
func GetBool(key string, def bool) bool {
	v, err := strconv.ParseBool(GetString(key, ""))
	if err != nil {
		return def
	}
	return v
}

// GetDuration accepts Go durations ("300ms") or bare milliseconds ("300")
func GetDuration(key string, def time.Duration) time.Duration {
	raw := GetString(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// GetList splits a comma separated value, dropping blanks
func GetList(key string, def []string) []string {
	raw := GetString(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
