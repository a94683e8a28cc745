package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime settings. Values come from the environment; the
// API binary loads an optional .env file before calling Load.
type Config struct {
	// HTTP
	Addr       string
	RateBurst  int
	RatePerSec int

	// DB; empty DSN selects the in-memory directory (dev/tests).
	DatabaseURL string

	// Engine
	CacheTTL        time.Duration
	ReverifyWindow  time.Duration
	ServiceCountries []string

	// Reconciliation. Batch size and ordering exist to protect the directory
	// from load, so they stay configurable rather than hard-coded.
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepWindowStart int // hour of day, inclusive
	SweepWindowEnd   int // hour of day, exclusive
	MemberUpdatesPerSec int

	// Tokens
	TokenTTL time.Duration
}

// Load reads configuration from the environment with production-safe defaults.
func Load() Config {
	return Config{
		Addr:       getenv("MEDREEL_ADDR", ":8080"),
		RateBurst:  getint("MEDREEL_RATE_BURST", 40),
		RatePerSec: getint("MEDREEL_RATE_PER_SEC", 20),

		DatabaseURL: os.Getenv("MEDREEL_PG_DSN"),

		CacheTTL:         getdur("MEDREEL_CACHE_TTL", 10*time.Minute),
		ReverifyWindow:   getdur("MEDREEL_REVERIFY_WINDOW", 365*24*time.Hour),
		ServiceCountries: getcsv("MEDREEL_SERVICE_COUNTRIES", []string{"US", "GB", "DE", "NL", "CA", "AU"}),

		SweepInterval:       getdur("MEDREEL_SWEEP_INTERVAL", 10*time.Minute),
		SweepBatchSize:      getint("MEDREEL_SWEEP_BATCH", 5),
		SweepWindowStart:    getint("MEDREEL_SWEEP_WINDOW_START", 1),
		SweepWindowEnd:      getint("MEDREEL_SWEEP_WINDOW_END", 6),
		MemberUpdatesPerSec: getint("MEDREEL_MEMBER_UPDATES_PER_SEC", 25),

		TokenTTL: getdur("MEDREEL_TOKEN_TTL", 12*time.Hour),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getcsv(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
