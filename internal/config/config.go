// Package config reads ledger settings from the environment. Values from a
// .env file are loaded first without overriding variables already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/store"
)

// Config holds every runtime setting.
type Config struct {
	Storage  blobstore.Options
	StateKey string

	RatesURL    string
	RatesTTL    time.Duration
	HTTPTimeout time.Duration

	Port     string
	LogLevel string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Storage: blobstore.Options{
			Backend: blobstore.BackendMemory,
			Dir:     "data",
		},
		StateKey:    store.DefaultKey,
		RatesURL:    currency.DefaultRatesURL,
		RatesTTL:    currency.DefaultTTL,
		HTTPTimeout: 10 * time.Second,
		Port:        "8080",
		LogLevel:    "info",
	}
}

// Load reads the given .env files (default ".env"), then the environment.
// Missing .env files are ignored.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("Load: read %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.Storage.Backend = strings.ToLower(getenv("LEDGER_STORAGE", cfg.Storage.Backend))
	cfg.Storage.Dir = getenv("LEDGER_DATA_DIR", cfg.Storage.Dir)
	cfg.Storage.Bucket = getenv("LEDGER_GCS_BUCKET", "")
	cfg.Storage.Prefix = getenv("LEDGER_GCS_PREFIX", "")
	cfg.Storage.Endpoint = getenv("LEDGER_GCS_ENDPOINT", "")
	cfg.StateKey = getenv("LEDGER_STATE_KEY", cfg.StateKey)
	cfg.RatesURL = getenv("LEDGER_RATES_URL", cfg.RatesURL)
	cfg.Port = getenv("LEDGER_PORT", cfg.Port)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	var errs []error

	switch cfg.Storage.Backend {
	case blobstore.BackendMemory, blobstore.BackendFile:
	case blobstore.BackendGCS:
		if cfg.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("LEDGER_GCS_BUCKET is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_STORAGE: unknown backend %q", cfg.Storage.Backend))
	}

	var err error
	if cfg.RatesTTL, err = durationEnv("LEDGER_RATES_TTL", cfg.RatesTTL); err != nil {
		errs = append(errs, err)
	}
	if cfg.HTTPTimeout, err = durationEnv("LEDGER_HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		errs = append(errs, fmt.Errorf("LEDGER_PORT: %q is not a number", cfg.Port))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("FromEnv: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// durationEnv accepts Go durations ("90s") or a plain number of seconds.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
