package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"saltvault/internal/server/crypto"

	"go.uber.org/multierr"
)

type Config struct {
	Port            string
	DatabaseURL     string
	StoragePath     string
	MaxFileSize     int64
	KDFIterations   int
	CleanupInterval time.Duration
	StagingMaxAge   time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	CookieSecure    bool
}

func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", "sqlite://./storage/saltvault.db"),
		StoragePath:     getEnv("STORAGE_PATH", "./storage/files"),
		MaxFileSize:     getEnvInt64("MAX_FILE_SIZE", 10*1024*1024), // 10MB
		KDFIterations:   getEnvInt("KDF_ITERATIONS", crypto.DefaultIterations),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL_HOURS", 1*time.Hour),
		StagingMaxAge:   getEnvDuration("STAGING_MAX_AGE_HOURS", 24*time.Hour),
		RateLimitRPS:    getEnvFloat64("RATE_LIMIT_RPS", 5),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 10),
		CookieSecure:    getEnvBool("COOKIE_SECURE", false),
	}
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var err error
	if c.DatabaseURL == "" {
		err = multierr.Append(err, errors.New("DATABASE_URL is required"))
	}
	if c.StoragePath == "" {
		err = multierr.Append(err, errors.New("STORAGE_PATH is required"))
	}
	if c.MaxFileSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize))
	}
	if kdfErr := c.KDF().Validate(); kdfErr != nil {
		err = multierr.Append(err, fmt.Errorf("KDF_ITERATIONS: %w", kdfErr))
	}
	if c.CleanupInterval <= 0 {
		err = multierr.Append(err, errors.New("CLEANUP_INTERVAL_HOURS must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		err = multierr.Append(err, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return err
}

// KDF returns the key derivation used for new uploads.
func (c *Config) KDF() crypto.KDF {
	return crypto.KDF{Iterations: c.KDFIterations}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if hours, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(hours * float64(time.Hour))
		}
	}
	return fallback
}
