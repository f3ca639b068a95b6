// Package config loads runtime configuration from the environment, following
// the teacher's internal/config.Load() conventions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration for the execution coordinator and
// persistence layer (SPEC_FULL.md "Structured Configuration").
type Config struct {
	DatabasePath       string        // path to the SQLite database file
	MaxConcurrentRuns  int           // bound on simultaneously running strategy runs
	MaxWorkersPerRun   int           // bound on intra-run market-data fetch parallelism
	MaxQueueSize       int           // admission queue capacity before Overloaded
	RunTimeout         time.Duration // wall-clock timeout for a single run
	FetchTimeout       time.Duration // per-ticker market-data fetch timeout
	LogLevel           string        // zerolog level name (debug, info, warn, error)
}

// Load reads configuration from a .env file (if present) and the process
// environment, applying the defaults in SPEC_FULL.md's configuration table.
func Load() (*Config, error) {
	// godotenv.Load() returns an error if .env doesn't exist, which is fine.
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:      getEnv("DATABASE_PATH", "./screener.db"),
		MaxConcurrentRuns: getEnvAsInt("MAX_CONCURRENT_RUNS", 2),
		MaxWorkersPerRun:  getEnvAsInt("MAX_WORKERS_PER_RUN", 4),
		MaxQueueSize:      getEnvAsInt("MAX_QUEUE_SIZE", 32),
		RunTimeout:        time.Duration(getEnvAsInt("RUN_TIMEOUT_SECONDS", 1800)) * time.Second,
		FetchTimeout:      time.Duration(getEnvAsInt("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_RUNS must be positive, got %d", c.MaxConcurrentRuns)
	}
	if c.MaxWorkersPerRun <= 0 {
		return fmt.Errorf("MAX_WORKERS_PER_RUN must be positive, got %d", c.MaxWorkersPerRun)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
