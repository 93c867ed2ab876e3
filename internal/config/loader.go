// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Load a .env file via godotenv (non-fatal if absent).
//  2. Populate the Config struct from the environment via envconfig.
//  3. Resolve and cache the platform timezone.
//  4. Validate the struct with go-playground/validator (fail fast).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads the process environment into a validated Config. The optional
// dotenv path is loaded first when non-empty; a missing file is not an error
// so production deployments can rely on the environment alone.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		// Ignore load errors: absence of a .env file is the normal case
		// outside local development.
		_ = godotenv.Load(dotenvPath)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("config: invalid PLATFORM_TIMEZONE %q: %w", cfg.Timezone, err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// Location resolves the configured platform timezone. Load has already
// verified it, so failure here indicates tzdata disappeared at runtime.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
