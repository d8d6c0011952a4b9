package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	// Initialize a new viper instance
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Configure to read from an optional config file in the working directory
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Configure to read from environment variables with SUBWORKER_ prefix,
	// e.g. SUBWORKER_DATABASE_URL maps to database.url
	v.SetEnvPrefix("SUBWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; environment variables alone can
	// provide a complete configuration.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults for every setting that has a sensible one.
// Secrets and connection strings have no defaults and must be provided.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.lease_duration", "2m")
	v.SetDefault("worker.reclaim_interval", "1m")
	v.SetDefault("payments.mode", "mock")
	v.SetDefault("payments.mock_decline_rate", 0.0)
}
