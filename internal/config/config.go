package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker"   validate:"required"`
	Payments PaymentsConfig `mapstructure:"payments" validate:"required"`
}

// ServerConfig contains settings for the operational HTTP endpoint
// (health checks and metrics).
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// WorkerConfig contains settings for the task processing loop.
type WorkerConfig struct {
	// Owner identifies this worker instance in task leases.
	// Defaults to the hostname plus a random suffix when empty.
	Owner string `mapstructure:"owner"`

	// PollInterval is how long the worker sleeps between polls when the
	// previous poll found no eligible tasks.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`

	// BatchSize is the maximum number of tasks fetched per poll.
	BatchSize int `mapstructure:"batch_size" validate:"required,gt=0"`

	// LeaseDuration is how long a lease is held before other workers may
	// reclaim the task.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"required,gt=0"`

	// ReclaimInterval is how often expired leases are swept back to ready.
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" validate:"required,gt=0"`
}

// PaymentsConfig contains settings for the payment gateway integration.
type PaymentsConfig struct {
	// Mode selects the gateway implementation. "mock" uses the in-process
	// deterministic gateway; anything else is rejected at load time until
	// a real provider is wired in.
	Mode string `mapstructure:"mode" validate:"required,oneof=mock"`

	// MockDeclineRate is the fraction of charges the mock gateway declines,
	// between 0 and 1. Useful for exercising retry behavior locally.
	MockDeclineRate float64 `mapstructure:"mock_decline_rate" validate:"gte=0,lte=1"`
}
