package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	LMS       LMSConfig       `mapstructure:"lms" validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
}

// ServerConfig contains all HTTP-server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// LMSConfig describes how to reach the LMS API.
type LMSConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Token   string `mapstructure:"token" validate:"required"`

	// RequestTimeout bounds a single HTTP request to the LMS, not the
	// whole retry loop around it.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,gt=0"`
}

// RateLimitConfig contains the client-side API budget settings.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"required,gt=0"`
	RequestsPerHour   int `mapstructure:"requests_per_hour" validate:"required,gt=0"`

	// GlobalMultiplier scales the per-principal limits into the shared
	// global budget across all principals.
	GlobalMultiplier int `mapstructure:"global_multiplier" validate:"required,gte=1"`
}

// RedisConfig selects the rate-limit counter store. An empty Addr keeps
// counters in process memory, which is fine for a single instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// EngineConfig tunes the task execution engine.
type EngineConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"omitempty,gt=0"`
	Retention      time.Duration `mapstructure:"retention" validate:"omitempty,gt=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"omitempty,gt=0"`
}
