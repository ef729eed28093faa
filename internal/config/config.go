// Package config loads taskpolld configuration from an optional YAML file and
// TASKPOLL_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Store  StoreConfig  `mapstructure:"store"`
	Tasks  TasksConfig  `mapstructure:"tasks"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Sentry SentryConfig `mapstructure:"sentry"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=trace debug info warn warning error"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// StoreConfig selects the task record backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver" validate:"required,oneof=redis badger postgres"`
	BadgerPath  string `mapstructure:"badger_path" validate:"required_if=Driver badger"`
	PostgresURL string `mapstructure:"postgres_url" validate:"required_if=Driver postgres"`
}

type TasksConfig struct {
	PollTimeout     time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	DefaultLifespan time.Duration `mapstructure:"default_lifespan" validate:"gt=0"`
	ReapInterval    time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=1"`
	VisibilityTTL   time.Duration `mapstructure:"visibility_ttl" validate:"gt=0"`
	// JobRetention is how long finished jobs stay inspectable in the queue.
	JobRetention time.Duration `mapstructure:"job_retention" validate:"gte=0"`
}

// AuthConfig enables the bearer token gate when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

type SentryConfig struct {
	DSN     string `mapstructure:"dsn" validate:"omitempty,url"`
	Release string `mapstructure:"release"`
	Debug   bool   `mapstructure:"debug"`
}

var defaults = map[string]any{
	"server.addr":            ":8080",
	"server.log_level":       "info",
	"redis.addr":             "127.0.0.1:6379",
	"redis.password":         "",
	"redis.db":               0,
	"store.driver":           "redis",
	"store.badger_path":      "",
	"store.postgres_url":     "",
	"tasks.poll_timeout":     20 * time.Second,
	"tasks.default_lifespan": time.Hour,
	"tasks.reap_interval":    time.Minute,
	"tasks.concurrency":      4,
	"tasks.visibility_ttl":   30 * time.Second,
	"tasks.job_retention":    time.Hour,
	"auth.jwt_secret":        "",
	"sentry.dsn":             "",
	"sentry.release":         "",
	"sentry.debug":           false,
}

// Load reads configuration. path may be empty, in which case ./taskpoll.yaml is used
// when present. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskpoll")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TASKPOLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
