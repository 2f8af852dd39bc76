// Package config loads service settings from defaults, an optional
// equiroute.yaml and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // Timezone must resolve on minimal images

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port        int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	DatabaseURL string `mapstructure:"database_url"`
	DBMigrate   bool   `mapstructure:"db_migrate"`
	RedisURL    string `mapstructure:"redis_url"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// ModelConfigFile seeds the first model configuration when the store has none.
	ModelConfigFile  string `mapstructure:"model_config_file"`
	SeedDefaultModel bool   `mapstructure:"seed_default_model"`

	RateRPS   float64 `mapstructure:"rate_rps" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`

	TaskWorkers   int           `mapstructure:"task_workers" validate:"gte=1"`
	TaskQueueSize int           `mapstructure:"task_queue_size" validate:"gte=1"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	TaskRetention time.Duration `mapstructure:"task_retention" validate:"gte=0"` // 0 keeps finished tasks

	ScoringParallelism int           `mapstructure:"scoring_parallelism" validate:"gte=1"`
	SpeedKph           float64       `mapstructure:"speed_kph" validate:"gt=0"`
	Core20Multiplier   float64       `mapstructure:"core20_multiplier" validate:"gte=1"`
	DefaultPriority    float64       `mapstructure:"default_priority" validate:"gte=0,lte=100"`
	OptimizeLockTTL    time.Duration `mapstructure:"optimize_lock_ttl" validate:"gt=0"`
	OptimizeWorkers    int           `mapstructure:"optimize_workers" validate:"gte=0"` // 0 uses GOMAXPROCS
	Timezone           string        `mapstructure:"timezone" validate:"required"`
}

// Address is the HTTP listen address.
func (c Config) Address() string { return fmt.Sprintf(":%d", c.Port) }

// Location resolves Timezone; plan dates and working hours are local to it.
func (c Config) Location() (*time.Location, error) { return time.LoadLocation(c.Timezone) }

var defaults = map[string]any{
	"port":                8080,
	"database_url":        "",
	"redis_url":           "",
	"model_config_file":   "",
	"db_migrate":          true,
	"log_level":           "info",
	"log_format":          "json",
	"seed_default_model":  true,
	"rate_rps":            0,
	"rate_burst":          20,
	"task_workers":        2,
	"task_queue_size":     64,
	"task_timeout":        "10m",
	"task_retention":      "1h",
	"scoring_parallelism": 8,
	"speed_kph":           30,
	"core20_multiplier":   1.25,
	"default_priority":    50,
	"optimize_lock_ttl":   "15m",
	"optimize_workers":    0,
	"timezone":            "Europe/London",
}

// bare names kept for compatibility with container platforms that set them
var bareEnv = map[string]string{
	"port":         "PORT",
	"database_url": "DATABASE_URL",
	"db_migrate":   "DB_MIGRATE",
	"redis_url":    "REDIS_URL",
	"rate_rps":     "RATE_RPS",
	"rate_burst":   "RATE_BURST",
}

var validate = validator.New()

// Load reads configuration. path may name a config file; when empty,
// equiroute.yaml is looked up in the working directory and /etc/equiroute
// and silently skipped if absent. Environment variables use the
// EQUIROUTE_ prefix (EQUIROUTE_LOG_LEVEL) and take precedence over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("EQUIROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range bareEnv {
		if err := v.BindEnv(key, "EQUIROUTE_"+strings.ToUpper(key), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("equiroute")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/equiroute")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return Config{}, fmt.Errorf("invalid config: timezone %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}
