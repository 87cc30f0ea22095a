package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the auditor service.
type Config struct {
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	RedisAddr       string        `validate:"required"`
	PostgresDSN     string        `validate:"required"`
	MetricsAddr     string        `validate:"required"`
	Schedule        string        `validate:"required"`
	LeaderTTL       time.Duration `validate:"required"`
	Limit           int           `validate:"min=1,max=1000"`
	NewAfter        time.Duration `validate:"gt=0"`
	PendingAfter    time.Duration `validate:"gt=0"`
	InProgressAfter time.Duration `validate:"gt=0"`
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("metrics_addr"),
		Schedule:        v.GetString("schedule"),
		LeaderTTL:       v.GetDuration("leader_ttl"),
		Limit:           v.GetInt("limit"),
		NewAfter:        v.GetDuration("stale_new_after"),
		PendingAfter:    v.GetDuration("stale_pending_after"),
		InProgressAfter: v.GetDuration("stale_in_progress_after"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}

// Validate reports the first invalid field, including an unparsable schedule.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid auditor config: %w", err)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid auditor config: schedule %q: %w", c.Schedule, err)
	}
	return nil
}
