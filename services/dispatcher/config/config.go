package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the dispatcher commands.
type Config struct {
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers    string        `validate:"required"`
	Partitions      int           `validate:"min=1"`
	PostgresDSN     string        `validate:"required"`
	RedisAddr       string        `validate:"omitempty,hostname_port"`
	PublishAttempts int           `validate:"min=1"`
	StaleAfter      time.Duration `validate:"min=0"`
	BatchSize       int           `validate:"min=1,max=1000"`
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		Partitions:      v.GetInt("kafka_partitions"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		RedisAddr:       v.GetString("redis_addr"),
		PublishAttempts: v.GetInt("publish_attempts"),
		StaleAfter:      v.GetDuration("stale_after"),
		BatchSize:       v.GetInt("batch_size"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid dispatcher config: %w", err)
	}
	return nil
}
