package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel      string        `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers  string        `validate:"required"`
	GroupID       string        `validate:"required"`
	Partitions    int           `validate:"min=1"`
	RedisAddr     string        `validate:"required"`
	PostgresDSN   string        `validate:"required"`
	MaxDeliveries int           `validate:"min=1"`
	TaskDuration  time.Duration `validate:"min=0"`
	TaskTimeout   time.Duration `validate:"required,gtfield=TaskDuration"`
	MetricsAddr   string        `validate:"required"`
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		GroupID:       v.GetString("group_id"),
		Partitions:    v.GetInt("kafka_partitions"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		MaxDeliveries: v.GetInt("max_deliveries"),
		TaskDuration:  v.GetDuration("task_duration"),
		TaskTimeout:   v.GetDuration("task_timeout"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}
