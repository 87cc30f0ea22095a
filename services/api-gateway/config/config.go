package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel     string        `validate:"omitempty,oneof=debug info warn error"`
	HTTPPort     string        `validate:"required,numeric"`
	MetricsAddr  string        `validate:"required"`
	KafkaBrokers string        `validate:"required"`
	Partitions   int           `validate:"min=1"`
	RedisAddr    string        `validate:"required_with=RateLimit"`
	RateLimit    int           `validate:"min=0"`
	RateWindow   time.Duration `validate:"required_with=RateLimit"`
	PostgresDSN  string        `validate:"required"`
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		Partitions:   v.GetInt("kafka_partitions"),
		RedisAddr:    v.GetString("redis_addr"),
		RateLimit:    v.GetInt("rate_limit"),
		RateWindow:   v.GetDuration("rate_window"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid api-gateway config: %w", err)
	}
	return nil
}

// RateLimited reports whether create requests are rate limited.
func (c Config) RateLimited() bool { return c.RateLimit > 0 }
