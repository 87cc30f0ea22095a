package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-service/internal/cmdutil"
	"github.com/ramiqadoumi/go-task-service/internal/kafka"
	"github.com/ramiqadoumi/go-task-service/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
	"github.com/ramiqadoumi/go-task-service/internal/service"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-service/services/api-gateway/config"
	"github.com/ramiqadoumi/go-task-service/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-task-service/services/api-gateway/middleware"
	"github.com/ramiqadoumi/go-task-service/services/dispatcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().Int("kafka-partitions", 3, "partitions per dispatch topic when declaring topics")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Int("rate-limit", 0, "max task creations per window per priority (0 = disabled)")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	cmdutil.BindFlag("http_port", serveCmd.Flags(), "http-port")
	cmdutil.BindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	cmdutil.BindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	cmdutil.BindFlag("kafka_partitions", serveCmd.Flags(), "kafka-partitions")
	cmdutil.BindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	cmdutil.BindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	cmdutil.BindFlag("rate_window", serveCmd.Flags(), "rate-window")
	cmdutil.BindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cmdutil.BuildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	if err := kafka.DeclareTopics(initCtx, brokers, cfg.Partitions); err != nil {
		logger.Warn("declare topics", slog.String("error", err.Error()))
	}
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	dispatchOpts := []dispatcher.Option{dispatcher.WithLogger(logger)}
	var limiter redisstore.RateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		dispatchOpts = append(dispatchOpts, dispatcher.WithDeliveryCounter(redisstore.NewDeliveryCounter(redisClient)))
		if cfg.RateLimited() {
			limiter = redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
			logger.Info("rate limiter enabled",
				slog.Int("limit", cfg.RateLimit),
				slog.Duration("window", cfg.RateWindow),
			)
		}
	}

	d := dispatcher.NewDispatcher(producer, repo, dispatchOpts...)
	tasks := service.New(repo, d, logger)
	ready := func(ctx context.Context) error { return pool.Ping(ctx) }
	rest := handler.NewREST(tasks, limiter, ready, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))
	rest.Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := cmdutil.SignalContext()
	defer stop()

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, ready)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
