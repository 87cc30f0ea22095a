package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-service/internal/cmdutil"
	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/kafka"
	"github.com/ramiqadoumi/go-task-service/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-service/services/dispatcher"
	"github.com/ramiqadoumi/go-task-service/services/dispatcher/config"
)

var declareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Create the dispatch and dead-letter topics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := kafka.DeclareTopics(ctx, strings.Split(cfg.KafkaBrokers, ","), cfg.Partitions); err != nil {
			return err
		}
		for _, t := range append(kafka.DispatchTopics(), kafka.DeadLetterTopic) {
			fmt.Fprintln(cmd.OutOrStdout(), "declared", t)
		}
		return nil
	},
}

var redispatchCmd = &cobra.Command{
	Use:   "redispatch [task-id...]",
	Short: "Publish NEW tasks again",
	Long: `Publish tasks that were stored but never queued.

Pass task ids explicitly, or --stale to pick every NEW task older than
stale_after. Tasks that are no longer NEW are skipped.`,
	RunE: runRedispatch,
}

func init() {
	redispatchCmd.Flags().Bool("stale", false, "redispatch every NEW task older than --stale-after")
	redispatchCmd.Flags().Duration("stale-after", 5*time.Minute, "age threshold for --stale")
	redispatchCmd.Flags().Int("batch-size", 100, "max tasks picked by --stale")
	cmdutil.BindFlag("stale_after", redispatchCmd.Flags(), "stale-after")
	cmdutil.BindFlag("batch_size", redispatchCmd.Flags(), "batch-size")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runRedispatch(cmd *cobra.Command, args []string) error {
	stale, _ := cmd.Flags().GetBool("stale")
	if !stale && len(args) == 0 {
		return errors.New("pass task ids or --stale")
	}

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

	ctx, stop := cmdutil.SignalContext()
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
	defer func() { _ = producer.Close() }()

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithPublishAttempts(cfg.PublishAttempts),
	}
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		opts = append(opts, dispatcher.WithDeliveryCounter(redisstore.NewDeliveryCounter(redisClient)))
	}
	d := dispatcher.NewDispatcher(producer, repo, opts...)

	ids := args
	if stale {
		tasks, err := repo.ListStale(ctx, domain.StatusNew, cfg.StaleAfter, cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list stale: %w", err)
		}
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
	}

	sum := dispatcher.RedispatchAll(ctx, d, ids)
	fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d, skipped %d, failed %d\n", sum.Dispatched, sum.Skipped, sum.Failed)
	if sum.Failed > 0 {
		logger.Warn("some tasks were not dispatched", slog.Int("failed", sum.Failed))
		return fmt.Errorf("%d tasks failed to dispatch", sum.Failed)
	}
	return nil
}
