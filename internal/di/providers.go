package di

import (
	"context"
	"fmt"
	"time"

	drepo "ConflictCast/internal/domain/repository"
	"ConflictCast/internal/handler/api"
	"ConflictCast/internal/jobs"
	mid "ConflictCast/internal/middleware"
	internalrepo "ConflictCast/internal/repository"
	"ConflictCast/internal/services/forecasting"
	"ConflictCast/internal/usecase"
	"ConflictCast/pkg/cache"
	pkgch "ConflictCast/pkg/clickhouse"
	"ConflictCast/pkg/config"
	xhttp "ConflictCast/pkg/http"
	pkgkafka "ConflictCast/pkg/kafka"
	applogger "ConflictCast/pkg/logger"
	"ConflictCast/pkg/metrics"
	"ConflictCast/pkg/queue"
	"ConflictCast/pkg/server"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	level := cfg.Logging.Level
	if level == "" {
		level = "info"
	}
	format := cfg.Logging.Format
	if format == "" {
		format = "json"
	}
	output := cfg.Logging.Output
	if output == "" {
		output = "stdout"
	}
	return applogger.New(&applogger.Config{Level: level, Format: format, Output: output})
}

// ProvideRedisClient creates the shared Redis client for the job queue.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
}

// ProvideClickHouseClient creates the ClickHouse client and ensures the
// observations schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.ObservationSchema); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideCacheStore creates the result cache backend selected in config.
func ProvideCacheStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		opts := []cache.MemoryOption{}
		if cfg.Cache.MemorySize > 0 {
			opts = append(opts, cache.WithMemoryMaxSize(cfg.Cache.MemorySize))
		}
		return cache.NewMemoryCache(opts...), nil
	case "redis":
		return cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Addr),
			cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns),
		)
	case "layered":
		l2, err := cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Addr),
			cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns),
		)
		if err != nil {
			return nil, err
		}
		opts := []cache.LayeredOption{}
		if cfg.Cache.MemorySize > 0 {
			opts = append(opts, cache.WithLayeredMemorySize(cfg.Cache.MemorySize))
		}
		if cfg.Cache.L1TTL > 0 {
			opts = append(opts, cache.WithLayeredL1TTL(cfg.Cache.L1TTL))
		}
		return cache.NewLayeredCache(l2, opts...), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() drepo.Metrics {
	return metrics.New()
}

// ProvideMetricsStore keeps backtest scorecards in the cache backend.
func ProvideMetricsStore(store cache.Store, cfg *config.Config) drepo.MetricsStore {
	return internalrepo.NewCachedMetricsStore(store, cfg.Cache.MetricsTTL)
}

// ProvideSeriesSource creates the ClickHouse observation reader.
func ProvideSeriesSource(ch *pkgch.Client, l *applogger.Logger) drepo.SeriesSource {
	return internalrepo.NewCHObservationStore(ch, l)
}

// ProvideReportSink creates the Kafka report producer; a nil sink means the
// report layer is disabled and submissions are skipped.
func ProvideReportSink(cfg *config.Config) (drepo.ReportSink, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return internalrepo.NewKafkaReportSink(producer, cfg.Kafka.ForecastTopic, cfg.Kafka.MetricsTopic), nil
}

// ProvideQueue creates the Redis job queue with job metrics attached.
func ProvideQueue(l *applogger.Logger, cfg *config.Config, client *redis.Client, m drepo.Metrics) *queue.RedisQueue {
	return queue.NewRedisQueue(l, &queue.Config{
		Workers:      cfg.Jobs.Workers,
		RetryLimit:   cfg.Jobs.RetryLimit,
		RetryDelay:   cfg.Jobs.RetryDelay,
		PollInterval: cfg.Jobs.PollInterval,
	}, client, queue.WithObserver(m.RecordJob))
}

// ProvideEngine creates the forecast engine.
func ProvideEngine(
	l *applogger.Logger,
	cfg *config.Config,
	source drepo.SeriesSource,
	sink drepo.ReportSink,
	metricsStore drepo.MetricsStore,
	m drepo.Metrics,
	store cache.Store,
	q *queue.RedisQueue,
) *usecase.ForecastEngine {
	return usecase.NewForecastEngine(l, usecase.EngineConfig{
		Model: forecasting.Config{
			SeasonalPeriod: cfg.Forecast.SeasonalPeriod,
			MaxAROrder:     cfg.Forecast.MaxAROrder,
			IntervalZ:      cfg.Forecast.IntervalZ,
			ChangepointZ:   cfg.Forecast.ChangepointZ,
		},
		Combiner:       forecasting.CombinerConfig{WeightExponent: cfg.Forecast.WeightExponent},
		CacheTTL:       cfg.Forecast.CacheTTL,
		ComputeTimeout: cfg.Forecast.ComputeTimeout,
		FitTimeout:     cfg.Forecast.FitTimeout,
		FetchRetries:   cfg.Forecast.FetchRetries,
	}, source, sink, metricsStore, m, store, q)
}

// ProvideJobHandlers creates the background job handlers. The report
// handler needs a live sink and is omitted when the report layer is off.
func ProvideJobHandlers(l *applogger.Logger, engine *usecase.ForecastEngine, sink drepo.ReportSink) []queue.Handler {
	handlers := []queue.Handler{
		jobs.NewRecomputeHandler(l, engine),
		jobs.NewEvaluationHandler(l, engine),
	}
	if sink != nil {
		handlers = append(handlers, jobs.NewReportHandler(l, engine, sink))
	}
	return handlers
}

// ProvideUpdatesConsumer creates the Kafka consumer for observation update
// events; nil when disabled. Handling failures are surfaced through a hook
// chain rather than handler-side bookkeeping.
func ProvideUpdatesConsumer(cfg *config.Config, l *applogger.Logger, m drepo.Metrics) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Updates.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Updates.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Updates.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Updates.BufferSize),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewHookChain(pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, _ kafkago.Message, _ []byte, err error) {
			m.RecordError("updates_consume")
			l.Warn("update event handling failed",
				applogger.String("topic", topic),
				applogger.Error(err))
		},
	}))
	return consumer, nil
}

// ProvideUpdatesListener creates the update event handler; nil when the
// consumer is disabled.
func ProvideUpdatesListener(cfg *config.Config, engine *usecase.ForecastEngine, m drepo.Metrics) pkgkafka.MessageHandler {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Updates.Enabled {
		return nil
	}
	topic := cfg.Kafka.Updates.Topic
	if topic == "" {
		topic = "conflictcast.observations.updated"
	}
	return mid.NewUpdatesListener(topic, engine, m)
}

// ProvideHTTPHandler creates the HTTP route handler.
func ProvideHTTPHandler(
	l *applogger.Logger,
	engine *usecase.ForecastEngine,
	q *queue.RedisQueue,
	store cache.Store,
	source drepo.SeriesSource,
) xhttp.Handler {
	return api.NewForecastHandler(l, engine, q, store, source)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	q *queue.RedisQueue,
	handlers []queue.Handler,
	consumer *pkgkafka.Consumer,
	listener pkgkafka.MessageHandler,
	chClient *pkgch.Client,
	store cache.Store,
	sink drepo.ReportSink,
	httpHandler xhttp.Handler,
) *server.App {
	return server.New(cfg, l, q, handlers, consumer, listener, chClient, store, sink, httpHandler)
}
