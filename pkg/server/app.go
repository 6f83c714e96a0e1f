package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ConflictCast/internal/domain/models"
	drepo "ConflictCast/internal/domain/repository"
	"ConflictCast/pkg/cache"
	pkgch "ConflictCast/pkg/clickhouse"
	"ConflictCast/pkg/config"
	xhttp "ConflictCast/pkg/http"
	pkgkafka "ConflictCast/pkg/kafka"
	applogger "ConflictCast/pkg/logger"
	"ConflictCast/pkg/queue"
)

// App encapsulates the entire application lifecycle: the job queue, the
// optional update consumer and the HTTP surface, started together and torn
// down in reverse order.
type App struct {
	cfg         *config.Config
	logger      *applogger.Logger
	queue       *queue.RedisQueue
	handlers    []queue.Handler
	consumer    *pkgkafka.Consumer
	listener    pkgkafka.MessageHandler
	chClient    *pkgch.Client
	store       cache.Store
	sink        drepo.ReportSink
	httpServer  *xhttp.Server
	httpHandler xhttp.Handler
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	logger *applogger.Logger,
	q *queue.RedisQueue,
	handlers []queue.Handler,
	consumer *pkgkafka.Consumer,
	listener pkgkafka.MessageHandler,
	chClient *pkgch.Client,
	store cache.Store,
	sink drepo.ReportSink,
	httpHandler xhttp.Handler,
) *App {
	return &App{
		cfg:         cfg,
		logger:      logger,
		queue:       q,
		handlers:    handlers,
		consumer:    consumer,
		listener:    listener,
		chClient:    chClient,
		store:       store,
		sink:        sink,
		httpHandler: httpHandler,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.queue.RegisterHandlers(a.handlers)
	if err := a.queue.Start(); err != nil {
		return err
	}
	if err := a.ensureWarmSchedules(ctx); err != nil {
		a.logger.Warn("cache warm schedules not registered", applogger.Error(err))
	}

	if a.consumer != nil && a.listener != nil {
		a.consumer.RegisterHandler(a.listener)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.logger.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.logger.Info("update consumer started", applogger.String("topic", a.listener.Topic()))
	}

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithHost(a.cfg.Server.Host),
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)
	if err := a.httpServer.Start(); err != nil {
		return err
	}
	a.logger.Info("serving",
		applogger.String("env", a.cfg.Environment),
		applogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// ensureWarmSchedules registers the periodic recompute jobs that keep the
// configured locations' forecasts warm.
func (a *App) ensureWarmSchedules(ctx context.Context) error {
	warm := a.cfg.Jobs.Warm
	if len(warm.Locations) == 0 || warm.Every <= 0 {
		return nil
	}
	horizon := warm.Horizon
	if horizon <= 0 {
		horizon = 4
	}
	for _, location := range warm.Locations {
		id, err := a.queue.EnsurePeriodic(ctx, string(models.JobRecomputeForecast), models.JobParams{
			Location: location,
			Variant:  models.VariantEnsemble,
			Horizon:  horizon,
		}, warm.Every)
		if err != nil {
			return err
		}
		a.logger.Info("warm schedule ensured",
			applogger.String("location", location),
			applogger.String("job_id", id),
			applogger.Duration("every", warm.Every))
	}
	return nil
}

// shutdown gracefully stops all services in reverse start order.
func (a *App) shutdown(ctx context.Context) error {
	shutdownTO := a.cfg.Server.ShutdownTimeout
	if shutdownTO <= 0 {
		shutdownTO = 10 * time.Second
	}

	httpCtx, cancel := context.WithTimeout(ctx, shutdownTO)
	defer cancel()
	if err := a.httpServer.Stop(httpCtx); err != nil {
		a.logger.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	queueCtx, qcancel := context.WithTimeout(ctx, shutdownTO)
	defer qcancel()
	if err := a.queue.Stop(queueCtx); err != nil {
		a.logger.Warn("queue stop error", applogger.Error(err))
	}

	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("report sink close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.logger.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("cache close error", applogger.Error(err))
	}

	a.logger.Info("shutdown complete")
	return nil
}
