//go:build wireinject
// +build wireinject

package di

import (
	"ConflictCast/pkg/config"
	"ConflictCast/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideRedisClient,
		ProvideClickHouseClient,
		ProvideCacheStore,

		// Repositories
		ProvideSeriesSource,
		ProvideReportSink,
		ProvideMetricsStore,

		// Scheduler and engine
		ProvideQueue,
		ProvideEngine,
		ProvideJobHandlers,

		// Transports
		ProvideUpdatesConsumer,
		ProvideUpdatesListener,
		ProvideHTTPHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
