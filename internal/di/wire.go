//go:build wireinject
// +build wireinject

package di

import (
	"AirCast/internal/usecase"
	"AirCast/pkg/config"
	"AirCast/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application with a cleanup func
// that releases clients in reverse order of construction.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Observability
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideRedisCache,
		ProvideSQLite,
		ProvideClickHouseClient,
		ProvideKafkaConsumer,
		ProvideObjectStore,
		ProvideQueue,
		ProvideCache,

		// Repositories
		ProvideJobStore,
		ProvideHistoryStore,
		ProvideEventHub,

		// Use cases
		ProvideTrainingJobRunner,
		ProvideTrainingService,
		ProvideTuningJobRunner,
		ProvideTuningService,
		ProvideEndpointService,
		usecase.NewHistoryService,
		ProvideJobEventsHandler,

		// Transport
		ProvideHandler,
		ProvideRateLimit,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
