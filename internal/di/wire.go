//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"detection-engine/config"
	"detection-engine/internal/app"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*app.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvidePrometheusRegistry,
		ProvideMetrics,
		ProvideHealth,

		// Infrastructure
		ProvideChannel,
		ProvideSnapshotStore,

		// Services
		ProvideDetectorRegistry,
		ProvideDetectionService,
		ProvideCorrelationService,

		// Application server
		ProvideAPIServer,
		ProvideApp,
	)
	return nil, nil, nil
}
