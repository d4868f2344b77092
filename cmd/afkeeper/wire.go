//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/config"
)

func initializeApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, func(), error) {
	wire.Build(
		provideRegistry,
		provideFanout,
		provideDialer,
		providePool,
		provideJournal,
		provideManager,
		provideHandler,
		provideWebServer,
		newApp,
	)
	return nil, nil, nil
}
