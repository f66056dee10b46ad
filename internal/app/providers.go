package app

import (
	"context"

	"dcagate/internal/config"
)

func provideAppBuilder(cfg *config.Config, opts BuildOptions) *AppBuilder {
	return NewAppBuilder(cfg, opts)
}

func provideAppFromBuilder(b *AppBuilder, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}
