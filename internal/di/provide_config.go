package di

import (
	"context"

	"github.com/pipeworks/shipper/internal/config"
)

// ProvideContext creates a new background context for the application.
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig loads the pipeline configuration from the registered path.
func ProvideConfig(path ConfigPath) (*config.Config, error) {
	return config.Load(string(path))
}
