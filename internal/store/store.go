// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/webpresence/internal/domain"
)

// Repository persists the relay's toggle state and preferences.
type Repository interface {
	// LoadSettings returns the saved settings, or nil if nothing was saved yet.
	LoadSettings(ctx context.Context) (*domain.Settings, error)

	// SaveSettings replaces the saved settings.
	SaveSettings(ctx context.Context, s domain.Settings) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
