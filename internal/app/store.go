package app

import (
	"context"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"

	"lastmile/internal/config"
	"lastmile/internal/repository"
	"lastmile/internal/repository/file"
	"lastmile/internal/repository/postgres"
)

// NewDeliveryRepository opens the backend selected by cfg.Store.Backend. The memory
// backend has no repository and returns nil. The returned close function is never nil.
func NewDeliveryRepository(
	ctx context.Context,
	cfg *config.Config,
	nrApp *newrelic.Application,
	log *zap.Logger,
) (repository.DeliveryRepository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Backend {
	case config.BackendMemory:
		log.Info("delivery store is in memory only")
		return nil, noop, nil

	case config.BackendFile:
		log.Info("delivery store backed by snapshot file", zap.String("path", cfg.Store.FilePath))
		return file.NewSnapshotRepository(cfg.Store.FilePath), noop, nil

	case config.BackendPostgres:
		db, err := NewDatabase(ctx, cfg.Database, nrApp)
		if err != nil {
			return nil, noop, err
		}
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, noop, err
			}
		}
		log.Info("delivery store backed by PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName),
		)
		return postgres.NewDeliveryRepository(db), db.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
