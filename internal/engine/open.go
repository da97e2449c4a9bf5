package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/storage"
	"github.com/felixgeelhaar/polyglot/internal/storage/postgres"
	"github.com/felixgeelhaar/polyglot/internal/storage/sqlite"
)

// OpenStore opens and migrates the store selected by cfg.DatabaseDriver
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("opened postgres store")
		return store, nil

	case "sqlite", "":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		slog.Info("opened sqlite store", "path", cfg.SQLitePath)
		return sqlite.NewStore(db), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
