package core

import (
	"context"
	"fmt"

	"exprcore/internal/infra/persistence/memory"
	"exprcore/internal/infra/persistence/postgres"
	"exprcore/internal/infra/persistence/sqlite"
	"exprcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures the persistent store.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the configured backend. An empty driver selects sqlite.
// The returned close function releases database handles and is never nil.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(engine), noop, nil
	case "", StorageSQLite:
		st, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	case StoragePostgres:
		st, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
