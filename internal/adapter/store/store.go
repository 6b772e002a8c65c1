package store

import (
	"fmt"
	"path/filepath"

	"gatelink/internal/domain"
	"gatelink/internal/infra/config"
)

// Store is a KVStore that owns resources.
type Store interface {
	domain.KVStore
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		return NewSQLiteStore(filepath.Join(cfg.Dir, "state.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
