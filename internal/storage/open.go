package storage

import (
	"fmt"

	"github.com/slack-exporter/internal/config"
)

// Open selects and initializes the job store named by cfg.Backend
func Open(cfg *config.StorageConfig) (JobStore, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.StateDir)
	case "redis":
		return NewRedisStore(&cfg.Redis)
	case "postgres":
		return NewPostgresStore(&cfg.Postgres)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}
}
