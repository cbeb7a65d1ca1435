// Package storage provides the export state store: a durable,
// workspace-keyed record of in-progress or completed export jobs. The
// pipeline reads and writes it as its only persisted memory.
package storage

import (
	"context"
	"errors"

	"github.com/slack-exporter/internal/models"
)

// ErrNoJob is returned by Load when no job exists for the workspace.
var ErrNoJob = errors.New("no export job for workspace")

// ErrLocked is returned when another process holds the workspace's state.
// At most one pipeline instance may run per workspace.
var ErrLocked = errors.New("export state locked by another process")

// JobStore persists export jobs keyed by workspace. Save must be durable
// before it returns. Implementations enforce a single writer per workspace
// where the backing medium allows it.
type JobStore interface {
	Load(ctx context.Context, workspace string) (*models.ExportJob, error)
	Save(ctx context.Context, workspace string, job *models.ExportJob) error
	Delete(ctx context.Context, workspace string) error
	Close() error
}
