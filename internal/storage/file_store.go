package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/slack-exporter/internal/models"
)

// FileStore persists one JSON state file per workspace under a directory.
// This is the default backend and matches single-machine usage.
//
// An advisory flock per workspace enforces the single-writer constraint:
// the lock is taken on first write and held until Close, and a concurrent
// writer gets ErrLocked instead of silently corrupting the state file. The
// kernel drops the lock when the holding process dies, so a killed export
// never blocks its own resume.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*os.File
}

// NewFileStore creates a file store rooted at dir, creating it as needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*os.File),
	}, nil
}

func (s *FileStore) statePath(workspace string) string {
	return filepath.Join(s.dir, workspace+".json")
}

func (s *FileStore) lockPath(workspace string) string {
	return filepath.Join(s.dir, workspace+".lock")
}

// acquire takes the workspace's advisory lock if this store does not hold it
// already. Caller holds s.mu.
func (s *FileStore) acquire(workspace string) error {
	if _, held := s.locks[workspace]; held {
		return nil
	}

	f, err := os.OpenFile(s.lockPath(workspace), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("failed to lock state: %w", err)
	}

	// The pid identifies the holder for an operator inspecting a stuck lock
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	s.locks[workspace] = f
	return nil
}

// Load reads the workspace's persisted job. Absent state maps to ErrNoJob.
func (s *FileStore) Load(_ context.Context, workspace string) (*models.ExportJob, error) {
	data, err := os.ReadFile(s.statePath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var job models.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode state file for %s: %w", workspace, err)
	}
	return &job, nil
}

// Save writes the job durably: temp file, fsync, then atomic rename.
func (s *FileStore) Save(_ context.Context, workspace string, job *models.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(workspace); err != nil {
		return err
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, workspace+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpName, s.statePath(workspace)); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Delete removes the workspace's persisted job
func (s *FileStore) Delete(_ context.Context, workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(workspace); err != nil {
		return err
	}

	if err := os.Remove(s.statePath(workspace)); err != nil {
		if os.IsNotExist(err) {
			return ErrNoJob
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// Close releases every advisory lock this store holds. The lock files stay
// on disk; closing the descriptor is what releases the flock, and removing
// the file would let two late acquirers lock different inodes.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for workspace, f := range s.locks {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.locks, workspace)
	}
	return firstErr
}
