// Package namecache maintains per-workspace snapshots of user display names.
//
// The snapshot is a plain JSON file refreshed from users.list. Refreshes are
// expensive on large workspaces, so readers tolerate stale data: a lookup
// falls back to the raw user ID when the snapshot has no entry, and staleness
// only triggers a background refresh rather than blocking the caller.
package namecache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slack-exporter/internal/logging"
	"github.com/slack-exporter/internal/retry"
	"github.com/slack-exporter/internal/slack"
)

const (
	// DefaultStaleTTL is the snapshot age beyond which a refresh is wanted
	DefaultStaleTTL = 24 * time.Hour

	usersListPageSize = 200
)

// UserLister is the slice of the Slack client the refresher needs
type UserLister interface {
	UsersList(ctx context.Context, limit int, cursor string) (*slack.UsersListResponse, error)
}

// snapshot is the on-disk format of one workspace's cache file
type snapshot struct {
	Names     map[string]string `json:"names"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Cache reads and refreshes the display-name snapshot for one workspace.
// Lookups always re-read the file so a concurrently running refresher
// process is picked up without coordination.
type Cache struct {
	workspace string
	dir       string
	staleTTL  time.Duration
	now       func() time.Time
}

// New creates a cache for the given workspace rooted at dir
func New(workspace, dir string, staleTTL time.Duration) *Cache {
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	return &Cache{
		workspace: workspace,
		dir:       dir,
		staleTTL:  staleTTL,
		now:       time.Now,
	}
}

func (c *Cache) path() string {
	return filepath.Join(c.dir, "users_"+c.workspace+".json")
}

func (c *Cache) read() (*snapshot, error) {
	data, err := os.ReadFile(c.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &snapshot{Names: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("failed to read name cache: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode name cache: %w", err)
	}
	if snap.Names == nil {
		snap.Names = map[string]string{}
	}
	return &snap, nil
}

// Lookup resolves a user ID to a display name, falling back to the ID itself
// when the snapshot has no entry or cannot be read
func (c *Cache) Lookup(userID string) string {
	snap, err := c.read()
	if err != nil {
		logging.GetGlobalLogger().WithField("workspace", c.workspace).WithError(err).
			Warn("Name cache unreadable, falling back to user IDs")
		return userID
	}
	if name, ok := snap.Names[userID]; ok && name != "" {
		return name
	}
	return userID
}

// IsEmpty reports whether the snapshot file is missing or has no entries
func (c *Cache) IsEmpty() bool {
	snap, err := c.read()
	if err != nil {
		return true
	}
	return len(snap.Names) == 0
}

// IsStale reports whether the snapshot is older than the configured TTL.
// A missing snapshot is stale.
func (c *Cache) IsStale() bool {
	snap, err := c.read()
	if err != nil || snap.FetchedAt.IsZero() {
		return true
	}
	return c.now().Sub(snap.FetchedAt) > c.staleTTL
}

// Refresh synchronously rebuilds the snapshot from users.list. Deleted users
// and bots are kept: exported history can reference either.
func (c *Cache) Refresh(ctx context.Context, lister UserLister) error {
	log := logging.FromContext(ctx).WithField("workspace", c.workspace)

	names := make(map[string]string)
	cursor := ""
	for {
		var resp *slack.UsersListResponse
		err := retry.WithBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, _ int) error {
			var listErr error
			resp, listErr = lister.UsersList(ctx, usersListPageSize, cursor)
			return listErr
		})
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}

		for _, member := range resp.Members {
			names[member.ID] = member.DisplayName()
		}

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}

	if err := c.write(&snapshot{Names: names, FetchedAt: c.now().UTC()}); err != nil {
		return err
	}

	log.WithField("users", len(names)).Info("Name cache refreshed")
	return nil
}

// TriggerBackgroundRefresh starts a fire-and-forget refresh goroutine.
// Failures are logged, never surfaced: the caller keeps working with
// whatever snapshot it has.
func (c *Cache) TriggerBackgroundRefresh(ctx context.Context, lister UserLister) {
	go func() {
		if err := c.Refresh(ctx, lister); err != nil {
			logging.FromContext(ctx).WithField("workspace", c.workspace).WithError(err).
				Warn("Background name cache refresh failed")
		}
	}()
}

func (c *Cache) write(snap *snapshot) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode name cache: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, "users_"+c.workspace+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tmpName, c.path()); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
