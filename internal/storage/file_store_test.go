package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slack-exporter/internal/models"
	"github.com/slack-exporter/internal/types"
)

func testJob(workspace string) *models.ExportJob {
	job := models.NewExportJob(workspace, models.DateRange{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}, "export.json")
	job.UserID = "U123"
	job.Username = "tester"
	return job
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	job := testJob("acme")
	job.AddPendingThread(models.ThreadKey{ChannelID: "C1", ThreadTS: "111.1"})
	job.Accumulated.StandaloneMessages = append(job.Accumulated.StandaloneMessages, models.MessageRecord{
		Timestamp: "100.1",
		ChannelID: "C1",
		AuthorID:  "U123",
		Text:      "hello",
	})

	require.NoError(t, store.Save(ctx, "acme", job))

	loaded, err := store.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, types.StatusSearching, loaded.Status)
	assert.True(t, loaded.ThreadProgress.Pending["C1:111.1"])
	assert.Len(t, loaded.Accumulated.StandaloneMessages, 1)
}

func TestFileStore_LoadAbsent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	job := testJob("acme")
	require.NoError(t, store.Save(ctx, "acme", job))

	job.Status = types.StatusFetchingThreads
	job.SearchProgress.CurrentPage = 3
	require.NoError(t, store.Save(ctx, "acme", job))

	loaded, err := store.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFetchingThreads, loaded.Status)
	assert.Equal(t, 3, loaded.SearchProgress.CurrentPage)
}

func TestFileStore_ConcurrentWriterLocked(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Save(ctx, "acme", testJob("acme")))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	defer second.Close()

	err = second.Save(ctx, "acme", testJob("acme"))
	assert.ErrorIs(t, err, ErrLocked)

	// A different workspace is not blocked
	require.NoError(t, second.Save(ctx, "other", testJob("other")))
}

func TestFileStore_CloseReleasesLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "acme", testJob("acme")))
	require.NoError(t, first.Close())

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Save(ctx, "acme", testJob("acme")))
}

func TestFileStore_CrashedWriterDoesNotBlockResume(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "acme", testJob("acme")))

	// A killed process never runs Close. The kernel releases the flock when
	// the descriptors close, which is what closing them here simulates; the
	// lock file itself stays on disk.
	first.mu.Lock()
	for _, f := range first.locks {
		require.NoError(t, f.Close())
	}
	first.locks = make(map[string]*os.File)
	first.mu.Unlock()

	_, err = os.Stat(filepath.Join(dir, "acme.lock"))
	require.NoError(t, err)

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Save(ctx, "acme", testJob("acme")))

	loaded, err := second.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.Workspace)
}

func TestFileStore_Delete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "acme", testJob("acme")))
	require.NoError(t, store.Delete(ctx, "acme"))

	_, err = store.Load(ctx, "acme")
	assert.ErrorIs(t, err, ErrNoJob)

	assert.ErrorIs(t, store.Delete(ctx, "acme"), ErrNoJob)
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(context.Background(), "acme", testJob("acme")))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
