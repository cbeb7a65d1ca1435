package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slack-exporter/internal/models"
)

// ExportCounts are the aggregate counters of a finished export
type ExportCounts struct {
	TotalThreads       int `json:"totalThreads"`
	StandaloneMessages int `json:"standaloneMessages"`
	MessagesFetched    int `json:"messagesFetched"`
	Channels           int `json:"channels"`
	Errors             int `json:"errors"`
}

// ExportDocument is the final artifact written at the end of an export
type ExportDocument struct {
	JobID       string           `json:"jobId"`
	Workspace   string           `json:"workspace"`
	UserID      string           `json:"userId"`
	Username    string           `json:"username"`
	DateRange   models.DateRange `json:"dateRange"`
	CompletedAt time.Time        `json:"completedAt"`
	Counts      ExportCounts     `json:"counts"`

	DisplayNames       map[string]string             `json:"displayNames"`
	Channels           map[string]models.ChannelMeta `json:"channels"`
	Threads            []models.ThreadRecord         `json:"threads"`
	StandaloneMessages []models.MessageRecord        `json:"standaloneMessages"`
	Errors             []models.ErrorEntry           `json:"errors,omitempty"`
}

// buildDocument assembles the export artifact from a job that has finished
// its thread expansion, resolving author display names through the cache
func buildDocument(job *models.ExportJob, names NameResolver, completedAt time.Time) *ExportDocument {
	displayNames := make(map[string]string)
	record := func(authorID string) {
		if authorID == "" {
			return
		}
		if _, done := displayNames[authorID]; !done {
			displayNames[authorID] = names.Lookup(authorID)
		}
	}

	messagesFetched := len(job.Accumulated.StandaloneMessages)
	for _, msg := range job.Accumulated.StandaloneMessages {
		record(msg.AuthorID)
	}
	for _, thread := range job.Accumulated.Threads {
		messagesFetched += thread.TotalMessages
		for _, msg := range thread.Messages {
			record(msg.AuthorID)
		}
	}

	return &ExportDocument{
		JobID:       job.ID,
		Workspace:   job.Workspace,
		UserID:      job.UserID,
		Username:    job.Username,
		DateRange:   job.DateRange,
		CompletedAt: completedAt,
		Counts: ExportCounts{
			TotalThreads:       len(job.Accumulated.Threads),
			StandaloneMessages: len(job.Accumulated.StandaloneMessages),
			MessagesFetched:    messagesFetched,
			Channels:           len(job.Accumulated.Channels),
			Errors:             len(job.Errors),
		},
		DisplayNames:       displayNames,
		Channels:           job.Accumulated.Channels,
		Threads:            job.Accumulated.Threads,
		StandaloneMessages: job.Accumulated.StandaloneMessages,
		Errors:             job.Errors,
	}
}

// writeDocument writes the artifact atomically, creating parent directories
func writeDocument(path string, doc *ExportDocument) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export document: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp output file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write export document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync export document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export document: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace export document: %w", err)
	}
	return nil
}
