package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slack-exporter/internal/types"
)

// ThreadKey is the composite identity of a conversation thread. It is the
// deduplication unit across export phases.
type ThreadKey struct {
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs"`
}

// String returns the canonical "channel:ts" form used as a set key.
func (k ThreadKey) String() string {
	return k.ChannelID + ":" + k.ThreadTS
}

// ParseThreadKey parses the canonical "channel:ts" form
func ParseThreadKey(s string) (ThreadKey, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return ThreadKey{}, fmt.Errorf("invalid thread key: %q", s)
	}
	return ThreadKey{ChannelID: s[:idx], ThreadTS: s[idx+1:]}, nil
}

// DateRange bounds the export search window. Immutable once the job exists.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SearchProgress tracks the paginated search phase
type SearchProgress struct {
	TotalMatches    int `json:"totalMatches"`
	CurrentPage     int `json:"currentPage"`
	MessagesFetched int `json:"messagesFetched"`
}

// ThreadProgress tracks the thread expansion phase. Pending and Fetched are
// sets of canonical thread keys.
type ThreadProgress struct {
	Pending map[string]bool `json:"pending"`
	Fetched map[string]bool `json:"fetched"`
	Cursor  string          `json:"cursor,omitempty"`
}

// ChannelMeta describes a channel seen during the export
type ChannelMeta struct {
	ID   string            `json:"id"`
	Name string            `json:"name,omitempty"`
	Type types.ChannelType `json:"type"`
}

// MessageRecord is a single exported message. Immutable once recorded.
type MessageRecord struct {
	Timestamp        string `json:"ts"`
	ChannelID        string `json:"channelId"`
	AuthorID         string `json:"authorId"`
	Text             string `json:"text"`
	IsAuthoredByUser bool   `json:"isAuthoredByUser"`
	Permalink        string `json:"permalink,omitempty"`
}

// ThreadRecord is a fully fetched thread, built once when the fetch completes
type ThreadRecord struct {
	ThreadKey        ThreadKey       `json:"threadKey"`
	TotalMessages    int             `json:"totalMessages"`
	UserMessageCount int             `json:"userMessageCount"`
	Messages         []MessageRecord `json:"messages"`
}

// AccumulatedData holds everything gathered so far for the export artifact
type AccumulatedData struct {
	Channels           map[string]ChannelMeta `json:"channels"`
	Threads            []ThreadRecord         `json:"threads"`
	StandaloneMessages []MessageRecord        `json:"standaloneMessages"`
}

// ErrorEntry is one record in the job's append-only error log
type ErrorEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      types.ErrorKind `json:"kind"`
	Detail    string          `json:"detail"`
}

// ExportJob is the durable record of one export, at most one active per
// workspace. It is the pipeline's only persisted memory.
type ExportJob struct {
	ID           string          `json:"id"`
	Workspace    string          `json:"workspace"`
	Status       types.JobStatus `json:"status"`
	DateRange    DateRange       `json:"dateRange"`
	OutputTarget string          `json:"outputTarget"`

	UserID   string `json:"userId"`
	Username string `json:"username"`

	SearchProgress SearchProgress  `json:"searchProgress"`
	ThreadProgress ThreadProgress  `json:"threadProgress"`
	Accumulated    AccumulatedData `json:"accumulatedData"`
	Errors         []ErrorEntry    `json:"errors"`

	// PausedFrom remembers the phase a paused job was suspended in
	PausedFrom types.JobStatus `json:"pausedFrom,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewExportJob creates a fresh job in the searching phase
func NewExportJob(workspace string, dateRange DateRange, outputTarget string) *ExportJob {
	now := time.Now().UTC()
	return &ExportJob{
		ID:           uuid.New().String()[:8],
		Workspace:    workspace,
		Status:       types.StatusSearching,
		DateRange:    dateRange,
		OutputTarget: outputTarget,
		ThreadProgress: ThreadProgress{
			Pending: make(map[string]bool),
			Fetched: make(map[string]bool),
		},
		Accumulated: AccumulatedData{
			Channels: make(map[string]ChannelMeta),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddPendingThread inserts a thread key into the pending set. The insert is
// idempotent; it reports whether the key was new.
func (j *ExportJob) AddPendingThread(key ThreadKey) bool {
	k := key.String()
	if j.ThreadProgress.Pending[k] {
		return false
	}
	j.ThreadProgress.Pending[k] = true
	return true
}

// MarkThreadFetched records a terminal outcome for a thread key. Once fetched,
// a key is never processed again.
func (j *ExportJob) MarkThreadFetched(key ThreadKey) {
	j.ThreadProgress.Fetched[key.String()] = true
}

// IsThreadFetched reports whether the key already has a terminal outcome
func (j *ExportJob) IsThreadFetched(key ThreadKey) bool {
	return j.ThreadProgress.Fetched[key.String()]
}

// RemainingThreads returns pending keys without a terminal outcome, in a
// stable sorted order so resumed runs walk threads deterministically.
func (j *ExportJob) RemainingThreads() []ThreadKey {
	var keys []string
	for k := range j.ThreadProgress.Pending {
		if !j.ThreadProgress.Fetched[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	remaining := make([]ThreadKey, 0, len(keys))
	for _, k := range keys {
		key, err := ParseThreadKey(k)
		if err != nil {
			continue
		}
		remaining = append(remaining, key)
	}
	return remaining
}

// RegisterChannel records channel metadata the first time the channel is seen
func (j *ExportJob) RegisterChannel(id, name string) {
	if _, seen := j.Accumulated.Channels[id]; seen {
		return
	}
	j.Accumulated.Channels[id] = ChannelMeta{
		ID:   id,
		Name: name,
		Type: types.ClassifyChannel(id),
	}
}

// AppendError appends an entry to the job's error log
func (j *ExportJob) AppendError(kind types.ErrorKind, detail string) {
	j.Errors = append(j.Errors, ErrorEntry{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Detail:    detail,
	})
}

// Touch refreshes the job's UpdatedAt ahead of a checkpoint
func (j *ExportJob) Touch() {
	j.UpdatedAt = time.Now().UTC()
}

// Pause suspends the job, remembering the phase to re-enter on resume.
// Pausing an already paused job keeps the original suspend point.
func (j *ExportJob) Pause() {
	if j.Status != types.StatusPaused {
		j.PausedFrom = j.Status
		j.Status = types.StatusPaused
	}
	j.UpdatedAt = time.Now().UTC()
}

// CurrentPhase returns the phase to execute: the suspended phase for a
// paused job, the status itself otherwise.
func (j *ExportJob) CurrentPhase() types.JobStatus {
	if j.Status == types.StatusPaused {
		return j.PausedFrom
	}
	return j.Status
}

// Complete marks the job completed with a completion timestamp
func (j *ExportJob) Complete() {
	now := time.Now().UTC()
	j.Status = types.StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}
