// Package types provides common type definitions for the slack exporter system.
package types

// Tier represents a class of remote endpoints sharing one rate-limit ceiling.
type Tier string

const (
	// TierSearch covers search.messages calls
	TierSearch Tier = "search"
	// TierThreadFetch covers conversations.replies calls
	TierThreadFetch Tier = "thread_fetch"
)

// ChannelType represents the kind of conversation a channel id refers to
type ChannelType string

const (
	// ChannelTypeChannel represents a regular (public) channel
	ChannelTypeChannel ChannelType = "channel"
	// ChannelTypeDM represents a direct message conversation
	ChannelTypeDM ChannelType = "dm"
	// ChannelTypeGroup represents a private group
	ChannelTypeGroup ChannelType = "group"
	// ChannelTypeUnknown represents an id with an unrecognized prefix
	ChannelTypeUnknown ChannelType = "unknown"
)

// ClassifyChannel infers the conversation type from the id's leading character.
func ClassifyChannel(channelID string) ChannelType {
	if channelID == "" {
		return ChannelTypeUnknown
	}
	switch channelID[0] {
	case 'C':
		return ChannelTypeChannel
	case 'D':
		return ChannelTypeDM
	case 'G':
		return ChannelTypeGroup
	default:
		return ChannelTypeUnknown
	}
}

// JobStatus represents the phase of an export job
type JobStatus string

const (
	// StatusSearching represents the paginated search phase
	StatusSearching JobStatus = "searching"
	// StatusFetchingThreads represents the thread expansion phase
	StatusFetchingThreads JobStatus = "fetching_threads"
	// StatusWritingOutput represents the report assembly phase
	StatusWritingOutput JobStatus = "writing_output"
	// StatusCompleted represents a finished job
	StatusCompleted JobStatus = "completed"
	// StatusPaused represents a job suspended by cancellation, resumable
	StatusPaused JobStatus = "paused"
)

// Terminal reports whether the status admits no further work.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted
}

// ErrorKind is the closed enumeration of error categories recorded in job
// error logs and surfaced to callers. Logs are inspected structurally,
// never string-matched.
type ErrorKind string

const (
	// KindRateLimited represents a rate-limit rejection from the remote API
	KindRateLimited ErrorKind = "rate_limited"
	// KindNotFound represents a missing resource (deleted thread or channel)
	KindNotFound ErrorKind = "not_found"
	// KindNotAccessible represents a resource the user cannot read
	KindNotAccessible ErrorKind = "not_accessible"
	// KindAuthFailure represents a failed auth probe or invalid credentials
	KindAuthFailure ErrorKind = "auth_failure"
	// KindConfiguration represents a configuration problem caught before any remote call
	KindConfiguration ErrorKind = "configuration_error"
	// KindUnknown represents any other API-reported failure
	KindUnknown ErrorKind = "unknown"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
