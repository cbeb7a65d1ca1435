package models

import "time"

// DigestEntry is one line of the digest: a message annotated with the
// workspace and resolved names it came from. Text is truncated at capture.
type DigestEntry struct {
	Workspace   string `json:"workspace"`
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName,omitempty"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Text        string `json:"text"`
	Timestamp   string `json:"ts"`
	Permalink   string `json:"permalink,omitempty"`
}

// MentionRecord is a digest entry for an at-mention of the target user.
// Handled is true iff the user posted in the same thread strictly after
// the mention.
type MentionRecord struct {
	DigestEntry
	Handled bool `json:"handled"`
}

// DigestSummary holds the digest's aggregate counters
type DigestSummary struct {
	TotalMentions     int `json:"totalMentions"`
	UnhandledMentions int `json:"unhandledMentions"`
	TotalReplies      int `json:"totalReplies"`
}

// DigestPeriod describes the time window a digest covers
type DigestPeriod struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DigestReport is the one-shot digest artifact. It is never persisted
// across runs.
type DigestReport struct {
	Period      DigestPeriod    `json:"period"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Summary     DigestSummary   `json:"summary"`
	Mentions    []MentionRecord `json:"mentions"`
	Replies     []DigestEntry   `json:"replies"`
}
