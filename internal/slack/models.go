package slack

import (
	"encoding/json"
	"strings"
)

// AuthTestResponse is the auth.test response
type AuthTestResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	UserID string `json:"user_id"`
	User   string `json:"user"`
	TeamID string `json:"team_id"`
	Team   string `json:"team"`
	URL    string `json:"url"`
}

// Block is one structured message block. Slack nests rich_text elements
// recursively, and the "text" field is a bare string on leaves but an object
// on section blocks, so it is decoded lazily.
type Block struct {
	Type     string          `json:"type"`
	Text     json.RawMessage `json:"text,omitempty"`
	Elements []Block         `json:"elements,omitempty"`
}

func (b Block) textValue() string {
	if len(b.Text) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Text, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Text, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// FirstBlockText returns the first non-empty text in a depth-first walk of
// the blocks, used as a fallback when a message's plain text field is empty.
func FirstBlockText(blocks []Block) string {
	for _, b := range blocks {
		if t := strings.TrimSpace(b.textValue()); t != "" {
			return t
		}
		if t := FirstBlockText(b.Elements); t != "" {
			return t
		}
	}
	return ""
}

// SearchChannel identifies the channel a search match was found in
type SearchChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SearchMatch is one message returned by search.messages
type SearchMatch struct {
	Type      string        `json:"type"`
	TS        string        `json:"ts"`
	ThreadTS  string        `json:"thread_ts,omitempty"`
	Channel   SearchChannel `json:"channel"`
	User      string        `json:"user"`
	Username  string        `json:"username"`
	Text      string        `json:"text"`
	Permalink string        `json:"permalink"`
	Blocks    []Block       `json:"blocks,omitempty"`
}

// SearchPaging is the paging envelope of a search response
type SearchPaging struct {
	Count int `json:"count"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// SearchMessages is the messages envelope of a search response
type SearchMessages struct {
	Total   int           `json:"total"`
	Paging  SearchPaging  `json:"paging"`
	Matches []SearchMatch `json:"matches"`
}

// SearchResponse is the search.messages response
type SearchResponse struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Query    string         `json:"query"`
	Messages SearchMessages `json:"messages"`
}

// ThreadMessage is one message inside a thread or channel history
type ThreadMessage struct {
	Type     string  `json:"type"`
	Subtype  string  `json:"subtype,omitempty"`
	TS       string  `json:"ts"`
	ThreadTS string  `json:"thread_ts,omitempty"`
	User     string  `json:"user"`
	Text     string  `json:"text"`
	Blocks   []Block `json:"blocks,omitempty"`
}

// RepliesResponse is the conversations.replies response
type RepliesResponse struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Messages []ThreadMessage `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// HistoryResponse is the conversations.history response
type HistoryResponse struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Messages []ThreadMessage `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// PostMessageResponse is the chat.postMessage response
type PostMessageResponse struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Channel string        `json:"channel"`
	TS      string        `json:"ts"`
	Message ThreadMessage `json:"message"`
}

// UserProfile carries the name fields of a workspace member
type UserProfile struct {
	DisplayName string `json:"display_name"`
	RealName    string `json:"real_name"`
}

// Member is one workspace member from users.list
type Member struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Deleted bool        `json:"deleted"`
	IsBot   bool        `json:"is_bot"`
	Profile UserProfile `json:"profile"`
}

// DisplayName returns the member's preferred human-readable name
func (m Member) DisplayName() string {
	if m.Profile.DisplayName != "" {
		return m.Profile.DisplayName
	}
	if m.Profile.RealName != "" {
		return m.Profile.RealName
	}
	return m.Name
}

// UsersListResponse is the users.list response
type UsersListResponse struct {
	OK               bool     `json:"ok"`
	Error            string   `json:"error,omitempty"`
	Members          []Member `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// Conversation is one channel from conversations.list
type Conversation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsChannel bool   `json:"is_channel"`
	IsGroup   bool   `json:"is_group"`
	IsIM      bool   `json:"is_im"`
	IsMember  bool   `json:"is_member"`
}

// ChannelsListResponse is the conversations.list response
type ChannelsListResponse struct {
	OK               bool           `json:"ok"`
	Error            string         `json:"error,omitempty"`
	Channels         []Conversation `json:"channels"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}
