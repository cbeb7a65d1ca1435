// Package slack implements the remote message source: an authenticated
// client for the Slack private web API using browser tokens (xoxc/xoxd).
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/slack-exporter/internal/errors"
)

const defaultBaseURL = "https://slack.com/api"

// Browser user agent presented on every call. The private API expects
// requests that look like the web client.
const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/143.0.0.0 Safari/537.36"

// Client issues authenticated calls against the Slack web API. It carries a
// transport-level courtesy limiter; the per-tier pacing windows live in
// internal/pacing and sit above this client.
type Client struct {
	workspace string
	token     string
	cookie    string
	userAgent string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
}

// ClientConfig holds configuration for a workspace client
type ClientConfig struct {
	// Workspace is the configured workspace name, used in error reporting.
	Workspace string

	// XoxcToken is the browser session token.
	XoxcToken string

	// XoxdToken is the "d" cookie value paired with the session token.
	XoxdToken string

	// UserAgent overrides the default desktop browser user agent.
	UserAgent string

	// BaseURL overrides the API base URL, for tests.
	BaseURL string

	// RequestsPerSecond bounds the transport-level courtesy limiter.
	// Default: 3.
	RequestsPerSecond float64
}

// NewClient creates a new Slack API client for one workspace
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, apperrors.NewConfigurationError("slack client configuration is required")
	}
	if cfg.XoxcToken == "" || cfg.XoxdToken == "" {
		return nil, apperrors.NewConfigurationError(
			fmt.Sprintf("workspace %q is missing browser tokens", cfg.Workspace))
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 3.0
	}

	return &Client{
		workspace: cfg.Workspace,
		token:     cfg.XoxcToken,
		cookie:    cfg.XoxdToken,
		userAgent: userAgent,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// Workspace returns the workspace this client is bound to
func (c *Client) Workspace() string {
	return c.workspace
}

// post issues an authenticated form-encoded POST with the stealth fields the
// web client sends, and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transport limiter: %w", err)
	}

	payload := url.Values{}
	payload.Set("token", c.token)
	payload.Set("_x_reason", "api-call")
	payload.Set("_x_mode", "online")
	payload.Set("_x_sonic", "true")
	payload.Set("_x_app_name", "client")
	for key, values := range form {
		for _, v := range values {
			payload.Add(key, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "en-NZ,en-AU;q=0.9,en;q=0.8")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "d", Value: c.cookie})

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.NewRateLimitError(retryAfterHeader(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// retryAfterHeader parses the Retry-After header of a 429, zero when absent
func retryAfterHeader(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// apiError maps an API-reported error code to the categorized taxonomy
func (c *Client) apiError(operation, resource, id, code string) error {
	switch code {
	case "ratelimited", "rate_limited":
		return apperrors.NewRateLimitError(0)
	case "thread_not_found", "channel_not_found", "message_not_found":
		return apperrors.NewNotFoundError(resource, id)
	case "not_in_channel", "is_archived", "access_denied":
		return apperrors.NewNotAccessibleError(resource, id, code)
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired":
		return apperrors.NewAuthFailureError(c.workspace, code)
	default:
		return apperrors.NewUnknownError(operation, fmt.Errorf("api error: %s", code))
	}
}

// AuthTest tests authentication and resolves the current user's identity
func (c *Client) AuthTest(ctx context.Context) (*AuthTestResponse, error) {
	var resp AuthTestResponse
	if err := c.post(ctx, "auth.test", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("auth.test", "workspace", c.workspace, resp.Error)
	}
	return &resp, nil
}

// SearchMessages searches messages with paging. Supports Slack search
// modifiers like from:, in:, after: in the query.
func (c *Client) SearchMessages(ctx context.Context, query string, page, count int, sort string) (*SearchResponse, error) {
	if sort == "" {
		sort = "timestamp"
	}
	form := url.Values{}
	form.Set("query", query)
	form.Set("count", strconv.Itoa(count))
	form.Set("page", strconv.Itoa(page))
	form.Set("sort", sort)
	form.Set("sort_dir", "asc")

	var resp SearchResponse
	if err := c.post(ctx, "search.messages", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("search.messages", "query", query, resp.Error)
	}
	return &resp, nil
}

// ConversationsReplies fetches all messages of a thread
func (c *Client) ConversationsReplies(ctx context.Context, channel, threadTS string) (*RepliesResponse, error) {
	form := url.Values{}
	form.Set("channel", channel)
	form.Set("ts", threadTS)

	var resp RepliesResponse
	if err := c.post(ctx, "conversations.replies", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("conversations.replies", "thread", channel+":"+threadTS, resp.Error)
	}
	return &resp, nil
}

// ConversationsHistory fetches recent message history of a channel or DM
func (c *Client) ConversationsHistory(ctx context.Context, channel string, limit int) (*HistoryResponse, error) {
	form := url.Values{}
	form.Set("channel", channel)
	form.Set("limit", strconv.Itoa(limit))

	var resp HistoryResponse
	if err := c.post(ctx, "conversations.history", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("conversations.history", "channel", channel, resp.Error)
	}
	return &resp, nil
}

// PostMessage sends a message to a channel, DM or thread
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (*PostMessageResponse, error) {
	form := url.Values{}
	form.Set("channel", channel)
	form.Set("text", text)
	form.Set("unfurl_links", "true")
	form.Set("unfurl_media", "true")
	if threadTS != "" {
		form.Set("thread_ts", threadTS)
	}

	var resp PostMessageResponse
	if err := c.post(ctx, "chat.postMessage", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("chat.postMessage", "channel", channel, resp.Error)
	}
	return &resp, nil
}

// UsersList lists workspace members, one page per call
func (c *Client) UsersList(ctx context.Context, limit int, cursor string) (*UsersListResponse, error) {
	form := url.Values{}
	form.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		form.Set("cursor", cursor)
	}

	var resp UsersListResponse
	if err := c.post(ctx, "users.list", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("users.list", "workspace", c.workspace, resp.Error)
	}
	return &resp, nil
}

// ChannelsList lists channels, DMs and group DMs
func (c *Client) ChannelsList(ctx context.Context, channelTypes string, limit int) (*ChannelsListResponse, error) {
	if channelTypes == "" {
		channelTypes = "public_channel,private_channel,im,mpim"
	}
	form := url.Values{}
	form.Set("types", channelTypes)
	form.Set("limit", strconv.Itoa(limit))
	form.Set("exclude_archived", "true")

	var resp ChannelsListResponse
	if err := c.post(ctx, "conversations.list", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, c.apiError("conversations.list", "workspace", c.workspace, resp.Error)
	}
	return &resp, nil
}

// PermalinkStyle selects how a generated permalink opens
type PermalinkStyle string

const (
	// PermalinkApp opens in the native Slack app (/archives/ path)
	PermalinkApp PermalinkStyle = "app"
	// PermalinkBrowser opens in a web browser (/messages/ path)
	PermalinkBrowser PermalinkStyle = "browser"
)

// Permalink builds a permalink for a message. When workspace is empty the
// workspace name is resolved via auth.test.
func (c *Client) Permalink(ctx context.Context, channel, messageTS, workspace string, style PermalinkStyle) (string, error) {
	if workspace == "" {
		auth, err := c.AuthTest(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to resolve workspace for permalink: %w", err)
		}
		workspace = strings.TrimSuffix(strings.TrimPrefix(auth.URL, "https://"), ".slack.com/")
	}

	// The permalink form drops the dot from the message timestamp
	formattedTS := strings.ReplaceAll(messageTS, ".", "")

	path := "archives"
	if style == PermalinkBrowser {
		path = "messages"
	}
	return fmt.Sprintf("https://%s.slack.com/%s/%s/p%s", workspace, path, channel, formattedTS), nil
}
