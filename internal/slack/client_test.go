package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/slack-exporter/internal/errors"
	"github.com/slack-exporter/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&ClientConfig{
		Workspace:         "acme",
		XoxcToken:         "xoxc-test",
		XoxdToken:         "xoxd-test",
		BaseURL:           server.URL,
		RequestsPerSecond: 1000, // no pacing in tests
	})
	require.NoError(t, err)
	return client, server
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil)
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = NewClient(&ClientConfig{Workspace: "acme", XoxcToken: "xoxc"})
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestAuthTest(t *testing.T) {
	var gotForm map[string]string
	var gotCookie string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"token":       r.PostFormValue("token"),
			"_x_reason":   r.PostFormValue("_x_reason"),
			"_x_mode":     r.PostFormValue("_x_mode"),
			"_x_sonic":    r.PostFormValue("_x_sonic"),
			"_x_app_name": r.PostFormValue("_x_app_name"),
		}
		if c, err := r.Cookie("d"); err == nil {
			gotCookie = c.Value
		}
		_ = json.NewEncoder(w).Encode(AuthTestResponse{
			OK: true, UserID: "U123", User: "jane", URL: "https://acme.slack.com/",
		})
	})

	resp, err := client.AuthTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "U123", resp.UserID)

	// Stealth payload matches what the web client sends
	assert.Equal(t, "xoxc-test", gotForm["token"])
	assert.Equal(t, "api-call", gotForm["_x_reason"])
	assert.Equal(t, "online", gotForm["_x_mode"])
	assert.Equal(t, "true", gotForm["_x_sonic"])
	assert.Equal(t, "client", gotForm["_x_app_name"])
	assert.Equal(t, "xoxd-test", gotCookie)
}

func TestAuthTestFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AuthTestResponse{OK: false, Error: "invalid_auth"})
	})

	_, err := client.AuthTest(context.Background())
	assert.Equal(t, types.KindAuthFailure, apperrors.KindOf(err))
}

func TestSearchMessages(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "from:@jane after:2026-01-01", r.PostFormValue("query"))
		assert.Equal(t, "2", r.PostFormValue("page"))
		assert.Equal(t, "100", r.PostFormValue("count"))
		assert.Equal(t, "timestamp", r.PostFormValue("sort"))
		assert.Equal(t, "asc", r.PostFormValue("sort_dir"))

		_ = json.NewEncoder(w).Encode(SearchResponse{
			OK: true,
			Messages: SearchMessages{
				Total:  150,
				Paging: SearchPaging{Count: 100, Total: 150, Page: 2, Pages: 2},
				Matches: []SearchMatch{
					{TS: "1.1", Channel: SearchChannel{ID: "C1", Name: "general"}, User: "U123", Text: "hi"},
				},
			},
		})
	})

	resp, err := client.SearchMessages(context.Background(), "from:@jane after:2026-01-01", 2, 100, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Messages.Paging.Pages)
	require.Len(t, resp.Messages.Matches, 1)
	assert.Equal(t, "C1", resp.Messages.Matches[0].Channel.ID)
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		apiCode string
		want    types.ErrorKind
	}{
		{"ratelimited", types.KindRateLimited},
		{"thread_not_found", types.KindNotFound},
		{"channel_not_found", types.KindNotFound},
		{"not_in_channel", types.KindNotAccessible},
		{"invalid_auth", types.KindAuthFailure},
		{"fatal_error", types.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.apiCode, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(RepliesResponse{OK: false, Error: tt.apiCode})
			})

			_, err := client.ConversationsReplies(context.Background(), "C1", "111.1")
			assert.Equal(t, tt.want, apperrors.KindOf(err))
		})
	}
}

func TestHTTP429CarriesRetryAfter(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.SearchMessages(context.Background(), "q", 1, 100, "")
	require.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, 17*time.Second, apperrors.RetryAfterOf(err))
}

func TestConversationsReplies(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "C1", r.PostFormValue("channel"))
		assert.Equal(t, "111.1", r.PostFormValue("ts"))

		_ = json.NewEncoder(w).Encode(RepliesResponse{
			OK: true,
			Messages: []ThreadMessage{
				{TS: "111.1", User: "U1", Text: "root"},
				{TS: "111.2", ThreadTS: "111.1", User: "U2", Text: "reply"},
			},
		})
	})

	resp, err := client.ConversationsReplies(context.Background(), "C1", "111.1")
	require.NoError(t, err)
	assert.Len(t, resp.Messages, 2)
}

func TestUsersListPagination(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		resp := UsersListResponse{OK: true, Members: []Member{{ID: "U1", Name: "jane"}}}
		if r.PostFormValue("cursor") == "" {
			resp.ResponseMetadata.NextCursor = "next-page"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	resp, err := client.UsersList(context.Background(), 200, "")
	require.NoError(t, err)
	assert.Equal(t, "next-page", resp.ResponseMetadata.NextCursor)

	resp, err = client.UsersList(context.Background(), 200, "next-page")
	require.NoError(t, err)
	assert.Empty(t, resp.ResponseMetadata.NextCursor)
}

func TestPermalink(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AuthTestResponse{OK: true, URL: "https://acme.slack.com/"})
	})
	ctx := context.Background()

	t.Run("app style uses archives path", func(t *testing.T) {
		link, err := client.Permalink(ctx, "C04AFNMCNFP", "1734567890.123456", "acme", PermalinkApp)
		require.NoError(t, err)
		assert.Equal(t, "https://acme.slack.com/archives/C04AFNMCNFP/p1734567890123456", link)
	})

	t.Run("browser style uses messages path", func(t *testing.T) {
		link, err := client.Permalink(ctx, "C04AFNMCNFP", "1734567890.123456", "acme", PermalinkBrowser)
		require.NoError(t, err)
		assert.Equal(t, "https://acme.slack.com/messages/C04AFNMCNFP/p1734567890123456", link)
	})

	t.Run("workspace resolved from auth.test when absent", func(t *testing.T) {
		link, err := client.Permalink(ctx, "C1", "1.2", "", PermalinkApp)
		require.NoError(t, err)
		assert.Equal(t, "https://acme.slack.com/archives/C1/p12", link)
	})
}

func TestMemberDisplayName(t *testing.T) {
	assert.Equal(t, "Jane D", Member{Name: "jane", Profile: UserProfile{DisplayName: "Jane D", RealName: "Jane Doe"}}.DisplayName())
	assert.Equal(t, "Jane Doe", Member{Name: "jane", Profile: UserProfile{RealName: "Jane Doe"}}.DisplayName())
	assert.Equal(t, "jane", Member{Name: "jane"}.DisplayName())
}

func TestFirstBlockText(t *testing.T) {
	t.Run("section block object text", func(t *testing.T) {
		blocks := []Block{
			{Type: "divider"},
			{Type: "section", Text: json.RawMessage(`{"type":"mrkdwn","text":"from section"}`)},
		}
		assert.Equal(t, "from section", FirstBlockText(blocks))
	})

	t.Run("rich text nested leaf", func(t *testing.T) {
		blocks := []Block{
			{Type: "rich_text", Elements: []Block{
				{Type: "rich_text_section", Elements: []Block{
					{Type: "text", Text: json.RawMessage(`"deep text"`)},
				}},
			}},
		}
		assert.Equal(t, "deep text", FirstBlockText(blocks))
	})

	t.Run("no text-bearing block", func(t *testing.T) {
		assert.Equal(t, "", FirstBlockText([]Block{{Type: "divider"}}))
	})
}
