// Package digest builds the one-shot daily activity report: at-mentions of
// the target user annotated with whether they were already answered, plus
// replies other people posted in the user's threads. The two searches
// overlap, so every message passes through a run-scoped seen set before it
// is recorded.
package digest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	apperrors "github.com/slack-exporter/internal/errors"
	"github.com/slack-exporter/internal/logging"
	"github.com/slack-exporter/internal/models"
	"github.com/slack-exporter/internal/namecache"
	"github.com/slack-exporter/internal/pacing"
	"github.com/slack-exporter/internal/slack"
	"github.com/slack-exporter/internal/types"
)

const (
	// DefaultLookback is the window of activity a digest covers
	DefaultLookback = 24 * time.Hour

	// DefaultMaxTextLen caps stored message text
	DefaultMaxTextLen = 500

	// DefaultSearchLimit is the page size of the digest's searches
	DefaultSearchLimit = 100

	// maxConsecutiveRejections bounds rate-limit retries of a single call
	maxConsecutiveRejections = 8
)

// systemSubtypes are join/leave notices excluded from reply collection
var systemSubtypes = map[string]bool{
	"channel_join":  true,
	"channel_leave": true,
	"group_join":    true,
	"group_leave":   true,
}

var permalinkThreadTS = regexp.MustCompile(`thread_ts=(\d+\.\d+)`)

// Source is the slice of the Slack client the aggregator calls
type Source interface {
	AuthTest(ctx context.Context) (*slack.AuthTestResponse, error)
	SearchMessages(ctx context.Context, query string, page, count int, sort string) (*slack.SearchResponse, error)
	ConversationsReplies(ctx context.Context, channel, threadTS string) (*slack.RepliesResponse, error)
	UsersList(ctx context.Context, limit int, cursor string) (*slack.UsersListResponse, error)
}

// NameCache is the display-name collaborator: lookups fall back to raw IDs,
// and an empty cache is populated synchronously before the workspace runs.
type NameCache interface {
	Lookup(userID string) string
	IsEmpty() bool
	Refresh(ctx context.Context, lister namecache.UserLister) error
}

// Workspace bundles everything needed to digest one workspace
type Workspace struct {
	Name   string
	Source Source
	Names  NameCache
}

// Config tunes the aggregator
type Config struct {
	Lookback    time.Duration
	MaxTextLen  int
	SearchLimit int

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Aggregator runs the digest across workspaces. It is one-shot and keeps no
// state between runs; the seen set lives for a single Run call.
type Aggregator struct {
	pacer       *pacing.Controller
	lookback    time.Duration
	maxTextLen  int
	searchLimit int
	now         func() time.Time
}

// NewAggregator wires a digest aggregator
func NewAggregator(pacer *pacing.Controller, cfg *Config) *Aggregator {
	a := &Aggregator{
		pacer:       pacer,
		lookback:    DefaultLookback,
		maxTextLen:  DefaultMaxTextLen,
		searchLimit: DefaultSearchLimit,
		now:         time.Now,
	}
	if cfg != nil {
		if cfg.Lookback > 0 {
			a.lookback = cfg.Lookback
		}
		if cfg.MaxTextLen > 0 {
			a.maxTextLen = cfg.MaxTextLen
		}
		if cfg.SearchLimit > 0 {
			a.searchLimit = cfg.SearchLimit
		}
		if cfg.Now != nil {
			a.now = cfg.Now
		}
	}
	return a
}

// run carries the per-invocation state shared across workspaces
type run struct {
	report *models.DigestReport
	seen   map[string]bool
}

// Run digests every workspace and returns the merged report. A failure in
// one workspace is logged and skipped; the report still carries the results
// of every workspace that succeeded.
func (a *Aggregator) Run(ctx context.Context, workspaces []Workspace) (*models.DigestReport, error) {
	now := a.now().UTC()
	r := &run{
		report: &models.DigestReport{
			Period:      models.DigestPeriod{From: now.Add(-a.lookback), To: now},
			GeneratedAt: now,
		},
		seen: make(map[string]bool),
	}

	for _, ws := range workspaces {
		log := logging.FromContext(ctx).WithField("workspace", ws.Name)
		if err := a.runWorkspace(logging.WithLogger(ctx, log), r, ws); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.WithError(err).Error("Workspace digest failed, skipping")
		}
	}

	r.report.Summary.TotalMentions = len(r.report.Mentions)
	for _, m := range r.report.Mentions {
		if !m.Handled {
			r.report.Summary.UnhandledMentions++
		}
	}
	r.report.Summary.TotalReplies = len(r.report.Replies)
	return r.report, nil
}

func (a *Aggregator) runWorkspace(ctx context.Context, r *run, ws Workspace) error {
	log := logging.FromContext(ctx)

	auth, err := a.authProbe(ctx, ws.Source)
	if err != nil {
		return fmt.Errorf("auth probe failed: %w", err)
	}
	log.WithField("user", auth.User).Debug("Workspace identity resolved")

	// Cold start: an empty cache is populated before any name lookup.
	// A merely stale cache is used as-is and refreshed out of band.
	if ws.Names.IsEmpty() {
		if err := ws.Names.Refresh(ctx, ws.Source); err != nil {
			return fmt.Errorf("name cache cold-start failed: %w", err)
		}
	}

	if err := a.collectMentions(ctx, r, ws, auth.UserID); err != nil {
		return fmt.Errorf("mention collection failed: %w", err)
	}
	if err := a.collectReplies(ctx, r, ws, auth.UserID); err != nil {
		return fmt.Errorf("reply collection failed: %w", err)
	}
	return nil
}

func (a *Aggregator) authProbe(ctx context.Context, source Source) (*slack.AuthTestResponse, error) {
	if err := a.pacer.AwaitSlot(ctx, types.TierSearch); err != nil {
		return nil, err
	}
	auth, err := source.AuthTest(ctx)
	if err != nil {
		return nil, err
	}
	a.pacer.OnSuccess()
	return auth, nil
}

// collectMentions searches for at-mentions of the user inside the window and
// annotates each with whether the user already answered in its thread
func (a *Aggregator) collectMentions(ctx context.Context, r *run, ws Workspace, userID string) error {
	query := fmt.Sprintf("<@%s> after:%s", userID, a.searchAfter())
	matches, err := a.search(ctx, ws.Source, query)
	if err != nil {
		return err
	}

	for _, match := range matches {
		key := match.Channel.ID + ":" + match.TS
		if r.seen[key] {
			continue
		}
		if match.User == userID {
			continue
		}
		if !a.inWindow(match.TS) {
			continue
		}
		r.seen[key] = true

		handled, err := a.mentionHandled(ctx, ws.Source, match, userID)
		if err != nil {
			return err
		}

		r.report.Mentions = append(r.report.Mentions, models.MentionRecord{
			DigestEntry: models.DigestEntry{
				Workspace:   ws.Name,
				ChannelID:   match.Channel.ID,
				ChannelName: match.Channel.Name,
				SenderID:    match.User,
				SenderName:  ws.Names.Lookup(match.User),
				Text:        a.truncate(messageText(match.Text, match.Blocks)),
				Timestamp:   match.TS,
				Permalink:   match.Permalink,
			},
			Handled: handled,
		})
	}
	return nil
}

// mentionHandled fetches the mention's enclosing thread and reports whether
// the user has a message strictly later than the mention. An inaccessible
// thread leaves the mention unhandled rather than failing the workspace.
func (a *Aggregator) mentionHandled(ctx context.Context, source Source, match slack.SearchMatch, userID string) (bool, error) {
	threadTS := matchThreadTS(match)
	resp, err := a.fetchThread(ctx, source, match.Channel.ID, threadTS)
	if err != nil {
		if apperrors.IsSkippable(err) {
			return false, nil
		}
		return false, err
	}

	for _, msg := range resp.Messages {
		if msg.User == userID && tsAfter(msg.TS, match.TS) {
			return true, nil
		}
	}
	return false, nil
}

// collectReplies searches the user's own recent messages, expands each
// enclosing thread once, and records other people's fresh messages in those
// threads posted after the user's latest own message
func (a *Aggregator) collectReplies(ctx context.Context, r *run, ws Workspace, userID string) error {
	query := fmt.Sprintf("from:<@%s> after:%s", userID, a.searchAfter())
	matches, err := a.search(ctx, ws.Source, query)
	if err != nil {
		return err
	}

	visited := make(map[string]bool)
	for _, match := range matches {
		threadTS := matchThreadTS(match)
		threadKey := match.Channel.ID + ":" + threadTS
		if visited[threadKey] {
			continue
		}
		visited[threadKey] = true

		thread, err := a.fetchThread(ctx, ws.Source, match.Channel.ID, threadTS)
		if err != nil {
			if apperrors.IsSkippable(err) {
				continue
			}
			return err
		}

		latestOwn := ""
		for _, msg := range thread.Messages {
			if msg.User == userID && tsAfter(msg.TS, latestOwn) {
				latestOwn = msg.TS
			}
		}

		for _, msg := range thread.Messages {
			if msg.User == userID || msg.User == "" {
				continue
			}
			if systemSubtypes[msg.Subtype] {
				continue
			}
			if !a.inWindow(msg.TS) {
				continue
			}
			// Messages the user already followed up on are not fresh replies
			if latestOwn != "" && !tsAfter(msg.TS, latestOwn) {
				continue
			}
			key := match.Channel.ID + ":" + msg.TS
			if r.seen[key] {
				continue
			}
			r.seen[key] = true

			r.report.Replies = append(r.report.Replies, models.DigestEntry{
				Workspace:   ws.Name,
				ChannelID:   match.Channel.ID,
				ChannelName: match.Channel.Name,
				SenderID:    msg.User,
				SenderName:  ws.Names.Lookup(msg.User),
				Text:        a.truncate(messageText(msg.Text, msg.Blocks)),
				Timestamp:   msg.TS,
			})
		}
	}

	sort.Slice(r.report.Replies, func(i, j int) bool {
		return tsSeconds(r.report.Replies[i].Timestamp) < tsSeconds(r.report.Replies[j].Timestamp)
	})
	return nil
}

// search walks every page of a search query and returns the merged matches
func (a *Aggregator) search(ctx context.Context, source Source, query string) ([]slack.SearchMatch, error) {
	var matches []slack.SearchMatch
	for page := 1; ; page++ {
		resp, err := a.searchPage(ctx, source, query, page)
		if err != nil {
			return nil, err
		}
		matches = append(matches, resp.Messages.Matches...)
		if page >= resp.Messages.Paging.Pages {
			return matches, nil
		}
	}
}

// searchPage issues a single paced search page, retrying on rate limits
func (a *Aggregator) searchPage(ctx context.Context, source Source, query string, page int) (*slack.SearchResponse, error) {
	for {
		if err := a.pacer.AwaitSlot(ctx, types.TierSearch); err != nil {
			return nil, err
		}
		resp, err := source.SearchMessages(ctx, query, page, a.searchLimit, "timestamp")
		if err != nil {
			if apperrors.IsRateLimited(err) {
				a.pacer.OnRejected(apperrors.RetryAfterOf(err))
				if a.pacer.ConsecutiveRejections() > maxConsecutiveRejections {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		a.pacer.OnSuccess()
		return resp, nil
	}
}

// fetchThread issues a paced thread fetch, retrying on rate limits
func (a *Aggregator) fetchThread(ctx context.Context, source Source, channel, threadTS string) (*slack.RepliesResponse, error) {
	for {
		if err := a.pacer.AwaitSlot(ctx, types.TierThreadFetch); err != nil {
			return nil, err
		}
		resp, err := source.ConversationsReplies(ctx, channel, threadTS)
		if err != nil {
			if apperrors.IsRateLimited(err) {
				a.pacer.OnRejected(apperrors.RetryAfterOf(err))
				if a.pacer.ConsecutiveRejections() > maxConsecutiveRejections {
					return nil, err
				}
				continue
			}
			a.pacer.OnSuccess()
			return nil, err
		}
		a.pacer.OnSuccess()
		return resp, nil
	}
}

// searchAfter formats the search window's lower bound. Slack's after: bound
// is exclusive at day granularity, so it backs off one extra day and the
// precise cutoff is enforced by inWindow.
func (a *Aggregator) searchAfter() string {
	return a.now().UTC().Add(-a.lookback).AddDate(0, 0, -1).Format("2006-01-02")
}

func (a *Aggregator) inWindow(ts string) bool {
	sec := tsSeconds(ts)
	return sec >= float64(a.start().Unix())
}

func (a *Aggregator) start() time.Time {
	return a.now().UTC().Add(-a.lookback)
}

// truncate caps text at maxTextLen characters, never splitting a rune
func (a *Aggregator) truncate(text string) string {
	if utf8.RuneCountInString(text) <= a.maxTextLen {
		return text
	}
	return string([]rune(text)[:a.maxTextLen])
}

// matchThreadTS resolves the thread a search match belongs to: the explicit
// field, the permalink parameter, or the message's own timestamp when it is
// standalone (a standalone message is its own thread root)
func matchThreadTS(match slack.SearchMatch) string {
	if match.ThreadTS != "" {
		return match.ThreadTS
	}
	if m := permalinkThreadTS.FindStringSubmatch(match.Permalink); m != nil {
		return m[1]
	}
	return match.TS
}

func messageText(text string, blocks []slack.Block) string {
	if text != "" {
		return text
	}
	return slack.FirstBlockText(blocks)
}

// tsSeconds parses a Slack "seconds.sequence" timestamp
func tsSeconds(ts string) float64 {
	v, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return v
}

// tsAfter reports whether a is strictly later than b. An empty b loses to
// any real timestamp.
func tsAfter(a, b string) bool {
	if b == "" {
		return a != ""
	}
	return tsSeconds(a) > tsSeconds(b)
}
