// Package export drives the resumable three-phase export: search the target
// user's messages, expand every thread they appear in, then write a single
// JSON artifact. Progress is checkpointed to a JobStore after every search
// page and every tenth thread, so a killed process resumes without repeating
// work or duplicating output.
package export

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/slack-exporter/internal/errors"
	"github.com/slack-exporter/internal/logging"
	"github.com/slack-exporter/internal/models"
	"github.com/slack-exporter/internal/pacing"
	"github.com/slack-exporter/internal/slack"
	"github.com/slack-exporter/internal/storage"
	"github.com/slack-exporter/internal/types"
)

const (
	// DefaultSearchPageSize is the page size requested from search.messages
	DefaultSearchPageSize = 100

	// threadCheckpointInterval is how many processed threads elapse between
	// checkpoints during thread expansion
	threadCheckpointInterval = 10

	// maxConsecutiveRejections bounds rate-limit retries of a single call.
	// Exceeding it fails the job instead of spinning at the backoff cap.
	maxConsecutiveRejections = 8
)

// threadTSPattern extracts the thread timestamp a permalink embeds when the
// search response omits the explicit thread_ts field
var threadTSPattern = regexp.MustCompile(`thread_ts=(\d+\.\d+)`)

// MessageSource is the slice of the Slack client the pipeline calls
type MessageSource interface {
	AuthTest(ctx context.Context) (*slack.AuthTestResponse, error)
	SearchMessages(ctx context.Context, query string, page, count int, sort string) (*slack.SearchResponse, error)
	ConversationsReplies(ctx context.Context, channel, threadTS string) (*slack.RepliesResponse, error)
}

// NameResolver resolves author IDs to display names when the artifact is
// assembled
type NameResolver interface {
	Lookup(userID string) string
}

// Pipeline runs the export state machine for one workspace. A single
// Pipeline drives one call at a time; all pacing happens in the controller.
type Pipeline struct {
	workspace string
	source    MessageSource
	store     storage.JobStore
	pacer     *pacing.Controller
	names     NameResolver

	searchPageSize int
}

// NewPipeline wires a pipeline for one workspace
func NewPipeline(workspace string, source MessageSource, store storage.JobStore, pacer *pacing.Controller, names NameResolver) *Pipeline {
	return &Pipeline{
		workspace:      workspace,
		source:         source,
		store:          store,
		pacer:          pacer,
		names:          names,
		searchPageSize: DefaultSearchPageSize,
	}
}

// Start creates a fresh job for the workspace and runs it to completion,
// pause, or failure. Any previous job for the workspace is replaced.
func (p *Pipeline) Start(ctx context.Context, dateRange models.DateRange, outputTarget string) (*models.ExportJob, error) {
	auth, err := p.authProbe(ctx)
	if err != nil {
		return nil, err
	}

	job := models.NewExportJob(p.workspace, dateRange, outputTarget)
	job.UserID = auth.UserID
	job.Username = auth.User

	if err := p.checkpoint(ctx, job); err != nil {
		return nil, err
	}
	return job, p.run(ctx, job)
}

// Resume loads the workspace's persisted job and continues it. A completed
// job is returned unchanged with no work performed.
func (p *Pipeline) Resume(ctx context.Context) (*models.ExportJob, error) {
	job, err := p.store.Load(ctx, p.workspace)
	if err != nil {
		return nil, err
	}
	if job.Status == types.StatusCompleted {
		logging.FromContext(ctx).WithField("workspace", p.workspace).WithField("jobId", job.ID).
			Info("Job already completed, nothing to resume")
		return job, nil
	}
	return job, p.run(ctx, job)
}

// Status returns the persisted job without running anything
func (p *Pipeline) Status(ctx context.Context) (*models.ExportJob, error) {
	return p.store.Load(ctx, p.workspace)
}

// Cancel deletes the workspace's persisted job
func (p *Pipeline) Cancel(ctx context.Context) error {
	return p.store.Delete(ctx, p.workspace)
}

// run executes phases in order starting from the job's current phase
func (p *Pipeline) run(ctx context.Context, job *models.ExportJob) error {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"workspace": p.workspace,
		"jobId":     job.ID,
	})
	ctx = logging.WithLogger(ctx, log)

	phase := job.CurrentPhase()
	job.Status = phase
	log.WithField("phase", string(phase)).Info("Export running")

	if phase == types.StatusSearching {
		if err := p.runSearch(ctx, job); err != nil {
			return err
		}
		phase = types.StatusFetchingThreads
	}
	if phase == types.StatusFetchingThreads {
		if err := p.runThreadFetch(ctx, job); err != nil {
			return err
		}
		phase = types.StatusWritingOutput
	}
	if phase == types.StatusWritingOutput {
		if err := p.runWriteOutput(ctx, job); err != nil {
			return err
		}
	}

	log.Info("Export completed")
	return nil
}

func (p *Pipeline) authProbe(ctx context.Context) (*slack.AuthTestResponse, error) {
	if err := p.pacer.AwaitSlot(ctx, types.TierSearch); err != nil {
		return nil, err
	}
	auth, err := p.source.AuthTest(ctx)
	if err != nil {
		return nil, err
	}
	p.pacer.OnSuccess()
	return auth, nil
}

// searchQuery builds the search expression for the target user's own
// messages inside the date range. Slack's before/after bounds are exclusive,
// so the range is widened by a day on each side.
func (p *Pipeline) searchQuery(job *models.ExportJob) string {
	return fmt.Sprintf("from:<@%s> after:%s before:%s",
		job.UserID,
		job.DateRange.From.AddDate(0, 0, -1).Format("2006-01-02"),
		job.DateRange.To.AddDate(0, 0, 1).Format("2006-01-02"),
	)
}

func (p *Pipeline) runSearch(ctx context.Context, job *models.ExportJob) error {
	log := logging.FromContext(ctx)
	job.Status = types.StatusSearching
	query := p.searchQuery(job)

	page := job.SearchProgress.CurrentPage + 1
	for {
		if ctx.Err() != nil {
			return p.pause(ctx, job)
		}

		if err := p.pacer.AwaitSlot(ctx, types.TierSearch); err != nil {
			return p.pause(ctx, job)
		}

		resp, err := p.source.SearchMessages(ctx, query, page, p.searchPageSize, "timestamp")
		if err != nil {
			if ctx.Err() != nil {
				return p.pause(ctx, job)
			}
			if apperrors.IsRateLimited(err) {
				p.pacer.OnRejected(apperrors.RetryAfterOf(err))
				if p.pacer.ConsecutiveRejections() > maxConsecutiveRejections {
					return p.fail(ctx, job, err)
				}
				log.WithField("page", page).Warn("Search rate limited, will retry page")
				continue
			}
			return p.fail(ctx, job, err)
		}
		p.pacer.OnSuccess()

		for _, match := range resp.Messages.Matches {
			p.processSearchMatch(job, match)
		}

		job.SearchProgress.TotalMatches = resp.Messages.Total
		job.SearchProgress.MessagesFetched += len(resp.Messages.Matches)
		job.SearchProgress.CurrentPage = page

		if err := p.checkpoint(ctx, job); err != nil {
			return err
		}

		log.WithFields(map[string]interface{}{
			"page":    page,
			"pages":   resp.Messages.Paging.Pages,
			"matches": len(resp.Messages.Matches),
		}).Info("Search page processed")

		if page >= resp.Messages.Paging.Pages {
			break
		}
		page++
	}

	job.Status = types.StatusFetchingThreads
	return p.checkpoint(ctx, job)
}

// processSearchMatch routes one search match into the pending thread set or
// the standalone message list, and registers its channel
func (p *Pipeline) processSearchMatch(job *models.ExportJob, match slack.SearchMatch) {
	job.RegisterChannel(match.Channel.ID, match.Channel.Name)

	if threadTS := matchThreadTS(match); threadTS != "" {
		job.AddPendingThread(models.ThreadKey{ChannelID: match.Channel.ID, ThreadTS: threadTS})
		return
	}

	job.Accumulated.StandaloneMessages = append(job.Accumulated.StandaloneMessages, models.MessageRecord{
		Timestamp:        match.TS,
		ChannelID:        match.Channel.ID,
		AuthorID:         match.User,
		Text:             messageText(match.Text, match.Blocks),
		IsAuthoredByUser: true,
		Permalink:        match.Permalink,
	})
}

// matchThreadTS returns the thread timestamp of a threaded match, preferring
// the explicit field over the permalink's query parameter
func matchThreadTS(match slack.SearchMatch) string {
	if match.ThreadTS != "" {
		return match.ThreadTS
	}
	if m := threadTSPattern.FindStringSubmatch(match.Permalink); m != nil {
		return m[1]
	}
	return ""
}

func (p *Pipeline) runThreadFetch(ctx context.Context, job *models.ExportJob) error {
	log := logging.FromContext(ctx)
	job.Status = types.StatusFetchingThreads

	remaining := job.RemainingThreads()
	log.WithField("remaining", len(remaining)).Info("Expanding threads")

	processed := 0
	for _, key := range remaining {
		if ctx.Err() != nil {
			return p.pause(ctx, job)
		}

		if err := p.fetchThread(ctx, job, key); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, pacing.ErrContextCancelled) || ctx.Err() != nil {
				return p.pause(ctx, job)
			}
			return err
		}

		processed++
		if processed%threadCheckpointInterval == 0 {
			if err := p.checkpoint(ctx, job); err != nil {
				return err
			}
		}
	}

	job.Status = types.StatusWritingOutput
	return p.checkpoint(ctx, job)
}

// fetchThread fetches one thread to a terminal outcome: a ThreadRecord on
// success, a permanent skip on inaccessible threads, retries on rate limits
func (p *Pipeline) fetchThread(ctx context.Context, job *models.ExportJob, key models.ThreadKey) error {
	log := logging.FromContext(ctx)

	for {
		if err := p.pacer.AwaitSlot(ctx, types.TierThreadFetch); err != nil {
			return err
		}

		resp, err := p.source.ConversationsReplies(ctx, key.ChannelID, key.ThreadTS)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if apperrors.IsRateLimited(err) {
				p.pacer.OnRejected(apperrors.RetryAfterOf(err))
				if p.pacer.ConsecutiveRejections() > maxConsecutiveRejections {
					return p.fail(ctx, job, err)
				}
				log.WithField("thread", key.String()).Warn("Thread fetch rate limited, will retry")
				continue
			}
			p.pacer.OnSuccess()
			if apperrors.IsSkippable(err) {
				job.MarkThreadFetched(key)
				job.AppendError(apperrors.KindOf(err), fmt.Sprintf("thread %s skipped: %v", key.String(), err))
				log.WithField("thread", key.String()).WithError(err).Warn("Thread inaccessible, skipping")
				return nil
			}
			return p.fail(ctx, job, err)
		}
		p.pacer.OnSuccess()

		job.Accumulated.Threads = append(job.Accumulated.Threads, buildThreadRecord(key, resp.Messages, job.UserID))
		job.MarkThreadFetched(key)
		return nil
	}
}

// buildThreadRecord converts a thread's messages into the persisted record,
// counting how many the target user authored
func buildThreadRecord(key models.ThreadKey, messages []slack.ThreadMessage, userID string) models.ThreadRecord {
	records := make([]models.MessageRecord, 0, len(messages))
	userCount := 0
	for _, msg := range messages {
		byUser := msg.User == userID
		if byUser {
			userCount++
		}
		records = append(records, models.MessageRecord{
			Timestamp:        msg.TS,
			ChannelID:        key.ChannelID,
			AuthorID:         msg.User,
			Text:             messageText(msg.Text, msg.Blocks),
			IsAuthoredByUser: byUser,
		})
	}
	return models.ThreadRecord{
		ThreadKey:        key,
		TotalMessages:    len(messages),
		UserMessageCount: userCount,
		Messages:         records,
	}
}

func (p *Pipeline) runWriteOutput(ctx context.Context, job *models.ExportJob) error {
	job.Status = types.StatusWritingOutput

	completedAt := time.Now().UTC()
	doc := buildDocument(job, p.names, completedAt)
	if err := writeDocument(job.OutputTarget, doc); err != nil {
		return p.fail(ctx, job, err)
	}

	job.Complete()
	if err := p.checkpoint(ctx, job); err != nil {
		return err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"output":     job.OutputTarget,
		"threads":    doc.Counts.TotalThreads,
		"standalone": doc.Counts.StandaloneMessages,
	}).Info("Export artifact written")
	return nil
}

// messageText falls back to the first text-bearing block when the plain
// field is empty
func messageText(text string, blocks []slack.Block) string {
	if text != "" {
		return text
	}
	return slack.FirstBlockText(blocks)
}

// checkpoint durably persists the job
func (p *Pipeline) checkpoint(ctx context.Context, job *models.ExportJob) error {
	job.Touch()
	if err := p.store.Save(ctx, p.workspace, job); err != nil {
		return fmt.Errorf("failed to checkpoint job: %w", err)
	}
	return nil
}

// pause suspends the job on cancellation, checkpointing with a fresh context
// because the caller's context is already done
func (p *Pipeline) pause(ctx context.Context, job *models.ExportJob) error {
	job.Pause()

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.Save(saveCtx, p.workspace, job); err != nil {
		return fmt.Errorf("failed to checkpoint paused job: %w", err)
	}

	logging.FromContext(ctx).WithField("phase", string(job.PausedFrom)).Info("Export paused")
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// fail records a fatal error, checkpoints, and propagates
func (p *Pipeline) fail(ctx context.Context, job *models.ExportJob, cause error) error {
	job.AppendError(apperrors.KindOf(cause), cause.Error())
	if err := p.checkpoint(ctx, job); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to checkpoint after fatal error")
	}
	return cause
}
