// Package main provides the export CLI: it starts or resumes the resumable
// export of a user's message history for one workspace.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slack-exporter/internal/config"
	apperrors "github.com/slack-exporter/internal/errors"
	"github.com/slack-exporter/internal/export"
	"github.com/slack-exporter/internal/logging"
	"github.com/slack-exporter/internal/models"
	"github.com/slack-exporter/internal/namecache"
	"github.com/slack-exporter/internal/pacing"
	"github.com/slack-exporter/internal/slack"
	"github.com/slack-exporter/internal/storage"
	"github.com/slack-exporter/internal/types"
)

func main() {
	var (
		workspace = flag.String("workspace", "", "Workspace to export (required)")
		from      = flag.String("from", "", "Start of the date range, YYYY-MM-DD (required unless -resume)")
		to        = flag.String("to", "", "End of the date range, YYYY-MM-DD (required unless -resume)")
		out       = flag.String("out", "", "Output file path (required unless -resume)")
		resume    = flag.Bool("resume", false, "Resume the workspace's in-progress export")
		status    = flag.Bool("status", false, "Print the persisted job status and exit")
		cancelJob = flag.Bool("cancel", false, "Delete the workspace's persisted job and exit")
	)
	flag.Parse()

	if *workspace == "" {
		log.Fatal("-workspace is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	wsCfg, err := cfg.Workspace(*workspace)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	client, err := slack.NewClient(&slack.ClientConfig{
		Workspace: wsCfg.Name,
		XoxcToken: wsCfg.XoxcToken,
		XoxdToken: wsCfg.XoxdToken,
		UserAgent: wsCfg.UserAgent,
		BaseURL:   wsCfg.BaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to create Slack client: %v", err)
	}

	store, err := storage.Open(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("Failed to close job store")
		}
	}()

	pacer, err := pacing.NewController(&pacing.Config{
		SearchPerMinute:      cfg.Pacing.SearchPerMinute,
		ThreadFetchPerMinute: cfg.Pacing.ThreadFetchPerMinute,
		BackoffBase:          cfg.Pacing.BackoffBase,
		BackoffMax:           cfg.Pacing.BackoffMax,
	})
	if err != nil {
		log.Fatalf("Failed to create pacing controller: %v", err)
	}

	names := namecache.New(wsCfg.Name, cfg.NameCache.Dir, cfg.NameCache.StaleTTL)
	pipeline := export.NewPipeline(wsCfg.Name, client, store, pacer, names)

	ctx := logging.WithLogger(context.Background(), logger)

	switch {
	case *status:
		printStatus(ctx, pipeline)
		return
	case *cancelJob:
		if err := pipeline.Cancel(ctx); err != nil {
			log.Fatalf("Failed to cancel job: %v", err)
		}
		fmt.Println("Job deleted")
		return
	}

	// SIGINT/SIGTERM cancel the context; the pipeline checkpoints the job
	// as paused before exiting
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A stale name cache refreshes in the background while the export runs
	if names.IsStale() {
		names.TriggerBackgroundRefresh(ctx, client)
	}

	var job *models.ExportJob
	if *resume {
		job, err = pipeline.Resume(ctx)
	} else {
		dateRange, parseErr := parseRange(*from, *to)
		if parseErr != nil {
			log.Fatalf("Invalid date range: %v", parseErr)
		}
		if *out == "" {
			log.Fatal("-out is required for a fresh export")
		}
		job, err = pipeline.Start(ctx, dateRange, *out)
	}

	if err != nil {
		if job != nil && job.Status == types.StatusPaused {
			logger.WithField("jobId", job.ID).Info("Export paused, run with -resume to continue")
			os.Exit(0)
		}
		fatal(logger, "Export failed", err)
	}

	logger.WithField("jobId", job.ID).WithField("output", job.OutputTarget).Info("Export finished")
}

// fatal reports a failure and exits nonzero. A categorized error is rendered
// through its service form so the code and details land as structured fields
// rather than free text.
func fatal(logger *logging.Logger, msg string, err error) {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		svc := catErr.ToServiceError()
		logger.WithFields(map[string]interface{}{
			"code":    svc.Code,
			"details": svc.Details,
		}).WithError(err).Error(msg)
		os.Exit(1)
	}
	log.Fatalf("%s: %v", msg, err)
}

func parseRange(from, to string) (models.DateRange, error) {
	if from == "" || to == "" {
		return models.DateRange{}, fmt.Errorf("-from and -to are required")
	}
	fromT, err := time.Parse("2006-01-02", from)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("invalid -from: %w", err)
	}
	toT, err := time.Parse("2006-01-02", to)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("invalid -to: %w", err)
	}
	if toT.Before(fromT) {
		return models.DateRange{}, fmt.Errorf("-to is before -from")
	}
	return models.DateRange{From: fromT, To: toT}, nil
}

func printStatus(ctx context.Context, pipeline *export.Pipeline) {
	job, err := pipeline.Status(ctx)
	if err != nil {
		if err == storage.ErrNoJob {
			fmt.Println("No job found for this workspace")
			return
		}
		log.Fatalf("Failed to load job: %v", err)
	}

	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Status:    %s\n", job.Status)
	if job.Status == types.StatusPaused {
		fmt.Printf("Paused in: %s\n", job.PausedFrom)
	}
	fmt.Printf("Range:     %s .. %s\n",
		job.DateRange.From.Format("2006-01-02"), job.DateRange.To.Format("2006-01-02"))
	fmt.Printf("Search:    page %d, %d/%d messages\n",
		job.SearchProgress.CurrentPage, job.SearchProgress.MessagesFetched, job.SearchProgress.TotalMatches)
	fmt.Printf("Threads:   %d fetched / %d pending\n",
		len(job.ThreadProgress.Fetched), len(job.ThreadProgress.Pending))
	fmt.Printf("Errors:    %d\n", len(job.Errors))
	fmt.Printf("Updated:   %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
}
