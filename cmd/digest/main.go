// Package main provides the digest CLI: a one-shot activity report of
// mentions and thread replies across every configured workspace.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slack-exporter/internal/config"
	"github.com/slack-exporter/internal/digest"
	apperrors "github.com/slack-exporter/internal/errors"
	"github.com/slack-exporter/internal/logging"
	"github.com/slack-exporter/internal/namecache"
	"github.com/slack-exporter/internal/pacing"
	"github.com/slack-exporter/internal/slack"
)

func main() {
	var (
		lookback = flag.Duration("lookback", 0, "Activity window (default from DIGEST_LOOKBACK, 24h)")
		out      = flag.String("out", "", "Write the digest JSON to a file instead of stdout")
		pretty   = flag.Bool("pretty", true, "Indent the JSON output")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	if len(cfg.Workspaces.Enabled) == 0 {
		log.Fatal("No workspaces configured, set SLACK_WORKSPACES")
	}

	pacer, err := pacing.NewController(&pacing.Config{
		SearchPerMinute:      cfg.Pacing.SearchPerMinute,
		ThreadFetchPerMinute: cfg.Pacing.ThreadFetchPerMinute,
		BackoffBase:          cfg.Pacing.BackoffBase,
		BackoffMax:           cfg.Pacing.BackoffMax,
	})
	if err != nil {
		log.Fatalf("Failed to create pacing controller: %v", err)
	}

	window := cfg.Digest.Lookback
	if *lookback > 0 {
		window = *lookback
	}

	var workspaces []digest.Workspace
	for _, name := range cfg.Workspaces.Enabled {
		wsCfg, err := cfg.Workspace(name)
		if err != nil {
			logger.WithField("workspace", name).WithError(err).Error("Skipping misconfigured workspace")
			continue
		}
		client, err := slack.NewClient(&slack.ClientConfig{
			Workspace: wsCfg.Name,
			XoxcToken: wsCfg.XoxcToken,
			XoxdToken: wsCfg.XoxdToken,
			UserAgent: wsCfg.UserAgent,
			BaseURL:   wsCfg.BaseURL,
		})
		if err != nil {
			logger.WithField("workspace", name).WithError(err).Error("Skipping workspace, client creation failed")
			continue
		}
		workspaces = append(workspaces, digest.Workspace{
			Name:   wsCfg.Name,
			Source: client,
			Names:  namecache.New(wsCfg.Name, cfg.NameCache.Dir, cfg.NameCache.StaleTTL),
		})
	}
	if len(workspaces) == 0 {
		log.Fatal("No usable workspaces")
	}

	ctx, cancel := signal.NotifyContext(
		logging.WithLogger(context.Background(), logger),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	aggregator := digest.NewAggregator(pacer, &digest.Config{
		Lookback:    window,
		MaxTextLen:  cfg.Digest.MaxTextLen,
		SearchLimit: cfg.Digest.SearchLimit,
	})

	started := time.Now()
	report, err := aggregator.Run(ctx, workspaces)
	if err != nil {
		fatal(logger, "Digest failed", err)
	}
	logger.WithFields(map[string]interface{}{
		"mentions":  report.Summary.TotalMentions,
		"unhandled": report.Summary.UnhandledMentions,
		"replies":   report.Summary.TotalReplies,
		"took":      time.Since(started).Round(time.Second).String(),
	}).Info("Digest complete")

	var data []byte
	if *pretty {
		data, err = json.MarshalIndent(report, "", "  ")
	} else {
		data, err = json.Marshal(report)
	}
	if err != nil {
		log.Fatalf("Failed to encode digest: %v", err)
	}

	if *out != "" {
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			log.Fatalf("Failed to write digest: %v", err)
		}
		return
	}
	fmt.Println(string(data))
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
