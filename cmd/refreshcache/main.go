// Package main provides the name cache refresher: an independent process
// that rebuilds the display-name snapshots exports and digests read from.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/slack-exporter/internal/config"
	"github.com/slack-exporter/internal/logging"
	"github.com/slack-exporter/internal/namecache"
	"github.com/slack-exporter/internal/slack"
)

func main() {
	var (
		workspace = flag.String("workspace", "", "Refresh a single workspace (default: all configured)")
		force     = flag.Bool("force", false, "Refresh even if the snapshot is fresh")
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

	names := cfg.Workspaces.Enabled
	if *workspace != "" {
		names = []string{*workspace}
	}
	if len(names) == 0 {
		log.Fatal("No workspaces configured, set SLACK_WORKSPACES")
	}

	ctx, cancel := signal.NotifyContext(
		logging.WithLogger(context.Background(), logger),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	failures := 0
	for _, name := range names {
		log := logger.WithField("workspace", name)

		wsCfg, err := cfg.Workspace(name)
		if err != nil {
			log.WithError(err).Error("Skipping misconfigured workspace")
			failures++
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
			log.WithError(err).Error("Skipping workspace, client creation failed")
			failures++
			continue
		}

		cache := namecache.New(wsCfg.Name, cfg.NameCache.Dir, cfg.NameCache.StaleTTL)
		if !*force && !cache.IsStale() {
			log.Info("Snapshot still fresh, skipping")
			continue
		}
		if err := cache.Refresh(ctx, client); err != nil {
			log.WithError(err).Error("Refresh failed")
			failures++
			continue
		}
	}

	if failures > 0 {
		log.Fatalf("Refresh finished with %d failure(s)", failures)
	}
}
