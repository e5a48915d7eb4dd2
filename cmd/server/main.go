package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbarkhau/noreposts-feed/internal/atclient"
	"github.com/mbarkhau/noreposts-feed/internal/auth"
	"github.com/mbarkhau/noreposts-feed/internal/backfill"
	"github.com/mbarkhau/noreposts-feed/internal/config"
	"github.com/mbarkhau/noreposts-feed/internal/domain"
	"github.com/mbarkhau/noreposts-feed/internal/firehose"
	"github.com/mbarkhau/noreposts-feed/internal/httpserver"
	"github.com/mbarkhau/noreposts-feed/internal/retention"
	"github.com/mbarkhau/noreposts-feed/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database", "database_url", cfg.DatabaseURL)

	restClient := atclient.New(atclient.DefaultHost)
	backfiller := backfill.NewDispatcher(restClient, db, logger)

	feedURI := fmt.Sprintf("at://%s/app.bsky.feed.generator/following-no-reposts", cfg.PublisherDID)
	feedService := domain.NewFeedService(feedURI, db, logger, backfiller.Trigger())

	verifier := auth.NewVerifier(cfg.ServiceDID, auth.NewDirectoryResolver())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	subscriber := firehose.NewSubscriber(cfg.FirehoseURL, feedService, logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	retentionLoop := retention.NewLoop(db, restClient, logger)
	go retentionLoop.Run(ctx)

	server := httpserver.NewServer(cfg, feedService, verifier, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname, "service_did", cfg.ServiceDID)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
