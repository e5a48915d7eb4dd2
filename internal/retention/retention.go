// Package retention runs the background loops that keep the index bounded
// and the follow graph honest: post expiry, and periodic reconciliation of
// active users' follow sets against the network.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbarkhau/noreposts-feed/internal/atclient"
	"github.com/mbarkhau/noreposts-feed/internal/domain"
)

const (
	postMaxAge        = 48 * time.Hour
	activeUserWindow  = 7 * 24 * time.Hour
	tickInterval      = 1 * time.Hour
)

// Loop owns the two retention tickers: post cleanup and follow
// reconciliation. Both are independently failure-tolerant — a single DID's
// error is logged and the loop moves on.
type Loop struct {
	store  domain.Store
	client *atclient.Client
	logger *slog.Logger
}

// NewLoop creates a retention Loop.
func NewLoop(store domain.Store, client *atclient.Client, logger *slog.Logger) *Loop {
	return &Loop{store: store, client: client, logger: logger}
}

// Run blocks until ctx is cancelled, running both tickers concurrently.
func (l *Loop) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		l.runPostCleanup(ctx)
		done <- struct{}{}
	}()
	go func() {
		l.runFollowReconciliation(ctx)
		done <- struct{}{}
	}()

	<-done
	<-done
}

func (l *Loop) runPostCleanup(ctx context.Context) {
	l.cleanupPosts(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanupPosts(ctx)
		}
	}
}

func (l *Loop) cleanupPosts(ctx context.Context) {
	deleted, err := l.store.CleanupOldPosts(ctx, postMaxAge)
	if err != nil {
		l.logger.Error("post retention failed", "error", err)
		return
	}
	if deleted > 0 {
		l.logger.Info("post retention complete", "deleted", deleted)
	}
}

func (l *Loop) runFollowReconciliation(ctx context.Context) {
	l.reconcileFollows(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reconcileFollows(ctx)
		}
	}
}

func (l *Loop) reconcileFollows(ctx context.Context) {
	activeDIDs, err := l.store.GetActiveUsers(ctx, activeUserWindow)
	if err != nil {
		l.logger.Error("failed to list active users", "error", err)
		return
	}

	for _, did := range activeDIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		targets, err := l.client.GetAllFollows(ctx, did)
		if err != nil {
			l.logger.Error("reconciliation: failed to fetch follows", "did", did, "error", err)
			continue
		}

		targetDIDs := make([]string, len(targets))
		for i, t := range targets {
			targetDIDs[i] = t.DID
		}

		if err := l.store.SyncFollowsForUser(ctx, did, targetDIDs); err != nil {
			l.logger.Error("reconciliation: failed to sync follows", "did", did, "error", err)
			continue
		}
	}

	deleted, err := l.store.DeleteFollowsNotIn(ctx, activeDIDs)
	if err != nil {
		l.logger.Error("reconciliation: failed to prune inactive follows", "error", err)
		return
	}
	if deleted > 0 {
		l.logger.Info("pruned follows of inactive users", "deleted", deleted)
	}
}
