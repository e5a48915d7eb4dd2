// Package backfill bootstraps a newly-seen requester's follow graph and a
// sample of their follows' recent posts, so their first feed request isn't
// empty while the firehose catches up organically.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbarkhau/noreposts-feed/internal/atclient"
	"github.com/mbarkhau/noreposts-feed/internal/domain"
)

// postsPerFollow is how many of each newly-discovered follow's recent posts
// are backfilled.
const postsPerFollow = 10

// interUserDelay is a courtesy pause between per-follow author-feed
// fetches so a single backfill doesn't hammer the public AppView.
const interUserDelay = 100 * time.Millisecond

// Dispatcher triggers at most one concurrent backfill per requester DID,
// running each in its own goroutine so it never blocks the caller (an HTTP
// handler, typically).
type Dispatcher struct {
	client  *atclient.Client
	store   domain.Store
	logger  *slog.Logger
	inFlight sync.Map // did -> struct{}
}

// NewDispatcher creates a Dispatcher using client for upstream reads and
// store for persistence.
func NewDispatcher(client *atclient.Client, store domain.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		store:  store,
		logger: logger,
	}
}

// Trigger returns a domain.BackfillTrigger bound to this dispatcher.
func (d *Dispatcher) Trigger() domain.BackfillTrigger {
	return d.Run
}

// Run starts a backfill for did in a new goroutine if one is not already
// running for that DID. It never blocks and never panics the caller.
func (d *Dispatcher) Run(did string) {
	if _, alreadyRunning := d.inFlight.LoadOrStore(did, struct{}{}); alreadyRunning {
		return
	}

	go func() {
		defer d.inFlight.Delete(did)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("backfill panicked", "did", did, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := d.run(ctx, did); err != nil {
			d.logger.Error("backfill failed", "did", did, "error", err)
		}
	}()
}

func (d *Dispatcher) run(ctx context.Context, did string) error {
	d.logger.Info("backfill starting", "did", did)

	targets, err := d.client.GetAllFollows(ctx, did)
	if err != nil {
		return fmt.Errorf("fetch follows: %w", err)
	}

	for _, target := range targets {
		follow := &domain.Follow{
			URI:         fmt.Sprintf("at://%s/app.bsky.graph.follow/%s", did, uuid.NewString()),
			FollowerDID: did,
			TargetDID:   target.DID,
			CreatedAt:   target.CreatedAt,
		}
		if err := d.store.InsertFollow(ctx, follow); err != nil {
			d.logger.Error("backfill: failed to insert follow", "did", did, "target", target.DID, "error", err)
			continue
		}
	}

	d.logger.Info("backfill follows complete", "did", did, "count", len(targets))

	for i, target := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		posts, err := d.client.GetRecentAuthorPosts(ctx, target.DID, postsPerFollow)
		if err != nil {
			d.logger.Error("backfill: failed to fetch author posts", "did", did, "target", target.DID, "error", err)
			continue
		}

		for _, p := range posts {
			post := &domain.Post{
				URI:       p.URI,
				CID:       p.CID,
				AuthorDID: target.DID,
				Text:      p.Text,
				CreatedAt: p.CreatedAt,
				IndexedAt: time.Now().UTC(),
			}
			if err := d.store.InsertPost(ctx, post); err != nil {
				d.logger.Error("backfill: failed to insert post", "did", did, "target", target.DID, "error", err)
			}
		}

		if i < len(targets)-1 {
			time.Sleep(interUserDelay)
		}
	}

	d.logger.Info("backfill complete", "did", did)
	return nil
}
