package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackfillTrigger is invoked by FeedService when a requester has no local
// follows yet. Implementations spawn the backfill asynchronously and must
// not block the calling goroutine (see internal/backfill.Dispatcher).
type BackfillTrigger func(did string)

// FeedService is the core domain service: it records feed requests and
// serves paginated feed skeletons over the follow graph. It owns no storage
// itself; all persistence goes through the Store interface. Background
// retention and follow reconciliation live in internal/retention.
type FeedService struct {
	feedURI  string
	store    Store
	logger   *slog.Logger
	backfill BackfillTrigger
}

// NewFeedService creates a FeedService serving a single feed at feedURI.
// backfill may be nil, in which case zero-follow requesters simply get an
// empty feed until the firehose indexes new follows of theirs or an external
// bootstrap (such as cmd/admin's backfill command) fills their follows in.
func NewFeedService(feedURI string, store Store, logger *slog.Logger, backfill BackfillTrigger) *FeedService {
	return &FeedService{
		feedURI:  feedURI,
		store:    store,
		logger:   logger,
		backfill: backfill,
	}
}

// FeedURIs returns the AT-URIs of all feeds served by this instance.
func (s *FeedService) FeedURIs() []string {
	return []string{s.feedURI}
}

// ProcessNewPost persists an incoming post. Reposts must already have been
// filtered out by the caller (internal/firehose); this method always
// inserts.
func (s *FeedService) ProcessNewPost(ctx context.Context, incoming *IncomingPost) error {
	post := &Post{
		URI:       incoming.URI,
		CID:       incoming.CID,
		AuthorDID: incoming.AuthorDID,
		Text:      incoming.Text,
		CreatedAt: incoming.CreatedAt,
		IndexedAt: time.Now().UTC(),
	}
	if err := s.store.InsertPost(ctx, post); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// ProcessDeletePost removes a post by URI.
func (s *FeedService) ProcessDeletePost(ctx context.Context, uri string) error {
	return s.store.DeletePost(ctx, uri)
}

// ProcessNewFollow persists an incoming follow.
func (s *FeedService) ProcessNewFollow(ctx context.Context, follow *Follow) error {
	follow.IndexedAt = time.Now().UTC()
	if err := s.store.InsertFollow(ctx, follow); err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

// ProcessDeleteFollow removes a follow by URI.
func (s *FeedService) ProcessDeleteFollow(ctx context.Context, uri string) error {
	return s.store.DeleteFollow(ctx, uri)
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.store.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.store.UpdateCursor(ctx, service, cursor)
}

// HandleFeedRequest records the request against requesterDID, triggers a
// backfill if the requester has no local follows yet, and returns a page of
// their following-without-reposts feed.
func (s *FeedService) HandleFeedRequest(ctx context.Context, requesterDID string, limit int, cursor string) (*FeedSkeleton, error) {
	if err := s.store.RecordFeedRequest(ctx, requesterDID); err != nil {
		s.logger.Error("failed to record feed request", "did", requesterDID, "error", err)
	}

	if s.backfill != nil {
		count, err := s.store.CountFollows(ctx, requesterDID)
		if err != nil {
			s.logger.Error("failed to count follows before backfill check", "did", requesterDID, "error", err)
		} else if count == 0 {
			s.backfill(requesterDID)
		}
	}

	return s.GetFeedSkeleton(ctx, limit, cursor, requesterDID)
}

// GetFeedSkeleton returns a page of the feed skeleton for followerDID.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, limit int, cursor string, followerDID string) (*FeedSkeleton, error) {
	s.logger.Debug("GetFeedSkeleton called", "follower", followerDID, "limit", limit, "cursor", cursor)

	posts, nextCursor, err := s.store.GetFollowingPosts(ctx, followerDID, limit, cursor)
	if err != nil {
		s.logger.Error("store query failed", "follower", followerDID, "limit", limit, "cursor", cursor, "error", err)
		return nil, fmt.Errorf("get following posts: %w", err)
	}

	s.logger.Debug("store query succeeded", "posts_count", len(posts), "next_cursor", nextCursor)

	skeleton := &FeedSkeleton{
		Cursor: nextCursor,
		Posts:  make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}
