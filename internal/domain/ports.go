package domain

import (
	"context"
	"time"
)

// Store is the persistence contract the domain layer depends on. It is
// implemented by internal/store against SQLite; handlers, backfill, and
// the retention loop never mutate rows directly.
type Store interface {
	// InsertPost upserts a post by URI (idempotent replay-safe).
	InsertPost(ctx context.Context, post *Post) error

	// DeletePost removes a post by its AT-URI. Deleting a missing URI is a no-op.
	DeletePost(ctx context.Context, uri string) error

	// InsertFollow upserts a follow by URI.
	InsertFollow(ctx context.Context, follow *Follow) error

	// DeleteFollow removes a follow by its AT-URI. Deleting a missing URI is a no-op.
	DeleteFollow(ctx context.Context, uri string) error

	// GetFollowingPosts returns up to limit posts authored by accounts
	// followerDID follows, ordered by created_at descending, strictly
	// before cursor (or not after "now" if cursor is empty). Returns the posts and
	// the opaque cursor for the next page (empty if the page was not full).
	GetFollowingPosts(ctx context.Context, followerDID string, limit int, cursor string) ([]Post, string, error)

	// CountFollows returns how many Follow rows have the given follower_did.
	CountFollows(ctx context.Context, followerDID string) (int, error)

	// RecordFeedRequest upserts (did, now) into active_users.
	RecordFeedRequest(ctx context.Context, did string) error

	// GetActiveUsers returns DIDs with last_feed_request within the last
	// `since` duration, most recent first.
	GetActiveUsers(ctx context.Context, since time.Duration) ([]string, error)

	// SyncFollowsForUser deletes every Follow of did whose target is not
	// in currentTargets, then stamps last_follow_sync.
	SyncFollowsForUser(ctx context.Context, did string, currentTargets []string) error

	// DeleteFollowsNotIn deletes every Follow whose follower_did is not in keep.
	DeleteFollowsNotIn(ctx context.Context, keep []string) (int64, error)

	// CleanupOldPosts deletes posts with indexed_at older than maxAge.
	// Returns the number of rows deleted.
	CleanupOldPosts(ctx context.Context, maxAge time.Duration) (int64, error)

	// GetCursor retrieves the last-processed firehose cursor for service.
	// Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so ingestion can resume.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}
