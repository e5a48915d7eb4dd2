package firehose

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbarkhau/noreposts-feed/internal/domain"
)

func testSubscriber(t *testing.T, store domain.Store) *Subscriber {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	feedService := domain.NewFeedService("at://feed", store, logger, nil)
	return NewSubscriber("wss://example.invalid/subscribe", feedService, logger)
}

func TestIsRepostDetectsSubjectField(t *testing.T) {
	assert.True(t, isRepost([]byte(`{"$type":"app.bsky.feed.post","subject":{"uri":"at://x","cid":"y"}}`)))
	assert.False(t, isRepost([]byte(`{"$type":"app.bsky.feed.post","text":"hello"}`)))
}

func TestHandlePostCommitSkipsReposts(t *testing.T) {
	store := newRecordingStore()
	sub := testSubscriber(t, store)

	commit := &jetstreamCommit{
		Operation:  "create",
		Collection: "app.bsky.feed.post",
		RKey:       "1",
		Record:     []byte(`{"$type":"app.bsky.feed.post","subject":{"uri":"at://x","cid":"y"},"createdAt":"2026-01-01T00:00:00Z"}`),
		CID:        "c1",
	}

	outcome, err := sub.handlePostCommit(context.Background(), "did:plc:alice", "at://did:plc:alice/app.bsky.feed.post/1", commit)
	require.NoError(t, err)
	assert.Equal(t, outcomeRepostSkipped, outcome)
	assert.Empty(t, store.posts)
}

func TestHandlePostCommitIndexesOriginalPosts(t *testing.T) {
	store := newRecordingStore()
	sub := testSubscriber(t, store)

	commit := &jetstreamCommit{
		Operation:  "create",
		Collection: "app.bsky.feed.post",
		RKey:       "1",
		Record:     []byte(`{"$type":"app.bsky.feed.post","text":"hello world","createdAt":"2026-01-01T00:00:00Z"}`),
		CID:        "c1",
	}

	outcome, err := sub.handlePostCommit(context.Background(), "did:plc:alice", "at://did:plc:alice/app.bsky.feed.post/1", commit)
	require.NoError(t, err)
	assert.Equal(t, outcomePostIndexed, outcome)
	require.Len(t, store.posts, 1)
	assert.Equal(t, "hello world", store.posts[0].Text)
}

func TestHandleFollowCommitIndexesFollow(t *testing.T) {
	store := newRecordingStore()
	sub := testSubscriber(t, store)

	commit := &jetstreamCommit{
		Operation:  "create",
		Collection: "app.bsky.graph.follow",
		RKey:       "1",
		Record:     []byte(`{"$type":"app.bsky.graph.follow","subject":"did:plc:bob","createdAt":"2026-01-01T00:00:00Z"}`),
	}

	outcome, err := sub.handleFollowCommit(context.Background(), "did:plc:alice", "at://did:plc:alice/app.bsky.graph.follow/1", commit)
	require.NoError(t, err)
	assert.Equal(t, outcomeFollowIndexed, outcome)
	require.Len(t, store.follows, 1)
	assert.Equal(t, "did:plc:bob", store.follows[0].TargetDID)
}

func TestHandlePostCommitDeleteRemovesPost(t *testing.T) {
	store := newRecordingStore()
	sub := testSubscriber(t, store)
	uri := "at://did:plc:alice/app.bsky.feed.post/1"

	store.posts = append(store.posts, domain.Post{URI: uri})

	commit := &jetstreamCommit{Operation: "delete", Collection: "app.bsky.feed.post", RKey: "1"}
	_, err := sub.handlePostCommit(context.Background(), "did:plc:alice", uri, commit)
	require.NoError(t, err)
	assert.Contains(t, store.deletedPosts, uri)
}

// recordingStore is a minimal domain.Store fake for exercising dispatch logic.
type recordingStore struct {
	posts        []domain.Post
	follows      []domain.Follow
	deletedPosts []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{}
}

func (s *recordingStore) InsertPost(_ context.Context, post *domain.Post) error {
	s.posts = append(s.posts, *post)
	return nil
}
func (s *recordingStore) DeletePost(_ context.Context, uri string) error {
	s.deletedPosts = append(s.deletedPosts, uri)
	return nil
}
func (s *recordingStore) InsertFollow(_ context.Context, follow *domain.Follow) error {
	s.follows = append(s.follows, *follow)
	return nil
}
func (s *recordingStore) DeleteFollow(_ context.Context, uri string) error { return nil }
func (s *recordingStore) GetFollowingPosts(_ context.Context, _ string, _ int, _ string) ([]domain.Post, string, error) {
	return nil, "", nil
}
func (s *recordingStore) CountFollows(_ context.Context, _ string) (int, error) { return 0, nil }
func (s *recordingStore) RecordFeedRequest(_ context.Context, _ string) error   { return nil }
func (s *recordingStore) GetActiveUsers(_ context.Context, _ time.Duration) ([]string, error) {
	return nil, nil
}
func (s *recordingStore) SyncFollowsForUser(_ context.Context, _ string, _ []string) error {
	return nil
}
func (s *recordingStore) DeleteFollowsNotIn(_ context.Context, _ []string) (int64, error) {
	return 0, nil
}
func (s *recordingStore) CleanupOldPosts(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}
func (s *recordingStore) GetCursor(_ context.Context, _ string) (int64, error) { return 0, nil }
func (s *recordingStore) UpdateCursor(_ context.Context, _ string, _ int64) error {
	return nil
}
