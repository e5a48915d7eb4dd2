package domain

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	posts       map[string]Post
	follows     map[string]Follow
	cursors     map[string]int64
	feedReqs    map[string]int
	countCalls  int
	followCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:    make(map[string]Post),
		follows:  make(map[string]Follow),
		cursors:  make(map[string]int64),
		feedReqs: make(map[string]int),
	}
}

func (f *fakeStore) InsertPost(_ context.Context, post *Post) error {
	f.posts[post.URI] = *post
	return nil
}
func (f *fakeStore) DeletePost(_ context.Context, uri string) error {
	delete(f.posts, uri)
	return nil
}
func (f *fakeStore) InsertFollow(_ context.Context, follow *Follow) error {
	f.follows[follow.URI] = *follow
	return nil
}
func (f *fakeStore) DeleteFollow(_ context.Context, uri string) error {
	delete(f.follows, uri)
	return nil
}
func (f *fakeStore) GetFollowingPosts(_ context.Context, followerDID string, limit int, cursor string) ([]Post, string, error) {
	var targets = map[string]bool{}
	for _, fw := range f.follows {
		if fw.FollowerDID == followerDID {
			targets[fw.TargetDID] = true
		}
	}
	var out []Post
	for _, p := range f.posts {
		if targets[p.AuthorDID] {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}
func (f *fakeStore) CountFollows(_ context.Context, followerDID string) (int, error) {
	f.countCalls++
	n := 0
	for _, fw := range f.follows {
		if fw.FollowerDID == followerDID {
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) RecordFeedRequest(_ context.Context, did string) error {
	f.feedReqs[did]++
	return nil
}
func (f *fakeStore) GetActiveUsers(_ context.Context, _ time.Duration) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) SyncFollowsForUser(_ context.Context, _ string, _ []string) error { return nil }
func (f *fakeStore) DeleteFollowsNotIn(_ context.Context, _ []string) (int64, error)  { return 0, nil }
func (f *fakeStore) CleanupOldPosts(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) GetCursor(_ context.Context, service string) (int64, error) {
	return f.cursors[service], nil
}
func (f *fakeStore) UpdateCursor(_ context.Context, service string, cursor int64) error {
	f.cursors[service] = cursor
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessNewPostThenGetFeedSkeleton(t *testing.T) {
	store := newFakeStore()
	svc := NewFeedService("at://did:web:example/app.bsky.feed.generator/test", store, testLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.ProcessNewFollow(ctx, &Follow{
		URI: "at://alice/follow/1", FollowerDID: "alice", TargetDID: "bob",
	}))
	require.NoError(t, svc.ProcessNewPost(ctx, &IncomingPost{
		URI: "at://bob/post/1", CID: "c1", AuthorDID: "bob", Text: "hi", CreatedAt: time.Now(),
	}))

	skeleton, err := svc.GetFeedSkeleton(ctx, 10, "", "alice")
	require.NoError(t, err)
	require.Len(t, skeleton.Posts, 1)
	assert.Equal(t, "at://bob/post/1", skeleton.Posts[0].Post)
}

func TestProcessDeletePostRemovesFromFeed(t *testing.T) {
	store := newFakeStore()
	svc := NewFeedService("at://feed", store, testLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.ProcessNewFollow(ctx, &Follow{URI: "f1", FollowerDID: "alice", TargetDID: "bob"}))
	require.NoError(t, svc.ProcessNewPost(ctx, &IncomingPost{URI: "p1", AuthorDID: "bob", CreatedAt: time.Now()}))
	require.NoError(t, svc.ProcessDeletePost(ctx, "p1"))

	skeleton, err := svc.GetFeedSkeleton(ctx, 10, "", "alice")
	require.NoError(t, err)
	assert.Empty(t, skeleton.Posts)
}

func TestHandleFeedRequestTriggersBackfillWhenNoFollows(t *testing.T) {
	store := newFakeStore()
	var triggered string
	trigger := func(did string) { triggered = did }

	svc := NewFeedService("at://feed", store, testLogger(), trigger)
	ctx := context.Background()

	_, err := svc.HandleFeedRequest(ctx, "alice", 10, "")
	require.NoError(t, err)

	assert.Equal(t, "alice", triggered)
	assert.Equal(t, 1, store.feedReqs["alice"])
}

func TestHandleFeedRequestSkipsBackfillWhenFollowsExist(t *testing.T) {
	store := newFakeStore()
	store.follows["f1"] = Follow{URI: "f1", FollowerDID: "alice", TargetDID: "bob"}

	triggeredCount := 0
	trigger := func(string) { triggeredCount++ }

	svc := NewFeedService("at://feed", store, testLogger(), trigger)
	ctx := context.Background()

	_, err := svc.HandleFeedRequest(ctx, "alice", 10, "")
	require.NoError(t, err)
	assert.Equal(t, 0, triggeredCount)
}

func TestCursorPassthrough(t *testing.T) {
	store := newFakeStore()
	svc := NewFeedService("at://feed", store, testLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.UpdateCursor(ctx, "jetstream", 42))
	cursor, err := svc.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
}
