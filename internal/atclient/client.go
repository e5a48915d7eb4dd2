// Package atclient provides the shared AT Protocol REST client used by
// internal/backfill and internal/retention to page through public
// getFollows/getAuthorFeed data.
package atclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
)

// DefaultHost is the public, unauthenticated AT Proto app view used for
// read-only backfill and reconciliation requests.
const DefaultHost = "https://public.api.bsky.app"

const pageSize = 100

// Client wraps an xrpc.Client pointed at a public AppView host.
type Client struct {
	xrpc *xrpc.Client
}

// New creates a Client against host, defaulting to DefaultHost.
func New(host string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		xrpc: &xrpc.Client{
			Client: &http.Client{Timeout: 15 * time.Second},
			Host:   host,
		},
	}
}

// FollowTarget is a single entry returned by GetFollows.
type FollowTarget struct {
	DID       string
	CreatedAt time.Time
}

// GetAllFollows pages through app.bsky.graph.getFollows for actor until
// the API reports no further cursor, returning every followed DID.
func (c *Client) GetAllFollows(ctx context.Context, actor string) ([]FollowTarget, error) {
	var out []FollowTarget
	cursor := ""
	for {
		resp, err := bsky.GraphGetFollows(ctx, c.xrpc, actor, cursor, pageSize)
		if err != nil {
			return out, fmt.Errorf("getFollows(%s): %w", actor, err)
		}

		for _, f := range resp.Follows {
			if f == nil || f.Did == "" {
				continue
			}
			createdAt := time.Now().UTC()
			if f.CreatedAt != nil {
				if t, err := time.Parse(time.RFC3339, *f.CreatedAt); err == nil {
					createdAt = t
				}
			}
			out = append(out, FollowTarget{DID: f.Did, CreatedAt: createdAt})
		}

		if resp.Cursor == nil || *resp.Cursor == "" {
			return out, nil
		}
		cursor = *resp.Cursor
	}
}

// AuthorPost is a single entry returned by GetRecentAuthorPosts.
type AuthorPost struct {
	URI       string
	CID       string
	Text      string
	CreatedAt time.Time
}

// GetRecentAuthorPosts returns up to limit of authorDID's most recent
// posts, skipping feed items that carry a "reason" (reposts and other
// re-surfacing). A "subject" field on the post record itself is not
// detected here; see isRepost.
func (c *Client) GetRecentAuthorPosts(ctx context.Context, authorDID string, limit int) ([]AuthorPost, error) {
	resp, err := bsky.FeedGetAuthorFeed(ctx, c.xrpc, authorDID, "", int64(limit), "posts_no_replies")
	if err != nil {
		return nil, fmt.Errorf("getAuthorFeed(%s): %w", authorDID, err)
	}

	var out []AuthorPost
	for _, item := range resp.Feed {
		if item == nil || item.Post == nil {
			continue
		}
		if item.Reason != nil {
			continue
		}

		rawRecord, err := json.Marshal(item.Post.Record)
		if err != nil || isRepost(rawRecord) {
			continue
		}

		record, ok := item.Post.Record.Val.(*bsky.FeedPost)
		if !ok || record == nil {
			continue
		}

		createdAt := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, record.CreatedAt); err == nil {
			createdAt = t
		}

		out = append(out, AuthorPost{
			URI:       item.Post.Uri,
			CID:       item.Post.Cid,
			Text:      record.Text,
			CreatedAt: createdAt,
		})

		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// isRepost reports whether a JSON-encoded app.bsky.feed.post-collection
// record carries a "subject" field, the shape of a repost rather than an
// original post. GetRecentAuthorPosts passes it the re-encoded typed record,
// and bsky.FeedPost has no Subject field, so on that path a subject from the
// original record is already gone and this returns false.
func isRepost(raw []byte) bool {
	var probe struct {
		Subject json.RawMessage `json:"subject"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Subject) > 0
}
