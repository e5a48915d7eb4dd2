package domain

import "time"

// Post represents an indexed Bluesky post stored in our database.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Text is the post body text.
	Text string

	// CreatedAt is the timestamp the author's client set on the record.
	CreatedAt time.Time

	// IndexedAt is when this service indexed the post.
	IndexedAt time.Time
}

// IncomingPost represents a new post from the firehose that hasn't been
// persisted yet.
type IncomingPost struct {
	// URI is the AT-URI of the post.
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Text is the post body text.
	Text string

	// CreatedAt is the timestamp the author's client set on the record.
	CreatedAt time.Time
}

// Follow represents an indexed follow relationship.
type Follow struct {
	// URI is the AT-URI of the follow record.
	URI string

	FollowerDID string
	TargetDID   string
	CreatedAt   time.Time
	IndexedAt   time.Time
}

// ActiveUser tracks the last time a DID made an authenticated feed request,
// and the last time its follow set was reconciled against the network.
type ActiveUser struct {
	DID             string
	LastFeedRequest time.Time
	LastFollowSync  *time.Time
}
