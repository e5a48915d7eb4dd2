// Package store implements domain.Store against SQLite using the pure-Go
// modernc.org/sqlite driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbarkhau/noreposts-feed/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrTransient marks a Store failure the caller may retry (e.g. a busy
// database, a dropped connection) as opposed to a constraint violation that
// will not resolve itself.
var ErrTransient = errors.New("store: transient failure")

// Store implements domain.Store against a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and, if needed, creates and migrates) the SQLite database
// named by databaseURL, which may be a bare path or carry a "sqlite:"
// scheme (e.g. "sqlite:./feed.db"). WAL mode and a busy timeout are set so
// concurrent readers are tolerated while the firehose consumer writes.
func Open(databaseURL string) (*Store, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite:")

	// busy_timeout is a per-connection setting, so it goes into the DSN,
	// where the driver applies it to every connection the pool opens.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A small pool of up to four connections; WAL lets readers proceed
	// while another connection writes, and busy_timeout makes competing
	// writers wait instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPost upserts a post by URI.
func (s *Store) InsertPost(ctx context.Context, post *domain.Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (uri, cid, author_did, text, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO UPDATE SET
			cid = excluded.cid,
			author_did = excluded.author_did,
			text = excluded.text,
			created_at = excluded.created_at,
			indexed_at = excluded.indexed_at`,
		post.URI, post.CID, post.AuthorDID, post.Text,
		post.CreatedAt.UTC().Format(time.RFC3339),
		post.IndexedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

// DeletePost removes a post by URI.
func (s *Store) DeletePost(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = ?`, uri)
	return wrapErr(err)
}

// InsertFollow upserts a follow by URI.
func (s *Store) InsertFollow(ctx context.Context, follow *domain.Follow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follows (uri, follower_did, target_did, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO UPDATE SET
			follower_did = excluded.follower_did,
			target_did = excluded.target_did,
			created_at = excluded.created_at,
			indexed_at = excluded.indexed_at`,
		follow.URI, follow.FollowerDID, follow.TargetDID,
		follow.CreatedAt.UTC().Format(time.RFC3339),
		follow.IndexedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

// DeleteFollow removes a follow by URI.
func (s *Store) DeleteFollow(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM follows WHERE uri = ?`, uri)
	return wrapErr(err)
}

// GetFollowingPosts returns a page of posts authored by accounts followerDID
// follows, most recent first. The cursor format is "<rfc3339
// created_at>::<uri>", matching the last row of the previous page.
func (s *Store) GetFollowingPosts(ctx context.Context, followerDID string, limit int, cursor string) ([]domain.Post, string, error) {
	const baseQuery = `
		SELECT p.uri, p.cid, p.author_did, p.text, p.created_at, p.indexed_at
		FROM posts p
		JOIN follows f ON f.target_did = p.author_did
		WHERE f.follower_did = ?`

	var (
		rows *sql.Rows
		err  error
	)

	if cursor != "" {
		cursorTime, cursorURI, perr := parseCursor(cursor)
		if perr != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, perr)
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+`
			AND (p.created_at, p.uri) < (?, ?)
			ORDER BY p.created_at DESC, p.uri DESC
			LIMIT ?`,
			followerDID, cursorTime, cursorURI, limit,
		)
	} else {
		// created_at is stored at whole-second precision, so a post from the
		// current second compares equal to "now" and is still included.
		rows, err = s.db.QueryContext(ctx, baseQuery+`
			AND p.created_at <= ?
			ORDER BY p.created_at DESC, p.uri DESC
			LIMIT ?`,
			followerDID, time.Now().UTC().Format(time.RFC3339), limit,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("query following posts: %w", wrapErr(err))
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var p domain.Post
		var createdAt, indexedAt string
		if err := rows.Scan(&p.URI, &p.CID, &p.AuthorDID, &p.Text, &createdAt, &indexedAt); err != nil {
			return nil, "", fmt.Errorf("scan post: %w", err)
		}
		p.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, "", fmt.Errorf("parse created_at: %w", err)
		}
		p.IndexedAt, err = time.Parse(time.RFC3339, indexedAt)
		if err != nil {
			return nil, "", fmt.Errorf("parse indexed_at: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate posts: %w", err)
	}

	var nextCursor string
	if len(posts) == limit {
		last := posts[len(posts)-1]
		nextCursor = fmt.Sprintf("%s::%s", last.CreatedAt.UTC().Format(time.RFC3339), last.URI)
	}

	return posts, nextCursor, nil
}

// CountFollows returns how many follows followerDID has indexed locally.
func (s *Store) CountFollows(ctx context.Context, followerDID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM follows WHERE follower_did = ?`, followerDID,
	).Scan(&count)
	if err != nil {
		return 0, wrapErr(err)
	}
	return count, nil
}

// RecordFeedRequest upserts (did, now) into active_users.
func (s *Store) RecordFeedRequest(ctx context.Context, did string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_users (did, last_feed_request)
		VALUES (?, ?)
		ON CONFLICT (did) DO UPDATE SET last_feed_request = excluded.last_feed_request`,
		did, time.Now().UTC().Format(time.RFC3339),
	)
	return wrapErr(err)
}

// GetActiveUsers returns DIDs with last_feed_request within the last
// `since` duration, most recent first.
func (s *Store) GetActiveUsers(ctx context.Context, since time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-since).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT did FROM active_users
		WHERE last_feed_request >= ?
		ORDER BY last_feed_request DESC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", wrapErr(err))
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// SyncFollowsForUser deletes every follow of did whose target is not in
// currentTargets, then stamps last_follow_sync. An empty currentTargets
// deletes all of did's locally-indexed follows.
func (s *Store) SyncFollowsForUser(ctx context.Context, did string, currentTargets []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", wrapErr(err))
	}
	defer tx.Rollback()

	if len(currentTargets) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM follows WHERE follower_did = ?`, did); err != nil {
			return fmt.Errorf("delete all follows: %w", wrapErr(err))
		}
	} else {
		placeholders := make([]string, len(currentTargets))
		args := make([]any, 0, len(currentTargets)+1)
		args = append(args, did)
		for i, target := range currentTargets {
			placeholders[i] = "?"
			args = append(args, target)
		}
		query := fmt.Sprintf(
			`DELETE FROM follows WHERE follower_did = ? AND target_did NOT IN (%s)`,
			strings.Join(placeholders, ", "),
		)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete stale follows: %w", wrapErr(err))
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO active_users (did, last_feed_request, last_follow_sync)
		VALUES (?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET last_follow_sync = excluded.last_follow_sync`,
		did, time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("stamp last_follow_sync: %w", wrapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", wrapErr(err))
	}
	return nil
}

// DeleteFollowsNotIn deletes every follow whose follower_did is not in keep.
// Returns the number of rows deleted.
func (s *Store) DeleteFollowsNotIn(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM follows`)
		if err != nil {
			return 0, wrapErr(err)
		}
		return res.RowsAffected()
	}

	placeholders := make([]string, len(keep))
	args := make([]any, len(keep))
	for i, did := range keep {
		placeholders[i] = "?"
		args[i] = did
	}
	query := fmt.Sprintf(`DELETE FROM follows WHERE follower_did NOT IN (%s)`, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.RowsAffected()
}

// CleanupOldPosts deletes posts with indexed_at older than maxAge. Returns
// the number of rows deleted.
func (s *Store) CleanupOldPosts(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE indexed_at < ?`, cutoff)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.RowsAffected()
}

// GetCursor retrieves the saved firehose cursor for a service. Returns 0 if
// no cursor has been saved.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr(err)
	}
	return cursor, nil
}

// UpdateCursor upserts the firehose cursor for a service.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		service, cursor, time.Now().UTC().Format(time.RFC3339),
	)
	return wrapErr(err)
}

// Stats returns the total post count, follow count, and distinct
// follower count, for the admin console.
func (s *Store) Stats(ctx context.Context) (posts, follows, users int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&posts); err != nil {
		return 0, 0, 0, wrapErr(err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows`).Scan(&follows); err != nil {
		return 0, 0, 0, wrapErr(err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT follower_did) FROM follows`).Scan(&users); err != nil {
		return 0, 0, 0, wrapErr(err)
	}
	return posts, follows, users, nil
}

func parseCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("cursor must be in format 'created_at::uri'")
	}
	if _, err := time.Parse(time.RFC3339, parts[0]); err != nil {
		return "", "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return parts[0], parts[1], nil
}

// wrapErr classifies a driver error as transient when it looks like a busy
// or locked database, leaving the error otherwise untouched so constraint
// violations stay distinguishable via errors.Is/As against the driver's own
// sentinel types.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
