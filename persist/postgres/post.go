package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

const insertChunkSize = 500

const postColumns = `uri, cid, indexed_at, author, like_count, reply_count, repost_count, reply_root, reply_parent, text, has_image, has_video, has_external`

// PostRepository represents a post repository in the postgres database
type PostRepository struct {
	pool *pgxpool.Pool
}

// NewPostRepository creates a new postgres repository for interacting with posts
func NewPostRepository(pool *pgxpool.Pool) *PostRepository {
	return &PostRepository{pool: pool}
}

// ApplyIngestBatch applies one flush worth of firehose mutations in a single transaction:
// post inserts, post deletes, counter deltas (URI-sorted), interaction inserts.
func (r *PostRepository) ApplyIngestBatch(ctx context.Context, batch persist.IngestBatch) error {
	if batch.IsEmpty() {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunkPosts(batch.Posts, insertChunkSize) {
		if err := insertPosts(ctx, tx, chunk); err != nil {
			return err
		}
	}

	if len(batch.Deletes) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM post WHERE uri = ANY($1);`, batch.Deletes); err != nil {
			return err
		}
	}

	// Counter updates run in URI order so two concurrent flushes cannot deadlock on
	// row locks taken in opposite orders.
	deltas := make([]persist.CounterDelta, len(batch.CounterDeltas))
	copy(deltas, batch.CounterDeltas)
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].URI < deltas[j].URI })

	for _, d := range deltas {
		_, err := tx.Exec(ctx, `UPDATE post SET like_count = GREATEST(0, like_count + $2), repost_count = GREATEST(0, repost_count + $3), reply_count = GREATEST(0, reply_count + $4) WHERE uri = $1;`,
			d.URI, d.Likes, d.Reposts, d.Replies)
		if err != nil {
			return err
		}
	}

	for _, chunk := range chunkInteractions(batch.Interactions, insertChunkSize) {
		if err := insertInteractions(ctx, tx, chunk); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertPosts(ctx context.Context, tx pgx.Tx, posts []persist.Post) error {
	if len(posts) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(posts))
	args := make([]interface{}, 0, len(posts)*13)
	for i, p := range posts {
		base := i * 13
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13))
		args = append(args, p.URI, p.CID, p.IndexedAt, p.Author, p.LikeCount, p.ReplyCount, p.RepostCount,
			p.ReplyRoot, p.ReplyParent, p.Text, p.HasImage, p.HasVideo, p.HasExternal)
	}

	query := fmt.Sprintf(`INSERT INTO post (%s) VALUES %s ON CONFLICT (uri) DO NOTHING;`, postColumns, strings.Join(placeholders, ","))
	_, err := tx.Exec(ctx, query, args...)
	return err
}

func insertInteractions(ctx context.Context, tx pgx.Tx, interactions []persist.Interaction) error {
	if len(interactions) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(interactions))
	args := make([]interface{}, 0, len(interactions)*6)
	for i, in := range interactions {
		base := i * 6
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, in.Actor, in.Target, in.Type, in.Weight, in.IndexedAt, in.InteractionURI)
	}

	query := fmt.Sprintf(`INSERT INTO graph_interaction (actor, target, type, weight, indexed_at, interaction_uri) VALUES %s ON CONFLICT (actor, target, type) DO NOTHING;`,
		strings.Join(placeholders, ","))
	_, err := tx.Exec(ctx, query, args...)
	return err
}

// GetByURIs returns the posts with the given URIs, omitting misses
func (r *PostRepository) GetByURIs(ctx context.Context, uris []string) ([]persist.Post, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM post WHERE uri = ANY($1);`, postColumns), uris)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// GetRepliesByRoots returns all indexed replies whose reply_root is in the given set
func (r *PostRepository) GetRepliesByRoots(ctx context.Context, roots []string) ([]persist.Post, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM post WHERE reply_root = ANY($1);`, postColumns), roots)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RecallFresh returns recent posts authored by the given set or above the like threshold,
// most-engaged first.
func (r *PostRepository) RecallFresh(ctx context.Context, params persist.RecallParams) ([]persist.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM post
		WHERE indexed_at > $1 AND (author = ANY($2) OR like_count > $3)
		AND NOT (author = ANY($4))
		ORDER BY like_count DESC, indexed_at DESC
		LIMIT $5;`, postColumns)
	rows, err := r.pool.Query(ctx, query, params.NewerThan, didsToStrings(params.Authors), params.MinLikes, didsToStrings(params.ExcludeUsers), params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RecallBridge returns posts in the bridge window (older than fresh, younger than gems)
// with the same author-or-engagement predicate.
func (r *PostRepository) RecallBridge(ctx context.Context, params persist.RecallParams) ([]persist.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM post
		WHERE indexed_at > $1 AND indexed_at <= $2 AND (author = ANY($3) OR like_count > $4)
		AND NOT (author = ANY($5))
		ORDER BY like_count DESC, indexed_at DESC
		LIMIT $6;`, postColumns)
	rows, err := r.pool.Query(ctx, query, params.NewerThan, params.OlderThan, didsToStrings(params.Authors), params.MinLikes, didsToStrings(params.ExcludeUsers), params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RecallGems returns engaged posts from the long window regardless of author.
func (r *PostRepository) RecallGems(ctx context.Context, params persist.RecallParams) ([]persist.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM post
		WHERE indexed_at > $1 AND like_count > $2
		AND NOT (author = ANY($3))
		ORDER BY like_count DESC, indexed_at DESC
		LIMIT $4;`, postColumns)
	rows, err := r.pool.Query(ctx, query, params.NewerThan, params.MinLikes, didsToStrings(params.ExcludeUsers), params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RecallBubble returns posts from the author set only.
func (r *PostRepository) RecallBubble(ctx context.Context, params persist.RecallParams) ([]persist.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM post
		WHERE indexed_at > $1 AND author = ANY($2)
		AND NOT (author = ANY($3))
		ORDER BY indexed_at DESC
		LIMIT $4;`, postColumns)
	rows, err := r.pool.Query(ctx, query, params.NewerThan, didsToStrings(params.Authors), didsToStrings(params.ExcludeUsers), params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RandomCorpus samples random recent posts with non-empty text
func (r *PostRepository) RandomCorpus(ctx context.Context, n int) ([]persist.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM post
		WHERE text IS NOT NULL AND length(text) > 0 AND indexed_at > now() - interval '7 days'
		ORDER BY random()
		LIMIT $1;`, postColumns)
	rows, err := r.pool.Query(ctx, query, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// DeleteStale removes posts past the retention cutoff with zero engagement whose author
// nobody follows.
func (r *PostRepository) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM post
		WHERE indexed_at < $1
		AND like_count = 0 AND reply_count = 0 AND repost_count = 0
		AND NOT EXISTS (SELECT 1 FROM graph_follow f WHERE f.followee = post.author);`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPosts(rows pgx.Rows) ([]persist.Post, error) {
	var posts []persist.Post
	for rows.Next() {
		var p persist.Post
		if err := rows.Scan(&p.URI, &p.CID, &p.IndexedAt, &p.Author, &p.LikeCount, &p.ReplyCount, &p.RepostCount,
			&p.ReplyRoot, &p.ReplyParent, &p.Text, &p.HasImage, &p.HasVideo, &p.HasExternal); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func chunkPosts(posts []persist.Post, size int) [][]persist.Post {
	var chunks [][]persist.Post
	for size < len(posts) {
		posts, chunks = posts[size:], append(chunks, posts[:size:size])
	}
	if len(posts) > 0 {
		chunks = append(chunks, posts)
	}
	return chunks
}

func chunkInteractions(interactions []persist.Interaction, size int) [][]persist.Interaction {
	var chunks [][]persist.Interaction
	for size < len(interactions) {
		interactions, chunks = interactions[size:], append(chunks, interactions[:size:size])
	}
	if len(interactions) > 0 {
		chunks = append(chunks, interactions)
	}
	return chunks
}
