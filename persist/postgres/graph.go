package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// FollowRepository represents a follow-edge repository in the postgres database
type FollowRepository struct {
	pool *pgxpool.Pool
}

// NewFollowRepository creates a new postgres repository for interacting with follow edges
func NewFollowRepository(pool *pgxpool.Pool) *FollowRepository {
	return &FollowRepository{pool: pool}
}

// UpsertFollows inserts follow edges, ignoring pairs that already exist
func (r *FollowRepository) UpsertFollows(ctx context.Context, edges []persist.FollowEdge) error {
	if len(edges) == 0 {
		return nil
	}

	for _, chunk := range chunkFollows(edges, insertChunkSize) {
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*3)
		for i, e := range chunk {
			base := i * 3
			placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d)", base+1, base+2, base+3))
			args = append(args, e.Follower, e.Followee, e.IndexedAt)
		}
		query := fmt.Sprintf(`INSERT INTO graph_follow (follower, followee, indexed_at) VALUES %s ON CONFLICT (follower, followee) DO NOTHING;`,
			strings.Join(placeholders, ","))
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// GetFollowing returns the accounts the user follows
func (r *FollowRepository) GetFollowing(ctx context.Context, userDid persist.DID) ([]persist.DID, error) {
	rows, err := r.pool.Query(ctx, `SELECT followee FROM graph_follow WHERE follower = $1;`, userDid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

// GetMutuals returns accounts the user follows that also follow the user
func (r *FollowRepository) GetMutuals(ctx context.Context, userDid persist.DID) ([]persist.DID, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.followee FROM graph_follow a
		JOIN graph_follow b ON b.follower = a.followee AND b.followee = a.follower
		WHERE a.follower = $1;`, userDid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

// GetLayer2 returns the distinct followees of the user's followees, excluding the user
// and the user's Layer-1
func (r *FollowRepository) GetLayer2(ctx context.Context, userDid persist.DID) ([]persist.DID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT l2.followee FROM graph_follow l1
		JOIN graph_follow l2 ON l2.follower = l1.followee
		WHERE l1.follower = $1
		AND l2.followee != $1
		AND l2.followee NOT IN (SELECT followee FROM graph_follow WHERE follower = $1);`, userDid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

// CountFollowersAmong returns, per candidate, how many of the follower set follow them
func (r *FollowRepository) CountFollowersAmong(ctx context.Context, candidates []persist.DID, followers []persist.DID) (map[persist.DID]int, error) {
	if len(candidates) == 0 || len(followers) == 0 {
		return map[persist.DID]int{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT followee, count(*) FROM graph_follow
		WHERE followee = ANY($1) AND follower = ANY($2)
		GROUP BY followee;`, didsToStrings(candidates), didsToStrings(followers))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[persist.DID]int)
	for rows.Next() {
		var did persist.DID
		var count int
		if err := rows.Scan(&did, &count); err != nil {
			return nil, err
		}
		counts[did] = count
	}
	return counts, rows.Err()
}

// IsFollowedByAnyone reports whether any tracked user follows the given author
func (r *FollowRepository) IsFollowedByAnyone(ctx context.Context, authorDid persist.DID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM graph_follow WHERE followee = $1);`, authorDid).Scan(&exists)
	return exists, err
}

// InfluentialL2Repository represents the influential-L2 cache in the postgres database
type InfluentialL2Repository struct {
	pool *pgxpool.Pool
}

// NewInfluentialL2Repository creates a new postgres repository for the influential-L2 cache
func NewInfluentialL2Repository(pool *pgxpool.Pool) *InfluentialL2Repository {
	return &InfluentialL2Repository{pool: pool}
}

// Replace swaps the user's cached set for a new one
func (r *InfluentialL2Repository) Replace(ctx context.Context, userDid persist.DID, entries []persist.InfluentialL2) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM influential_l2 WHERE user_did = $1;`, userDid); err != nil {
		return err
	}

	for _, e := range entries {
		_, err := tx.Exec(ctx, `INSERT INTO influential_l2 (user_did, l2_did, influence_score, l1_follower_count, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_did, l2_did) DO UPDATE SET influence_score = $3, l1_follower_count = $4, updated_at = $5;`,
			userDid, e.L2Did, e.InfluenceScore, e.L1FollowerCount, e.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetForUser returns the user's cached influential Layer-2 accounts
func (r *InfluentialL2Repository) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.InfluentialL2, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_did, l2_did, influence_score, l1_follower_count, updated_at
		FROM influential_l2 WHERE user_did = $1 ORDER BY influence_score DESC;`, userDid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []persist.InfluentialL2
	for rows.Next() {
		var e persist.InfluentialL2
		if err := rows.Scan(&e.UserDid, &e.L2Did, &e.InfluenceScore, &e.L1FollowerCount, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastUpdated returns the zero time when the user has no cached rows
func (r *InfluentialL2Repository) LastUpdated(ctx context.Context, userDid persist.DID) (time.Time, error) {
	var updatedAt *time.Time
	err := r.pool.QueryRow(ctx, `SELECT max(updated_at) FROM influential_l2 WHERE user_did = $1;`, userDid).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, err
	}
	if updatedAt == nil {
		return time.Time{}, nil
	}
	return *updatedAt, nil
}

func scanDids(rows pgx.Rows) ([]persist.DID, error) {
	var dids []persist.DID
	for rows.Next() {
		var did persist.DID
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

func chunkFollows(edges []persist.FollowEdge, size int) [][]persist.FollowEdge {
	var chunks [][]persist.FollowEdge
	for size < len(edges) {
		edges, chunks = edges[size:], append(chunks, edges[:size:size])
	}
	if len(edges) > 0 {
		chunks = append(chunks, edges)
	}
	return chunks
}
