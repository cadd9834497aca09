package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// ServedRepository represents the served log in the postgres database
type ServedRepository struct {
	pool *pgxpool.Pool
}

// NewServedRepository creates a new postgres repository for the served log
func NewServedRepository(pool *pgxpool.Pool) *ServedRepository {
	return &ServedRepository{pool: pool}
}

// Add appends one row per served URI
func (r *ServedRepository) Add(ctx context.Context, userDid persist.DID, uris []string, at time.Time) error {
	if len(uris) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(uris))
	args := make([]interface{}, 0, len(uris)*3)
	for i, uri := range uris {
		base := i * 3
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d)", base+1, base+2, base+3))
		args = append(args, userDid, uri, at)
	}

	query := fmt.Sprintf(`INSERT INTO user_served_post (user_did, uri, served_at) VALUES %s;`, strings.Join(placeholders, ","))
	_, err := r.pool.Exec(ctx, query, args...)
	return err
}

// GetURIsForUser returns URIs served to the user since the cutoff
func (r *ServedRepository) GetURIsForUser(ctx context.Context, userDid persist.DID, since time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT uri FROM user_served_post WHERE user_did = $1 AND served_at > $2;`, userDid, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// DeleteBefore garbage-collects served rows older than the cutoff
func (r *ServedRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_served_post WHERE served_at < $1;`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SeenRepository represents the seen log in the postgres database
type SeenRepository struct {
	pool *pgxpool.Pool
}

// NewSeenRepository creates a new postgres repository for the seen log
func NewSeenRepository(pool *pgxpool.Pool) *SeenRepository {
	return &SeenRepository{pool: pool}
}

// Add appends one row per seen URI
func (r *SeenRepository) Add(ctx context.Context, userDid persist.DID, uris []string, at time.Time) error {
	if len(uris) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(uris))
	args := make([]interface{}, 0, len(uris)*3)
	for i, uri := range uris {
		base := i * 3
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d)", base+1, base+2, base+3))
		args = append(args, userDid, uri, at)
	}

	query := fmt.Sprintf(`INSERT INTO user_seen_post (user_did, uri, seen_at) VALUES %s;`, strings.Join(placeholders, ","))
	_, err := r.pool.Exec(ctx, query, args...)
	return err
}

// CountsForUser returns, per URI, how many times the user has seen it since the cutoff
func (r *SeenRepository) CountsForUser(ctx context.Context, userDid persist.DID, since time.Time) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT uri, count(*) FROM user_seen_post WHERE user_did = $1 AND seen_at > $2 GROUP BY uri;`, userDid, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var uri string
		var count int
		if err := rows.Scan(&uri, &count); err != nil {
			return nil, err
		}
		counts[uri] = count
	}
	return counts, rows.Err()
}

// DeleteBefore garbage-collects seen rows older than the cutoff
func (r *SeenRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_seen_post WHERE seen_at < $1;`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
