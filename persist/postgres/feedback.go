package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// FeedbackRepository represents an explicit-feedback repository in the postgres database
type FeedbackRepository struct {
	pool *pgxpool.Pool
}

// NewFeedbackRepository creates a new postgres repository for interacting with explicit feedback
func NewFeedbackRepository(pool *pgxpool.Pool) *FeedbackRepository {
	return &FeedbackRepository{pool: pool}
}

// Add records one explicit feedback event
func (r *FeedbackRepository) Add(ctx context.Context, f persist.UserFeedback) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_feedback (user_did, uri, direction, strength, created_at)
		VALUES ($1, $2, $3, $4, $5);`, f.UserDid, f.URI, f.Direction, f.Strength, f.CreatedAt)
	return err
}

// GetRecentPositiveURIs returns URIs the user explicitly asked for more of
func (r *FeedbackRepository) GetRecentPositiveURIs(ctx context.Context, userDid persist.DID, since time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT uri FROM user_feedback
		WHERE user_did = $1 AND direction = 'more' AND created_at > $2;`, userDid, since)
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
