package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// FatigueRepository represents an author-fatigue repository in the postgres database
type FatigueRepository struct {
	pool *pgxpool.Pool
}

// NewFatigueRepository creates a new postgres repository for interacting with author fatigue
func NewFatigueRepository(pool *pgxpool.Pool) *FatigueRepository {
	return &FatigueRepository{pool: pool}
}

// Get returns the fatigue row for (user, author)
func (r *FatigueRepository) Get(ctx context.Context, userDid, authorDid persist.DID) (persist.AuthorFatigue, error) {
	var f persist.AuthorFatigue
	err := r.pool.QueryRow(ctx, `SELECT user_did, author_did, serve_count, last_served_at, fatigue_score, affinity_score, interaction_weight, last_interaction_at, interaction_count, updated_at
		FROM user_author_fatigue WHERE user_did = $1 AND author_did = $2;`, userDid, authorDid).
		Scan(&f.UserDid, &f.AuthorDid, &f.ServeCount, &f.LastServedAt, &f.FatigueScore, &f.AffinityScore, &f.InteractionWeight, &f.LastInteractionAt, &f.InteractionCount, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persist.AuthorFatigue{}, persist.ErrNotFound{Table: "user_author_fatigue", Key: string(userDid) + "/" + string(authorDid)}
	}
	return f, err
}

// Upsert writes the full fatigue row
func (r *FatigueRepository) Upsert(ctx context.Context, f persist.AuthorFatigue) error {
	f.Clamp()
	_, err := r.pool.Exec(ctx, `INSERT INTO user_author_fatigue (user_did, author_did, serve_count, last_served_at, fatigue_score, affinity_score, interaction_weight, last_interaction_at, interaction_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_did, author_did) DO UPDATE SET
			serve_count = $3,
			last_served_at = $4,
			fatigue_score = $5,
			affinity_score = $6,
			interaction_weight = $7,
			last_interaction_at = $8,
			interaction_count = $9,
			updated_at = $10;`,
		f.UserDid, f.AuthorDid, f.ServeCount, f.LastServedAt, f.FatigueScore, f.AffinityScore, f.InteractionWeight, f.LastInteractionAt, f.InteractionCount, f.UpdatedAt)
	return err
}

// GetForUser returns every fatigue row for the user
func (r *FatigueRepository) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.AuthorFatigue, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_did, author_did, serve_count, last_served_at, fatigue_score, affinity_score, interaction_weight, last_interaction_at, interaction_count, updated_at
		FROM user_author_fatigue WHERE user_did = $1;`, userDid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fatigues []persist.AuthorFatigue
	for rows.Next() {
		var f persist.AuthorFatigue
		if err := rows.Scan(&f.UserDid, &f.AuthorDid, &f.ServeCount, &f.LastServedAt, &f.FatigueScore, &f.AffinityScore, &f.InteractionWeight, &f.LastInteractionAt, &f.InteractionCount, &f.UpdatedAt); err != nil {
			return nil, err
		}
		fatigues = append(fatigues, f)
	}
	return fatigues, rows.Err()
}
