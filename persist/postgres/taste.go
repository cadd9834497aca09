package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// TasteRepository represents a taste-similarity and taste-reputation repository in the
// postgres database
type TasteRepository struct {
	pool *pgxpool.Pool
}

// NewTasteRepository creates a new postgres repository for interacting with taste state
func NewTasteRepository(pool *pgxpool.Pool) *TasteRepository {
	return &TasteRepository{pool: pool}
}

// RecordAgreement upserts a similarity row, incrementing its counters
func (r *TasteRepository) RecordAgreement(ctx context.Context, userDid, similarDid persist.DID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO taste_similarity (user_did, similar_user_did, agreement_count, total_co_liked_posts, last_agreement_at, updated_at)
		VALUES ($1, $2, 1, 1, $3, $3)
		ON CONFLICT (user_did, similar_user_did) DO UPDATE SET
			agreement_count = taste_similarity.agreement_count + 1,
			total_co_liked_posts = taste_similarity.total_co_liked_posts + 1,
			last_agreement_at = $3,
			updated_at = $3;`, userDid, similarDid, at)
	return err
}

// GetReputation returns the reputation row for (user, twin)
func (r *TasteRepository) GetReputation(ctx context.Context, userDid, similarDid persist.DID) (persist.TasteReputation, error) {
	var rep persist.TasteReputation
	err := r.pool.QueryRow(ctx, `SELECT user_did, similar_user_did, reputation_score, agreement_history, last_seen_at, decay_rate, updated_at
		FROM taste_reputation WHERE user_did = $1 AND similar_user_did = $2;`, userDid, similarDid).
		Scan(&rep.UserDid, &rep.SimilarUserDid, &rep.ReputationScore, &rep.AgreementHistory, &rep.LastSeenAt, &rep.DecayRate, &rep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persist.TasteReputation{}, persist.ErrNotFound{Table: "taste_reputation", Key: string(userDid) + "/" + string(similarDid)}
	}
	return rep, err
}

// UpsertReputation writes the full reputation row
func (r *TasteRepository) UpsertReputation(ctx context.Context, rep persist.TasteReputation) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO taste_reputation (user_did, similar_user_did, reputation_score, agreement_history, last_seen_at, decay_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_did, similar_user_did) DO UPDATE SET
			reputation_score = $3,
			agreement_history = $4,
			last_seen_at = $5,
			decay_rate = $6,
			updated_at = $7;`,
		rep.UserDid, rep.SimilarUserDid, rep.ReputationScore, rep.AgreementHistory, rep.LastSeenAt, rep.DecayRate, rep.UpdatedAt)
	return err
}

// GetTopTwins returns the user's taste-twins with reputation at or above minScore
func (r *TasteRepository) GetTopTwins(ctx context.Context, userDid persist.DID, minScore float64, limit int) ([]persist.TasteReputation, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_did, similar_user_did, reputation_score, agreement_history, last_seen_at, decay_rate, updated_at
		FROM taste_reputation WHERE user_did = $1 AND reputation_score >= $2
		ORDER BY reputation_score DESC LIMIT $3;`, userDid, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reps []persist.TasteReputation
	for rows.Next() {
		var rep persist.TasteReputation
		if err := rows.Scan(&rep.UserDid, &rep.SimilarUserDid, &rep.ReputationScore, &rep.AgreementHistory, &rep.LastSeenAt, &rep.DecayRate, &rep.UpdatedAt); err != nil {
			return nil, err
		}
		reps = append(reps, rep)
	}
	return reps, rows.Err()
}

// GetTwinLikedURIs returns recent posts liked by the user's high-reputation twins
func (r *TasteRepository) GetTwinLikedURIs(ctx context.Context, userDid persist.DID, minScore float64, since time.Time, limit int) ([]persist.TwinLike, error) {
	rows, err := r.pool.Query(ctx, `SELECT i.target, i.actor, t.reputation_score FROM taste_reputation t
		JOIN graph_interaction i ON i.actor = t.similar_user_did AND i.type = 'like'
		WHERE t.user_did = $1 AND t.reputation_score >= $2 AND i.indexed_at > $3
		ORDER BY i.indexed_at DESC LIMIT $4;`, userDid, minScore, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var likes []persist.TwinLike
	for rows.Next() {
		var l persist.TwinLike
		if err := rows.Scan(&l.URI, &l.TwinDid, &l.Boost); err != nil {
			return nil, err
		}
		likes = append(likes, l)
	}
	return likes, rows.Err()
}

// GetLowReputationDids returns twins whose reputation has fallen below the threshold
func (r *TasteRepository) GetLowReputationDids(ctx context.Context, userDid persist.DID, threshold float64) ([]persist.DID, error) {
	rows, err := r.pool.Query(ctx, `SELECT similar_user_did FROM taste_reputation WHERE user_did = $1 AND reputation_score < $2;`, userDid, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}
