package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// KeywordRepository represents a user-keyword repository in the postgres database
type KeywordRepository struct {
	pool *pgxpool.Pool
}

// NewKeywordRepository creates a new postgres repository for interacting with user keywords
func NewKeywordRepository(pool *pgxpool.Pool) *KeywordRepository {
	return &KeywordRepository{pool: pool}
}

// GetForUser returns the user's keyword profile
func (r *KeywordRepository) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.UserKeyword, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_did, keyword, score, updated_at FROM user_keyword WHERE user_did = $1;`, userDid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []persist.UserKeyword
	for rows.Next() {
		var k persist.UserKeyword
		if err := rows.Scan(&k.UserDid, &k.Keyword, &k.Score, &k.UpdatedAt); err != nil {
			return nil, err
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// UpsertScores writes the given keyword scores for the user
func (r *KeywordRepository) UpsertScores(ctx context.Context, userDid persist.DID, keywords []persist.UserKeyword) error {
	if len(keywords) == 0 {
		return nil
	}

	for _, chunk := range chunkKeywords(keywords, insertChunkSize) {
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*4)
		for i, k := range chunk {
			base := i * 4
			placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4))
			args = append(args, userDid, k.Keyword, persist.ClampKeywordScore(k.Score), k.UpdatedAt)
		}
		query := fmt.Sprintf(`INSERT INTO user_keyword (user_did, keyword, score, updated_at) VALUES %s
			ON CONFLICT (user_did, keyword) DO UPDATE SET score = EXCLUDED.score, updated_at = EXCLUDED.updated_at;`,
			strings.Join(placeholders, ","))
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes the user's keywords whose absolute score is below the threshold
func (r *KeywordRepository) Prune(ctx context.Context, userDid persist.DID, threshold float64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_keyword WHERE user_did = $1 AND abs(score) < $2;`, userDid, threshold)
	return err
}

func chunkKeywords(keywords []persist.UserKeyword, size int) [][]persist.UserKeyword {
	var chunks [][]persist.UserKeyword
	for size < len(keywords) {
		keywords, chunks = keywords[size:], append(chunks, keywords[:size:size])
	}
	if len(keywords) > 0 {
		chunks = append(chunks, keywords)
	}
	return chunks
}
