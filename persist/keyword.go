package persist

import (
	"context"
	"time"
)

// Keyword score bounds. Entries whose absolute score falls below the prune
// threshold are deleted.
const (
	KeywordScoreFloor     = -1.0
	KeywordScoreCeil      = 1.0
	KeywordPruneThreshold = 0.1
)

// UserKeyword is a scored keyword in a user's interest profile.
type UserKeyword struct {
	UserDid   DID       `json:"user_did"`
	Keyword   string    `json:"keyword"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClampKeywordScore forces a keyword score into [-1, 1].
func ClampKeywordScore(score float64) float64 {
	if score < KeywordScoreFloor {
		return KeywordScoreFloor
	}
	if score > KeywordScoreCeil {
		return KeywordScoreCeil
	}
	return score
}

// KeywordRepository represents the interface for interacting with persisted user keywords
type KeywordRepository interface {
	GetForUser(ctx context.Context, userDid DID) ([]UserKeyword, error)
	UpsertScores(ctx context.Context, userDid DID, keywords []UserKeyword) error
	// Prune deletes the user's keywords whose absolute score is below the threshold.
	Prune(ctx context.Context, userDid DID, threshold float64) error
}
