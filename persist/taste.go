package persist

import (
	"context"
	"time"
)

// Reputation bounds. Scores decay toward the floor and are clamped on every update.
const (
	ReputationFloor = 0.001
	ReputationCeil  = 5.0
	DecayRateFloor  = 0.5
	DecayRateCeil   = 0.999
)

// TasteSimilarity counts co-likes between a user and another account.
type TasteSimilarity struct {
	UserDid           DID       `json:"user_did"`
	SimilarUserDid    DID       `json:"similar_user_did"`
	AgreementCount    int       `json:"agreement_count"`
	TotalCoLikedPosts int       `json:"total_co_liked_posts"`
	LastAgreementAt   time.Time `json:"last_agreement_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TasteReputation is a decaying trust score for a taste-twin. The score decays
// multiplicatively as decayRate^(hoursSinceUpdate/24) before each update.
type TasteReputation struct {
	UserDid          DID       `json:"user_did"`
	SimilarUserDid   DID       `json:"similar_user_did"`
	ReputationScore  float64   `json:"reputation_score"`
	AgreementHistory float64   `json:"agreement_history"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	DecayRate        float64   `json:"decay_rate"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TwinLike is a post liked by one of the user's taste-twins.
type TwinLike struct {
	URI     string  `json:"uri"`
	TwinDid DID     `json:"twin_did"`
	Boost   float64 `json:"boost"`
}

// TasteRepository represents the interface for interacting with persisted taste state
type TasteRepository interface {
	// RecordAgreement upserts a similarity row, incrementing its counters.
	RecordAgreement(ctx context.Context, userDid, similarDid DID, at time.Time) error
	GetReputation(ctx context.Context, userDid, similarDid DID) (TasteReputation, error)
	UpsertReputation(context.Context, TasteReputation) error
	// GetTopTwins returns the user's taste-twins with reputation at or above minScore.
	GetTopTwins(ctx context.Context, userDid DID, minScore float64, limit int) ([]TasteReputation, error)
	// GetTwinLikedURIs returns recent posts liked by the user's high-reputation twins,
	// newest first, capped at limit.
	GetTwinLikedURIs(ctx context.Context, userDid DID, minScore float64, since time.Time, limit int) ([]TwinLike, error)
	// GetLowReputationDids returns twins whose reputation has fallen below the threshold.
	GetLowReputationDids(ctx context.Context, userDid DID, threshold float64) ([]DID, error)
}
