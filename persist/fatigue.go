package persist

import (
	"context"
	"time"
)

// Fatigue bounds. Fatigue climbs as an author is served and falls when the
// user interacts; affinity moves the opposite way.
const (
	FatigueFloor  = -100.0
	FatigueCeil   = 100.0
	AffinityFloor = 0.1
	AffinityCeil  = 10.0
)

// AuthorFatigue tracks how tired a user is of a particular author.
type AuthorFatigue struct {
	UserDid           DID        `json:"user_did"`
	AuthorDid         DID        `json:"author_did"`
	ServeCount        int        `json:"serve_count"`
	LastServedAt      *time.Time `json:"last_served_at,omitempty"`
	FatigueScore      float64    `json:"fatigue_score"`
	AffinityScore     float64    `json:"affinity_score"`
	InteractionWeight float64    `json:"interaction_weight"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
	InteractionCount  int        `json:"interaction_count"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clamp forces the scores into their allowed ranges.
func (f *AuthorFatigue) Clamp() {
	if f.FatigueScore < FatigueFloor {
		f.FatigueScore = FatigueFloor
	}
	if f.FatigueScore > FatigueCeil {
		f.FatigueScore = FatigueCeil
	}
	if f.AffinityScore < AffinityFloor {
		f.AffinityScore = AffinityFloor
	}
	if f.AffinityScore > AffinityCeil {
		f.AffinityScore = AffinityCeil
	}
	if f.InteractionWeight < 0 {
		f.InteractionWeight = 0
	}
}

// FatigueRepository represents the interface for interacting with persisted author fatigue
type FatigueRepository interface {
	Get(ctx context.Context, userDid, authorDid DID) (AuthorFatigue, error)
	Upsert(context.Context, AuthorFatigue) error
	GetForUser(ctx context.Context, userDid DID) ([]AuthorFatigue, error)
}
