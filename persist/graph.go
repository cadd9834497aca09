package persist

import (
	"context"
	"time"
)

// FollowEdge is a directed follow between two accounts.
type FollowEdge struct {
	Follower  DID       `json:"follower"`
	Followee  DID       `json:"followee"`
	IndexedAt time.Time `json:"indexed_at"`
}

// InfluentialL2 is a cached Layer-2 account whose connection to the user runs
// through many of the user's Layer-1 follows.
type InfluentialL2 struct {
	UserDid         DID       `json:"user_did"`
	L2Did           DID       `json:"l2_did"`
	InfluenceScore  float64   `json:"influence_score"`
	L1FollowerCount int       `json:"l1_follower_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FollowRepository represents the interface for interacting with persisted follow edges
type FollowRepository interface {
	// UpsertFollows inserts follow edges, ignoring pairs that already exist.
	UpsertFollows(context.Context, []FollowEdge) error
	GetFollowing(context.Context, DID) ([]DID, error)
	// GetMutuals returns accounts the user follows that also follow the user.
	GetMutuals(context.Context, DID) ([]DID, error)
	// GetLayer2 returns the distinct followees of the user's followees, excluding the
	// user and the user's Layer-1.
	GetLayer2(context.Context, DID) ([]DID, error)
	// CountFollowersAmong returns, for each candidate, how many of the given follower
	// set follow the candidate.
	CountFollowersAmong(context.Context, []DID, []DID) (map[DID]int, error)
	// IsFollowedByAnyone reports whether any tracked user follows the given author.
	IsFollowedByAnyone(context.Context, DID) (bool, error)
}

// InfluentialL2Repository caches each user's influential Layer-2 accounts.
type InfluentialL2Repository interface {
	// Replace swaps the user's cached set for a new one.
	Replace(context.Context, DID, []InfluentialL2) error
	GetForUser(context.Context, DID) ([]InfluentialL2, error)
	// LastUpdated returns the zero time when the user has no cached rows.
	LastUpdated(context.Context, DID) (time.Time, error)
}
