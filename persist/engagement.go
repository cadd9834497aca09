package persist

import (
	"context"
	"time"
)

// ServedPost records that a post was placed in a feed response for a user.
// Rows are garbage-collected after 6 hours.
type ServedPost struct {
	UserDid  DID       `json:"user_did"`
	URI      string    `json:"uri"`
	ServedAt time.Time `json:"served_at"`
}

// SeenPost records that the client reported a post as visible to the user.
// Rows are garbage-collected after 8 hours.
type SeenPost struct {
	UserDid DID       `json:"user_did"`
	URI     string    `json:"uri"`
	SeenAt  time.Time `json:"seen_at"`
}

// ServedRepository represents the interface for interacting with the served log
type ServedRepository interface {
	Add(ctx context.Context, userDid DID, uris []string, at time.Time) error
	GetURIsForUser(ctx context.Context, userDid DID, since time.Time) ([]string, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SeenRepository represents the interface for interacting with the seen log
type SeenRepository interface {
	Add(ctx context.Context, userDid DID, uris []string, at time.Time) error
	// CountsForUser returns, per URI, how many times the user has seen it since the cutoff.
	CountsForUser(ctx context.Context, userDid DID, since time.Time) (map[string]int, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
