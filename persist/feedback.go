package persist

import (
	"context"
	"time"
)

// UserFeedback is one explicit more/less signal a user sent about a post.
type UserFeedback struct {
	UserDid   DID       `json:"user_did"`
	URI       string    `json:"uri"`
	Direction string    `json:"direction"`
	Strength  string    `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackRepository represents the interface for interacting with persisted explicit feedback
type FeedbackRepository interface {
	Add(context.Context, UserFeedback) error
	// GetRecentPositiveURIs returns URIs the user explicitly asked for more of.
	GetRecentPositiveURIs(ctx context.Context, userDid DID, since time.Time) ([]string, error)
}
