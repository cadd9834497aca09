package persist

import (
	"context"
	"time"
)

// Interaction is an edge recording that an actor liked, reposted, or replied to
// a target post. At most one row exists per (actor, target, type).
type Interaction struct {
	Actor          DID             `json:"actor"`
	Target         string          `json:"target"`
	Type           InteractionType `json:"type"`
	Weight         int             `json:"weight"`
	IndexedAt      time.Time       `json:"indexed_at"`
	InteractionURI string          `json:"interaction_uri"`
}

// InteractionRepository represents the interface for interacting with persisted interaction edges
type InteractionRepository interface {
	// Upsert inserts interaction edges, ignoring (actor, target, type) conflicts.
	Upsert(context.Context, []Interaction) error
	// GetForTargets returns interactions on the given targets restricted to the given actors.
	GetForTargets(ctx context.Context, targets []string, actors []DID) ([]Interaction, error)
	// GetActorTargets returns the URIs the actor has interacted with, by type.
	GetActorTargets(ctx context.Context, actor DID, types []InteractionType) (map[InteractionType][]string, error)
	// GetInteractedAuthors returns authors whose posts the actor interacted with since the cutoff.
	GetInteractedAuthors(ctx context.Context, actor DID, since time.Time) ([]DID, error)
	// GetCoLikers returns actors other than exclude with a like edge on the target.
	GetCoLikers(ctx context.Context, target string, exclude DID) ([]DID, error)
	// GetRecentByActor returns the actor's interactions since the cutoff, newest first.
	GetRecentByActor(ctx context.Context, actor DID, since time.Time, limit int) ([]Interaction, error)
	// GetRecentLikedURIs returns target URIs the actor liked or reposted since the cutoff.
	GetRecentLikedURIs(ctx context.Context, actor DID, since time.Time, limit int) ([]string, error)
}
