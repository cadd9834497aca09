package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// InteractionRepository represents an interaction-edge repository in the postgres database
type InteractionRepository struct {
	pool *pgxpool.Pool
}

// NewInteractionRepository creates a new postgres repository for interacting with interaction edges
func NewInteractionRepository(pool *pgxpool.Pool) *InteractionRepository {
	return &InteractionRepository{pool: pool}
}

// Upsert inserts interaction edges, ignoring (actor, target, type) conflicts
func (r *InteractionRepository) Upsert(ctx context.Context, interactions []persist.Interaction) error {
	if len(interactions) == 0 {
		return nil
	}

	for _, chunk := range chunkInteractions(interactions, insertChunkSize) {
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*6)
		for i, in := range chunk {
			base := i * 6
			placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6))
			args = append(args, in.Actor, in.Target, in.Type, in.Weight, in.IndexedAt, in.InteractionURI)
		}
		query := fmt.Sprintf(`INSERT INTO graph_interaction (actor, target, type, weight, indexed_at, interaction_uri) VALUES %s ON CONFLICT (actor, target, type) DO NOTHING;`,
			strings.Join(placeholders, ","))
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// GetForTargets returns interactions on the given targets restricted to the given actors
func (r *InteractionRepository) GetForTargets(ctx context.Context, targets []string, actors []persist.DID) ([]persist.Interaction, error) {
	if len(targets) == 0 || len(actors) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT actor, target, type, weight, indexed_at, interaction_uri
		FROM graph_interaction WHERE target = ANY($1) AND actor = ANY($2);`, targets, didsToStrings(actors))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interactions []persist.Interaction
	for rows.Next() {
		var in persist.Interaction
		if err := rows.Scan(&in.Actor, &in.Target, &in.Type, &in.Weight, &in.IndexedAt, &in.InteractionURI); err != nil {
			return nil, err
		}
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// GetActorTargets returns the URIs the actor has interacted with, keyed by type
func (r *InteractionRepository) GetActorTargets(ctx context.Context, actor persist.DID, types []persist.InteractionType) (map[persist.InteractionType][]string, error) {
	typeStrings := make([]string, len(types))
	for i, t := range types {
		typeStrings[i] = string(t)
	}

	rows, err := r.pool.Query(ctx, `SELECT type, target FROM graph_interaction WHERE actor = $1 AND type = ANY($2);`, actor, typeStrings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make(map[persist.InteractionType][]string)
	for rows.Next() {
		var t persist.InteractionType
		var target string
		if err := rows.Scan(&t, &target); err != nil {
			return nil, err
		}
		targets[t] = append(targets[t], target)
	}
	return targets, rows.Err()
}

// GetInteractedAuthors returns authors whose posts the actor interacted with since the cutoff
func (r *InteractionRepository) GetInteractedAuthors(ctx context.Context, actor persist.DID, since time.Time) ([]persist.DID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT p.author FROM graph_interaction i
		JOIN post p ON p.uri = i.target
		WHERE i.actor = $1 AND i.indexed_at > $2;`, actor, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

// GetCoLikers returns actors other than exclude with a like edge on the target
func (r *InteractionRepository) GetCoLikers(ctx context.Context, target string, exclude persist.DID) ([]persist.DID, error) {
	rows, err := r.pool.Query(ctx, `SELECT actor FROM graph_interaction WHERE target = $1 AND type = 'like' AND actor != $2;`, target, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

// GetRecentByActor returns the actor's interactions since the cutoff, newest first
func (r *InteractionRepository) GetRecentByActor(ctx context.Context, actor persist.DID, since time.Time, limit int) ([]persist.Interaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT actor, target, type, weight, indexed_at, interaction_uri
		FROM graph_interaction WHERE actor = $1 AND indexed_at > $2
		ORDER BY indexed_at DESC LIMIT $3;`, actor, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interactions []persist.Interaction
	for rows.Next() {
		var in persist.Interaction
		if err := rows.Scan(&in.Actor, &in.Target, &in.Type, &in.Weight, &in.IndexedAt, &in.InteractionURI); err != nil {
			return nil, err
		}
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// GetRecentLikedURIs returns target URIs the actor liked or reposted since the cutoff
func (r *InteractionRepository) GetRecentLikedURIs(ctx context.Context, actor persist.DID, since time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT target FROM graph_interaction
		WHERE actor = $1 AND type IN ('like', 'repost') AND indexed_at > $2
		ORDER BY indexed_at DESC LIMIT $3;`, actor, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}
