package persist

import (
	"context"
	"time"
)

// CandidateBatchTTL is how long a materialized candidate batch stays servable.
const CandidateBatchTTL = 12 * time.Hour

// CandidateBatchRow is one pre-computed semantic candidate for a user.
type CandidateBatchRow struct {
	UserDid       DID       `json:"user_did"`
	URI           string    `json:"uri"`
	SemanticScore float64   `json:"semantic_score"`
	PipelineScore float64   `json:"pipeline_score"`
	CentroidID    int       `json:"centroid_id"`
	BatchID       string    `json:"batch_id"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// CandidateBatchRepository represents the interface for interacting with persisted candidate batches
type CandidateBatchRepository interface {
	Insert(ctx context.Context, rows []CandidateBatchRow) error
	GetForUser(ctx context.Context, userDid DID, since time.Time) ([]CandidateBatchRow, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	// DistinctURIs returns every URI currently referenced by any user's batch, used when
	// pruning orphaned vector-index points.
	DistinctURIs(ctx context.Context) ([]string, error)
}

// MetaRepository is a small key-value table for cursors and job bookkeeping.
type MetaRepository interface {
	GetTime(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, value time.Time) error
	GetInt64(ctx context.Context, key string) (int64, error)
	SetInt64(ctx context.Context, key string, value int64) error
}
