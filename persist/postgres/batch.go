package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/persist"
)

// CandidateBatchRepository represents a candidate-batch repository in the postgres database
type CandidateBatchRepository struct {
	pool *pgxpool.Pool
}

// NewCandidateBatchRepository creates a new postgres repository for candidate batches
func NewCandidateBatchRepository(pool *pgxpool.Pool) *CandidateBatchRepository {
	return &CandidateBatchRepository{pool: pool}
}

// Insert writes candidate-batch rows in chunks
func (r *CandidateBatchRepository) Insert(ctx context.Context, batchRows []persist.CandidateBatchRow) error {
	if len(batchRows) == 0 {
		return nil
	}

	for _, chunk := range chunkBatchRows(batchRows, insertChunkSize) {
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*7)
		for i, row := range chunk {
			base := i * 7
			placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7))
			args = append(args, row.UserDid, row.URI, row.SemanticScore, row.PipelineScore, row.CentroidID, row.BatchID, row.GeneratedAt)
		}
		query := fmt.Sprintf(`INSERT INTO user_candidate_batch (user_did, uri, semantic_score, pipeline_score, centroid_id, batch_id, generated_at) VALUES %s;`,
			strings.Join(placeholders, ","))
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// GetForUser returns the user's candidate rows generated since the cutoff, newest first
func (r *CandidateBatchRepository) GetForUser(ctx context.Context, userDid persist.DID, since time.Time) ([]persist.CandidateBatchRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_did, uri, semantic_score, pipeline_score, centroid_id, batch_id, generated_at
		FROM user_candidate_batch WHERE user_did = $1 AND generated_at > $2
		ORDER BY generated_at DESC, semantic_score DESC;`, userDid, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batchRows []persist.CandidateBatchRow
	for rows.Next() {
		var row persist.CandidateBatchRow
		if err := rows.Scan(&row.UserDid, &row.URI, &row.SemanticScore, &row.PipelineScore, &row.CentroidID, &row.BatchID, &row.GeneratedAt); err != nil {
			return nil, err
		}
		batchRows = append(batchRows, row)
	}
	return batchRows, rows.Err()
}

// DeleteBefore garbage-collects batch rows older than the cutoff
func (r *CandidateBatchRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_candidate_batch WHERE generated_at < $1;`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DistinctURIs returns every URI currently referenced by any user's batch
func (r *CandidateBatchRepository) DistinctURIs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT uri FROM user_candidate_batch;`)
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

// MetaRepository is a small key-value table for cursors and job bookkeeping
type MetaRepository struct {
	pool *pgxpool.Pool
}

// NewMetaRepository creates a new postgres repository for meta keys
func NewMetaRepository(pool *pgxpool.Pool) *MetaRepository {
	return &MetaRepository{pool: pool}
}

// GetTime returns the time stored under the key
func (r *MetaRepository) GetTime(ctx context.Context, key string) (time.Time, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1;`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, persist.ErrNotFound{Table: "meta", Key: key}
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, value)
}

// SetTime stores a time under the key
func (r *MetaRepository) SetTime(ctx context.Context, key string, value time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2;`, key, value.UTC().Format(time.RFC3339Nano))
	return err
}

// GetInt64 returns the integer stored under the key
func (r *MetaRepository) GetInt64(ctx context.Context, key string) (int64, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1;`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, persist.ErrNotFound{Table: "meta", Key: key}
	}
	if err != nil {
		return 0, err
	}
	var n int64
	_, err = fmt.Sscan(value, &n)
	return n, err
}

// SetInt64 stores an integer under the key
func (r *MetaRepository) SetInt64(ctx context.Context, key string, value int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2;`, key, fmt.Sprintf("%d", value))
	return err
}

func chunkBatchRows(batchRows []persist.CandidateBatchRow, size int) [][]persist.CandidateBatchRow {
	var chunks [][]persist.CandidateBatchRow
	for size < len(batchRows) {
		batchRows, chunks = batchRows[size:], append(chunks, batchRows[:size:size])
	}
	if len(batchRows) > 0 {
		chunks = append(chunks, batchRows)
	}
	return chunks
}
