package ingester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wavelength-social/wavelength/persist"
)

type gcPostRepo struct {
	persist.PostRepository
	cutoff time.Time
}

func (f *gcPostRepo) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	f.cutoff = olderThan
	return 2, nil
}

type gcServedRepo struct {
	persist.ServedRepository
	cutoff time.Time
}

func (f *gcServedRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return 1, nil
}

type gcSeenRepo struct {
	persist.SeenRepository
	cutoff time.Time
}

func (f *gcSeenRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return 0, nil
}

type gcBatchRepo struct {
	persist.CandidateBatchRepository
	cutoff time.Time
}

func (f *gcBatchRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return 3, nil
}

func TestSweepDeletesEachLogPastItsRetention(t *testing.T) {
	posts := &gcPostRepo{}
	served := &gcServedRepo{}
	seen := &gcSeenRepo{}
	batches := &gcBatchRepo{}

	gc := NewRetentionGC(&persist.Repositories{
		Posts:   posts,
		Served:  served,
		Seen:    seen,
		Batches: batches,
	})

	before := time.Now()
	gc.sweep(context.Background())

	assert.WithinDuration(t, before.Add(-PostRetention), posts.cutoff, time.Minute)
	assert.WithinDuration(t, before.Add(-ServedRetention), served.cutoff, time.Minute)
	assert.WithinDuration(t, before.Add(-SeenRetention), seen.cutoff, time.Minute)
	assert.WithinDuration(t, before.Add(-BatchRetention), batches.cutoff, time.Minute)
}
