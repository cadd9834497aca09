package ingester

import (
	"context"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

// Retention windows. Posts live long enough for the weekly-gem recall window; the
// serving logs only need to cover their scoring horizons.
const (
	PostRetention       = 7 * 24 * time.Hour
	ServedRetention     = 6 * time.Hour
	SeenRetention       = 8 * time.Hour
	BatchRetention      = persist.CandidateBatchTTL
	retentionGCInterval = time.Hour
)

// RetentionGC periodically deletes rows past their retention windows.
type RetentionGC struct {
	posts   persist.PostRepository
	served  persist.ServedRepository
	seen    persist.SeenRepository
	batches persist.CandidateBatchRepository
}

func NewRetentionGC(repos *persist.Repositories) *RetentionGC {
	return &RetentionGC{
		posts:   repos.Posts,
		served:  repos.Served,
		seen:    repos.Seen,
		batches: repos.Batches,
	}
}

// Run sweeps once immediately and then once per interval until the context is cancelled.
func (g *RetentionGC) Run(ctx context.Context) {
	g.sweep(ctx)

	ticker := time.NewTicker(retentionGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *RetentionGC) sweep(ctx context.Context) {
	now := time.Now()

	removed, err := g.posts.DeleteStale(ctx, now.Add(-PostRetention))
	if err != nil {
		logger.For(ctx).Errorf("post gc failed: %s", err)
	} else if removed > 0 {
		logger.For(ctx).Infof("post gc removed %d stale posts", removed)
	}

	if removed, err := g.served.DeleteBefore(ctx, now.Add(-ServedRetention)); err != nil {
		logger.For(ctx).Errorf("served log gc failed: %s", err)
	} else if removed > 0 {
		logger.For(ctx).Infof("served log gc removed %d rows", removed)
	}

	if removed, err := g.seen.DeleteBefore(ctx, now.Add(-SeenRetention)); err != nil {
		logger.For(ctx).Errorf("seen log gc failed: %s", err)
	} else if removed > 0 {
		logger.For(ctx).Infof("seen log gc removed %d rows", removed)
	}

	if removed, err := g.batches.DeleteBefore(ctx, now.Add(-BatchRetention)); err != nil {
		logger.For(ctx).Errorf("candidate batch gc failed: %s", err)
	} else if removed > 0 {
		logger.For(ctx).Infof("candidate batch gc removed %d rows", removed)
	}
}
