package graph

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

const (
	// Influential Layer-2 accounts are recomputed at most once per TTL.
	influenceTTL  = 72 * time.Hour
	influenceTopN = 100
)

// InfluenceCache computes and caches each user's influential Layer-2 accounts: the
// Layer-2 accounts many of the user's follows also follow, weighted down when the
// account is famous everywhere.
type InfluenceCache struct {
	svc         *Service
	follows     persist.FollowRepository
	influential persist.InfluentialL2Repository
}

func NewInfluenceCache(svc *Service, follows persist.FollowRepository, influential persist.InfluentialL2Repository) *InfluenceCache {
	return &InfluenceCache{svc: svc, follows: follows, influential: influential}
}

// Refresh recomputes the user's influential Layer-2 set unless the cached one is
// still within TTL.
func (c *InfluenceCache) Refresh(ctx context.Context, userDid persist.DID) error {
	last, err := c.influential.LastUpdated(ctx, userDid)
	if err != nil {
		return err
	}
	if !last.IsZero() && time.Since(last) < influenceTTL {
		return nil
	}

	l1, err := c.follows.GetFollowing(ctx, userDid)
	if err != nil {
		return err
	}
	if len(l1) == 0 {
		return nil
	}

	l2, err := c.follows.GetLayer2(ctx, userDid)
	if err != nil {
		return err
	}
	if len(l2) == 0 {
		return nil
	}

	l1Counts, err := c.follows.CountFollowersAmong(ctx, l2, l1)
	if err != nil {
		return err
	}

	totals, err := c.svc.api.GetFollowerCounts(ctx, l2)
	if err != nil {
		return err
	}

	now := time.Now()
	scored := make([]persist.InfluentialL2, 0, len(l2))
	for _, candidate := range l2 {
		l1Count := l1Counts[candidate]
		total := totals[candidate]
		if l1Count == 0 || total <= 0 {
			continue
		}
		scored = append(scored, persist.InfluentialL2{
			UserDid:         userDid,
			L2Did:           candidate,
			InfluenceScore:  influenceScore(l1Count, total),
			L1FollowerCount: l1Count,
			UpdatedAt:       now,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].InfluenceScore > scored[j].InfluenceScore
	})
	if len(scored) > influenceTopN {
		scored = scored[:influenceTopN]
	}

	if err := c.influential.Replace(ctx, userDid, scored); err != nil {
		return err
	}

	logger.For(ctx).Infof("influential layer-2 refreshed for %s: %d accounts", userDid, len(scored))
	return nil
}

// influenceScore weights local popularity against global fame: the square root in
// the denominator lets niche accounts with many Layer-1 followers outrank celebrities.
func influenceScore(l1Count, totalFollowers int) float64 {
	return (float64(l1Count) / math.Sqrt(float64(totalFollowers))) * float64(l1Count)
}

// GetForUser returns the cached influential Layer-2 DIDs.
func (c *InfluenceCache) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.DID, error) {
	rows, err := c.influential.GetForUser(ctx, userDid)
	if err != nil {
		return nil, err
	}
	dids := make([]persist.DID, len(rows))
	for i, row := range rows {
		dids[i] = row.L2Did
	}
	return dids, nil
}
