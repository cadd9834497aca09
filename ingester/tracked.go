package ingester

import (
	"context"
	"sync"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

// Reputation at or above this marks a taste-twin worth tracking interactions for.
const trackedTwinMinReputation = 1.5

// TrackedSets holds the two whitelists the ingester filters on: the users the system
// serves feeds for, and the much larger set whose interactions are worth edge rows
// (whitelist plus their Layer-1 follows plus high-reputation taste-twins).
type TrackedSets struct {
	mu          sync.RWMutex
	own         map[persist.DID]bool
	interaction map[persist.DID]bool

	whitelist []persist.DID
	follows   persist.FollowRepository
	taste     persist.TasteRepository
}

// NewTrackedSets creates the tracked sets for a whitelist.
func NewTrackedSets(whitelist []persist.DID, follows persist.FollowRepository, taste persist.TasteRepository) *TrackedSets {
	t := &TrackedSets{
		own:         make(map[persist.DID]bool),
		interaction: make(map[persist.DID]bool),
		whitelist:   whitelist,
		follows:     follows,
		taste:       taste,
	}
	for _, did := range whitelist {
		t.own[did] = true
		t.interaction[did] = true
	}
	return t
}

// IsOwn reports whether the DID is a whitelisted feed user.
func (t *TrackedSets) IsOwn(did persist.DID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.own[did]
}

// IsTrackedInteraction reports whether the DID's interactions should become edge rows.
func (t *TrackedSets) IsTrackedInteraction(did persist.DID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.interaction[did]
}

// InteractionDids returns a snapshot of the interaction whitelist.
func (t *TrackedSets) InteractionDids() []persist.DID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dids := make([]persist.DID, 0, len(t.interaction))
	for did := range t.interaction {
		dids = append(dids, did)
	}
	return dids
}

// Refresh rebuilds the interaction set from the store.
func (t *TrackedSets) Refresh(ctx context.Context) error {
	interaction := make(map[persist.DID]bool, len(t.whitelist))
	own := make(map[persist.DID]bool, len(t.whitelist))

	for _, did := range t.whitelist {
		own[did] = true
		interaction[did] = true

		following, err := t.follows.GetFollowing(ctx, did)
		if err != nil {
			return err
		}
		for _, f := range following {
			interaction[f] = true
		}

		twins, err := t.taste.GetTopTwins(ctx, did, trackedTwinMinReputation, 500)
		if err != nil {
			return err
		}
		for _, twin := range twins {
			interaction[twin.SimilarUserDid] = true
		}
	}

	t.mu.Lock()
	t.own = own
	t.interaction = interaction
	t.mu.Unlock()

	logger.For(ctx).Infof("tracked sets refreshed: %d own, %d interaction", len(own), len(interaction))
	return nil
}

// RunRefreshLoop refreshes the sets on the interval until the context is cancelled.
func (t *TrackedSets) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	if err := t.Refresh(ctx); err != nil {
		logger.For(ctx).Errorf("tracked set refresh failed: %s", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				logger.For(ctx).Errorf("tracked set refresh failed: %s", err)
			}
		}
	}
}
