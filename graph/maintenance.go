package graph

import (
	"context"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

const maintenanceInterval = 6 * time.Hour

// RunMaintenanceLoop keeps every tracked user's graph and influential Layer-2
// cache fresh. Both guards are internal, so the loop can tick more often than
// either rebuild interval.
func RunMaintenanceLoop(ctx context.Context, svc *Service, influence *InfluenceCache, userDids []persist.DID) {
	run := func() {
		for _, userDid := range userDids {
			if ctx.Err() != nil {
				return
			}
			if err := svc.BuildUserGraph(ctx, userDid); err != nil {
				logger.For(ctx).Errorf("graph build failed for %s: %s", userDid, err)
			}
			if err := influence.Refresh(ctx, userDid); err != nil {
				logger.For(ctx).Errorf("influence refresh failed for %s: %s", userDid, err)
			}
		}
	}
	run()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
