package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/appview"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/util"
)

const (
	// A user's graph is rebuilt at most once per day.
	rebuildInterval = 24 * time.Hour

	// Layer-2 expansion fans out fast; only the first follows of each Layer-1
	// account are fetched, with a pause between calls to stay under rate limits.
	l2FollowsPerL1 = 100
	l2FetchWorkers = 4
	l2FetchDelay   = 200 * time.Millisecond
)

// Service builds and queries the follow graph around each tracked user.
type Service struct {
	api     *appview.API
	follows persist.FollowRepository
	meta    persist.MetaRepository
}

func NewService(api *appview.API, follows persist.FollowRepository, meta persist.MetaRepository) *Service {
	return &Service{api: api, follows: follows, meta: meta}
}

func lastUpdateKey(userDid persist.DID) string {
	return fmt.Sprintf("graph_last_update_%s", userDid)
}

// BuildUserGraph fetches the user's Layer-1 follows and the first follows of each
// Layer-1 account, and writes the edges. It is a no-op when the graph was already
// built within the rebuild interval.
func (s *Service) BuildUserGraph(ctx context.Context, userDid persist.DID) error {
	last, err := s.meta.GetTime(ctx, lastUpdateKey(userDid))
	if err == nil && time.Since(last) < rebuildInterval {
		logger.For(ctx).Debugf("graph for %s is fresh, skipping rebuild", userDid)
		return nil
	}

	l1, err := s.api.GetFollows(ctx, userDid, 0)
	if err != nil {
		return fmt.Errorf("could not fetch follows for %s: %w", userDid, err)
	}

	now := time.Now()
	edges := make([]persist.FollowEdge, 0, len(l1))
	for _, followee := range l1 {
		edges = append(edges, persist.FollowEdge{Follower: userDid, Followee: followee, IndexedAt: now})
	}
	if err := s.follows.UpsertFollows(ctx, edges); err != nil {
		return err
	}

	s.buildLayer2(ctx, l1)

	if err := s.meta.SetTime(ctx, lastUpdateKey(userDid), now); err != nil {
		return err
	}

	logger.For(ctx).Infof("graph built for %s: %d layer-1 accounts", userDid, len(l1))
	return nil
}

// buildLayer2 fetches the first follows of each Layer-1 account. Individual failures
// are logged and skipped so one dead account does not sink the build.
func (s *Service) buildLayer2(ctx context.Context, l1 []persist.DID) {
	wp := workerpool.New(l2FetchWorkers)
	var mu sync.Mutex
	var edges []persist.FollowEdge

	for _, l1Did := range l1 {
		l1Did := l1Did
		wp.Submit(func() {
			time.Sleep(l2FetchDelay)

			follows, err := s.api.GetFollows(ctx, l1Did, l2FollowsPerL1)
			if err != nil {
				logger.For(ctx).Warnf("layer-2 fetch failed for %s: %s", l1Did, err)
				return
			}

			now := time.Now()
			mu.Lock()
			for _, followee := range follows {
				edges = append(edges, persist.FollowEdge{Follower: l1Did, Followee: followee, IndexedAt: now})
			}
			mu.Unlock()
		})
	}
	wp.StopWait()

	if err := s.follows.UpsertFollows(ctx, edges); err != nil {
		logger.For(ctx).Errorf("layer-2 edge write failed: %s", err)
	}
}

// GetWantedDids returns the DIDs whose posts matter to the user: the user, their
// Layer-1, and their Layer-2. A user with no follows still wants their own posts.
func (s *Service) GetWantedDids(ctx context.Context, userDid persist.DID) ([]persist.DID, error) {
	l1, err := s.follows.GetFollowing(ctx, userDid)
	if err != nil {
		return nil, err
	}
	if len(l1) == 0 {
		return []persist.DID{userDid}, nil
	}

	l2, err := s.follows.GetLayer2(ctx, userDid)
	if err != nil {
		return nil, err
	}

	wanted := make([]persist.DID, 0, 1+len(l1)+len(l2))
	wanted = append(wanted, userDid)
	wanted = append(wanted, l1...)
	wanted = append(wanted, l2...)
	return util.Dedupe(wanted, false), nil
}

// GetWantedDidsForAll unions the wanted sets of every whitelisted user, for the
// firehose subscription.
func (s *Service) GetWantedDidsForAll(ctx context.Context, userDids []persist.DID) ([]persist.DID, error) {
	var all []persist.DID
	for _, userDid := range userDids {
		wanted, err := s.GetWantedDids(ctx, userDid)
		if err != nil {
			return nil, err
		}
		all = append(all, wanted...)
	}
	return util.Dedupe(all, false), nil
}

// GetPostLikers returns the actors who liked a post, tolerating upstream failure.
func (s *Service) GetPostLikers(ctx context.Context, postURI string, limit int) []persist.DID {
	return s.api.GetPostLikers(ctx, postURI, limit)
}
