package ranking

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavelength-social/wavelength/persist"
)

const (
	interactedLookback  = 30 * 24 * time.Hour
	twinLikesLookback   = 72 * time.Hour
	twinLikesCap        = 2000
	twinMinReputation   = 1.5
	mediaRatioLookback  = 7 * 24 * time.Hour
	mediaRatioSampleCap = 200
	seenLookback        = 7 * 24 * time.Hour
)

// twinSignal aggregates the taste-twin likes on one URI.
type twinSignal struct {
	Boost     float64
	TwinCount int
}

// userContext is everything about the user the scorer needs, loaded once per rank
// call with one round-trip per concern.
type userContext struct {
	UserDid persist.DID

	L1            map[persist.DID]bool
	Mutuals       map[persist.DID]bool
	L2            map[persist.DID]bool
	Interacted    map[persist.DID]bool
	InfluentialL2 map[persist.DID]bool

	Fatigue    map[persist.DID]persist.AuthorFatigue
	Keywords   []persist.UserKeyword
	TwinLikes  map[string]twinSignal
	SeenCounts map[string]int

	LikedURIs    map[string]bool
	RepostedURIs map[string]bool
	RepliedURIs  map[string]bool

	// Share of the user's recently liked posts that carry an image or video.
	MediaRatio float64

	Now time.Time
}

// InGraph reports whether the author is anywhere in the user's social graph.
func (u *userContext) InGraph(author persist.DID) bool {
	return author == u.UserDid || u.L1[author] || u.L2[author] || u.Interacted[author]
}

func (e *Engine) loadUserContext(ctx context.Context, userDid persist.DID) (*userContext, error) {
	uc := &userContext{UserDid: userDid, Now: time.Now()}

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		l1, err := e.repos.Follows.GetFollowing(gctx, userDid)
		if err != nil {
			return err
		}
		uc.L1 = didSet(l1)
		return nil
	})
	eg.Go(func() error {
		mutuals, err := e.repos.Follows.GetMutuals(gctx, userDid)
		if err != nil {
			return err
		}
		uc.Mutuals = didSet(mutuals)
		return nil
	})
	eg.Go(func() error {
		l2, err := e.repos.Follows.GetLayer2(gctx, userDid)
		if err != nil {
			return err
		}
		uc.L2 = didSet(l2)
		return nil
	})
	eg.Go(func() error {
		interacted, err := e.repos.Interactions.GetInteractedAuthors(gctx, userDid, uc.Now.Add(-interactedLookback))
		if err != nil {
			return err
		}
		uc.Interacted = didSet(interacted)
		return nil
	})
	eg.Go(func() error {
		rows, err := e.repos.InfluentialL2s.GetForUser(gctx, userDid)
		if err != nil {
			return err
		}
		uc.InfluentialL2 = make(map[persist.DID]bool, len(rows))
		for _, row := range rows {
			uc.InfluentialL2[row.L2Did] = true
		}
		return nil
	})
	eg.Go(func() error {
		rows, err := e.repos.Fatigue.GetForUser(gctx, userDid)
		if err != nil {
			return err
		}
		uc.Fatigue = make(map[persist.DID]persist.AuthorFatigue, len(rows))
		for _, row := range rows {
			uc.Fatigue[row.AuthorDid] = row
		}
		return nil
	})
	eg.Go(func() error {
		kws, err := e.repos.Keywords.GetForUser(gctx, userDid)
		if err != nil {
			return err
		}
		uc.Keywords = kws
		return nil
	})
	eg.Go(func() error {
		likes, err := e.repos.Taste.GetTwinLikedURIs(gctx, userDid, twinMinReputation, uc.Now.Add(-twinLikesLookback), twinLikesCap)
		if err != nil {
			return err
		}
		uc.TwinLikes = make(map[string]twinSignal, len(likes))
		for _, l := range likes {
			sig := uc.TwinLikes[l.URI]
			if l.Boost > sig.Boost {
				sig.Boost = l.Boost
			}
			sig.TwinCount++
			uc.TwinLikes[l.URI] = sig
		}
		return nil
	})
	eg.Go(func() error {
		counts, err := e.repos.Seen.CountsForUser(gctx, userDid, uc.Now.Add(-seenLookback))
		if err != nil {
			return err
		}
		uc.SeenCounts = counts
		return nil
	})
	eg.Go(func() error {
		targets, err := e.repos.Interactions.GetActorTargets(gctx, userDid,
			[]persist.InteractionType{persist.InteractionTypeLike, persist.InteractionTypeRepost, persist.InteractionTypeReply})
		if err != nil {
			return err
		}
		uc.LikedURIs = uriSet(targets[persist.InteractionTypeLike])
		uc.RepostedURIs = uriSet(targets[persist.InteractionTypeRepost])
		uc.RepliedURIs = uriSet(targets[persist.InteractionTypeReply])
		return nil
	})
	eg.Go(func() error {
		ratio, err := e.mediaRatio(gctx, userDid, uc.Now)
		if err != nil {
			return err
		}
		uc.MediaRatio = ratio
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return uc, nil
}

func (e *Engine) mediaRatio(ctx context.Context, userDid persist.DID, now time.Time) (float64, error) {
	uris, err := e.repos.Interactions.GetRecentLikedURIs(ctx, userDid, now.Add(-mediaRatioLookback), mediaRatioSampleCap)
	if err != nil {
		return 0, err
	}
	if len(uris) == 0 {
		return 1, nil
	}
	posts, err := e.repos.Posts.GetByURIs(ctx, uris)
	if err != nil {
		return 0, err
	}
	if len(posts) == 0 {
		return 1, nil
	}
	withMedia := 0
	for _, p := range posts {
		if p.HasImage || p.HasVideo {
			withMedia++
		}
	}
	return float64(withMedia) / float64(len(posts)), nil
}

func didSet(dids []persist.DID) map[persist.DID]bool {
	set := make(map[persist.DID]bool, len(dids))
	for _, did := range dids {
		set[did] = true
	}
	return set
}

func uriSet(uris []string) map[string]bool {
	set := make(map[string]bool, len(uris))
	for _, uri := range uris {
		set[uri] = true
	}
	return set
}
