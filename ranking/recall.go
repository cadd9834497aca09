package ranking

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavelength-social/wavelength/persist"
)

// Recall windows and caps. Buckets overlap on purpose; the union is deduplicated
// by URI before scoring.
const (
	freshWindow  = 72 * time.Hour
	bridgeWindow = 7 * 24 * time.Hour
	gemsWindow   = 30 * 24 * time.Hour

	freshCap          = 1200
	freshCapBatch     = 3000
	bridgeCap         = 600
	gemsCap           = 1600
	gemsCapBatch      = 3000
	bubbleCap         = 800
	freshLikeMin      = 2
	freshLikeMinBatch = 0
	bridgeLikeMin     = 1
	gemsLikeMin       = 1
	gemsLikeMinBatch  = 0
)

// preScoreCoeffs are the light pre-score weights, jittered per bucket per call so
// the recall mix drifts between requests instead of fossilizing.
type preScoreCoeffs struct {
	a, b, c float64
}

func jitteredCoeffs(rng *rand.Rand) preScoreCoeffs {
	jitter := func(base float64) float64 {
		return base * (0.8 + 0.4*rng.Float64())
	}
	return preScoreCoeffs{a: jitter(10), b: jitter(50), c: jitter(5)}
}

func (c preScoreCoeffs) score(p persist.Post, now time.Time) float64 {
	ageHours := p.AgeAt(now).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	likes := float64(p.LikeCount)
	s := c.a*likes + c.b/(ageHours+1)
	if ageHours > 0 {
		s += c.c * likes / ageHours
	}
	return s
}

// recall gathers the four candidate buckets concurrently and unions them by URI.
func (e *Engine) recall(ctx context.Context, uc *userContext, batchMode bool) ([]*Candidate, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixMilli()))
	coeffs := []preScoreCoeffs{
		jitteredCoeffs(rng), jitteredCoeffs(rng), jitteredCoeffs(rng), jitteredCoeffs(rng),
	}

	socialAuthors := make([]persist.DID, 0, len(uc.L1)+len(uc.L2)+len(uc.Interacted))
	for did := range uc.L1 {
		socialAuthors = append(socialAuthors, did)
	}
	for did := range uc.L2 {
		if !uc.L1[did] {
			socialAuthors = append(socialAuthors, did)
		}
	}
	for did := range uc.Interacted {
		if !uc.L1[did] && !uc.L2[did] {
			socialAuthors = append(socialAuthors, did)
		}
	}

	bubbleAuthors := make([]persist.DID, 0, len(uc.L1)+len(uc.Interacted))
	for did := range uc.L1 {
		bubbleAuthors = append(bubbleAuthors, did)
	}
	for did := range uc.Interacted {
		if !uc.L1[did] {
			bubbleAuthors = append(bubbleAuthors, did)
		}
	}

	exclude := []persist.DID{uc.UserDid}

	freshLimit, freshMin := freshCap, freshLikeMin
	gemsLimit, gemsMin := gemsCap, gemsLikeMin
	if batchMode {
		freshLimit, freshMin = freshCapBatch, freshLikeMinBatch
		gemsLimit, gemsMin = gemsCapBatch, gemsLikeMinBatch
	}

	var fresh, bridge, gems, bubble, twinLiked []persist.Post

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		fresh, err = e.repos.Posts.RecallFresh(gctx, persist.RecallParams{
			Authors:      socialAuthors,
			MinLikes:     freshMin,
			NewerThan:    uc.Now.Add(-freshWindow),
			Limit:        freshLimit,
			ExcludeUsers: exclude,
		})
		return err
	})
	eg.Go(func() error {
		var err error
		bridge, err = e.repos.Posts.RecallBridge(gctx, persist.RecallParams{
			Authors:      socialAuthors,
			MinLikes:     bridgeLikeMin,
			NewerThan:    uc.Now.Add(-bridgeWindow),
			OlderThan:    uc.Now.Add(-freshWindow),
			Limit:        bridgeCap,
			ExcludeUsers: exclude,
		})
		return err
	})
	eg.Go(func() error {
		var err error
		gems, err = e.repos.Posts.RecallGems(gctx, persist.RecallParams{
			MinLikes:     gemsMin,
			NewerThan:    uc.Now.Add(-gemsWindow),
			Limit:        gemsLimit,
			ExcludeUsers: exclude,
		})
		return err
	})
	eg.Go(func() error {
		var err error
		bubble, err = e.repos.Posts.RecallBubble(gctx, persist.RecallParams{
			Authors:      bubbleAuthors,
			NewerThan:    uc.Now.Add(-gemsWindow),
			Limit:        bubbleCap,
			ExcludeUsers: exclude,
		})
		return err
	})
	eg.Go(func() error {
		uris := make([]string, 0, len(uc.TwinLikes))
		for uri := range uc.TwinLikes {
			uris = append(uris, uri)
		}
		var err error
		twinLiked, err = e.repos.Posts.GetByURIs(gctx, uris)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Taste-similar URIs ride along with the gems bucket.
	gems = append(gems, twinLiked...)

	byURI := make(map[string]*Candidate)
	buckets := [][]persist.Post{fresh, bridge, gems, bubble}
	for i, bucket := range buckets {
		top := topByPreScore(bucket, coeffs[i], uc.Now, bucketCap(i, batchMode))
		for _, p := range top {
			if existing, ok := byURI[p.Post.URI]; ok {
				if p.preScore > existing.preScore {
					existing.preScore = p.preScore
				}
				continue
			}
			byURI[p.Post.URI] = p
		}
	}

	candidates := make([]*Candidate, 0, len(byURI))
	for _, c := range byURI {
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func bucketCap(i int, batchMode bool) int {
	switch i {
	case 0:
		if batchMode {
			return freshCapBatch
		}
		return freshCap
	case 1:
		return bridgeCap
	case 2:
		if batchMode {
			return gemsCapBatch
		}
		return gemsCap
	default:
		return bubbleCap
	}
}

func topByPreScore(posts []persist.Post, coeffs preScoreCoeffs, now time.Time, k int) []*Candidate {
	candidates := make([]*Candidate, len(posts))
	for i, p := range posts {
		candidates[i] = &Candidate{Post: p, preScore: coeffs.score(p, now)}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].preScore > candidates[j].preScore
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}
