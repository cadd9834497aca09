package keywords

import (
	"context"
	"math"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

const (
	refreshInterval     = 24 * time.Hour
	likedLookback       = 7 * 24 * time.Hour
	likedCorpusCap      = 500
	backgroundCorpusLen = 1000
)

// Engine refreshes each user's keyword interest profile from what they have been
// liking, contrasted against a random background corpus.
type Engine struct {
	keywords     persist.KeywordRepository
	interactions persist.InteractionRepository
	posts        persist.PostRepository
	extractor    *Extractor
}

func NewEngine(repos *persist.Repositories, extractor *Extractor) *Engine {
	return &Engine{
		keywords:     repos.Keywords,
		interactions: repos.Interactions,
		posts:        repos.Posts,
		extractor:    extractor,
	}
}

// RefreshUser rebuilds one user's keyword profile.
func (e *Engine) RefreshUser(ctx context.Context, userDid persist.DID) error {
	likedURIs, err := e.interactions.GetRecentLikedURIs(ctx, userDid, time.Now().Add(-likedLookback), likedCorpusCap)
	if err != nil {
		return err
	}
	if len(likedURIs) == 0 {
		logger.For(ctx).Debugf("no recent likes for %s, keeping existing keywords", userDid)
		return nil
	}

	likedPosts, err := e.posts.GetByURIs(ctx, likedURIs)
	if err != nil {
		return err
	}
	likedTexts := postTexts(likedPosts)
	if len(likedTexts) == 0 {
		return nil
	}

	backgroundPosts, err := e.posts.RandomCorpus(ctx, backgroundCorpusLen)
	if err != nil {
		return err
	}

	extracted, err := e.extractor.Extract(ctx, likedTexts, postTexts(backgroundPosts))
	if err != nil {
		return err
	}

	existing, err := e.keywords.GetForUser(ctx, userDid)
	if err != nil {
		return err
	}

	merged := MergeScores(existing, extracted, time.Now())
	for i := range merged {
		merged[i].UserDid = userDid
	}
	if err := e.keywords.UpsertScores(ctx, userDid, merged); err != nil {
		return err
	}
	if err := e.keywords.Prune(ctx, userDid, persist.KeywordPruneThreshold); err != nil {
		return err
	}

	logger.For(ctx).Infof("keywords refreshed for %s: %d extracted, %d kept", userDid, len(extracted), len(merged))
	return nil
}

// MergeScores folds freshly extracted scores into the existing profile. Existing
// scores decay parabolically: entries near the extremes decay faster, so strong
// opinions need reinforcement to stay strong. Keywords absent from this round decay
// without the additive term.
func MergeScores(existing []persist.UserKeyword, extracted []ExtractedKeyword, now time.Time) []persist.UserKeyword {
	fresh := make(map[string]float64, len(extracted))
	for _, kw := range extracted {
		fresh[kw.Keyword] += kw.Score
	}

	out := make([]persist.UserKeyword, 0, len(existing)+len(fresh))
	seen := make(map[string]bool, len(existing))

	for _, kw := range existing {
		seen[kw.Keyword] = true
		score := parabolicDecay(kw.Score) + fresh[kw.Keyword]
		out = append(out, persist.UserKeyword{
			Keyword:   kw.Keyword,
			Score:     persist.ClampKeywordScore(score),
			UpdatedAt: now,
		})
	}

	for keyword, score := range fresh {
		if seen[keyword] {
			continue
		}
		out = append(out, persist.UserKeyword{
			Keyword:   keyword,
			Score:     persist.ClampKeywordScore(score),
			UpdatedAt: now,
		})
	}

	return out
}

// parabolicDecay shrinks a score toward zero, decaying harder the closer the score
// is to the extremes.
func parabolicDecay(score float64) float64 {
	absScore := math.Abs(score)
	parabolicFactor := 1 - (1-absScore)*(1-absScore)
	decayFactor := 1 - (0.03 + 0.12*parabolicFactor)
	return decayFactor * score
}

// RunDailyLoop refreshes every whitelisted user's profile once per day.
func (e *Engine) RunDailyLoop(ctx context.Context, userDids []persist.DID) {
	run := func() {
		for _, userDid := range userDids {
			if err := e.RefreshUser(ctx, userDid); err != nil {
				logger.For(ctx).Errorf("keyword refresh failed for %s: %s", userDid, err)
			}
		}
	}
	run()

	ticker := time.NewTicker(refreshInterval)
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

func postTexts(posts []persist.Post) []string {
	var texts []string
	for _, p := range posts {
		if p.Text != nil && *p.Text != "" {
			texts = append(texts, *p.Text)
		}
	}
	return texts
}
