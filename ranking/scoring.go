package ranking

import (
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/wavelength-social/wavelength/persist"
)

const (
	recencyHalfLife = 24 * time.Hour
	tierHalfLife    = 336 * time.Hour

	keywordOutsideWeight      = 1200
	keywordOutsideWeightBatch = 800
	keywordInsideWeight       = 100

	tasteBoostWeight  = 2500
	tasteTwinCapacity = 4

	sandboxPenalty        = -4000
	sandboxPenaltyPopular = -1500
	sandboxPenaltyBatch   = -2000
	sandboxPopularLikes   = 50

	mediaMismatchPenalty = -1500
	mediaRatioThreshold  = 0.2

	jitterRangeNarrow = 300
	jitterRangeWide   = 1200
)

// scoreCandidate computes the full additive score for one candidate. Every
// component lands in the signal map under its name.
func (e *Engine) scoreCandidate(uc *userContext, c *Candidate, threads map[string]*threadStats, parents map[string]persist.Post, batchMode bool) {
	p := c.Post
	age := p.AgeAt(uc.Now)
	if age < 0 {
		age = 0
	}
	author := p.Author
	fatigue, hasFatigue := uc.Fatigue[author]
	affinity := 1.0
	if hasFatigue {
		affinity = fatigue.AffinityScore
	}
	inGraph := uc.InGraph(author)

	c.addSignal("recency", 10*halfLife(age, recencyHalfLife))

	tierDecay := halfLife(age, tierHalfLife)
	switch {
	case uc.L1[author]:
		boost := 3000 * tierDecay * (0.8 + 0.2*affinity)
		if uc.Mutuals[author] {
			boost *= 2.5
		}
		c.addSignal("tier_l1", boost)
	case uc.Interacted[author]:
		c.addSignal("tier_interacted", 1500*tierDecay*(0.8+0.2*affinity))
	case uc.L2[author]:
		c.addSignal("tier_l2", 500*tierDecay*(0.9+0.1*affinity))
	default:
		c.addSignal("tier_cold", 50*tierDecay)
	}

	if effort := c.network.Likes + c.network.Reposts; effort > 0 {
		c.addSignal("network_effort", math.Round(math.Pow(float64(effort), 1.5)*200))
	}

	c.addSignal("engagement", float64(15*p.LikeCount+30*p.RepostCount))

	discoveryMatch := false
	if p.Text != nil && len(uc.Keywords) > 0 {
		words := wordSet(*p.Text)
		outsideWeight := float64(keywordOutsideWeight)
		if batchMode {
			outsideWeight = keywordOutsideWeightBatch
		}
		var keywordScore float64
		for _, kw := range uc.Keywords {
			if !words[kw.Keyword] {
				continue
			}
			discoveryMatch = true
			if inGraph {
				keywordScore += kw.Score * keywordInsideWeight
			} else {
				keywordScore += kw.Score * outsideWeight
			}
		}
		c.addSignal("keyword", keywordScore)
	}

	if sig, ok := uc.TwinLikes[p.URI]; ok {
		discoveryMatch = true
		twinFactor := math.Min(tasteTwinCapacity, 1+0.8*float64(sig.TwinCount-1))
		c.addSignal("taste", sig.Boost*tasteBoostWeight*twinFactor)
	}

	if !inGraph {
		penalty := float64(sandboxPenalty)
		if batchMode {
			penalty = sandboxPenaltyBatch
		} else if p.LikeCount > sandboxPopularLikes {
			penalty = sandboxPenaltyPopular
		}
		c.addSignal("sandbox_penalty", penalty)

		if (p.HasImage || p.HasVideo) && uc.MediaRatio < mediaRatioThreshold {
			c.addSignal("media_mismatch", mediaMismatchPenalty)
		}
	}

	if p.IsReply() {
		e.scoreReply(uc, c, threads, parents)
	} else {
		opBoost := math.Min(300, 0.10*c.Score)
		if st, ok := threads[p.URI]; ok {
			opBoost += st.OpBoost
		}
		c.addSignal("op_boost", opBoost)
	}

	engagementTotal := p.LikeCount + p.RepostCount + p.ReplyCount
	if age < time.Hour && engagementTotal == 0 {
		c.addSignal("ghost_penalty", -500)
	}
	if age > 24*time.Hour && !inGraph && len(c.network.Actors) == 0 {
		c.addSignal("cold_unknown_penalty", -1000)
	}

	if uc.LikedURIs[p.URI] {
		c.addSignal("already_liked", -8000)
	}
	if uc.RepostedURIs[p.URI] {
		c.addSignal("already_reposted", -6000)
	}
	if uc.RepliedURIs[p.URI] {
		c.addSignal("already_replied", -5000)
	}

	if hasFatigue {
		c.addSignal("author_fatigue", fatigueSignal(fatigue, p, uc.Now))
	}

	if !batchMode {
		if seen := uc.SeenCounts[p.URI]; seen > 0 {
			c.multiplyScore("seen_multiplier", math.Pow(0.5, float64(seen)))
		}
	}

	jitterRange := jitterRangeWide
	if !inGraph && !discoveryMatch {
		jitterRange = jitterRangeNarrow
	}
	c.addSignal("jitter", float64(deterministicJitter(p.URI, uc.UserDid)%uint64(jitterRange)))
}

func (e *Engine) scoreReply(uc *userContext, c *Candidate, threads map[string]*threadStats, parents map[string]persist.Post) {
	p := c.Post
	author := p.Author

	c.addSignal("reply_base", -800)

	if uc.Mutuals[author] {
		c.addSignal("reply_mutual", 600)
	}

	replyEngagement := p.LikeCount + p.RepostCount
	if replyEngagement >= 5 {
		c.addSignal("reply_popularity", 300)
	} else if replyEngagement >= 2 {
		c.addSignal("reply_popularity", 100)
	}

	switch {
	case uc.L1[author]:
		c.addSignal("reply_graph_tier", 400)
	case uc.Interacted[author]:
		c.addSignal("reply_graph_tier", 200)
	case uc.L2[author]:
		c.addSignal("reply_graph_tier", 100)
	}

	var st *threadStats
	if p.ReplyRoot != nil {
		st = threads[*p.ReplyRoot]
	}

	if st != nil && st.MultiPerson && st.AuthorReplies[author] > 1 {
		penalty := -400 - math.Min(100*float64(st.GraphReplies), 500)
		c.addSignal("reply_repetition_penalty", penalty)
	}

	if p.ReplyParent != nil {
		if parent, ok := parents[*p.ReplyParent]; ok {
			parentAge := parent.AgeAt(uc.Now)
			if parentAge > 24*time.Hour {
				c.addSignal("reply_old_parent", -math.Min(5*parentAge.Hours(), 300))
			}
		}
	}

	if n := len(c.network.Actors); n > 0 {
		c.addSignal("reply_network", float64(50*n))
	}

	// Self-reply chains: an author stacking replies in their own thread gets pushed
	// down, unless people are actually engaging with the replies.
	if st != nil {
		chain := st.AuthorChains[author]
		if chain >= 2 {
			penalty := -1000.0
			if chain >= 3 {
				penalty = -2000
			}
			total := st.AuthorReplies[author]
			if total >= 5 {
				penalty -= 1000
			} else if total >= 3 {
				penalty -= 500
			}
			if replyEngagement >= 2 {
				penalty /= 2
			}
			c.addSignal("self_reply_chain", penalty)
		}
	}
}

// fatigueSignal rewards authors the user is hungry for and penalizes overexposed
// ones, with the penalty softened when the author's post is genuinely popular and
// sharpened when the user has not engaged in a while.
func fatigueSignal(f persist.AuthorFatigue, p persist.Post, now time.Time) float64 {
	if f.FatigueScore < 0 {
		return 50 * math.Abs(f.FatigueScore)
	}
	if f.FatigueScore <= 40 {
		return 0
	}

	penalty := -80 * (f.FatigueScore - 30)

	if f.LastInteractionAt == nil || now.Sub(*f.LastInteractionAt) > 7*24*time.Hour {
		penalty *= 1.5
	} else if now.Sub(*f.LastInteractionAt) > 3*24*time.Hour {
		penalty *= 1.2
	}

	engagement := p.LikeCount + p.RepostCount
	switch {
	case engagement >= 50:
		penalty *= 0.3
	case engagement >= 10:
		penalty *= 0.5
	case engagement >= 2:
		penalty *= 0.7
	}

	return penalty
}

func halfLife(age, period time.Duration) float64 {
	return math.Pow(0.5, age.Hours()/period.Hours())
}

// deterministicJitter hashes (uri, userDid) so the jitter is stable across calls
// for the same user and post.
func deterministicJitter(uri string, userDid persist.DID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(uri))
	h.Write([]byte{0})
	h.Write([]byte(userDid))
	return h.Sum64()
}

func wordSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
