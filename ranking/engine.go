package ranking

import (
	"context"
	"sort"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

// Reply score floors by relationship, applied after scoring.
const (
	replyFloorL1         = -500.0
	replyFloorInteracted = 0.0
	replyFloorL2         = 100.0
	replyFloorOutside    = 500.0

	originalScoreFloor = -5000.0

	seenDropThreshold = 3

	// Per-conversation reply caps outside multi-person threads.
	maxMutualReplies  = 3
	maxPopularL1      = 2
	maxOtherInGraph   = 1
	maxOutsideReplies = 1

	maxOriginalsPerRoot = 2
)

// Engine turns a user and their index state into a scored, ordered feed page.
type Engine struct {
	repos *persist.Repositories
}

func NewEngine(repos *persist.Repositories) *Engine {
	return &Engine{repos: repos}
}

// Rank runs the full pipeline: recall, network effort, thread analysis, scoring,
// filtering, dedup, diversity, and pagination.
func (e *Engine) Rank(ctx context.Context, userDid persist.DID, params Params) ([]*Candidate, error) {
	uc, err := e.loadUserContext(ctx, userDid)
	if err != nil {
		return nil, err
	}

	candidates, err := e.recall(ctx, uc, params.BatchMode)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if err := e.attachNetworkEffort(ctx, uc, candidates); err != nil {
		return nil, err
	}

	parents, err := e.loadParents(ctx, candidates)
	if err != nil {
		return nil, err
	}

	threads := analyzeThreads(uc, candidates)

	for _, c := range candidates {
		e.scoreCandidate(uc, c, threads, parents, params.BatchMode)
	}

	candidates = e.filter(uc, candidates, threads, params.BatchMode)
	candidates = dedupeConversations(uc, candidates, threads)

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].less(candidates[j])
	})

	if params.BatchMode {
		return candidates, nil
	}

	candidates = diversify(candidates)

	if params.Cursor != nil {
		candidates = afterCursor(candidates, params.Cursor)
	}

	limit := params.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	logger.For(ctx).Debugf("ranked %d candidates for %s", len(candidates), userDid)
	return candidates, nil
}

// loadParents fetches the parent posts of reply candidates, for the old-parent
// penalty. Parents already in the candidate set are reused.
func (e *Engine) loadParents(ctx context.Context, candidates []*Candidate) (map[string]persist.Post, error) {
	parents := make(map[string]persist.Post)
	var missing []string

	inSet := make(map[string]persist.Post, len(candidates))
	for _, c := range candidates {
		inSet[c.Post.URI] = c.Post
	}
	for _, c := range candidates {
		if !c.Post.IsReply() || c.Post.ReplyParent == nil {
			continue
		}
		parentURI := *c.Post.ReplyParent
		if p, ok := inSet[parentURI]; ok {
			parents[parentURI] = p
		} else {
			missing = append(missing, parentURI)
		}
	}

	if len(missing) > 0 {
		fetched, err := e.repos.Posts.GetByURIs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, p := range fetched {
			parents[p.URI] = p
		}
	}
	return parents, nil
}

func (e *Engine) filter(uc *userContext, candidates []*Candidate, threads map[string]*threadStats, batchMode bool) []*Candidate {
	// Multi-person conversations keep only their single best reply.
	bestReply := make(map[string]*Candidate)
	for _, c := range candidates {
		if !c.Post.IsReply() || c.Post.ReplyRoot == nil {
			continue
		}
		root := *c.Post.ReplyRoot
		st := threads[root]
		if st == nil || !st.MultiPerson {
			continue
		}
		if best, ok := bestReply[root]; !ok || c.Score > best.Score {
			bestReply[root] = c
		}
	}

	out := candidates[:0]
	for _, c := range candidates {
		if uc.LikedURIs[c.Post.URI] {
			continue
		}
		if !batchMode {
			engagement := c.Post.LikeCount + c.Post.RepostCount + c.Post.ReplyCount
			if engagement == 0 && uc.SeenCounts[c.Post.URI] >= seenDropThreshold {
				continue
			}
		}

		if !c.Post.IsReply() {
			if c.Score <= originalScoreFloor {
				continue
			}
			out = append(out, c)
			continue
		}

		if c.Score <= replyFloor(uc, c.Post.Author) {
			continue
		}
		if c.Post.ReplyRoot != nil {
			if best, ok := bestReply[*c.Post.ReplyRoot]; ok && best != c {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func replyFloor(uc *userContext, author persist.DID) float64 {
	switch {
	case uc.Mutuals[author], uc.L1[author]:
		return replyFloorL1
	case uc.Interacted[author]:
		return replyFloorInteracted
	case uc.L2[author]:
		return replyFloorL2
	default:
		return replyFloorOutside
	}
}

// dedupeConversations caps how much of one thread can fill the feed.
func dedupeConversations(uc *userContext, candidates []*Candidate, threads map[string]*threadStats) []*Candidate {
	sorted := make([]*Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].less(sorted[j])
	})

	type rootCounts struct {
		originals  int
		mutual     int
		popularL1  int
		otherGraph int
		outside    int
	}
	counts := make(map[string]*rootCounts)
	rootCountsFor := func(root string) *rootCounts {
		rc, ok := counts[root]
		if !ok {
			rc = &rootCounts{}
			counts[root] = rc
		}
		return rc
	}

	keep := make(map[*Candidate]bool, len(sorted))
	for _, c := range sorted {
		root := c.Post.URI
		if c.Post.ReplyRoot != nil {
			root = *c.Post.ReplyRoot
		}
		rc := rootCountsFor(root)

		if !c.Post.IsReply() {
			if rc.originals >= maxOriginalsPerRoot {
				continue
			}
			rc.originals++
			keep[c] = true
			continue
		}

		author := c.Post.Author
		popular := c.Post.LikeCount+c.Post.RepostCount >= 2
		switch {
		case uc.Mutuals[author]:
			if rc.mutual >= maxMutualReplies {
				continue
			}
			rc.mutual++
		case uc.L1[author] && popular:
			if rc.popularL1 >= maxPopularL1 {
				continue
			}
			rc.popularL1++
		case uc.InGraph(author):
			if rc.otherGraph >= maxOtherInGraph || c.Score <= 100 {
				continue
			}
			rc.otherGraph++
		default:
			if rc.outside >= maxOutsideReplies || c.Score <= 500 {
				continue
			}
			rc.outside++
		}
		keep[c] = true
	}

	out := candidates[:0]
	for _, c := range candidates {
		if keep[c] {
			out = append(out, c)
		}
	}
	return out
}

// diversify greedily interleaves authors so no author appears three times in a row.
// Candidates that cannot be placed without forming a run keep their score order at
// the tail; the reorder never drops anything.
func diversify(candidates []*Candidate) []*Candidate {
	if len(candidates) < 3 {
		return candidates
	}

	remaining := make([]*Candidate, len(candidates))
	copy(remaining, candidates)
	out := make([]*Candidate, 0, len(candidates))
	var recent [2]persist.DID

	for len(remaining) > 0 {
		// Every third slot only the immediately previous author is banned, which
		// still rules out three in a row but lets busy authors back in sooner.
		banBoth := len(out)%3 != 0 || len(out) == 0
		picked := -1
		for i, c := range remaining {
			if c.Post.Author == recent[0] {
				continue
			}
			if banBoth && c.Post.Author == recent[1] {
				continue
			}
			picked = i
			break
		}
		if picked == -1 {
			// Every remaining candidate collides with the recent authors. Relax the
			// run ban and keep the blocked tail in score order.
			out = append(out, remaining...)
			break
		}
		c := remaining[picked]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		out = append(out, c)
		recent[1] = recent[0]
		recent[0] = c.Post.Author
	}

	return out
}

func afterCursor(candidates []*Candidate, cursor *Cursor) []*Candidate {
	for i, c := range candidates {
		if c.afterCursor(cursor) {
			return candidates[i:]
		}
	}
	return nil
}
