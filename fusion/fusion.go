package fusion

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/ranking"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/service/sentryutil"
	"github.com/wavelength-social/wavelength/taste"
)

const (
	pipelineWeight = 0.3
	semanticWeight = 1800

	seenPenaltyBase = 0.2
	seenHardCutoff  = 3
	seenHardScore   = -501
	servableFloor   = -500.0
	fatigueWeight   = 1200

	thinPoolThreshold = 20
	liveBaseCeiling   = 1000
	liveRankStep      = 5

	consumptionTrigger = 0.5

	maxPageSize = 100
)

// FeedItem is one served feed entry.
type FeedItem struct {
	URI       string
	Score     float64
	IndexedAt time.Time
	Author    persist.DID
	// RepostURI attributes the item to a repost when it entered the feed that way
	// and the author is outside the user's Layer-1.
	RepostURI *string
}

// TriggerFunc asks the semantic scheduler for a batch rebuild.
type TriggerFunc func(forcePriority bool)

// Engine fuses pre-computed semantic batches with the live ranking pipeline at
// serve time.
type Engine struct {
	repos   *persist.Repositories
	ranker  *ranking.Engine
	taste   *taste.Engine
	trigger TriggerFunc
}

func NewEngine(repos *persist.Repositories, ranker *ranking.Engine, tasteEngine *taste.Engine, trigger TriggerFunc) *Engine {
	return &Engine{repos: repos, ranker: ranker, taste: tasteEngine, trigger: trigger}
}

// Serve assembles one feed page for the user.
func (e *Engine) Serve(ctx context.Context, userDid persist.DID, limit int, cursor *ranking.Cursor) ([]FeedItem, error) {
	now := time.Now()

	rows, err := e.repos.Batches.GetForUser(ctx, userDid, now.Add(-persist.CandidateBatchTTL))
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return e.serveLiveOnly(ctx, userDid, limit, cursor)
	}

	rows = dedupeNewest(rows)
	items, batchURIs, err := e.scoreBatch(ctx, userDid, rows, now)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return itemLess(items[i], items[j])
	})
	items = diversify(items)

	if len(items) < thinPoolThreshold {
		live, err := e.liveFallback(ctx, userDid, cursor, batchURIs)
		if err != nil {
			logger.For(ctx).Errorf("live fallback failed: %s", err)
		} else {
			items = append(items, live...)
			sort.Slice(items, func(i, j int) bool {
				return itemLess(items[i], items[j])
			})
		}
	}

	if cursor != nil {
		items = afterCursor(items, cursor)
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if len(items) > limit {
		items = items[:limit]
	}

	e.recordServe(ctx, userDid, items)
	e.maybeTriggerRegen(ctx, userDid, rows)

	return items, nil
}

// scoreBatch turns batch rows into servable items: effective score, interaction
// and seen filtering, and fatigue subtraction.
func (e *Engine) scoreBatch(ctx context.Context, userDid persist.DID, rows []persist.CandidateBatchRow, now time.Time) ([]FeedItem, map[string]bool, error) {
	uris := make([]string, len(rows))
	for i, row := range rows {
		uris[i] = row.URI
	}
	posts, err := e.repos.Posts.GetByURIs(ctx, uris)
	if err != nil {
		return nil, nil, err
	}
	postsByURI := make(map[string]persist.Post, len(posts))
	for _, p := range posts {
		postsByURI[p.URI] = p
	}

	targets, err := e.repos.Interactions.GetActorTargets(ctx, userDid,
		[]persist.InteractionType{persist.InteractionTypeLike, persist.InteractionTypeRepost, persist.InteractionTypeReply})
	if err != nil {
		return nil, nil, err
	}
	interacted := make(map[string]bool)
	for _, uriList := range targets {
		for _, uri := range uriList {
			interacted[uri] = true
		}
	}

	seenCounts, err := e.repos.Seen.CountsForUser(ctx, userDid, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, nil, err
	}

	fatigueRows, err := e.repos.Fatigue.GetForUser(ctx, userDid)
	if err != nil {
		return nil, nil, err
	}
	fatigueByAuthor := make(map[persist.DID]float64, len(fatigueRows))
	for _, f := range fatigueRows {
		fatigueByAuthor[f.AuthorDid] = f.FatigueScore
	}

	batchURIs := make(map[string]bool, len(rows))
	var items []FeedItem
	for _, row := range rows {
		post, ok := postsByURI[row.URI]
		if !ok {
			continue
		}
		if interacted[row.URI] {
			continue
		}

		ageHours := now.Sub(row.GeneratedAt).Hours()
		impact := math.Max(0, 1-ageHours/persist.CandidateBatchTTL.Hours())
		score := pipelineWeight*row.PipelineScore + semanticWeight*row.SemanticScore*impact

		if seen := seenCounts[row.URI]; seen >= seenHardCutoff {
			score = seenHardScore
		} else if seen > 0 {
			score *= math.Pow(seenPenaltyBase, float64(seen))
		}

		score -= (fatigueByAuthor[post.Author] / 100) * fatigueWeight

		if score > 0 {
			batchURIs[row.URI] = true
		}
		if score <= servableFloor {
			continue
		}

		items = append(items, FeedItem{
			URI:       row.URI,
			Score:     score,
			IndexedAt: post.IndexedAt,
			Author:    post.Author,
		})
	}

	return items, batchURIs, nil
}

// serveLiveOnly falls back to the ranking pipeline when no batch exists yet.
func (e *Engine) serveLiveOnly(ctx context.Context, userDid persist.DID, limit int, cursor *ranking.Cursor) ([]FeedItem, error) {
	candidates, err := e.ranker.Rank(ctx, userDid, ranking.Params{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, err
	}

	inL1, err := e.followedSet(ctx, userDid)
	if err != nil {
		return nil, err
	}

	items := make([]FeedItem, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, itemFromCandidate(c, c.Score, inL1))
	}

	e.recordServe(ctx, userDid, items)
	return items, nil
}

func (e *Engine) followedSet(ctx context.Context, userDid persist.DID) (map[persist.DID]bool, error) {
	l1, err := e.repos.Follows.GetFollowing(ctx, userDid)
	if err != nil {
		return nil, err
	}
	inL1 := make(map[persist.DID]bool, len(l1))
	for _, did := range l1 {
		inL1[did] = true
	}
	return inL1, nil
}

// itemFromCandidate carries the repost attribution over only when the author is
// outside the user's Layer-1; a followed author's post stands on its own.
func itemFromCandidate(c *ranking.Candidate, score float64, inL1 map[persist.DID]bool) FeedItem {
	item := FeedItem{
		URI:       c.Post.URI,
		Score:     score,
		IndexedAt: c.Post.IndexedAt,
		Author:    c.Post.Author,
	}
	if c.RepostURI != nil && !inL1[c.Post.Author] {
		item.RepostURI = c.RepostURI
	}
	return item
}

// liveFallback intersplices fresh pipeline results into a thin batch pool. Live
// items slot in below the current cursor position so pagination stays stable.
func (e *Engine) liveFallback(ctx context.Context, userDid persist.DID, cursor *ranking.Cursor, batchURIs map[string]bool) ([]FeedItem, error) {
	candidates, err := e.ranker.Rank(ctx, userDid, ranking.Params{Limit: maxPageSize})
	if err != nil {
		return nil, err
	}

	inL1, err := e.followedSet(ctx, userDid)
	if err != nil {
		return nil, err
	}

	base := float64(liveBaseCeiling)
	if cursor != nil {
		base = math.Min(liveBaseCeiling, cursor.Score-1)
	}

	var items []FeedItem
	for rank, c := range candidates {
		if batchURIs[c.Post.URI] {
			continue
		}
		items = append(items, itemFromCandidate(c, base-float64(liveRankStep*rank), inL1))
	}
	return items, nil
}

// recordServe writes the served log and bumps author fatigue, off the request path.
func (e *Engine) recordServe(ctx context.Context, userDid persist.DID, items []FeedItem) {
	if len(items) == 0 {
		return
	}

	uris := make([]string, len(items))
	authorSet := make(map[persist.DID]bool)
	for i, item := range items {
		uris[i] = item.URI
		authorSet[item.Author] = true
	}
	authors := make([]persist.DID, 0, len(authorSet))
	for author := range authorSet {
		authors = append(authors, author)
	}

	hub := sentryutil.SentryHubFromContext(ctx)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		bgCtx = sentryutil.NewSentryHubContext(bgCtx, hub)

		if err := e.repos.Served.Add(bgCtx, userDid, uris, time.Now()); err != nil {
			logger.For(bgCtx).Errorf("served log write failed: %s", err)
		}
		if err := e.taste.ApplyServeFatigue(bgCtx, userDid, authors); err != nil {
			logger.For(bgCtx).Errorf("serve fatigue update failed: %s", err)
		}
	}()
}

// maybeTriggerRegen fires a priority batch rebuild when the user has burned
// through half of the current batch.
func (e *Engine) maybeTriggerRegen(ctx context.Context, userDid persist.DID, rows []persist.CandidateBatchRow) {
	if e.trigger == nil || len(rows) == 0 {
		return
	}

	seenCounts, err := e.repos.Seen.CountsForUser(ctx, userDid, time.Now().Add(-persist.CandidateBatchTTL))
	if err != nil {
		logger.For(ctx).Debugf("consumption check failed: %s", err)
		return
	}

	seen := 0
	for _, row := range rows {
		if seenCounts[row.URI] > 0 {
			seen++
		}
	}

	if float64(seen)/float64(len(rows)) >= consumptionTrigger {
		logger.For(ctx).Infof("batch %.0f%% consumed for %s, requesting priority rebuild",
			100*float64(seen)/float64(len(rows)), userDid)
		e.trigger(true)
	}
}

func dedupeNewest(rows []persist.CandidateBatchRow) []persist.CandidateBatchRow {
	newest := make(map[string]persist.CandidateBatchRow, len(rows))
	for _, row := range rows {
		if existing, ok := newest[row.URI]; !ok || row.GeneratedAt.After(existing.GeneratedAt) {
			newest[row.URI] = row
		}
	}
	out := make([]persist.CandidateBatchRow, 0, len(newest))
	for _, row := range newest {
		out = append(out, row)
	}
	return out
}

func itemLess(a, b FeedItem) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	at, bt := a.IndexedAt.UnixMilli(), b.IndexedAt.UnixMilli()
	if at != bt {
		return at > bt
	}
	return a.URI < b.URI
}

func afterCursor(items []FeedItem, cursor *ranking.Cursor) []FeedItem {
	for i, item := range items {
		if itemAfterCursor(item, cursor) {
			return items[i:]
		}
	}
	return nil
}

func itemAfterCursor(item FeedItem, cursor *ranking.Cursor) bool {
	if item.Score != cursor.Score {
		return item.Score < cursor.Score
	}
	ts := item.IndexedAt.UnixMilli()
	if ts != cursor.TimestampMs {
		return ts < cursor.TimestampMs
	}
	return item.URI > cursor.URI
}

// diversify enforces the last-2-authors constraint greedily. Items that cannot be
// placed without forming a run keep their score order at the tail; the reorder
// never drops anything.
func diversify(items []FeedItem) []FeedItem {
	if len(items) < 3 {
		return items
	}

	remaining := make([]FeedItem, len(items))
	copy(remaining, items)
	out := make([]FeedItem, 0, len(items))
	var recent [2]persist.DID

	for len(remaining) > 0 {
		picked := -1
		for i, item := range remaining {
			if item.Author != recent[0] && item.Author != recent[1] {
				picked = i
				break
			}
		}
		if picked == -1 {
			out = append(out, remaining...)
			break
		}
		item := remaining[picked]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		out = append(out, item)
		recent[1] = recent[0]
		recent[0] = item.Author
	}

	return out
}
