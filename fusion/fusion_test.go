package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/ranking"
)

type fakePostRepo struct {
	persist.PostRepository
	posts map[string]persist.Post
}

func (f *fakePostRepo) GetByURIs(ctx context.Context, uris []string) ([]persist.Post, error) {
	var out []persist.Post
	for _, uri := range uris {
		if p, ok := f.posts[uri]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeInteractionRepo struct {
	persist.InteractionRepository
	targets map[persist.InteractionType][]string
}

func (f *fakeInteractionRepo) GetActorTargets(ctx context.Context, actor persist.DID, types []persist.InteractionType) (map[persist.InteractionType][]string, error) {
	return f.targets, nil
}

type fakeSeenRepo struct {
	persist.SeenRepository
	counts map[string]int
}

func (f *fakeSeenRepo) CountsForUser(ctx context.Context, userDid persist.DID, since time.Time) (map[string]int, error) {
	return f.counts, nil
}

type fakeFatigueRepo struct {
	persist.FatigueRepository
	rows []persist.AuthorFatigue
}

func (f *fakeFatigueRepo) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.AuthorFatigue, error) {
	return f.rows, nil
}

func testEngine() (*Engine, *fakePostRepo, *fakeSeenRepo, *fakeFatigueRepo) {
	posts := &fakePostRepo{posts: map[string]persist.Post{}}
	seen := &fakeSeenRepo{counts: map[string]int{}}
	fatigue := &fakeFatigueRepo{}
	repos := &persist.Repositories{
		Posts:        posts,
		Interactions: &fakeInteractionRepo{targets: map[persist.InteractionType][]string{}},
		Seen:         seen,
		Fatigue:      fatigue,
	}
	return &Engine{repos: repos}, posts, seen, fatigue
}

func batchRow(uri string, pipeline, semantic float64, generatedAt time.Time) persist.CandidateBatchRow {
	return persist.CandidateBatchRow{
		UserDid:       "did:plc:user",
		URI:           uri,
		PipelineScore: pipeline,
		SemanticScore: semantic,
		GeneratedAt:   generatedAt,
	}
}

func TestScoreBatchEffectiveScore(t *testing.T) {
	e, posts, _, _ := testEngine()
	now := time.Now()
	posts.posts["at://p"] = persist.Post{URI: "at://p", Author: "did:plc:a", IndexedAt: now}

	// A fresh row gets the full semantic contribution.
	items, _, err := e.scoreBatch(context.Background(), "did:plc:user", []persist.CandidateBatchRow{
		batchRow("at://p", 1000, 0.8, now),
	}, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 0.3*1000+1800*0.8, items[0].Score, 0.001)
}

func TestScoreBatchSemanticContributionFades(t *testing.T) {
	e, posts, _, _ := testEngine()
	now := time.Now()
	posts.posts["at://p"] = persist.Post{URI: "at://p", Author: "did:plc:a", IndexedAt: now}

	// At half the batch TTL, the semantic term contributes half.
	items, _, err := e.scoreBatch(context.Background(), "did:plc:user", []persist.CandidateBatchRow{
		batchRow("at://p", 1000, 0.8, now.Add(-persist.CandidateBatchTTL/2)),
	}, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 0.3*1000+1800*0.8*0.5, items[0].Score, 0.5)
}

func TestScoreBatchSeenPenalties(t *testing.T) {
	e, posts, seen, _ := testEngine()
	now := time.Now()
	posts.posts["at://once"] = persist.Post{URI: "at://once", Author: "did:plc:a", IndexedAt: now}
	posts.posts["at://burned"] = persist.Post{URI: "at://burned", Author: "did:plc:b", IndexedAt: now}
	seen.counts["at://once"] = 1
	seen.counts["at://burned"] = 3

	items, _, err := e.scoreBatch(context.Background(), "did:plc:user", []persist.CandidateBatchRow{
		batchRow("at://once", 1000, 0.5, now),
		batchRow("at://burned", 1000, 0.9, now),
	}, now)
	require.NoError(t, err)

	// One impression multiplies the score down hard; three kill the item outright.
	require.Len(t, items, 1)
	assert.Equal(t, "at://once", items[0].URI)
	assert.InDelta(t, (0.3*1000+1800*0.5)*0.2, items[0].Score, 0.001)
}

func TestScoreBatchDropsInteractedPosts(t *testing.T) {
	e, posts, _, _ := testEngine()
	now := time.Now()
	posts.posts["at://liked"] = persist.Post{URI: "at://liked", Author: "did:plc:a", IndexedAt: now}
	e.repos.Interactions = &fakeInteractionRepo{targets: map[persist.InteractionType][]string{
		persist.InteractionTypeLike: {"at://liked"},
	}}

	items, _, err := e.scoreBatch(context.Background(), "did:plc:user", []persist.CandidateBatchRow{
		batchRow("at://liked", 2000, 0.9, now),
	}, now)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestScoreBatchSubtractsFatigue(t *testing.T) {
	e, posts, _, fatigue := testEngine()
	now := time.Now()
	posts.posts["at://p"] = persist.Post{URI: "at://p", Author: "did:plc:tired", IndexedAt: now}
	fatigue.rows = []persist.AuthorFatigue{{UserDid: "did:plc:user", AuthorDid: "did:plc:tired", FatigueScore: 50}}

	items, _, err := e.scoreBatch(context.Background(), "did:plc:user", []persist.CandidateBatchRow{
		batchRow("at://p", 1000, 0.8, now),
	}, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 0.3*1000+1800*0.8-(50.0/100)*1200, items[0].Score, 0.001)
}

func TestMaybeTriggerRegenFiresAtHalfConsumption(t *testing.T) {
	e, _, seen, _ := testEngine()
	now := time.Now()

	triggered := false
	force := false
	e.trigger = func(forcePriority bool) {
		triggered = true
		force = forcePriority
	}

	rows := []persist.CandidateBatchRow{
		batchRow("at://1", 100, 0.1, now),
		batchRow("at://2", 100, 0.1, now),
		batchRow("at://3", 100, 0.1, now),
		batchRow("at://4", 100, 0.1, now),
	}

	seen.counts = map[string]int{"at://1": 1}
	e.maybeTriggerRegen(context.Background(), "did:plc:user", rows)
	assert.False(t, triggered, "a quarter consumed is not enough")

	seen.counts = map[string]int{"at://1": 1, "at://2": 2}
	e.maybeTriggerRegen(context.Background(), "did:plc:user", rows)
	assert.True(t, triggered)
	assert.True(t, force, "consumption rebuilds jump the queue")
}

func TestDedupeNewestKeepsLatestRow(t *testing.T) {
	now := time.Now()
	rows := dedupeNewest([]persist.CandidateBatchRow{
		batchRow("at://p", 100, 0.1, now.Add(-time.Hour)),
		batchRow("at://p", 200, 0.2, now),
		batchRow("at://q", 300, 0.3, now),
	})
	require.Len(t, rows, 2)
	byURI := map[string]persist.CandidateBatchRow{}
	for _, r := range rows {
		byURI[r.URI] = r
	}
	assert.Equal(t, 200.0, byURI["at://p"].PipelineScore)
}

func TestDiversifyFeedItems(t *testing.T) {
	now := time.Now()
	items := []FeedItem{
		{URI: "1", Author: "did:plc:a", Score: 600, IndexedAt: now},
		{URI: "2", Author: "did:plc:a", Score: 500, IndexedAt: now},
		{URI: "3", Author: "did:plc:b", Score: 400, IndexedAt: now},
		{URI: "4", Author: "did:plc:c", Score: 300, IndexedAt: now},
		{URI: "5", Author: "did:plc:a", Score: 200, IndexedAt: now},
	}

	out := diversify(items)
	require.Len(t, out, 5)
	assert.NotEqual(t, out[0].Author, out[1].Author, "adjacent authors alternate")
}

func TestItemAfterCursorPagination(t *testing.T) {
	now := time.Now()
	items := []FeedItem{
		{URI: "at://1", Score: 300, IndexedAt: now},
		{URI: "at://2", Score: 200, IndexedAt: now},
		{URI: "at://3", Score: 100, IndexedAt: now},
	}

	page := afterCursor(items, &ranking.Cursor{Score: 200, TimestampMs: now.UnixMilli(), URI: "at://2"})
	require.Len(t, page, 1)
	assert.Equal(t, "at://3", page[0].URI)
}

func TestDiversifyFeedItemsKeepsBlockedTail(t *testing.T) {
	now := time.Now()
	items := []FeedItem{
		{URI: "1", Author: "did:plc:only", Score: 500, IndexedAt: now},
		{URI: "2", Author: "did:plc:only", Score: 400, IndexedAt: now},
		{URI: "3", Author: "did:plc:only", Score: 300, IndexedAt: now},
	}

	// A single author cannot be interleaved; the page keeps its score order
	// instead of shrinking.
	out := diversify(items)
	assert.Equal(t, items, out)
}

func TestItemFromCandidateRepostAttribution(t *testing.T) {
	now := time.Now()
	repost := "at://did:plc:reposter/app.bsky.feed.repost/1"
	c := &ranking.Candidate{
		Post:      persist.Post{URI: "at://1", Author: "did:plc:a", IndexedAt: now},
		RepostURI: &repost,
	}

	followed := itemFromCandidate(c, 100, map[persist.DID]bool{"did:plc:a": true})
	assert.Nil(t, followed.RepostURI, "a followed author's post stands on its own")

	outside := itemFromCandidate(c, 100, map[persist.DID]bool{})
	require.NotNil(t, outside.RepostURI)
	assert.Equal(t, repost, *outside.RepostURI)
}
