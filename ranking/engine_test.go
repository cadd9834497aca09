package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func strPtr(s string) *string { return &s }

func testContext(userDid persist.DID) *userContext {
	return &userContext{
		UserDid:       userDid,
		L1:            map[persist.DID]bool{},
		Mutuals:       map[persist.DID]bool{},
		L2:            map[persist.DID]bool{},
		Interacted:    map[persist.DID]bool{},
		InfluentialL2: map[persist.DID]bool{},
		Fatigue:       map[persist.DID]persist.AuthorFatigue{},
		TwinLikes:     map[string]twinSignal{},
		SeenCounts:    map[string]int{},
		LikedURIs:     map[string]bool{},
		RepostedURIs:  map[string]bool{},
		RepliedURIs:   map[string]bool{},
		MediaRatio:    1,
		Now:           time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{Score: 1234.5, TimestampMs: 1722500000123, URI: "at://did:plc:abc/app.bsky.feed.post/xyz"}

	out, err := ParseCursor(in.String())
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestParseCursorMalformed(t *testing.T) {
	for _, raw := range []string{"", "100", "100::notatime::uri", "abc::123::uri"} {
		_, err := ParseCursor(raw)
		assert.Error(t, err, raw)
	}
}

func TestCandidateOrdering(t *testing.T) {
	now := time.Now()
	a := &Candidate{Post: persist.Post{URI: "at://a", IndexedAt: now}, Score: 100}
	b := &Candidate{Post: persist.Post{URI: "at://b", IndexedAt: now}, Score: 50}
	c := &Candidate{Post: persist.Post{URI: "at://c", IndexedAt: now.Add(-time.Hour)}, Score: 50}

	assert.True(t, a.less(b), "higher score sorts first")
	assert.True(t, b.less(c), "newer post wins a score tie")
	assert.True(t, b.less(&Candidate{Post: persist.Post{URI: "at://z", IndexedAt: now}, Score: 50}), "uri breaks full ties")
}

func TestAfterCursorResumesPastServedItems(t *testing.T) {
	now := time.Now()
	candidates := []*Candidate{
		{Post: persist.Post{URI: "at://1", IndexedAt: now}, Score: 300},
		{Post: persist.Post{URI: "at://2", IndexedAt: now}, Score: 200},
		{Post: persist.Post{URI: "at://3", IndexedAt: now}, Score: 100},
	}

	cursor := &Cursor{Score: 200, TimestampMs: now.UnixMilli(), URI: "at://2"}
	page := afterCursor(candidates, cursor)
	require.Len(t, page, 1)
	assert.Equal(t, "at://3", page[0].Post.URI)

	// A cursor past the end yields an empty page, not a reset.
	cursor = &Cursor{Score: 100, TimestampMs: now.UnixMilli(), URI: "at://3"}
	assert.Empty(t, afterCursor(candidates, cursor))
}

func TestSeenMultiplierHalvesPerImpression(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.L1["did:plc:author"] = true
	uc.SeenCounts["at://post"] = 2

	c := &Candidate{Post: persist.Post{
		URI:       "at://post",
		Author:    "did:plc:author",
		IndexedAt: uc.Now.Add(-time.Hour),
		LikeCount: 4,
	}}
	(&Engine{}).scoreCandidate(uc, c, nil, nil, false)

	require.Contains(t, c.Signals, "seen_multiplier")
	assert.Equal(t, 0.25, c.Signals["seen_multiplier"])
	assert.Positive(t, c.Score)
}

func TestBatchModeSkipsSeenMultiplier(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.SeenCounts["at://post"] = 2

	c := &Candidate{Post: persist.Post{URI: "at://post", Author: "did:plc:author", IndexedAt: uc.Now.Add(-time.Hour)}}
	(&Engine{}).scoreCandidate(uc, c, nil, nil, true)

	assert.NotContains(t, c.Signals, "seen_multiplier")
}

func TestAlreadyLikedPostsAreDropped(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.LikedURIs["at://liked"] = true

	candidates := []*Candidate{
		{Post: persist.Post{URI: "at://liked", Author: "did:plc:a", IndexedAt: uc.Now}, Score: 5000},
		{Post: persist.Post{URI: "at://fresh", Author: "did:plc:b", IndexedAt: uc.Now}, Score: 100},
	}

	out := (&Engine{}).filter(uc, candidates, nil, false)
	require.Len(t, out, 1)
	assert.Equal(t, "at://fresh", out[0].Post.URI)
}

func TestMultiPersonThreadKeepsOnlyBestReply(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.Mutuals["did:plc:a"] = true
	uc.Mutuals["did:plc:b"] = true

	root := "at://root"
	threads := map[string]*threadStats{
		root: {MultiPerson: true, AuthorReplies: map[persist.DID]int{}, AuthorChains: map[persist.DID]int{}},
	}
	candidates := []*Candidate{
		{Post: persist.Post{URI: "at://r1", Author: "did:plc:a", IndexedAt: uc.Now, ReplyRoot: &root, ReplyParent: &root}, Score: 900},
		{Post: persist.Post{URI: "at://r2", Author: "did:plc:b", IndexedAt: uc.Now, ReplyRoot: &root, ReplyParent: &root}, Score: 400},
	}

	out := (&Engine{}).filter(uc, candidates, threads, false)
	require.Len(t, out, 1)
	assert.Equal(t, "at://r1", out[0].Post.URI)
}

func TestReplyFloorsByRelationship(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.L1["did:plc:friend"] = true
	uc.L2["did:plc:foaf"] = true

	parent := "at://parent"
	mk := func(author persist.DID, score float64) *Candidate {
		return &Candidate{
			Post:  persist.Post{URI: "at://" + string(author), Author: author, IndexedAt: uc.Now, ReplyParent: &parent, ReplyRoot: &parent},
			Score: score,
		}
	}

	out := (&Engine{}).filter(uc, []*Candidate{
		mk("did:plc:friend", -400), // above the L1 floor
		mk("did:plc:foaf", 50),     // below the L2 floor
		mk("did:plc:nobody", 400),  // below the outside floor
	}, nil, false)

	require.Len(t, out, 1)
	assert.Equal(t, persist.DID("did:plc:friend"), out[0].Post.Author)
}

func TestDiversifyBreaksAuthorRuns(t *testing.T) {
	now := time.Now()
	mk := func(uri string, author persist.DID, score float64) *Candidate {
		return &Candidate{Post: persist.Post{URI: uri, Author: author, IndexedAt: now}, Score: score}
	}
	candidates := []*Candidate{
		mk("at://1", "did:plc:a", 500),
		mk("at://2", "did:plc:a", 400),
		mk("at://3", "did:plc:a", 300),
		mk("at://4", "did:plc:b", 200),
		mk("at://5", "did:plc:c", 100),
		mk("at://6", "did:plc:b", 50),
	}

	out := diversify(candidates)
	require.Len(t, out, 6)
	for i := 2; i < len(out); i++ {
		sameRun := out[i].Post.Author == out[i-1].Post.Author && out[i-1].Post.Author == out[i-2].Post.Author
		assert.False(t, sameRun, "three consecutive posts by %s at %d", out[i].Post.Author, i)
	}
}

func TestDiversifySingleAuthorKeepsEverything(t *testing.T) {
	now := time.Now()
	var candidates []*Candidate
	for i := 0; i < 6; i++ {
		candidates = append(candidates, &Candidate{
			Post:  persist.Post{URI: string(rune('a' + i)), Author: "did:plc:only", IndexedAt: now},
			Score: float64(600 - i),
		})
	}

	// One author cannot be interleaved; the run ban relaxes and the page keeps
	// its score order instead of shrinking.
	out := diversify(candidates)
	assert.Equal(t, candidates, out)
}

func TestDeterministicJitterIsStablePerUser(t *testing.T) {
	a := deterministicJitter("at://post", "did:plc:user1")
	assert.Equal(t, a, deterministicJitter("at://post", "did:plc:user1"))
	assert.NotEqual(t, a, deterministicJitter("at://post", "did:plc:user2"))
}

func TestFatigueSignal(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)

	t.Run("negative fatigue is a hunger bonus", func(t *testing.T) {
		got := fatigueSignal(persist.AuthorFatigue{FatigueScore: -10, LastInteractionAt: &recent}, persist.Post{}, now)
		assert.Equal(t, 500.0, got)
	})

	t.Run("moderate fatigue is neutral", func(t *testing.T) {
		got := fatigueSignal(persist.AuthorFatigue{FatigueScore: 40, LastInteractionAt: &recent}, persist.Post{}, now)
		assert.Zero(t, got)
	})

	t.Run("high fatigue penalizes", func(t *testing.T) {
		got := fatigueSignal(persist.AuthorFatigue{FatigueScore: 60, LastInteractionAt: &recent}, persist.Post{}, now)
		assert.Equal(t, -2400.0, got)
	})

	t.Run("stale interaction sharpens the penalty", func(t *testing.T) {
		stale := now.Add(-8 * 24 * time.Hour)
		got := fatigueSignal(persist.AuthorFatigue{FatigueScore: 60, LastInteractionAt: &stale}, persist.Post{}, now)
		assert.Equal(t, -3600.0, got)
	})

	t.Run("popular post softens the penalty", func(t *testing.T) {
		got := fatigueSignal(persist.AuthorFatigue{FatigueScore: 60, LastInteractionAt: &recent}, persist.Post{LikeCount: 60}, now)
		assert.InDelta(t, -720.0, got, 0.001)
	})
}

func TestKeywordSignalMatchesWholeWordsOnly(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.Keywords = []persist.UserKeyword{{Keyword: "art", Score: 1}}

	outside := &Candidate{Post: persist.Post{
		URI:       "at://outside",
		Author:    "did:plc:stranger",
		IndexedAt: uc.Now.Add(-time.Hour),
		Text:      strPtr("generative art in the wild"),
	}}
	(&Engine{}).scoreCandidate(uc, outside, nil, nil, false)
	assert.Equal(t, 1200.0, outside.Signals["keyword"], "outside-graph matches use discovery weight")

	substring := &Candidate{Post: persist.Post{
		URI:       "at://substr",
		Author:    "did:plc:stranger",
		IndexedAt: uc.Now.Add(-time.Hour),
		Text:      strPtr("my artisan bread"),
	}}
	(&Engine{}).scoreCandidate(uc, substring, nil, nil, false)
	assert.NotContains(t, substring.Signals, "keyword")
}

func TestConversationDedupeCapsThread(t *testing.T) {
	uc := testContext("did:plc:viewer")
	uc.Mutuals["did:plc:m"] = true

	root := "at://root"
	var candidates []*Candidate
	for i := 0; i < 5; i++ {
		uri := "at://reply" + string(rune('0'+i))
		candidates = append(candidates, &Candidate{
			Post:  persist.Post{URI: uri, Author: "did:plc:m", IndexedAt: uc.Now, ReplyRoot: &root, ReplyParent: &root},
			Score: float64(1000 - i),
		})
	}

	out := dedupeConversations(uc, candidates, nil)
	assert.Len(t, out, maxMutualReplies)
}
