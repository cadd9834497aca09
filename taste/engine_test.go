package taste

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

// In-memory repositories. Only the methods the engine touches are implemented;
// anything else panics through the embedded nil interface.

type fakeTasteRepo struct {
	persist.TasteRepository
	reps map[string]persist.TasteReputation
}

func pairKey(userDid, twinDid persist.DID) string {
	return string(userDid) + "|" + string(twinDid)
}

func (f *fakeTasteRepo) GetReputation(ctx context.Context, userDid, twinDid persist.DID) (persist.TasteReputation, error) {
	rep, ok := f.reps[pairKey(userDid, twinDid)]
	if !ok {
		return persist.TasteReputation{}, persist.ErrNotFound{Table: "taste_reputation", Key: pairKey(userDid, twinDid)}
	}
	return rep, nil
}

func (f *fakeTasteRepo) UpsertReputation(ctx context.Context, rep persist.TasteReputation) error {
	f.reps[pairKey(rep.UserDid, rep.SimilarUserDid)] = rep
	return nil
}

func (f *fakeTasteRepo) RecordAgreement(ctx context.Context, userDid, similarDid persist.DID, at time.Time) error {
	return nil
}

type fakeFatigueRepo struct {
	persist.FatigueRepository
	rows map[string]persist.AuthorFatigue
}

func (f *fakeFatigueRepo) Get(ctx context.Context, userDid, authorDid persist.DID) (persist.AuthorFatigue, error) {
	row, ok := f.rows[pairKey(userDid, authorDid)]
	if !ok {
		return persist.AuthorFatigue{}, persist.ErrNotFound{Table: "author_fatigue", Key: pairKey(userDid, authorDid)}
	}
	return row, nil
}

func (f *fakeFatigueRepo) Upsert(ctx context.Context, row persist.AuthorFatigue) error {
	f.rows[pairKey(row.UserDid, row.AuthorDid)] = row
	return nil
}

type fakeKeywordRepo struct {
	persist.KeywordRepository
	existing []persist.UserKeyword
	updates  []persist.UserKeyword
}

func (f *fakeKeywordRepo) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.UserKeyword, error) {
	return f.existing, nil
}

func (f *fakeKeywordRepo) UpsertScores(ctx context.Context, userDid persist.DID, rows []persist.UserKeyword) error {
	f.updates = append(f.updates, rows...)
	return nil
}

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

type fakeFeedbackRepo struct {
	persist.FeedbackRepository
	rows []persist.UserFeedback
}

func (f *fakeFeedbackRepo) Add(ctx context.Context, row persist.UserFeedback) error {
	f.rows = append(f.rows, row)
	return nil
}

type testEngine struct {
	*Engine
	tasteRepo    *fakeTasteRepo
	fatigueRepo  *fakeFatigueRepo
	keywordRepo  *fakeKeywordRepo
	postRepo     *fakePostRepo
	feedbackRepo *fakeFeedbackRepo
}

func newTestEngine(likers PostLikersFunc) *testEngine {
	if likers == nil {
		likers = func(ctx context.Context, postURI string, limit int) []persist.DID { return nil }
	}
	te := &testEngine{
		tasteRepo:    &fakeTasteRepo{reps: map[string]persist.TasteReputation{}},
		fatigueRepo:  &fakeFatigueRepo{rows: map[string]persist.AuthorFatigue{}},
		keywordRepo:  &fakeKeywordRepo{},
		postRepo:     &fakePostRepo{posts: map[string]persist.Post{}},
		feedbackRepo: &fakeFeedbackRepo{},
	}
	te.Engine = &Engine{
		taste:      te.tasteRepo,
		fatigue:    te.fatigueRepo,
		keywords:   te.keywordRepo,
		posts:      te.postRepo,
		feedback:   te.feedbackRepo,
		likers:     likers,
		restricted: map[string]bool{},
	}
	return te
}

func TestUpdateReputationNewTwinStartsAboveNeutral(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()

	require.NoError(t, te.UpdateReputation(ctx, "did:plc:user", "did:plc:twin", ActionAgreement))

	rep, err := te.tasteRepo.GetReputation(ctx, "did:plc:user", "did:plc:twin")
	require.NoError(t, err)
	assert.Equal(t, 1.2, rep.ReputationScore)
	assert.InDelta(t, 0.955, rep.DecayRate, 1e-9, "agreement slows the decay")
	assert.Equal(t, 1.0, rep.AgreementHistory)
}

func TestUpdateReputationDecaysBeforeApplyingAction(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()

	te.tasteRepo.reps[pairKey("did:plc:user", "did:plc:twin")] = persist.TasteReputation{
		UserDid:         "did:plc:user",
		SimilarUserDid:  "did:plc:twin",
		ReputationScore: 2.0,
		DecayRate:       0.95,
		UpdatedAt:       time.Now().Add(-48 * time.Hour),
	}

	require.NoError(t, te.UpdateReputation(ctx, "did:plc:user", "did:plc:twin", ActionAgreement))

	rep, err := te.tasteRepo.GetReputation(ctx, "did:plc:user", "did:plc:twin")
	require.NoError(t, err)
	// Two days of decay, then the agreement multiplier.
	assert.InDelta(t, 2.0*0.95*0.95*1.15, rep.ReputationScore, 0.001)
}

func TestApplyActionMultipliers(t *testing.T) {
	cases := []struct {
		name   string
		score  float64
		action Action
		want   float64
	}{
		{"agreement", 2.0, ActionAgreement, 2.3},
		{"agreement capped", 2.9, ActionAgreement, 3.0},
		{"disagreement", 1.0, ActionDisagreement, 0.85},
		{"disagreement floored", 0.11, ActionDisagreement, 0.1},
		{"explicit more", 2.0, ActionExplicitMore, 3.2},
		{"explicit more capped", 4.0, ActionExplicitMore, 5.0},
		{"explicit less", 2.0, ActionExplicitLess, 0.2},
		{"explicit less floored", 0.005, ActionExplicitLess, 0.001},
		{"served liked", 1.0, ActionServedLiked, 1.05},
		{"served ignored", 1.0, ActionServedIgnore, 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, applyAction(tc.score, tc.action), 1e-9)
		})
	}
}

func TestDecayScore(t *testing.T) {
	assert.InDelta(t, 2.0*0.95*0.95, decayScore(2.0, 0.95, 48*time.Hour), 1e-9)
	assert.Equal(t, 2.0, decayScore(2.0, 0.95, 0))
}

func TestServeFatigueBands(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()

	// First serve of a fresh author lands in the low band.
	require.NoError(t, te.ApplyServeFatigue(ctx, "did:plc:user", []persist.DID{"did:plc:author"}))
	f, err := te.fatigueRepo.Get(ctx, "did:plc:user", "did:plc:author")
	require.NoError(t, err)
	assert.Equal(t, 1, f.ServeCount)
	assert.Equal(t, 3.0, f.FatigueScore)
	assert.InDelta(t, 0.95, f.AffinityScore, 1e-9)

	// The ninth serve lands in the high band.
	f.ServeCount = 8
	f.FatigueScore = 30
	te.fatigueRepo.rows[pairKey("did:plc:user", "did:plc:author")] = f

	require.NoError(t, te.ApplyServeFatigue(ctx, "did:plc:user", []persist.DID{"did:plc:author"}))
	f, err = te.fatigueRepo.Get(ctx, "did:plc:user", "did:plc:author")
	require.NoError(t, err)
	assert.Equal(t, 9, f.ServeCount)
	assert.InDelta(t, 38.0, f.FatigueScore, 0.001)
}

func TestServeFatigueTimeRecovery(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()

	lastServed := time.Now().Add(-50 * time.Hour)
	te.fatigueRepo.rows[pairKey("did:plc:user", "did:plc:author")] = persist.AuthorFatigue{
		UserDid:       "did:plc:user",
		AuthorDid:     "did:plc:author",
		ServeCount:    5,
		FatigueScore:  50,
		AffinityScore: 1.0,
		LastServedAt:  &lastServed,
	}

	require.NoError(t, te.ApplyServeFatigue(ctx, "did:plc:user", []persist.DID{"did:plc:author"}))

	f, err := te.fatigueRepo.Get(ctx, "did:plc:user", "did:plc:author")
	require.NoError(t, err)
	// 50 forgiven to 35 by the 48h recovery, then the mid band increment.
	assert.InDelta(t, 40.0, f.FatigueScore, 0.001)
}

func TestInteractionFatigueWithReengagementBonus(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.postRepo.posts["at://post"] = persist.Post{URI: "at://post", Author: "did:plc:author"}

	require.NoError(t, te.OnRepost(ctx, "did:plc:user", "at://post"))

	f, err := te.fatigueRepo.Get(ctx, "did:plc:user", "did:plc:author")
	require.NoError(t, err)
	// Repost delta plus the first-interaction bonus.
	assert.InDelta(t, -40.0, f.FatigueScore, 0.001)
	assert.InDelta(t, 2.7, f.AffinityScore, 0.001)
	assert.Equal(t, 1, f.InteractionCount)
	require.NotNil(t, f.LastInteractionAt)
}

func TestInteractionFatigueSkipsOwnPosts(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.postRepo.posts["at://post"] = persist.Post{URI: "at://post", Author: "did:plc:user"}

	require.NoError(t, te.OnRepost(ctx, "did:plc:user", "at://post"))
	assert.Empty(t, te.fatigueRepo.rows)
}

func TestOnLikeRecordsAgreementsWithCoLikers(t *testing.T) {
	te := newTestEngine(func(ctx context.Context, postURI string, limit int) []persist.DID {
		return []persist.DID{"did:plc:external"}
	})
	te.interactions = &fakeInteractionRepo{coLikers: []persist.DID{"did:plc:colicker"}}
	ctx := context.Background()
	te.postRepo.posts["at://post"] = persist.Post{URI: "at://post", Author: "did:plc:author"}

	require.NoError(t, te.OnLike(ctx, "did:plc:user", "at://post"))

	for _, twin := range []persist.DID{"did:plc:colicker", "did:plc:external"} {
		rep, err := te.tasteRepo.GetReputation(ctx, "did:plc:user", twin)
		require.NoError(t, err)
		assert.Equal(t, 1.2, rep.ReputationScore, "new twin %s", twin)
	}
}

type fakeInteractionRepo struct {
	persist.InteractionRepository
	coLikers []persist.DID
}

func (f *fakeInteractionRepo) GetCoLikers(ctx context.Context, postURI string, exclude persist.DID) ([]persist.DID, error) {
	return f.coLikers, nil
}

func TestExplicitStrongLessFeedback(t *testing.T) {
	te := newTestEngine(func(ctx context.Context, postURI string, limit int) []persist.DID {
		return []persist.DID{"did:plc:liker"}
	})
	ctx := context.Background()

	text := "boring crypto giveaway thread"
	te.postRepo.posts["at://post"] = persist.Post{URI: "at://post", Author: "did:plc:author", Text: &text}
	te.tasteRepo.reps[pairKey("did:plc:user", "did:plc:liker")] = persist.TasteReputation{
		UserDid:         "did:plc:user",
		SimilarUserDid:  "did:plc:liker",
		ReputationScore: 2.0,
		DecayRate:       0.95,
		UpdatedAt:       time.Now(),
	}

	require.NoError(t, te.ApplyExplicitFeedback(ctx, "did:plc:user", "at://post", Less, Strong))

	// The row is recorded for the semantic pipeline.
	require.Len(t, te.feedbackRepo.rows, 1)
	assert.Equal(t, "less", te.feedbackRepo.rows[0].Direction)

	// Author affinity bottoms out and fatigue spikes.
	f, err := te.fatigueRepo.Get(ctx, "did:plc:user", "did:plc:author")
	require.NoError(t, err)
	assert.Equal(t, persist.AffinityFloor, f.AffinityScore)
	assert.InDelta(t, 60.0, f.FatigueScore, 0.001)

	// The post's likers take the explicit-less multiplier.
	rep, err := te.tasteRepo.GetReputation(ctx, "did:plc:user", "did:plc:liker")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, rep.ReputationScore, 0.001)

	// Keywords from the post move negative.
	require.NotEmpty(t, te.keywordRepo.updates)
	for _, kw := range te.keywordRepo.updates {
		assert.InDelta(t, -0.3, kw.Score, 1e-9)
	}
}

func TestFeedbackWordsFiltersShortTokens(t *testing.T) {
	words := feedbackWords("Big CATS and a lot of photography!!")
	assert.Equal(t, []string{"cats", "photography"}, words)
}

func TestRestrictedKeywordsAreExcluded(t *testing.T) {
	te := newTestEngine(func(ctx context.Context, postURI string, limit int) []persist.DID { return nil })
	te.restricted = map[string]bool{"politics": true}
	ctx := context.Background()

	text := "politics and gardening"
	te.postRepo.posts["at://post"] = persist.Post{URI: "at://post", Author: "did:plc:author", Text: &text}

	require.NoError(t, te.ApplyExplicitFeedback(ctx, "did:plc:user", "at://post", More, Weak))

	require.Len(t, te.keywordRepo.updates, 1)
	assert.Equal(t, "gardening", te.keywordRepo.updates[0].Keyword)
}
