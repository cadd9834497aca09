package keywords

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func TestParabolicDecay(t *testing.T) {
	// Mild scores barely decay, extreme scores decay hardest.
	assert.InDelta(t, 0.5*(1-(0.03+0.12*0.75)), parabolicDecay(0.5), 1e-9)
	assert.InDelta(t, 0.85, parabolicDecay(1.0), 1e-9)
	assert.InDelta(t, -0.85, parabolicDecay(-1.0), 1e-9)
	assert.Zero(t, parabolicDecay(0))

	// Decay always shrinks the magnitude.
	for _, s := range []float64{0.1, 0.4, 0.9, -0.3, -0.8} {
		decayed := parabolicDecay(s)
		assert.Less(t, abs(decayed), abs(s), "score %f", s)
		assert.Equal(t, s > 0, decayed > 0, "sign preserved for %f", s)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestMergeScoresReinforcesAndDecays(t *testing.T) {
	now := time.Now()
	existing := []persist.UserKeyword{
		{Keyword: "pottery", Score: 0.6},
		{Keyword: "crypto", Score: -0.4},
		{Keyword: "stale", Score: 0.05},
	}
	extracted := []ExtractedKeyword{
		{Keyword: "pottery", Score: 0.3},
		{Keyword: "birding", Score: 0.5},
	}

	merged := MergeScores(existing, extracted, now)
	byKeyword := map[string]float64{}
	for _, kw := range merged {
		byKeyword[kw.Keyword] = kw.Score
	}

	require.Len(t, merged, 4)
	assert.InDelta(t, parabolicDecay(0.6)+0.3, byKeyword["pottery"], 1e-9, "reinforced keyword decays then adds")
	assert.InDelta(t, parabolicDecay(-0.4), byKeyword["crypto"], 1e-9, "absent keyword only decays")
	assert.InDelta(t, 0.5, byKeyword["birding"], 1e-9, "new keyword enters at its extracted score")
	assert.Less(t, byKeyword["stale"], 0.05, "weak keywords drift toward the prune threshold")
}

func TestMergeScoresClampsToUnitRange(t *testing.T) {
	merged := MergeScores(
		[]persist.UserKeyword{{Keyword: "art", Score: 0.9}},
		[]ExtractedKeyword{{Keyword: "art", Score: 0.9}},
		time.Now(),
	)
	require.Len(t, merged, 1)
	assert.Equal(t, 1.0, merged[0].Score)
}

func TestMergeScoresSumsDuplicateExtractions(t *testing.T) {
	merged := MergeScores(nil, []ExtractedKeyword{
		{Keyword: "film", Score: 0.2},
		{Keyword: "film", Score: 0.3},
	}, time.Now())
	require.Len(t, merged, 1)
	assert.InDelta(t, 0.5, merged[0].Score, 1e-9)
}
