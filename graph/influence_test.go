package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func TestInfluenceScoreFavorsNicheOverFamous(t *testing.T) {
	// Many mutual follows on a small account beat a celebrity with the same overlap.
	niche := influenceScore(20, 400)
	celebrity := influenceScore(20, 1_000_000)
	assert.Greater(t, niche, celebrity)
	assert.InDelta(t, 20.0, niche, 1e-9)

	// More Layer-1 followers always help at equal fame.
	assert.Greater(t, influenceScore(30, 10_000), influenceScore(20, 10_000))
}

type fakeInfluentialRepo struct {
	persist.InfluentialL2Repository
	rows []persist.InfluentialL2
	last time.Time
}

func (f *fakeInfluentialRepo) GetForUser(ctx context.Context, userDid persist.DID) ([]persist.InfluentialL2, error) {
	return f.rows, nil
}

func (f *fakeInfluentialRepo) LastUpdated(ctx context.Context, userDid persist.DID) (time.Time, error) {
	return f.last, nil
}

func TestGetForUserReturnsCachedDids(t *testing.T) {
	repo := &fakeInfluentialRepo{rows: []persist.InfluentialL2{
		{UserDid: "did:plc:user", L2Did: "did:plc:a", InfluenceScore: 40},
		{UserDid: "did:plc:user", L2Did: "did:plc:b", InfluenceScore: 12},
	}}
	cache := NewInfluenceCache(nil, nil, repo)

	dids, err := cache.GetForUser(context.Background(), "did:plc:user")
	require.NoError(t, err)
	assert.Equal(t, []persist.DID{"did:plc:a", "did:plc:b"}, dids)
}

func TestRefreshSkipsWithinTTL(t *testing.T) {
	repo := &fakeInfluentialRepo{last: time.Now().Add(-time.Hour)}
	cache := NewInfluenceCache(nil, nil, repo)

	// A fresh cache returns before touching the follow store or the network,
	// which the nil collaborators would otherwise panic on.
	require.NoError(t, cache.Refresh(context.Background(), "did:plc:user"))
}
