package ranking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

type recallPostRepo struct {
	persist.PostRepository
	mu     sync.Mutex
	params map[string]persist.RecallParams
}

func (f *recallPostRepo) record(bucket string, p persist.RecallParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[bucket] = p
}

func (f *recallPostRepo) RecallFresh(ctx context.Context, p persist.RecallParams) ([]persist.Post, error) {
	f.record("fresh", p)
	return nil, nil
}

func (f *recallPostRepo) RecallBridge(ctx context.Context, p persist.RecallParams) ([]persist.Post, error) {
	f.record("bridge", p)
	return nil, nil
}

func (f *recallPostRepo) RecallGems(ctx context.Context, p persist.RecallParams) ([]persist.Post, error) {
	f.record("gems", p)
	return nil, nil
}

func (f *recallPostRepo) RecallBubble(ctx context.Context, p persist.RecallParams) ([]persist.Post, error) {
	f.record("bubble", p)
	return nil, nil
}

func (f *recallPostRepo) GetByURIs(ctx context.Context, uris []string) ([]persist.Post, error) {
	return nil, nil
}

func TestRecallExcludesRequesterFromEveryBucket(t *testing.T) {
	repo := &recallPostRepo{params: map[string]persist.RecallParams{}}
	e := &Engine{repos: &persist.Repositories{Posts: repo}}
	uc := &userContext{
		UserDid:    "did:plc:me",
		L1:         map[persist.DID]bool{"did:plc:friend": true},
		L2:         map[persist.DID]bool{},
		Interacted: map[persist.DID]bool{},
		TwinLikes:  map[string]twinSignal{},
		Now:        time.Now(),
	}

	_, err := e.recall(context.Background(), uc, false)
	require.NoError(t, err)

	for _, bucket := range []string{"fresh", "bridge", "gems", "bubble"} {
		p, ok := repo.params[bucket]
		require.True(t, ok, "bucket %s was never queried", bucket)
		assert.Equal(t, []persist.DID{"did:plc:me"}, p.ExcludeUsers, "bucket %s", bucket)
	}
}
