package ingester

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func TestParseEventCreatePost(t *testing.T) {
	raw := []byte(`{
		"did": "did:plc:author",
		"time_us": 1722500000000000,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3kabc",
			"cid": "bafyxyz",
			"record": {"text": "hello world", "embed": {"$type": "app.bsky.embed.images"}}
		}
	}`)

	event, timeUS, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1722500000000000), timeUS)

	post, ok := event.(CreatePost)
	require.True(t, ok)
	assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/3kabc", post.URI)
	assert.Equal(t, persist.DID("did:plc:author"), post.Author)
	assert.Equal(t, "hello world", post.Text)
	assert.True(t, post.HasImage)
	assert.False(t, post.HasVideo)
}

func TestParseEventReplyFallsBackToParentRoot(t *testing.T) {
	raw := []byte(`{
		"did": "did:plc:author",
		"time_us": 1,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3kdef",
			"record": {"text": "same here", "reply": {"parent": {"uri": "at://did:plc:op/app.bsky.feed.post/3k1"}, "root": {"uri": ""}}}
		}
	}`)

	event, _, err := ParseEvent(raw)
	require.NoError(t, err)

	reply, ok := event.(CreateReply)
	require.True(t, ok)
	assert.Equal(t, "at://did:plc:op/app.bsky.feed.post/3k1", reply.ReplyParent)
	assert.Equal(t, reply.ReplyParent, reply.ReplyRoot, "missing root defaults to the parent")
}

func TestParseEventLike(t *testing.T) {
	raw := []byte(`{
		"did": "did:plc:fan",
		"time_us": 9,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.like",
			"rkey": "3klike",
			"record": {"subject": {"uri": "at://did:plc:author/app.bsky.feed.post/3k1"}}
		}
	}`)

	event, _, err := ParseEvent(raw)
	require.NoError(t, err)

	like, ok := event.(CreateLike)
	require.True(t, ok)
	assert.Equal(t, persist.DID("did:plc:fan"), like.Actor)
	assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/3k1", like.Subject)
}

func TestParseEventSkipsButKeepsTimestamp(t *testing.T) {
	raw := []byte(`{"did": "did:plc:x", "time_us": 42, "kind": "identity"}`)

	_, timeUS, err := ParseEvent(raw)
	assert.ErrorIs(t, err, ErrSkipEvent)
	assert.Equal(t, int64(42), timeUS, "cursor still advances past skipped events")
}

func TestParseEventStripsNulBytes(t *testing.T) {
	raw := []byte(`{
		"did": "did:plc:author",
		"time_us": 1,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3k",
			"record": {"text": "bad\u0000byte"}
		}
	}`)

	event, _, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "badbyte", event.(CreatePost).Text)
}

type fakePostRepo struct {
	persist.PostRepository
	batches []persist.IngestBatch
	fail    bool
}

func (f *fakePostRepo) ApplyIngestBatch(ctx context.Context, batch persist.IngestBatch) error {
	if f.fail {
		return assert.AnError
	}
	f.batches = append(f.batches, batch)
	return nil
}

type fakeMetaRepo struct {
	persist.MetaRepository
	ints map[string]int64
}

func (f *fakeMetaRepo) GetInt64(ctx context.Context, key string) (int64, error) {
	v, ok := f.ints[key]
	if !ok {
		return 0, persist.ErrNotFound{Table: "meta", Key: key}
	}
	return v, nil
}

func (f *fakeMetaRepo) SetInt64(ctx context.Context, key string, value int64) error {
	f.ints[key] = value
	return nil
}

func TestBatcherFlushPersistsCursorAfterCommit(t *testing.T) {
	posts := &fakePostRepo{}
	meta := &fakeMetaRepo{ints: map[string]int64{}}
	b := NewBatcher(posts, meta)

	b.AddPost(persist.Post{URI: "at://p1", IndexedAt: time.Now()})
	b.AddLikeDelta("at://p2", 1)
	b.AddLikeDelta("at://p2", 1)
	b.AdvanceCursor(100)

	require.NoError(t, b.Flush(context.Background()))

	require.Len(t, posts.batches, 1)
	require.Len(t, posts.batches[0].CounterDeltas, 1)
	assert.Equal(t, 2, posts.batches[0].CounterDeltas[0].Likes, "deltas on one URI aggregate")
	assert.Equal(t, int64(100), meta.ints[CursorKey])
}

func TestBatcherRequeuesOnFailure(t *testing.T) {
	posts := &fakePostRepo{fail: true}
	meta := &fakeMetaRepo{ints: map[string]int64{}}
	b := NewBatcher(posts, meta)

	b.AddPost(persist.Post{URI: "at://p1"})
	b.AddLikeDelta("at://p2", 1)
	b.AdvanceCursor(100)

	require.Error(t, b.Flush(context.Background()))
	assert.NotContains(t, meta.ints, CursorKey, "cursor must not advance past uncommitted events")

	// The next flush retries the same mutations.
	posts.fail = false
	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, posts.batches, 1)
	assert.Len(t, posts.batches[0].Posts, 1)
	assert.Equal(t, 1, posts.batches[0].CounterDeltas[0].Likes)
	assert.Equal(t, int64(100), meta.ints[CursorKey])
}

func TestBatcherCursorIsMonotonic(t *testing.T) {
	posts := &fakePostRepo{}
	meta := &fakeMetaRepo{ints: map[string]int64{}}
	b := NewBatcher(posts, meta)

	b.AdvanceCursor(200)
	b.AdvanceCursor(150)
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, int64(200), meta.ints[CursorKey])

	// An older cursor after a flush never rewinds the committed one.
	b.AdvanceCursor(180)
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, int64(200), meta.ints[CursorKey])
}

func TestOptionsUpdateCarriesMaxMessageSize(t *testing.T) {
	raw, err := json.Marshal(newOptionsUpdate([]persist.DID{"did:plc:a"}))
	require.NoError(t, err)

	payload := string(raw)
	assert.Contains(t, payload, `"maxMessageSizeBytes":0`)
	assert.Contains(t, payload, `"wantedDids":["did:plc:a"]`)
	assert.Contains(t, payload, `"type":"options_update"`)
}
