package ingester

import (
	"context"
	"sync"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/persist/postgres"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/util/retry"
)

// CursorKey is the meta key holding the last committed firehose timestamp (µs).
const CursorKey = "jetstream_cursor"

// Batcher accumulates firehose mutations in memory and flushes them to the store in a
// single transaction. The cursor is persisted only after the flush commits, so a crash
// replays events instead of losing them; uniqueness constraints absorb the duplicates.
type Batcher struct {
	mu           sync.Mutex
	posts        []persist.Post
	deletes      []string
	deltas       map[string]*persist.CounterDelta
	interactions []persist.Interaction
	maxTimeUS    int64

	posts0  persist.PostRepository
	meta    persist.MetaRepository
	flushed int64
}

// NewBatcher creates a batcher over the given repositories.
func NewBatcher(posts persist.PostRepository, meta persist.MetaRepository) *Batcher {
	return &Batcher{
		deltas: make(map[string]*persist.CounterDelta),
		posts0: posts,
		meta:   meta,
	}
}

// AddPost queues a post insert.
func (b *Batcher) AddPost(p persist.Post) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, p)
}

// AddDelete queues a post delete.
func (b *Batcher) AddDelete(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, uri)
}

// AddLikeDelta queues a likeCount increment on the URI.
func (b *Batcher) AddLikeDelta(uri string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delta(uri).Likes += n
}

// AddRepostDelta queues a repostCount increment on the URI.
func (b *Batcher) AddRepostDelta(uri string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delta(uri).Reposts += n
}

// AddReplyDelta queues a replyCount increment on the URI.
func (b *Batcher) AddReplyDelta(uri string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delta(uri).Replies += n
}

// AddInteraction queues an interaction edge insert.
func (b *Batcher) AddInteraction(in persist.Interaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interactions = append(b.interactions, in)
}

// AdvanceCursor records the largest event timestamp seen; it is only persisted after a
// successful flush.
func (b *Batcher) AdvanceCursor(timeUS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timeUS > b.maxTimeUS {
		b.maxTimeUS = timeUS
	}
}

func (b *Batcher) delta(uri string) *persist.CounterDelta {
	d, ok := b.deltas[uri]
	if !ok {
		d = &persist.CounterDelta{URI: uri}
		b.deltas[uri] = d
	}
	return d
}

// Flush writes the pending batch in one transaction and then persists the cursor. On
// failure the pending mutations are merged back into the batcher for the next attempt.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := persist.IngestBatch{
		Posts:        b.posts,
		Deletes:      b.deletes,
		Interactions: b.interactions,
	}
	for _, d := range b.deltas {
		batch.CounterDeltas = append(batch.CounterDeltas, *d)
	}
	cursor := b.maxTimeUS
	b.posts = nil
	b.deletes = nil
	b.interactions = nil
	b.deltas = make(map[string]*persist.CounterDelta)
	b.mu.Unlock()

	if batch.IsEmpty() {
		return b.persistCursor(ctx, cursor)
	}

	err := retry.RetryFunc(ctx, func(ctx context.Context) error {
		return b.posts0.ApplyIngestBatch(ctx, batch)
	}, postgres.IsRetryableError, retry.StoreRetry)

	if err != nil {
		b.requeue(batch)
		return err
	}

	logger.For(ctx).Debugf("flushed %d posts, %d deletes, %d deltas, %d interactions",
		len(batch.Posts), len(batch.Deletes), len(batch.CounterDeltas), len(batch.Interactions))

	return b.persistCursor(ctx, cursor)
}

func (b *Batcher) persistCursor(ctx context.Context, cursor int64) error {
	if cursor <= b.flushed {
		return nil
	}
	if err := b.meta.SetInt64(ctx, CursorKey, cursor); err != nil {
		return err
	}
	b.flushed = cursor
	return nil
}

// requeue merges a failed batch back so the mutations are retried on the next flush.
func (b *Batcher) requeue(batch persist.IngestBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.posts = append(batch.Posts, b.posts...)
	b.deletes = append(batch.Deletes, b.deletes...)
	b.interactions = append(batch.Interactions, b.interactions...)
	for _, d := range batch.CounterDeltas {
		merged := b.delta(d.URI)
		merged.Likes += d.Likes
		merged.Reposts += d.Reposts
		merged.Replies += d.Replies
	}
}

// RunFlushLoop flushes on the interval until the context is cancelled, then runs one
// final flush so graceful shutdown does not drop pending writes.
func (b *Batcher) RunFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.Flush(shutdownCtx); err != nil {
				logger.For(shutdownCtx).Errorf("final flush failed: %s", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				logger.For(ctx).Errorf("flush failed, batch requeued: %s", err)
			}
		}
	}
}
