package ingester

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/service/sentryutil"
)

const (
	flushInterval   = 5 * time.Second
	refreshInterval = 15 * time.Minute
	readLimitBytes  = 1 << 20
)

// InteractionHandler receives a whitelisted user's own likes and reposts as they
// stream in, before the batch flush lands.
type InteractionHandler interface {
	OnLike(ctx context.Context, actor persist.DID, subject string) error
	OnRepost(ctx context.Context, actor persist.DID, subject string) error
	OnReply(ctx context.Context, actor persist.DID, subject string) error
}

// WantedDidsFunc returns the DIDs the subscription should be narrowed to. An empty
// result keeps the previous subscription unchanged.
type WantedDidsFunc func(ctx context.Context) ([]persist.DID, error)

// Ingester consumes the firehose over a websocket, filters events down to the tracked
// sets, and feeds the batcher. It reconnects forever; the persisted cursor makes each
// reconnect resume where the last committed flush left off.
type Ingester struct {
	endpoint       string
	reconnectDelay time.Duration

	tracked    *TrackedSets
	batcher    *Batcher
	meta       persist.MetaRepository
	handler    InteractionHandler
	wantedDids WantedDidsFunc
}

// Config bundles the ingester's collaborators.
type Config struct {
	Endpoint       string
	ReconnectDelay time.Duration
	Tracked        *TrackedSets
	Batcher        *Batcher
	Meta           persist.MetaRepository
	Handler        InteractionHandler
	WantedDids     WantedDidsFunc
}

func New(cfg Config) *Ingester {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Ingester{
		endpoint:       cfg.Endpoint,
		reconnectDelay: cfg.ReconnectDelay,
		tracked:        cfg.Tracked,
		batcher:        cfg.Batcher,
		meta:           cfg.Meta,
		handler:        cfg.Handler,
		wantedDids:     cfg.WantedDids,
	}
}

// Run consumes the firehose until the context is cancelled. The flush loop and the
// tracked-set refresh loop run alongside the read loop.
func (i *Ingester) Run(ctx context.Context) {
	go i.batcher.RunFlushLoop(ctx, flushInterval)
	go i.tracked.RunRefreshLoop(ctx, refreshInterval)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := i.consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.For(ctx).Errorf("firehose connection lost: %s", err)
			sentryutil.ReportError(ctx, err)
		}

		if ctx.Err() != nil {
			return
		}

		// Flush before reconnecting so the cursor reflects everything already parsed
		// and the replay window stays small.
		if err := i.batcher.Flush(ctx); err != nil {
			logger.For(ctx).Errorf("pre-reconnect flush failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(i.reconnectDelay):
		}
	}
}

func (i *Ingester) consume(ctx context.Context) error {
	cursor, err := i.meta.GetInt64(ctx, CursorKey)
	if err != nil {
		var notFound persist.ErrNotFound
		if !errors.As(err, &notFound) {
			return err
		}
	}

	conn, err := i.dial(ctx, cursor)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := i.sendOptionsUpdate(ctx, conn); err != nil {
		return err
	}

	logger.For(ctx).Infof("firehose connected at cursor %d", cursor)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		i.handleMessage(ctx, raw)
	}
}

func (i *Ingester) dial(ctx context.Context, cursor int64) (*websocket.Conn, error) {
	u, err := url.Parse(i.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid firehose endpoint: %w", err)
	}

	q := u.Query()
	q.Del("wantedCollections")
	for _, col := range []string{CollectionPost, CollectionLike, CollectionRepost} {
		q.Add("wantedCollections", col)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimitBytes)
	return conn, nil
}

// sendOptionsUpdate narrows the subscription to the tracked DIDs. Posts from anyone
// else never reach the read loop, which is what keeps the index per-user sized.
func (i *Ingester) sendOptionsUpdate(ctx context.Context, conn *websocket.Conn) error {
	dids, err := i.wantedDids(ctx)
	if err != nil {
		return fmt.Errorf("could not compute wanted dids: %w", err)
	}
	if len(dids) == 0 {
		logger.For(ctx).Warn("no wanted dids, leaving subscription unfiltered")
		return nil
	}

	if err := conn.WriteJSON(newOptionsUpdate(dids)); err != nil {
		return err
	}

	logger.For(ctx).Infof("subscription narrowed to %d dids", len(dids))
	return nil
}

type optionsUpdate struct {
	Type    string               `json:"type"`
	Payload optionsUpdatePayload `json:"payload"`
}

type optionsUpdatePayload struct {
	WantedCollections []string      `json:"wantedCollections"`
	WantedDids        []persist.DID `json:"wantedDids"`
	// Zero means no per-message size limit on the server side.
	MaxMessageSizeBytes int `json:"maxMessageSizeBytes"`
}

func newOptionsUpdate(dids []persist.DID) optionsUpdate {
	return optionsUpdate{
		Type: "options_update",
		Payload: optionsUpdatePayload{
			WantedCollections: []string{CollectionPost, CollectionLike, CollectionRepost},
			WantedDids:        dids,
		},
	}
}

func (i *Ingester) handleMessage(ctx context.Context, raw []byte) {
	event, timeUS, err := ParseEvent(raw)
	if timeUS > 0 {
		i.batcher.AdvanceCursor(timeUS)
	}
	if err != nil {
		if !errors.Is(err, ErrSkipEvent) {
			logger.For(ctx).Debugf("unparseable event: %s", err)
		}
		return
	}

	switch e := event.(type) {
	case CreatePost:
		i.batcher.AddPost(postFromEvent(e, nil, nil))

	case CreateReply:
		root, parent := e.ReplyRoot, e.ReplyParent
		i.batcher.AddPost(postFromEvent(e.CreatePost, &root, &parent))
		i.batcher.AddReplyDelta(parent, 1)
		if i.tracked.IsTrackedInteraction(e.Author) {
			i.batcher.AddInteraction(persist.Interaction{
				Actor:          e.Author,
				Target:         parent,
				Type:           persist.InteractionTypeReply,
				Weight:         persist.InteractionTypeReply.Weight(),
				IndexedAt:      timeFromUS(e.TimeUS),
				InteractionURI: e.URI,
			})
		}
		if i.tracked.IsOwn(e.Author) && i.handler != nil {
			if err := i.handler.OnReply(ctx, e.Author, parent); err != nil {
				logger.For(ctx).Errorf("reply handling failed for %s: %s", e.Author, err)
			}
		}

	case DeletePost:
		i.batcher.AddDelete(e.URI)

	case CreateLike:
		i.batcher.AddLikeDelta(e.Subject, 1)
		if i.tracked.IsTrackedInteraction(e.Actor) {
			i.batcher.AddInteraction(persist.Interaction{
				Actor:          e.Actor,
				Target:         e.Subject,
				Type:           persist.InteractionTypeLike,
				Weight:         persist.InteractionTypeLike.Weight(),
				IndexedAt:      timeFromUS(e.TimeUS),
				InteractionURI: e.URI,
			})
		}
		if i.tracked.IsOwn(e.Actor) && i.handler != nil {
			if err := i.handler.OnLike(ctx, e.Actor, e.Subject); err != nil {
				logger.For(ctx).Errorf("like handling failed for %s: %s", e.Actor, err)
			}
		}

	case CreateRepost:
		i.batcher.AddRepostDelta(e.Subject, 1)
		if i.tracked.IsTrackedInteraction(e.Actor) {
			i.batcher.AddInteraction(persist.Interaction{
				Actor:          e.Actor,
				Target:         e.Subject,
				Type:           persist.InteractionTypeRepost,
				Weight:         persist.InteractionTypeRepost.Weight(),
				IndexedAt:      timeFromUS(e.TimeUS),
				InteractionURI: e.URI,
			})
		}
		if i.tracked.IsOwn(e.Actor) && i.handler != nil {
			if err := i.handler.OnRepost(ctx, e.Actor, e.Subject); err != nil {
				logger.For(ctx).Errorf("repost handling failed for %s: %s", e.Actor, err)
			}
		}
	}
}

func postFromEvent(e CreatePost, root, parent *string) persist.Post {
	var text *string
	if e.Text != "" {
		t := e.Text
		text = &t
	}
	return persist.Post{
		URI:         e.URI,
		CID:         e.CID,
		IndexedAt:   timeFromUS(e.TimeUS),
		Author:      e.Author,
		ReplyRoot:   root,
		ReplyParent: parent,
		Text:        text,
		HasImage:    e.HasImage,
		HasVideo:    e.HasVideo,
		HasExternal: e.HasExternal,
	}
}

func timeFromUS(us int64) time.Time {
	if us <= 0 {
		return time.Now()
	}
	return time.UnixMicro(us).UTC()
}
