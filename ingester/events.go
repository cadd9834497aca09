package ingester

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wavelength-social/wavelength/persist"
)

// Collections the subscription asks for.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionLike   = "app.bsky.feed.like"
	CollectionRepost = "app.bsky.feed.repost"
)

// jetstreamEvent is the raw envelope of one firehose message.
type jetstreamEvent struct {
	Did    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`
	Commit *struct {
		Operation  string          `json:"operation"`
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record,omitempty"`
		CID        string          `json:"cid"`
	} `json:"commit,omitempty"`
}

// Event is a parsed firehose event. The record payload is untyped JSON upstream; it is
// parsed once here into a tagged variant.
type Event interface {
	isEvent()
}

// CreatePost is a new original post.
type CreatePost struct {
	URI         string
	CID         string
	Author      persist.DID
	Text        string
	HasImage    bool
	HasVideo    bool
	HasExternal bool
	TimeUS      int64
}

// CreateReply is a new post with a reply reference.
type CreateReply struct {
	CreatePost
	ReplyRoot   string
	ReplyParent string
}

// DeletePost removes a post.
type DeletePost struct {
	URI    string
	Author persist.DID
	TimeUS int64
}

// CreateLike is a like on a subject post.
type CreateLike struct {
	URI     string
	Actor   persist.DID
	Subject string
	TimeUS  int64
}

// CreateRepost is a repost of a subject post.
type CreateRepost struct {
	URI     string
	Actor   persist.DID
	Subject string
	TimeUS  int64
}

func (CreatePost) isEvent()   {}
func (CreateReply) isEvent()  {}
func (DeletePost) isEvent()   {}
func (CreateLike) isEvent()   {}
func (CreateRepost) isEvent() {}

type postRecord struct {
	Text  string `json:"text"`
	Reply *struct {
		Root struct {
			URI string `json:"uri"`
		} `json:"root"`
		Parent struct {
			URI string `json:"uri"`
		} `json:"parent"`
	} `json:"reply,omitempty"`
	Embed *struct {
		Type  string          `json:"$type"`
		Media json.RawMessage `json:"media,omitempty"`
	} `json:"embed,omitempty"`
}

type subjectRecord struct {
	Subject struct {
		URI string `json:"uri"`
	} `json:"subject"`
}

// ErrSkipEvent marks messages the ingester has no use for (identity events, updates,
// unknown collections).
var ErrSkipEvent = fmt.Errorf("event skipped")

// ParseEvent parses one raw firehose message into a tagged event. The event timestamp is
// returned even for skipped events so the cursor still advances past them.
func ParseEvent(raw []byte) (Event, int64, error) {
	var evt jetstreamEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, 0, err
	}

	if evt.Kind != "commit" || evt.Commit == nil {
		return nil, evt.TimeUS, ErrSkipEvent
	}

	c := evt.Commit
	uri := fmt.Sprintf("at://%s/%s/%s", evt.Did, c.Collection, c.RKey)

	switch {
	case c.Collection == CollectionPost && c.Operation == "create":
		var rec postRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return nil, evt.TimeUS, err
		}

		post := CreatePost{
			URI:    uri,
			CID:    c.CID,
			Author: persist.DID(evt.Did),
			// Postgres cannot store NUL in text columns; strip at the edge.
			Text:   strings.ReplaceAll(rec.Text, "\x00", ""),
			TimeUS: evt.TimeUS,
		}
		post.HasImage, post.HasVideo, post.HasExternal = embedFlags(c.Record)

		if rec.Reply != nil && rec.Reply.Parent.URI != "" {
			root := rec.Reply.Root.URI
			if root == "" {
				root = rec.Reply.Parent.URI
			}
			return CreateReply{CreatePost: post, ReplyRoot: root, ReplyParent: rec.Reply.Parent.URI}, evt.TimeUS, nil
		}
		return post, evt.TimeUS, nil

	case c.Collection == CollectionPost && c.Operation == "delete":
		return DeletePost{URI: uri, Author: persist.DID(evt.Did), TimeUS: evt.TimeUS}, evt.TimeUS, nil

	case c.Collection == CollectionLike && c.Operation == "create":
		var rec subjectRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return nil, evt.TimeUS, err
		}
		if rec.Subject.URI == "" {
			return nil, evt.TimeUS, ErrSkipEvent
		}
		return CreateLike{URI: uri, Actor: persist.DID(evt.Did), Subject: rec.Subject.URI, TimeUS: evt.TimeUS}, evt.TimeUS, nil

	case c.Collection == CollectionRepost && c.Operation == "create":
		var rec subjectRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return nil, evt.TimeUS, err
		}
		if rec.Subject.URI == "" {
			return nil, evt.TimeUS, ErrSkipEvent
		}
		return CreateRepost{URI: uri, Actor: persist.DID(evt.Did), Subject: rec.Subject.URI, TimeUS: evt.TimeUS}, evt.TimeUS, nil
	}

	return nil, evt.TimeUS, ErrSkipEvent
}

// embedFlags inspects the embed type union without fully decoding it.
func embedFlags(record json.RawMessage) (hasImage, hasVideo, hasExternal bool) {
	var rec struct {
		Embed *struct {
			Type string `json:"$type"`
		} `json:"embed"`
	}
	if err := json.Unmarshal(record, &rec); err != nil || rec.Embed == nil {
		return false, false, false
	}

	t := rec.Embed.Type
	hasImage = strings.Contains(t, "embed.images") || strings.Contains(t, "recordWithMedia")
	hasVideo = strings.Contains(t, "embed.video")
	hasExternal = strings.Contains(t, "embed.external")
	return hasImage, hasVideo, hasExternal
}
