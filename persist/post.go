package persist

import (
	"context"
	"time"
)

// Post is an indexed post from the firehose. Reply roots and parents are weak
// keys into the post table; a lookup through them may miss.
type Post struct {
	URI         string    `json:"uri"`
	CID         string    `json:"cid"`
	IndexedAt   time.Time `json:"indexed_at"`
	Author      DID       `json:"author"`
	LikeCount   int       `json:"like_count"`
	ReplyCount  int       `json:"reply_count"`
	RepostCount int       `json:"repost_count"`
	ReplyRoot   *string   `json:"reply_root,omitempty"`
	ReplyParent *string   `json:"reply_parent,omitempty"`
	Text        *string   `json:"text,omitempty"`
	HasImage    bool      `json:"has_image"`
	HasVideo    bool      `json:"has_video"`
	HasExternal bool      `json:"has_external"`
}

// IsReply reports whether the post is a reply to another post
func (p Post) IsReply() bool {
	return p.ReplyParent != nil && *p.ReplyParent != ""
}

// AgeAt returns the post's age at the given time
func (p Post) AgeAt(t time.Time) time.Duration {
	return t.Sub(p.IndexedAt)
}

// CounterDelta is an aggregated set of counter increments for one post URI.
type CounterDelta struct {
	URI     string
	Likes   int
	Reposts int
	Replies int
}

// IngestBatch is one flush worth of firehose mutations, applied in a single
// transaction in the order the fields are declared.
type IngestBatch struct {
	Posts         []Post
	Deletes       []string
	CounterDeltas []CounterDelta
	Interactions  []Interaction
}

// IsEmpty reports whether the batch contains no mutations
func (b IngestBatch) IsEmpty() bool {
	return len(b.Posts) == 0 && len(b.Deletes) == 0 && len(b.CounterDeltas) == 0 && len(b.Interactions) == 0
}

// RecallParams bounds one recall bucket query. ExcludeUsers drops posts authored
// by the listed DIDs; every bucket excludes at least the requester.
type RecallParams struct {
	Authors      []DID
	MinLikes     int
	NewerThan    time.Time
	OlderThan    time.Time
	Limit        int
	ExcludeUsers []DID
}

// PostRepository represents the interface for interacting with persisted posts
type PostRepository interface {
	// ApplyIngestBatch applies a full ingest batch atomically. Counter deltas must be
	// applied in URI-sorted order to avoid deadlocks between concurrent ingesters.
	ApplyIngestBatch(context.Context, IngestBatch) error
	GetByURIs(context.Context, []string) ([]Post, error)
	GetRepliesByRoots(context.Context, []string) ([]Post, error)
	// RecallFresh returns recent posts authored by the given set or above the like threshold.
	RecallFresh(context.Context, RecallParams) ([]Post, error)
	RecallBridge(context.Context, RecallParams) ([]Post, error)
	RecallGems(context.Context, RecallParams) ([]Post, error)
	RecallBubble(context.Context, RecallParams) ([]Post, error)
	// RandomCorpus samples n random recent posts with non-empty text for the keyword
	// background corpus.
	RandomCorpus(context.Context, int) ([]Post, error)
	// DeleteStale hard-deletes posts older than the cutoff with zero engagement whose
	// author is not followed by anyone. Returns the number of rows removed.
	DeleteStale(context.Context, time.Time) (int64, error)
}
