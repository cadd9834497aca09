package persist

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// DID is a decentralized identifier for a user or author. Users and authors
// share the same address space.
type DID string

func (d DID) String() string {
	return string(d)
}

// Value implements the driver.Valuer interface for DIDs
func (d DID) Value() (driver.Value, error) {
	return string(d), nil
}

// Scan implements the sql.Scanner interface for DIDs
func (d *DID) Scan(src interface{}) error {
	if src == nil {
		*d = ""
		return nil
	}
	switch v := src.(type) {
	case string:
		*d = DID(v)
	case []byte:
		*d = DID(v)
	default:
		return fmt.Errorf("cannot scan %T into DID", src)
	}
	return nil
}

// InteractionType is the type of an interaction edge
type InteractionType string

const (
	InteractionTypeLike   InteractionType = "like"
	InteractionTypeRepost InteractionType = "repost"
	InteractionTypeReply  InteractionType = "reply"
)

// InteractionWeight returns the taste weight of an interaction type
func (t InteractionType) Weight() int {
	switch t {
	case InteractionTypeRepost:
		return 2
	default:
		return 1
	}
}

// Repositories bundles every repository backing the feed generator so the
// engines only take what they need.
type Repositories struct {
	Posts          PostRepository
	Follows        FollowRepository
	Interactions   InteractionRepository
	InfluentialL2s InfluentialL2Repository
	Taste          TasteRepository
	Fatigue        FatigueRepository
	Keywords       KeywordRepository
	Served         ServedRepository
	Seen           SeenRepository
	Batches        CandidateBatchRepository
	Feedback       FeedbackRepository
	Meta           MetaRepository
}

// ErrNotFound is returned by repositories when a single-row lookup matches nothing.
type ErrNotFound struct {
	Table string
	Key   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Table, e.Key)
}

// ZeroableTime returns nil for zero times so they land as NULL.
func ZeroableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
