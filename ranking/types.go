package ranking

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wavelength-social/wavelength/persist"
)

// Params bounds one rank call.
type Params struct {
	Limit  int
	Cursor *Cursor
	// BatchMode returns the entire scored pool for the semantic pipeline: no
	// pagination, no diversity, no seen multiplier, no serve side effects.
	BatchMode bool
}

const maxPageSize = 100

// Cursor is an opaque pagination token over the stable sort key.
type Cursor struct {
	Score       float64
	TimestampMs int64
	URI         string
}

// String encodes the cursor in its wire form.
func (c Cursor) String() string {
	return fmt.Sprintf("%s::%d::%s", strconv.FormatFloat(c.Score, 'f', -1, 64), c.TimestampMs, c.URI)
}

// ParseCursor decodes a wire cursor. Malformed cursors are an error, not a reset.
func ParseCursor(s string) (*Cursor, error) {
	parts := strings.SplitN(s, "::", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed cursor")
	}
	score, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor score")
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor timestamp")
	}
	return &Cursor{Score: score, TimestampMs: ts, URI: parts[2]}, nil
}

// Candidate is one scored post moving through the pipeline. Signals holds every
// additive component by name for tests and debugging.
type Candidate struct {
	Post      persist.Post
	Score     float64
	Signals   map[string]float64
	RepostURI *string

	preScore float64
	network  networkEffort
}

func (c *Candidate) addSignal(name string, value float64) {
	if value == 0 {
		return
	}
	if c.Signals == nil {
		c.Signals = map[string]float64{}
	}
	c.Signals[name] += value
	c.Score += value
}

func (c *Candidate) multiplyScore(name string, factor float64) {
	if c.Signals == nil {
		c.Signals = map[string]float64{}
	}
	c.Signals[name] = factor
	c.Score *= factor
}

// sortKey orders candidates by (-score, -indexedAtMs, uri).
func (c *Candidate) less(other *Candidate) bool {
	if c.Score != other.Score {
		return c.Score > other.Score
	}
	a, b := c.Post.IndexedAt.UnixMilli(), other.Post.IndexedAt.UnixMilli()
	if a != b {
		return a > b
	}
	return c.Post.URI < other.Post.URI
}

// afterCursor reports whether the candidate sorts strictly after the cursor position.
func (c *Candidate) afterCursor(cur *Cursor) bool {
	if c.Score != cur.Score {
		return c.Score < cur.Score
	}
	ts := c.Post.IndexedAt.UnixMilli()
	if ts != cur.TimestampMs {
		return ts < cur.TimestampMs
	}
	return c.Post.URI > cur.URI
}

// networkEffort aggregates the in-graph reactions to one target post.
type networkEffort struct {
	Likes     int
	Reposts   int
	Actors    map[persist.DID]bool
	RepostURI *string
}
