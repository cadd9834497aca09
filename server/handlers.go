package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/ranking"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/service/sentryutil"
	"github.com/wavelength-social/wavelength/taste"
)

const defaultPageSize = 50

type feedSkeletonItem struct {
	Post   string          `json:"post"`
	Reason *skeletonReason `json:"reason,omitempty"`
}

type skeletonReason struct {
	Type   string `json:"$type"`
	Repost string `json:"repost"`
}

type feedSkeletonResponse struct {
	Feed   []feedSkeletonItem `json:"feed"`
	Cursor *string            `json:"cursor,omitempty"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// getFeedSkeleton serves one feed page for the authenticated requester.
func (s *Server) getFeedSkeleton(c *gin.Context) {
	ctx := c.Request.Context()

	userDid, err := requesterDid(c.GetHeader("Authorization"))
	if err != nil {
		writeAuthError(c, err)
		return
	}
	if !s.whitelist[userDid] {
		writeAuthError(c, ErrAccountRestricted)
		return
	}

	feed := c.Query("feed")
	if feed != "" && !s.servesFeed(feed) {
		c.JSON(http.StatusBadRequest, xrpcError{Error: "UnsupportedAlgorithm", Message: "unknown feed: " + feed})
		return
	}

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var cursor *ranking.Cursor
	if raw := c.Query("cursor"); raw != "" {
		cursor, err = ranking.ParseCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, xrpcError{Error: "InvalidRequest", Message: "malformed cursor"})
			return
		}
	}

	items, err := s.fusion.Serve(ctx, userDid, limit, cursor)
	if err != nil {
		logger.For(ctx).Errorf("feed serve failed for %s: %s", userDid, err)
		sentryutil.ReportError(ctx, err)
		c.JSON(http.StatusInternalServerError, xrpcError{Error: "InternalError", Message: "could not build feed"})
		return
	}

	resp := feedSkeletonResponse{Feed: make([]feedSkeletonItem, len(items))}
	for i, item := range items {
		out := feedSkeletonItem{Post: item.URI}
		if item.RepostURI != nil {
			out.Reason = &skeletonReason{
				Type:   "app.bsky.feed.defs#skeletonReasonRepost",
				Repost: *item.RepostURI,
			}
		}
		resp.Feed[i] = out
	}
	if len(items) > 0 {
		last := items[len(items)-1]
		next := ranking.Cursor{Score: last.Score, TimestampMs: last.IndexedAt.UnixMilli(), URI: last.URI}.String()
		resp.Cursor = &next
	}

	c.JSON(http.StatusOK, resp)
}

type sendInteractionsRequest struct {
	Interactions []struct {
		Item  string `json:"item"`
		Event string `json:"event"`
	} `json:"interactions"`
}

// sendInteractions receives client-side engagement signals: visibility reports and
// explicit more/less feedback.
func (s *Server) sendInteractions(c *gin.Context) {
	ctx := c.Request.Context()

	userDid, err := requesterDid(c.GetHeader("Authorization"))
	if err != nil {
		writeAuthError(c, err)
		return
	}
	if !s.whitelist[userDid] {
		writeAuthError(c, ErrAccountRestricted)
		return
	}

	var req sendInteractionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, xrpcError{Error: "InvalidRequest", Message: "malformed body"})
		return
	}

	var seenURIs []string
	for _, in := range req.Interactions {
		if in.Item == "" {
			continue
		}

		event := in.Event
		if i := strings.LastIndex(event, "#"); i >= 0 {
			event = event[i+1:]
		}

		switch event {
		case "interactionSeen":
			seenURIs = append(seenURIs, in.Item)
		case "interactionLike":
			s.applyFeedback(ctx, userDid, in.Item, taste.More, taste.Weak)
		case "interactionDislike":
			s.applyFeedback(ctx, userDid, in.Item, taste.Less, taste.Weak)
		case "requestMore":
			s.applyFeedback(ctx, userDid, in.Item, taste.More, taste.Strong)
		case "requestLess":
			s.applyFeedback(ctx, userDid, in.Item, taste.Less, taste.Strong)
		default:
			logger.For(ctx).Debugf("unhandled interaction event %s on %s", in.Event, in.Item)
		}
	}

	if len(seenURIs) > 0 {
		s.recordSeen(ctx, userDid, seenURIs)
	}

	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) applyFeedback(ctx context.Context, userDid persist.DID, uri string, direction taste.Direction, strength taste.Strength) {
	if err := s.taste.ApplyExplicitFeedback(ctx, userDid, uri, direction, strength); err != nil {
		logger.For(ctx).Errorf("explicit feedback failed for %s on %s: %s", userDid, uri, err)
		sentryutil.ReportError(ctx, err)
	}
}

// recordSeen logs visibility reports and passively cools the affinity of the
// authors the user scrolled past.
func (s *Server) recordSeen(ctx context.Context, userDid persist.DID, uris []string) {
	now := time.Now()
	if err := s.repos.Seen.Add(ctx, userDid, uris, now); err != nil {
		logger.For(ctx).Errorf("seen log write failed: %s", err)
		return
	}

	posts, err := s.repos.Posts.GetByURIs(ctx, uris)
	if err != nil {
		logger.For(ctx).Debugf("seen author lookup failed: %s", err)
		return
	}
	cooled := map[persist.DID]bool{}
	for _, p := range posts {
		if cooled[p.Author] {
			continue
		}
		cooled[p.Author] = true
		if err := s.taste.DecayAffinity(ctx, userDid, p.Author); err != nil {
			logger.For(ctx).Debugf("affinity decay failed for %s: %s", p.Author, err)
		}
	}
}

// describeFeedGenerator advertises the feeds this generator serves.
func (s *Server) describeFeedGenerator(c *gin.Context) {
	type feedRef struct {
		URI string `json:"uri"`
	}
	c.JSON(http.StatusOK, gin.H{
		"did":   s.serviceDid,
		"feeds": []feedRef{{URI: s.feedURI()}},
	})
}

// wellKnownDid serves the did:web document binding the service DID to this host.
func (s *Server) wellKnownDid(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.serviceDid,
		"service": []gin.H{{
			"id":              "#bsky_fg",
			"type":            "BskyFeedGenerator",
			"serviceEndpoint": "https://" + s.hostname,
		}},
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeAuthError(c *gin.Context, err error) {
	switch err {
	case ErrInvalidToken:
		c.JSON(http.StatusUnauthorized, xrpcError{Error: "InvalidToken", Message: "unsupported signing algorithm"})
	case ErrAccountRestricted:
		c.JSON(http.StatusForbidden, xrpcError{Error: "AccountRestricted", Message: "account is not enrolled"})
	default:
		c.JSON(http.StatusUnauthorized, xrpcError{Error: "AuthMissing", Message: "missing or malformed authorization"})
	}
}
