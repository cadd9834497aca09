package appview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/util"
	"github.com/wavelength-social/wavelength/util/retry"
)

const (
	getPostsChunkSize = 25
	followsPageSize   = 100
	likersPageSize    = 100
)

// Server-side failures get a couple of quick retries before a request is written off.
var requestRetry = retry.Retry{Base: 1, Cap: 4, Tries: 3}

func init() {
	env.RegisterValidation("APPVIEW_URL", "required")
}

// API is a client for the network's AppView: post hydration, likers, and follow lists.
// Every method tolerates failure; callers receive empty results and the pipeline degrades.
type API struct {
	httpClient *http.Client
	baseURL    string
}

func NewAPI(httpClient *http.Client) *API {
	return &API{
		httpClient: httpClient,
		baseURL:    env.GetString(context.Background(), "APPVIEW_URL"),
	}
}

// PostView is the hydrated view of a post, carrying the embed data the index does not store.
type PostView struct {
	URI       string   `json:"uri"`
	Author    string   `json:"author"`
	Text      string   `json:"text"`
	ImageURLs []string `json:"image_urls"`
	AltTexts  []string `json:"alt_texts"`
}

type getPostsResponse struct {
	Posts []struct {
		URI    string `json:"uri"`
		Author struct {
			Did string `json:"did"`
		} `json:"author"`
		Record struct {
			Text string `json:"text"`
		} `json:"record"`
		Embed *struct {
			Images []struct {
				Fullsize string `json:"fullsize"`
				Alt      string `json:"alt"`
			} `json:"images"`
		} `json:"embed"`
	} `json:"posts"`
}

// GetPostViews hydrates the given post URIs in chunks of 25. Missing or failed chunks are
// logged and skipped.
func (a *API) GetPostViews(ctx context.Context, uris []string) ([]PostView, error) {
	var views []PostView

	for _, chunk := range util.Chunk(uris, getPostsChunkSize) {
		q := url.Values{}
		for _, uri := range chunk {
			q.Add("uris", uri)
		}

		var resp getPostsResponse
		if err := a.getJSON(ctx, "/xrpc/app.bsky.feed.getPosts", q, &resp); err != nil {
			logger.For(ctx).Warnf("appview getPosts chunk failed: %s", err)
			continue
		}

		for _, p := range resp.Posts {
			view := PostView{URI: p.URI, Author: p.Author.Did, Text: p.Record.Text}
			if p.Embed != nil {
				for _, img := range p.Embed.Images {
					view.ImageURLs = append(view.ImageURLs, img.Fullsize)
					view.AltTexts = append(view.AltTexts, img.Alt)
				}
			}
			views = append(views, view)
		}
	}

	return views, nil
}

type getLikesResponse struct {
	Cursor *string `json:"cursor"`
	Likes  []struct {
		Actor struct {
			Did string `json:"did"`
		} `json:"actor"`
	} `json:"likes"`
}

// GetPostLikers returns the DIDs of actors who liked the post, up to limit. Returns an
// empty slice on failure.
func (a *API) GetPostLikers(ctx context.Context, postURI string, limit int) []persist.DID {
	var likers []persist.DID
	var cursor string

	for len(likers) < limit {
		q := url.Values{}
		q.Set("uri", postURI)
		q.Set("limit", fmt.Sprint(likersPageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp getLikesResponse
		if err := a.getJSON(ctx, "/xrpc/app.bsky.feed.getLikes", q, &resp); err != nil {
			logger.For(ctx).Warnf("appview getLikes failed for %s: %s", postURI, err)
			return likers
		}

		for _, l := range resp.Likes {
			likers = append(likers, persist.DID(l.Actor.Did))
			if len(likers) >= limit {
				return likers
			}
		}

		if resp.Cursor == nil || *resp.Cursor == "" {
			break
		}
		cursor = *resp.Cursor
	}

	return likers
}

type getProfilesResponse struct {
	Profiles []struct {
		Did            string `json:"did"`
		FollowersCount int    `json:"followersCount"`
	} `json:"profiles"`
}

// GetFollowerCounts returns each actor's total follower count, chunked. Failed chunks are
// logged and skipped; absent actors are simply missing from the map.
func (a *API) GetFollowerCounts(ctx context.Context, actors []persist.DID) (map[persist.DID]int, error) {
	counts := make(map[persist.DID]int, len(actors))

	for _, chunk := range util.Chunk(actors, getPostsChunkSize) {
		q := url.Values{}
		for _, did := range chunk {
			q.Add("actors", string(did))
		}

		var resp getProfilesResponse
		if err := a.getJSON(ctx, "/xrpc/app.bsky.actor.getProfiles", q, &resp); err != nil {
			logger.For(ctx).Warnf("appview getProfiles chunk failed: %s", err)
			continue
		}

		for _, p := range resp.Profiles {
			counts[persist.DID(p.Did)] = p.FollowersCount
		}
	}

	return counts, nil
}

type getFollowsResponse struct {
	Cursor  *string `json:"cursor"`
	Follows []struct {
		Did string `json:"did"`
	} `json:"follows"`
}

// GetFollows returns the DIDs the actor follows, paginating until the limit or the end of
// the list.
func (a *API) GetFollows(ctx context.Context, actorDid persist.DID, limit int) ([]persist.DID, error) {
	var follows []persist.DID
	var cursor string

	for limit <= 0 || len(follows) < limit {
		q := url.Values{}
		q.Set("actor", string(actorDid))
		q.Set("limit", fmt.Sprint(followsPageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp getFollowsResponse
		if err := a.getJSON(ctx, "/xrpc/app.bsky.graph.getFollows", q, &resp); err != nil {
			return follows, err
		}

		for _, f := range resp.Follows {
			follows = append(follows, persist.DID(f.Did))
			if limit > 0 && len(follows) >= limit {
				return follows, nil
			}
		}

		if resp.Cursor == nil || *resp.Cursor == "" {
			break
		}
		cursor = *resp.Cursor
	}

	return follows, nil
}

type errUnexpectedStatus struct {
	code int
	path string
}

func (e errUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.path)
}

func isServerError(err error) bool {
	var statusErr errUnexpectedStatus
	return errors.As(err, &statusErr) && statusErr.code >= 500
}

func (a *API) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return retry.RetryFunc(ctx, func(ctx context.Context) error {
		return a.doGetJSON(ctx, path, query, out)
	}, isServerError, requestRetry)
}

func (a *API) doGetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errUnexpectedStatus{code: resp.StatusCode, path: path}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
