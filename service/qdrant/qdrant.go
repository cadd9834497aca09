package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/service/logger"
)

// Collection names and dimensionality are fixed by the embedding model.
const (
	PostEmbeddings = "post_embeddings"
	UserProfiles   = "user_profiles"
	VectorSize     = 512
)

const requestTimeout = 30 * time.Second

// Client is a minimal REST client for the vector index. The index is treated as an opaque
// cosine-distance ANN store.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    env.GetString(context.Background(), "QDRANT_URL"),
	}
}

// Point is one vector with its payload.
type Point struct {
	ID      uint64                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Match is a single must-match condition on a payload field.
type Match struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Filter is a conjunction of payload matches.
type Filter struct {
	Must []Match
}

func (f Filter) toJSON() map[string]interface{} {
	if len(f.Must) == 0 {
		return nil
	}
	must := make([]map[string]interface{}, len(f.Must))
	for i, m := range f.Must {
		must[i] = map[string]interface{}{
			"key":   m.Key,
			"match": map[string]interface{}{"value": m.Value},
		}
	}
	return map[string]interface{}{"must": must}
}

// ScoredPoint is a search hit with its cosine similarity.
type ScoredPoint struct {
	ID      uint64                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// EnsureCollection creates the collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	exists, err := c.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     VectorSize,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
}

// EnsurePayloadIndexes creates keyword/integer indexes on the payload fields used in filters.
func (c *Client) EnsurePayloadIndexes(ctx context.Context, collection string, fields map[string]string) error {
	for field, schema := range fields {
		body := map[string]interface{}{
			"field_name":   field,
			"field_schema": schema,
		}
		if err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/index?wait=true", body, nil); err != nil {
			// Index creation is idempotent server-side; an already-exists response is fine.
			logger.For(ctx).Debugf("payload index %s.%s: %s", collection, field, err)
		}
	}
	return nil
}

// Upsert writes points into the collection, replacing points with the same ID.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

// Search runs a filtered ANN search and returns hits above the score threshold.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64, filter Filter) ([]ScoredPoint, error) {
	body := map[string]interface{}{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": scoreThreshold,
		"with_payload":    true,
	}
	if f := filter.toJSON(); f != nil {
		body["filter"] = f
	}

	var resp struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Scroll pages through points matching the filter. Returns points and the next offset, or
// a nil offset at the end.
func (c *Client) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset interface{}, withVector bool) ([]Point, interface{}, error) {
	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  withVector,
	}
	if f := filter.toJSON(); f != nil {
		body["filter"] = f
	}
	if offset != nil {
		body["offset"] = offset
	}

	var resp struct {
		Result struct {
			Points         []Point     `json:"points"`
			NextPageOffset interface{} `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Result.Points, resp.Result.NextPageOffset, nil
}

// DeleteByFilter removes every point matching the filter.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	body := map[string]interface{}{"filter": filter.toJSON()}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

// DeleteByIDs removes the points with the given IDs.
func (c *Client) DeleteByIDs(ctx context.Context, collection string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": ids}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

func (c *Client) collectionExists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections/"+name, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("qdrant %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
