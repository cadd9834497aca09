package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/persist"
)

const resolveTimeout = 10 * time.Second

// Resolver resolves handles to DIDs through the network's identity directory.
type Resolver struct {
	httpClient *http.Client
	baseURL    string
}

func NewResolver(httpClient *http.Client) *Resolver {
	return &Resolver{
		httpClient: httpClient,
		baseURL:    env.GetString(context.Background(), "PLC_URL"),
	}
}

type resolveHandleResponse struct {
	Did string `json:"did"`
}

// ResolveHandle resolves a handle to a DID. Identifiers that are already DIDs pass through.
func (r *Resolver) ResolveHandle(ctx context.Context, identifier string) (persist.DID, error) {
	if strings.HasPrefix(identifier, "did:") {
		return persist.DID(identifier), nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("handle", identifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/xrpc/com.atproto.identity.resolveHandle?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("could not resolve handle %s: status %d", identifier, resp.StatusCode)
	}

	var body resolveHandleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	return persist.DID(body.Did), nil
}
