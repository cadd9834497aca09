package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func testServer() *Server {
	return &Server{
		whitelist:    map[persist.DID]bool{"did:plc:requester": true},
		serviceDid:   "did:web:feed.example.com",
		publisherDid: "did:plc:publisher",
		hostname:     "feed.example.com",
		feedName:     "wavelength",
	}
}

func skeletonRequest(t *testing.T, feed, authHeader string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/xrpc/app.bsky.feed.getFeedSkeleton?feed="+feed, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c.Request = req
	return c, w
}

func decodeXrpcError(t *testing.T, w *httptest.ResponseRecorder) xrpcError {
	t.Helper()
	var resp xrpcError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestGetFeedSkeletonRejectsUnknownFeed(t *testing.T) {
	s := testServer()
	auth := "Bearer " + serviceJWT(t, "ES256K", "did:plc:requester")
	c, w := skeletonRequest(t, "at://did:plc:other/app.bsky.feed.generator/nope", auth)

	s.getFeedSkeleton(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UnsupportedAlgorithm", decodeXrpcError(t, w).Error)
}

func TestGetFeedSkeletonRejectsBadSigningAlg(t *testing.T) {
	s := testServer()
	auth := "Bearer " + serviceJWT(t, "HS256", "did:plc:requester")
	c, w := skeletonRequest(t, s.feedURI(), auth)

	s.getFeedSkeleton(c)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidToken", decodeXrpcError(t, w).Error)
}

func TestGetFeedSkeletonRejectsUnenrolledRequester(t *testing.T) {
	s := testServer()
	auth := "Bearer " + serviceJWT(t, "ES256K", "did:plc:stranger")
	c, w := skeletonRequest(t, s.feedURI(), auth)

	s.getFeedSkeleton(c)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AccountRestricted", decodeXrpcError(t, w).Error)
}
