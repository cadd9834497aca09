package appview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func TestGetFollowsRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"follows":[{"did":"did:plc:x"}]}`)
	}))
	defer srv.Close()

	api := &API{httpClient: srv.Client(), baseURL: srv.URL}
	follows, err := api.GetFollows(context.Background(), "did:plc:me", 10)
	require.NoError(t, err)
	assert.Equal(t, []persist.DID{"did:plc:x"}, follows)
	assert.EqualValues(t, 2, calls)
}

func TestGetFollowsDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such actor", http.StatusBadRequest)
	}))
	defer srv.Close()

	api := &API{httpClient: srv.Client(), baseURL: srv.URL}
	_, err := api.GetFollows(context.Background(), "did:plc:me", 10)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls)
}
