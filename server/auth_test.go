package server

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-social/wavelength/persist"
)

func serviceJWT(t *testing.T, alg, iss string) string {
	t.Helper()
	encode := func(v interface{}) string {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := encode(map[string]string{"alg": alg, "typ": "JWT"})
	claims := encode(map[string]string{"iss": iss, "aud": "did:web:feed.example.com"})
	return header + "." + claims + ".c2lnbmF0dXJl"
}

func TestRequesterDid(t *testing.T) {
	token := serviceJWT(t, "ES256K", "did:plc:requester")

	did, err := requesterDid("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, persist.DID("did:plc:requester"), did)
}

func TestRequesterDidRejectsUnsupportedSigningAlg(t *testing.T) {
	token := serviceJWT(t, "HS256", "did:plc:requester")

	_, err := requesterDid("Bearer " + token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequesterDidRejectsMalformedHeaders(t *testing.T) {
	cases := map[string]string{
		"no header":       "",
		"no bearer":       serviceJWT(t, "ES256", "did:plc:x"),
		"not a jwt":       "Bearer abc",
		"bad base64":      "Bearer !!.!!.!!",
		"two segments":    "Bearer ab.cd",
		"empty iss claim": "Bearer " + serviceJWT(t, "ES256", ""),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := requesterDid(header)
			assert.ErrorIs(t, err, ErrMissingAuth)
		})
	}
}
