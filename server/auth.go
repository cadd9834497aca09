package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wavelength-social/wavelength/persist"
)

// Auth failures are protocol errors with fixed names the client dispatches on.
var (
	ErrMissingAuth       = fmt.Errorf("missing authorization")
	ErrInvalidToken      = fmt.Errorf("invalid token")
	ErrAccountRestricted = fmt.Errorf("AccountRestricted")
)

var supportedAlgorithms = map[string]bool{
	"ES256K": true,
	"ES256":  true,
}

// requesterDid extracts the requesting account's DID from the service JWT. The
// token is minted by the requester's PDS; the iss claim carries their DID.
func requesterDid(authHeader string) (persist.DID, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", ErrMissingAuth
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMissingAuth
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return "", ErrMissingAuth
	}
	if !supportedAlgorithms[header.Alg] {
		return "", ErrInvalidToken
	}

	var claims struct {
		Iss string `json:"iss"`
	}
	if err := decodeSegment(parts[1], &claims); err != nil {
		return "", ErrMissingAuth
	}
	if claims.Iss == "" {
		return "", ErrMissingAuth
	}

	return persist.DID(claims.Iss), nil
}

func decodeSegment(segment string, out interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
