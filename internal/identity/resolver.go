// Package identity derives a stable caller identity from a request,
// independent of how the caller authenticates. A verified bearer subject
// wins over the device-identity header, which wins over body-supplied ids.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

// MinLength rejects trivial or garbage identifiers.
const MinLength = 6

// DeviceHeader is the explicit device-identity header.
const DeviceHeader = "X-Device-ID"

var (
	// ErrMissing means no usable identity could be derived from the request.
	ErrMissing = errors.New("missing or invalid identity")
	// ErrInvalidToken means a bearer token was presented but failed verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// BodyIDs carries the identity-bearing fields of the request body.
type BodyIDs struct {
	DeviceID string
	UserID   string
}

// Resolver resolves the caller identity. With a nil Verifier the gateway
// runs in device-identity mode and Authorization headers are ignored.
type Resolver struct {
	verifier Verifier
}

func NewResolver(verifier Verifier) *Resolver {
	return &Resolver{verifier: verifier}
}

// Resolve returns the caller identity for the request.
// A present-but-invalid bearer token is a hard failure (ErrInvalidToken),
// not a fallthrough to weaker identity sources.
func (r *Resolver) Resolve(req *http.Request, body BodyIDs) (string, error) {
	if r.verifier != nil {
		if token, ok := bearerToken(req); ok {
			sub, err := r.verifier.Verify(token)
			if err != nil {
				return "", ErrInvalidToken
			}
			return validate(sub)
		}
	}

	if id := strings.TrimSpace(req.Header.Get(DeviceHeader)); id != "" {
		return validate(id)
	}
	if id := strings.TrimSpace(body.DeviceID); id != "" {
		return validate(id)
	}
	return validate(strings.TrimSpace(body.UserID))
}

func validate(id string) (string, error) {
	if len(id) < MinLength {
		return "", ErrMissing
	}
	return id, nil
}

func bearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
