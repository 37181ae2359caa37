// Package auth resolves client API keys to the account they belong to.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for missing, unknown, or disabled API keys.
var ErrUnauthorized = errors.New("invalid API key")

// Identity describes the authenticated caller.
type Identity struct {
	UserID string
	OrgID  string
	Tier   string
	KeyID  string
}

// Resolver validates a raw API key and returns the identity behind it.
// Resolve fails for unknown keys, disabled keys, and keys past their own
// monthly request allowance.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (*Identity, error)
}

// UseRecorder is implemented by resolvers that meter per-key request counts.
// Callers invoke RecordUse once per metered request.
type UseRecorder interface {
	RecordUse(ctx context.Context, keyID string) error
}

// KeyID returns the deterministic identifier stored for a key. Raw keys are
// never persisted or logged, only this digest.
func KeyID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// ParseBearer extracts the token from an Authorization header value.
// Returns "" when the header is absent or malformed.
func ParseBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
