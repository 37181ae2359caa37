// Package fingerprint derives the cache key for a proxied chat request.
//
// The fingerprint is an exact-match scheme: a deterministic SHA-256 over the
// normalized message contents, the model, and the provider. Two requests
// with the same normalized content, model, and provider always map to the
// same key; changing any message's content, the message order, the model, or
// the provider changes it. Whitespace at the edges of a message and letter
// case do not feed the hash, so "Hi " and "hi" fingerprint identically.
//
// Message roles deliberately do not feed the hash — only contents do. Two
// requests that differ solely in role assignment collide. This mirrors the
// normalization the savings counters were calibrated against; widening the
// hash to roles would invalidate every existing cache entry.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// KeyPrefix namespaces cache entries in the backing store.
const KeyPrefix = "cache:"

// Message is the {role, content} pair fingerprinting operates on.
type Message struct {
	Role    string
	Content string
}

// Fingerprint returns the cache key for the given request. It is pure and
// never fails for a non-empty message sequence; request validation upstream
// rejects malformed input before it gets here.
func Fingerprint(messages []Message, model, provider string) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(strings.ToLower(strings.TrimSpace(m.Content)))
	}

	// Canonical JSON keeps the hash stable across releases: field order is
	// fixed by the struct, and the content/model/provider boundaries cannot
	// bleed into each other the way bare concatenation would allow.
	payload, _ := json.Marshal(struct {
		Content  string `json:"content"`
		Model    string `json:"model"`
		Provider string `json:"provider"`
	}{sb.String(), model, provider})

	sum := sha256.Sum256(payload)
	return KeyPrefix + hex.EncodeToString(sum[:])
}
