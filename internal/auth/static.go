package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticResolver serves a fixed key set parsed from configuration. Intended
// for development and single-tenant deployments where no control plane
// manages keys.
type StaticResolver struct {
	keys map[string]*Identity
}

// NewStaticResolver parses entries of the form "key:user:org:tier".
// The org and tier segments may be omitted; they default to the user ID and
// FREE respectively.
func NewStaticResolver(entries []string) (*StaticResolver, error) {
	r := &StaticResolver{keys: make(map[string]*Identity, len(entries))}

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		parts := strings.Split(e, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("auth: invalid static key entry %q, want key:user[:org[:tier]]", e)
		}
		id := &Identity{
			UserID: parts[1],
			OrgID:  parts[1],
			Tier:   "FREE",
			KeyID:  KeyID(parts[0]),
		}
		if len(parts) > 2 && parts[2] != "" {
			id.OrgID = parts[2]
		}
		if len(parts) > 3 && parts[3] != "" {
			id.Tier = strings.ToUpper(parts[3])
		}
		r.keys[parts[0]] = id
	}

	return r, nil
}

func (r *StaticResolver) Resolve(_ context.Context, apiKey string) (*Identity, error) {
	id, ok := r.keys[apiKey]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// Len returns the number of configured keys.
func (r *StaticResolver) Len() int { return len(r.keys) }
