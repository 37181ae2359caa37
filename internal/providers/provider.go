// Package providers defines the adapter interface shared by all upstream LLM
// integrations (OpenAI, Anthropic, Gemini).
//
// Each adapter lives in its own sub-package, wraps the official SDK, and
// returns the provider's raw response payload alongside normalized usage so
// the proxy can cache and replay exactly what the provider sent.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultTimeout is the per-request upstream HTTP timeout.
const DefaultTimeout = 30 * time.Second

type (
	// Message is a single conversation turn.
	Message struct {
		Role    string
		Content string
	}

	// ChatRequest is the normalized upstream call.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// Usage holds the provider-reported token counts.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Completion is a normalized provider response. Raw is the provider's
	// payload byte-for-byte; Content is the extracted assistant text used
	// for output token accounting.
	Completion struct {
		ID      string
		Model   string
		Content string
		Raw     json.RawMessage
		Usage   Usage
	}
)

// Adapter is implemented by every upstream integration. The apiKey argument
// is the provider credential supplied by the caller; adapters fall back to
// their configured key when it is empty.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req *ChatRequest) (*Completion, error)
}

// ErrUnsupportedProvider is returned by Registry.Get for unknown names.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters, keyed by Name().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Name()] = a
		}
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	if a != nil {
		r.adapters[a.Name()] = a
	}
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.adapters) }

// ProviderError carries an upstream non-2xx response. The proxy passes the
// status and body through to the client untouched.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Provider, e.StatusCode)
}

// HTTPStatus reports the upstream status code.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Details returns the upstream error body as JSON. Non-JSON bodies are
// wrapped in a JSON string so the envelope stays well-formed.
func (e *ProviderError) Details() json.RawMessage {
	if json.Valid(e.Body) && len(e.Body) > 0 {
		return json.RawMessage(e.Body)
	}
	quoted, _ := json.Marshal(string(e.Body))
	return quoted
}
