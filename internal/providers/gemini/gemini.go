package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/cachefront/llm-proxy/internal/providers"
)

const providerName = "gemini"

// Adapter implements providers.Adapter on the official Google GenAI SDK.
type Adapter struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
}

type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing against mocks).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}

	a.httpClient = &http.Client{Timeout: providers.DefaultTimeout}

	// Without a configured key every request brings its own credential, so
	// the shared client is only built when there is a key to build it with.
	if a.apiKey != "" {
		client, err := genai.NewClient(ctx, a.clientConfig(a.apiKey))
		if err != nil {
			return nil, fmt.Errorf("gemini: client: %w", err)
		}
		a.client = client
	}

	return a, nil
}

func (a *Adapter) clientConfig(key string) *genai.ClientConfig {
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}
	return cfg
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Complete(ctx context.Context, apiKey string, req *providers.ChatRequest) (*providers.Completion, error) {
	contents, cfg := buildContentsAndConfig(req)

	client, err := a.clientForKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode response: %w", err)
	}

	id := resp.ResponseID
	if id == "" {
		id = req.RequestID
	}

	var inTok, outTok int
	if resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.Completion{
		ID:      id,
		Model:   req.Model,
		Content: resp.Text(),
		Raw:     raw,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

// buildContentsAndConfig folds system and developer turns into the system
// instruction; the Gemini API has no system conversation role.
func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func (a *Adapter) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	if key == a.apiKey {
		return a.client, nil
	}
	client, err := genai.NewClient(ctx, a.clientConfig(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    apiErr.Code,
				"message": apiErr.Message,
				"status":  apiErr.Status,
			},
		})
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Body:       body,
		}
	}
	return err
}
