package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cachefront/llm-proxy/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 1024
)

// Adapter implements providers.Adapter on the official Anthropic SDK.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing against mocks).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}

	a.client = anthropic.NewClient(clientOpts...)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Complete(ctx context.Context, apiKey string, req *providers.ChatRequest) (*providers.Completion, error) {
	params := buildParams(req)

	opts, err := a.requestOptions(apiKey)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Completion{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Raw:     []byte(msg.RawJSON()),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// buildParams folds system and developer turns into the system prompt; the
// Messages API does not accept them as conversation roles.
func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (a *Adapter) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Body:       []byte(apierr.RawJSON()),
		}
	}
	return err
}
