package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/cachefront/llm-proxy/internal/providers"
)

const providerName = "openai"

// Adapter implements providers.Adapter on the official OpenAI SDK.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
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

	a.client = openaiSDK.NewClient(clientOpts...)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Complete(ctx context.Context, apiKey string, req *providers.ChatRequest) (*providers.Completion, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	opts, err := a.requestOptions(apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Completion{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Raw:     []byte(resp.RawJSON()),
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Adapter) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Body:       []byte(apierr.RawJSON()),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
