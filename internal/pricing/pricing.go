// Package pricing holds the per-model price table and the token/cost
// estimator used to meter every proxied request.
//
// The price table is an explicit configuration value injected at
// construction — not package-level state — so deployments can refresh it
// from an external source without a rebuild, and tests can swap in fixed
// prices.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/cachefront/llm-proxy/internal/tokenizer"
)

// ErrUnknownModel is returned when a model has no entry in the price table.
var ErrUnknownModel = errors.New("pricing: unknown model")

// ModelPrice is the price per 1000 tokens for one model.
type ModelPrice struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// ModelInfo binds a model to its provider and price.
type ModelInfo struct {
	Provider string     `json:"provider"`
	Price    ModelPrice `json:"price"`
}

// Message is a single conversation turn as seen by the estimator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenCount is the token/cost breakdown for one request. It is produced
// twice per cache miss: an estimate before the upstream call and a finalized
// value after it. Only the finalized value is persisted.
type TokenCount struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Cost         float64 `json:"cost"`
}

// FormatCost renders a cost for display. No rounding happens before this
// point; all intermediate math is plain float64.
func FormatCost(cost float64) string {
	return fmt.Sprintf("%.4f", cost)
}

// Table maps model names to provider and price. Keys are exact model
// identifiers as sent by clients.
type Table map[string]ModelInfo

// DefaultTable returns the built-in price table (USD per 1K tokens).
// Deployments that need fresher prices construct their own Table and pass it
// to NewEstimator.
func DefaultTable() Table {
	return Table{
		// OpenAI
		"gpt-4-turbo-preview":    {Provider: "openai", Price: ModelPrice{Input: 0.01, Output: 0.03}},
		"gpt-4":                  {Provider: "openai", Price: ModelPrice{Input: 0.03, Output: 0.06}},
		"gpt-3.5-turbo":          {Provider: "openai", Price: ModelPrice{Input: 0.0005, Output: 0.0015}},
		"gpt-3.5-turbo-instruct": {Provider: "openai", Price: ModelPrice{Input: 0.0005, Output: 0.0015}},
		"gpt-4o":                 {Provider: "openai", Price: ModelPrice{Input: 0.0025, Output: 0.01}},
		"gpt-4o-mini":            {Provider: "openai", Price: ModelPrice{Input: 0.00015, Output: 0.0006}},

		// Anthropic
		"claude-3-opus-20240229":     {Provider: "anthropic", Price: ModelPrice{Input: 0.015, Output: 0.075}},
		"claude-3-sonnet-20240229":   {Provider: "anthropic", Price: ModelPrice{Input: 0.003, Output: 0.015}},
		"claude-3-haiku-20240307":    {Provider: "anthropic", Price: ModelPrice{Input: 0.00025, Output: 0.00125}},
		"claude-3-5-sonnet-20241022": {Provider: "anthropic", Price: ModelPrice{Input: 0.003, Output: 0.015}},

		// Google Gemini
		"gemini-1.5-pro":   {Provider: "gemini", Price: ModelPrice{Input: 0.00125, Output: 0.005}},
		"gemini-1.5-flash": {Provider: "gemini", Price: ModelPrice{Input: 0.000075, Output: 0.0003}},
		"gemini-2.0-flash": {Provider: "gemini", Price: ModelPrice{Input: 0.0001, Output: 0.0004}},
	}
}

// ProviderFor resolves a model name to its provider. Returns
// ErrUnknownModel when the model is not in the table.
func (t Table) ProviderFor(model string) (string, error) {
	info, ok := t[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return info.Provider, nil
}

// perMessageOverhead accounts for the format markers each chat message
// carries on the wire (begin/end sentinels and separators).
const perMessageOverhead = 3

// Estimator computes token counts and costs against an injected Table.
type Estimator struct {
	table Table
	tok   tokenizer.Tokenizer
}

// NewEstimator creates an Estimator. A nil tokenizer falls back to the
// default heuristic counter.
func NewEstimator(table Table, tok tokenizer.Tokenizer) *Estimator {
	if tok == nil {
		tok = tokenizer.New()
	}
	return &Estimator{table: table, tok: tok}
}

// Table returns the price table the estimator was built with.
func (e *Estimator) Table() Table { return e.table }

// Estimate computes the pre-call token count for a request.
//
// Input tokens sum, per message, the tokenized content, the tokenized role
// label, and the fixed per-message overhead. Output tokens are a placeholder
// — half the input, rounded up — used only to decide whether a cache
// short-circuit is worthwhile; the system never prices on the estimate.
func (e *Estimator) Estimate(messages []Message, model string) (TokenCount, error) {
	info, ok := e.table[model]
	if !ok {
		return TokenCount{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	inputTokens := 0
	for _, m := range messages {
		inputTokens += e.tok.Count(m.Content)
		inputTokens += e.tok.Count(m.Role)
		inputTokens += perMessageOverhead
	}

	outputTokens := int(math.Ceil(float64(inputTokens) * 0.5))

	return TokenCount{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Cost:         e.cost(info.Price, inputTokens, outputTokens),
	}, nil
}

// Finalize replaces the estimate's output-token guess with the real count
// from the provider's output text and recomputes the cost. Input tokens are
// carried over from the estimate unchanged.
func (e *Estimator) Finalize(estimate TokenCount, outputText, model string) (TokenCount, error) {
	info, ok := e.table[model]
	if !ok {
		return TokenCount{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	outputTokens := e.tok.Count(outputText)

	return TokenCount{
		InputTokens:  estimate.InputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  estimate.InputTokens + outputTokens,
		Cost:         e.cost(info.Price, estimate.InputTokens, outputTokens),
	}, nil
}

func (e *Estimator) cost(p ModelPrice, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output
}
