package pricing

import (
	"errors"
	"math"
	"testing"
)

// fixedTokenizer returns one token per byte, making the math in tests exact.
type fixedTokenizer struct{}

func (fixedTokenizer) Count(text string) int { return len(text) }

func testTable() Table {
	return Table{
		"test-model": {Provider: "openai", Price: ModelPrice{Input: 0.01, Output: 0.03}},
	}
}

func TestEstimate(t *testing.T) {
	e := NewEstimator(testTable(), fixedTokenizer{})

	msgs := []Message{{Role: "user", Content: "hello"}}
	// content(5) + role(4) + overhead(3) = 12 input tokens
	got, err := e.Estimate(msgs, "test-model")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}

	if got.InputTokens != 12 {
		t.Errorf("InputTokens = %d, want 12", got.InputTokens)
	}
	if got.OutputTokens != 6 {
		t.Errorf("OutputTokens = %d, want 6 (ceil(12*0.5))", got.OutputTokens)
	}
	if got.TotalTokens != 18 {
		t.Errorf("TotalTokens = %d, want 18", got.TotalTokens)
	}

	wantCost := 12.0/1000*0.01 + 6.0/1000*0.03
	if math.Abs(got.Cost-wantCost) > 1e-12 {
		t.Errorf("Cost = %v, want %v", got.Cost, wantCost)
	}
}

func TestEstimateOddInputRoundsUp(t *testing.T) {
	e := NewEstimator(testTable(), fixedTokenizer{})

	// content(2) + role(4) + overhead(3) = 9 input tokens → output ceil(4.5) = 5
	got, err := e.Estimate([]Message{{Role: "user", Content: "hi"}}, "test-model")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if got.OutputTokens != 5 {
		t.Errorf("OutputTokens = %d, want 5", got.OutputTokens)
	}
}

func TestEstimateMultipleMessages(t *testing.T) {
	e := NewEstimator(testTable(), fixedTokenizer{})

	msgs := []Message{
		{Role: "user", Content: "hello"},     // 5 + 4 + 3 = 12
		{Role: "assistant", Content: "hey"},  // 3 + 9 + 3 = 15
	}
	got, err := e.Estimate(msgs, "test-model")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if got.InputTokens != 27 {
		t.Errorf("InputTokens = %d, want 27", got.InputTokens)
	}
}

func TestEstimateUnknownModel(t *testing.T) {
	e := NewEstimator(testTable(), fixedTokenizer{})

	_, err := e.Estimate([]Message{{Role: "user", Content: "hi"}}, "nope")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestFinalize(t *testing.T) {
	e := NewEstimator(testTable(), fixedTokenizer{})

	est, err := e.Estimate([]Message{{Role: "user", Content: "hello"}}, "test-model")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}

	final, err := e.Finalize(est, "ten chars!", "test-model")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Input tokens never change between estimate and finalize.
	if final.InputTokens != est.InputTokens {
		t.Errorf("InputTokens changed: %d -> %d", est.InputTokens, final.InputTokens)
	}
	if final.OutputTokens != 10 {
		t.Errorf("OutputTokens = %d, want 10 (real output)", final.OutputTokens)
	}
	if final.TotalTokens != est.InputTokens+10 {
		t.Errorf("TotalTokens = %d, want %d", final.TotalTokens, est.InputTokens+10)
	}

	wantCost := float64(est.InputTokens)/1000*0.01 + 10.0/1000*0.03
	if math.Abs(final.Cost-wantCost) > 1e-12 {
		t.Errorf("Cost = %v, want %v", final.Cost, wantCost)
	}
}

func TestFinalizeUnknownModel(t *testing.T) {
	e := NewEstimator(testTable(), fixedTokenizer{})

	_, err := e.Finalize(TokenCount{InputTokens: 5}, "out", "nope")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestProviderFor(t *testing.T) {
	table := DefaultTable()

	prov, err := table.ProviderFor("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	if prov != "openai" {
		t.Errorf("provider = %q, want openai", prov)
	}

	prov, err = table.ProviderFor("claude-3-opus-20240229")
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	if prov != "anthropic" {
		t.Errorf("provider = %q, want anthropic", prov)
	}

	if _, err := table.ProviderFor("made-up-model"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestFormatCost(t *testing.T) {
	if got := FormatCost(0.00123456); got != "0.0012" {
		t.Errorf("FormatCost = %q, want 0.0012", got)
	}
	if got := FormatCost(0); got != "0.0000" {
		t.Errorf("FormatCost = %q, want 0.0000", got)
	}
}
