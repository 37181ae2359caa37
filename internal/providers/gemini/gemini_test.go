package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cachefront/llm-proxy/internal/providers"
)

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()

	a, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gemini-1.5-flash",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestName(t *testing.T) {
	a, err := New(context.Background(), "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Name() != "gemini" {
		t.Fatalf("Name() = %q, want gemini", a.Name())
	}
}

func TestCompleteSuccess(t *testing.T) {
	responseBody := map[string]any{
		"responseId": "resp-123",
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role": "model",
					"parts": []any{
						map[string]any{"text": "Hello, world!"},
					},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     9,
			"candidatesTokenCount": 4,
			"totalTokenCount":      13,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	resp, err := a.Complete(context.Background(), "", baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "gemini-1.5-flash" {
		t.Errorf("Model = %q", resp.Model)
	}
	if len(resp.Raw) == 0 || !json.Valid(resp.Raw) {
		t.Error("Raw must carry a JSON payload")
	}
}

func TestSystemTurnsFoldedIntoInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Contents []struct {
				Role string `json:"role"`
			} `json:"contents"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body.SystemInstruction == nil || len(body.SystemInstruction.Parts) == 0 ||
			body.SystemInstruction.Parts[0].Text != "Be brief." {
			t.Errorf("systemInstruction = %+v, want folded prompt", body.SystemInstruction)
		}
		for _, c := range body.Contents {
			if c.Role != "user" && c.Role != "model" {
				t.Errorf("unexpected content role %q", c.Role)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello"},
	}
	if _, err := a.Complete(context.Background(), "", req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompleteNoKey(t *testing.T) {
	a, err := New(context.Background(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Complete(context.Background(), "", baseRequest()); err == nil {
		t.Fatal("expected error when no key is configured")
	}
}
