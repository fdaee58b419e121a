package xai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"post_bot/internal/config"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/platform"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(config.XAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "grok-test",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGenerateOriginalPost(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header: %s", got)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "grok-test" {
			t.Fatalf("unexpected model: %s", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Content != postSystemPrompt {
			t.Fatalf("unexpected messages: %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[1].Content, "testnet launch") {
			t.Fatalf("context missing from prompt: %s", req.Messages[1].Content)
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  \"Testnet is live.\nTry the faucet.\"  "}}]}`))
	})

	text, err := client.Generate(context.Background(), models.DraftKindOriginalPost, "testnet launch")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Testnet is live. Try the faucet." {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestGenerateReplyUsesReplyPrompt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Messages[0].Content != replySystemPrompt {
			t.Fatalf("expected reply prompt, got %s", req.Messages[0].Content)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Docs are at docs.example.org"}}]}`))
	})

	text, err := client.Generate(context.Background(), models.DraftKindReply, "where are the docs?")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Docs are at docs.example.org" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestGenerateDoesNotTruncate(t *testing.T) {
	long := strings.Repeat("a", 400)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": long}}},
		})
	})

	text, err := client.Generate(context.Background(), models.DraftKindOriginalPost, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(text) != 400 {
		t.Fatalf("text truncated to %d chars", len(text))
	}
}

func TestGenerateFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "http error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantErr: "status=500"},
		{name: "bad json", status: http.StatusOK, body: `not json`, wantErr: "decode xai response failed"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantErr: "no choices"},
		{name: "empty text", status: http.StatusOK, body: `{"choices":[{"message":{"content":"  "}}]}`, wantErr: "empty text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Generate(context.Background(), models.DraftKindOriginalPost, "x")
			if err == nil {
				t.Fatalf("expected error")
			}
			var genErr *platform.GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("expected GenerationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(config.XAIConfig{APIKey: "  "}); err == nil {
		t.Fatalf("expected error for empty api key")
	}

	client, err := NewClient(config.XAIConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.baseURL != config.DefaultXAIBaseURL || client.model != config.DefaultXAIModel {
		t.Fatalf("defaults not applied: %s %s", client.baseURL, client.model)
	}
}
