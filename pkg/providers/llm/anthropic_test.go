package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

func TestAnthropicLLMComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req struct {
			System string `json:"system,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.System != "system instructions" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}{Content: []struct {
			Text string `json:"text"`
		}{{Text: "hello from anthropic"}}})
	}))
	defer server.Close()

	l := NewAnthropicLLM("test-key", server.URL, "claude-3")

	messages := []orchestrator.Message{
		{Role: "system", Content: "system instructions"},
		{Role: "user", Content: "hi"},
	}

	resp, err := l.Complete(context.Background(), messages, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "hello from anthropic" {
		t.Errorf("expected 'hello from anthropic', got %q", resp)
	}
}

func TestAnthropicLLMChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	l := NewAnthropicLLM("test-key", server.URL, "claude-3")
	stream, err := l.ChatStream(context.Background(), []orchestrator.Message{{Role: "user", Content: "hi"}}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	var got string
	for {
		frag, ok, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		if !ok {
			break
		}
		got += frag
	}
	if got != "Hello" {
		t.Errorf("expected 'Hello', got %q", got)
	}
}
