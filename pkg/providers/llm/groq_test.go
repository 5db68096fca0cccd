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

func TestGroqLLMComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}{Choices: []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{Message: struct {
			Content string `json:"content"`
		}{Content: "hello from groq"}}}})
	}))
	defer server.Close()

	l := NewGroqLLM("test-key", server.URL, "llama3-70b")

	messages := []orchestrator.Message{{Role: "user", Content: "hi"}}
	resp, err := l.Complete(context.Background(), messages, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "hello from groq" {
		t.Errorf("expected 'hello from groq', got %q", resp)
	}
	if l.Name() != "groq-chat" {
		t.Errorf("expected groq-chat, got %s", l.Name())
	}
}

func TestGroqLLMChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	l := NewGroqLLM("test-key", server.URL, "llama3-70b")
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
	if got != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", got)
	}
}
