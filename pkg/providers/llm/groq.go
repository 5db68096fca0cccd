package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// GroqLLM hits Groq's OpenAI-compatible chat completions endpoint. Groq
// streams in the same "data: {...}" / "data: [DONE]" shape as OpenAI's own
// chat/completions SSE, so ChatStream reuses that sentinel instead of
// Anthropic's typed event stream.
type GroqLLM struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewGroqLLM(apiKey, baseURL, model string) *GroqLLM {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &GroqLLM{apiKey: apiKey, baseURL: baseURL, model: model, client: http.DefaultClient}
}

func (l *GroqLLM) Name() string { return "groq-chat" }

func (l *GroqLLM) payload(messages []orchestrator.Message, maxTokens int, temperature float64, stream bool) map[string]interface{} {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   stream,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}
	if temperature != 0 {
		payload["temperature"] = temperature
	}
	return payload
}

func (l *GroqLLM) newRequest(ctx context.Context, payload map[string]interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	return req, nil
}

func (l *GroqLLM) Complete(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (string, error) {
	req, err := l.newRequest(ctx, l.payload(messages, maxTokens, temperature, false))
	if err != nil {
		return "", err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("%w: groq status %d: %v", orchestrator.ErrLLMFailed, resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned from groq", orchestrator.ErrLLMFailed)
	}
	return result.Choices[0].Message.Content, nil
}

type groqStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func (s *groqStream) Next(ctx context.Context) (string, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return "", false, nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, true, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	return "", false, nil
}

func (s *groqStream) Close() error {
	return s.resp.Body.Close()
}

func (l *GroqLLM) ChatStream(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (orchestrator.TokenStream, error) {
	req, err := l.newRequest(ctx, l.payload(messages, maxTokens, temperature, true))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("%w: groq stream status %d: %v", orchestrator.ErrLLMFailed, resp.StatusCode, errResp)
	}

	return &groqStream{resp: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}
