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

// AnthropicLLM talks to the Messages API directly (no Go SDK used for this
// vendor in the pack), supporting both Complete and ChatStream.
type AnthropicLLM struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewAnthropicLLM(apiKey, baseURL, model string) *AnthropicLLM {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{apiKey: apiKey, baseURL: baseURL, model: model, client: http.DefaultClient}
}

func (l *AnthropicLLM) Name() string { return "anthropic-chat" }

func splitSystem(messages []orchestrator.Message) (system string, rest []map[string]string) {
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		rest = append(rest, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	return system, rest
}

func (l *AnthropicLLM) payload(messages []orchestrator.Message, maxTokens int, temperature float64, stream bool) map[string]interface{} {
	system, rest := splitSystem(messages)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   rest,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		payload["system"] = system
	}
	if temperature != 0 {
		payload["temperature"] = temperature
	}
	return payload
}

func (l *AnthropicLLM) newRequest(ctx context.Context, payload map[string]interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return req, nil
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (string, error) {
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
		return "", fmt.Errorf("%w: anthropic status %d: %v", orchestrator.ErrLLMFailed, resp.StatusCode, errResp)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("%w: no content returned from anthropic", orchestrator.ErrLLMFailed)
	}
	return result.Content[0].Text, nil
}

// anthropicStream parses the Messages API's SSE stream, which carries typed
// events (content_block_delta, message_stop, ...) rather than OpenAI's flat
// "data: [DONE]" sentinel.
type anthropicStream struct {
	body    *http.Response
	scanner *bufio.Scanner
}

func (s *anthropicStream) Next(ctx context.Context) (string, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var evt struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "content_block_delta":
			if evt.Delta.Text != "" {
				return evt.Delta.Text, true, nil
			}
		case "message_stop":
			return "", false, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	return "", false, nil
}

func (s *anthropicStream) Close() error {
	return s.body.Body.Close()
}

func (l *AnthropicLLM) ChatStream(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (orchestrator.TokenStream, error) {
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
		return nil, fmt.Errorf("%w: anthropic stream status %d: %v", orchestrator.ErrLLMFailed, resp.StatusCode, errResp)
	}

	return &anthropicStream{body: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}
