package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// GoogleLLM is non-streaming only; cmd/server wraps it with SingleShotStream
// when the configured LLM_PROVIDER is "google" but the pipeline still needs
// a TokenStream to drive the sentence splitter.
type GoogleLLM struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewGoogleLLM(apiKey, baseURL, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleLLM{
		apiKey:  apiKey,
		baseURL: baseURL + "/models/" + model + ":generateContent",
		model:   model,
		client:  http.DefaultClient,
	}
}

func (l *GoogleLLM) Name() string { return "google-chat" }

func (l *GoogleLLM) Complete(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (string, error) {
	type part struct {
		Text string `json:"text"`
	}
	type googleMessage struct {
		Role  string `json:"role"`
		Parts []part `json:"parts"`
	}

	var contents []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, googleMessage{Role: role, Parts: []part{{Text: m.Content}}})
	}

	payload := map[string]interface{}{"contents": contents}
	genConfig := map[string]interface{}{}
	if maxTokens > 0 {
		genConfig["maxOutputTokens"] = maxTokens
	}
	if temperature != 0 {
		genConfig["temperature"] = temperature
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("%w: google status %d: %v", orchestrator.ErrLLMFailed, resp.StatusCode, errResp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []part `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no response from google", orchestrator.ErrLLMFailed)
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}
