package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// OpenAISpeech calls POST /v1/audio/speech and returns the full response body
// as a single buffer. The endpoint does not stream audio chunks incrementally,
// so unlike LokutorTTS there is no chunked onChunk path to preserve.
type OpenAISpeech struct {
	apiKey  string
	baseURL string
	model   string
	format  string
	client  *http.Client
}

func NewOpenAISpeech(apiKey, baseURL, model string) *OpenAISpeech {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini-tts"
	}
	return &OpenAISpeech{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		format:  "mp3",
		client:  http.DefaultClient,
	}
}

func (t *OpenAISpeech) Name() string { return "openai-speech" }

func (t *OpenAISpeech) Synthesize(ctx context.Context, text string, voice orchestrator.Voice) ([]byte, error) {
	payload := map[string]interface{}{
		"model":  t.model,
		"voice":  string(voice),
		"input":  text,
		"format": t.format,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrTTSFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: openai tts status %d: %s", orchestrator.ErrTTSFailed, resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio response: %v", orchestrator.ErrTTSFailed, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio response", orchestrator.ErrTTSFailed)
	}
	return audio, nil
}
