// Package stt implements orchestrator.STTProvider adapters.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/vocalrelay/vocalrelay-core/pkg/audio"
	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// OpenAIWhisper transcribes via POST /v1/audio/transcriptions, wrapping raw
// PCM as a WAV container before upload.
type OpenAIWhisper struct {
	apiKey     string
	baseURL    string
	model      string
	sampleRate int
	client     *http.Client
}

// NewOpenAIWhisper builds a Whisper adapter. baseURL defaults to OpenAI's API
// root; model defaults to "whisper-1".
func NewOpenAIWhisper(apiKey, baseURL, model string) *OpenAIWhisper {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAIWhisper{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		sampleRate: 16000,
		client:     http.DefaultClient,
	}
}

// SetSampleRate overrides the PCM sample rate assumed when framing WAV data.
func (s *OpenAIWhisper) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *OpenAIWhisper) Name() string { return "openai-whisper" }

func (s *OpenAIWhisper) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	wavData := audio.NewWavBuffer(audioPCM, s.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	if lang != "" {
		if err := writer.WriteField("language", string(lang)); err != nil {
			return "", err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wavData); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrTranscriptionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: whisper status %d: %s", orchestrator.ErrTranscriptionFailed, resp.StatusCode, respBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Text == "" {
		return "", orchestrator.ErrEmptyTranscription
	}
	return result.Text, nil
}
