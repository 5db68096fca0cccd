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

// GroqSTT hits Groq's OpenAI-compatible Whisper endpoint. Kept alongside
// OpenAIWhisper since cmd/server's STT_PROVIDER switch selects between them.
type GroqSTT struct {
	apiKey     string
	baseURL    string
	model      string
	sampleRate int
	client     *http.Client
}

func NewGroqSTT(apiKey, baseURL, model string) *GroqSTT {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &GroqSTT{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		sampleRate: 16000,
		client:     http.DefaultClient,
	}
}

func (s *GroqSTT) SetSampleRate(rate int) { s.sampleRate = rate }

func (s *GroqSTT) Name() string { return "groq-whisper" }

func (s *GroqSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
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
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
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
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("%w: groq status %d: %v", orchestrator.ErrTranscriptionFailed, resp.StatusCode, errResp)
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
