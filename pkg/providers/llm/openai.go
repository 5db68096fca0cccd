// Package llm implements orchestrator.LLMProvider/StreamingLLMProvider
// adapters for the supported chat vendors.
package llm

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// OpenAIChat implements both LLMProvider and StreamingLLMProvider, plus
// moderation, over the official SDK.
type OpenAIChat struct {
	client oai.Client
	model  string
}

// NewOpenAIChat builds a chat adapter. baseURL empty means the SDK default.
func NewOpenAIChat(apiKey, baseURL, model string) *OpenAIChat {
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIChat{client: oai.NewClient(opts...), model: model}
}

func (l *OpenAIChat) Name() string { return "openai-chat" }

// ValidateAPIKey checks a key/base-URL pair by listing models (§6
// "POST /api/admin/test-api-key"). It builds a throwaway client rather than
// reusing a configured OpenAIChat so the admin handler can validate a key
// the caller hasn't committed to settings yet.
func ValidateAPIKey(ctx context.Context, apiKey, baseURL string) error {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := oai.NewClient(opts...)
	_, err := client.Models.List(ctx, oai.ModelListParams{})
	if err != nil {
		return fmt.Errorf("test-api-key: %w", err)
	}
	return nil
}

func (l *OpenAIChat) buildParams(messages []orchestrator.Message, maxTokens int, temperature float64) oai.ChatCompletionNewParams {
	var msgs []oai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, oai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: msgs,
	}
	if temperature != 0 {
		params.Temperature = param.NewOpt(temperature)
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	return params
}

func (l *OpenAIChat) Complete(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (string, error) {
	resp, err := l.client.Chat.Completions.New(ctx, l.buildParams(messages, maxTokens, temperature))
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", orchestrator.ErrLLMFailed)
	}
	return resp.Choices[0].Message.Content, nil
}

// openAIStream adapts the SDK's SSE stream to orchestrator.TokenStream.
type openAIStream struct {
	stream *ssestream.Stream[oai.ChatCompletionChunk]
}

func (s *openAIStream) Next(ctx context.Context) (string, bool, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, true, nil
	}
	if err := s.stream.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}
	return "", false, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

func (l *OpenAIChat) ChatStream(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (orchestrator.TokenStream, error) {
	stream := l.client.Chat.Completions.NewStreaming(ctx, l.buildParams(messages, maxTokens, temperature))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%w: start stream: %v", orchestrator.ErrLLMFailed, err)
	}
	return &openAIStream{stream: stream}, nil
}

// Moderate runs the moderation endpoint. Per the fail-open contract, callers
// must treat a non-nil error as "not flagged" rather than blocking the turn.
func (l *OpenAIChat) Moderate(ctx context.Context, text string) (orchestrator.ModerationResult, error) {
	resp, err := l.client.Moderations.New(ctx, oai.ModerationNewParams{
		Input: oai.ModerationNewParamsInputUnion{OfString: oai.String(text)},
	})
	if err != nil {
		return orchestrator.ModerationResult{}, fmt.Errorf("moderation request failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return orchestrator.ModerationResult{}, nil
	}
	result := resp.Results[0]
	if !result.Flagged {
		return orchestrator.ModerationResult{}, nil
	}

	var categories []string
	if result.Categories.Sexual {
		categories = append(categories, "sexual")
	}
	if result.Categories.Hate {
		categories = append(categories, "hate")
	}
	if result.Categories.Harassment {
		categories = append(categories, "harassment")
	}
	if result.Categories.SelfHarm {
		categories = append(categories, "self-harm")
	}
	if result.Categories.Violence {
		categories = append(categories, "violence")
	}
	return orchestrator.ModerationResult{Flagged: true, Categories: categories}, nil
}
