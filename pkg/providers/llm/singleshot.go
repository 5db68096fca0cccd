package llm

import (
	"context"
	"sync"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// singleShotStream adapts a non-streaming LLMProvider into a TokenStream by
// running Complete once and handing the whole response back as one fragment.
// It lets pkg/streaming treat every configured chat provider uniformly,
// even ones (Google) that only expose a single-shot completion here.
type singleShotStream struct {
	once     sync.Once
	text     string
	err      error
	consumed bool
}

func (s *singleShotStream) Next(ctx context.Context) (string, bool, error) {
	if s.consumed {
		return "", false, s.err
	}
	s.consumed = true
	if s.err != nil {
		return "", false, s.err
	}
	if s.text == "" {
		return "", false, nil
	}
	return s.text, true, nil
}

func (s *singleShotStream) Close() error { return nil }

// SingleShotStream runs provider.Complete and wraps the result as a
// TokenStream that yields at most one fragment: none when Complete failed
// (Next then returns its error) or returned empty text.
func SingleShotStream(ctx context.Context, provider orchestrator.LLMProvider, messages []orchestrator.Message, maxTokens int, temperature float64) orchestrator.TokenStream {
	text, err := provider.Complete(ctx, messages, maxTokens, temperature)
	return &singleShotStream{text: text, err: err}
}

// AsStreaming lifts a non-streaming LLMProvider (currently only GoogleLLM) to
// orchestrator.StreamingLLMProvider so cmd/server's provider-selection switch
// can hand pkg/streaming a uniform interface regardless of vendor.
type AsStreaming struct {
	orchestrator.LLMProvider
}

func (a AsStreaming) ChatStream(ctx context.Context, messages []orchestrator.Message, maxTokens int, temperature float64) (orchestrator.TokenStream, error) {
	return SingleShotStream(ctx, a.LLMProvider, messages, maxTokens, temperature), nil
}
