// Package streaming implements the per-utterance Streaming Orchestrator
// (§4.6): STT → input moderation → chat streaming with sentence-by-sentence
// TTS dispatch → output moderation → completion, plus the sentence segmenter
// (§4.6a) and bounded TTS worker pool (§4.6b) it's built from.
package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// OrderMode selects how synthesized audio chunks are delivered relative to
// the sentence order they were dispatched in (§4.6b Open Question a).
type OrderMode int

const (
	// OrderCompletion emits audio chunks as soon as each TTS task finishes,
	// tagging each with sequence_id for client-side reordering. Default.
	OrderCompletion OrderMode = iota
	// OrderSequence buffers out-of-order results and emits strictly by
	// sequence_id, at the cost of head-of-line latency.
	OrderSequence
)

// Event is one outbound message produced by a Pipeline run. Type matches
// orchestrator.EventType; Data is the JSON-serializable payload.
type Event struct {
	Type orchestrator.EventType
	Data map[string]interface{}
}

// EmitFunc delivers one outbound event to the session/hub layer.
type EmitFunc func(Event)

// Hooks lets the owning Session observe pipeline-level side effects
// (persistence, logging) without the Pipeline depending on internal/store
// directly.
type Hooks struct {
	// OnUserMessage is called once STT (or the user_text path) produces the
	// final user utterance text, before the chat request is made.
	OnUserMessage func(text string)
	// OnAssistantMessage is called once the assistant turn completes, with
	// the full text and the §4.6c cost estimate.
	OnAssistantMessage func(text string, tokensIn, tokensOut int, cost float64)
}

// Input supplies either raw audio (STT step runs) or pre-transcribed text
// (the user_text path, which skips STT entirely per §4.5).
type Input struct {
	Audio []byte
	Text  string
	Lang  orchestrator.Language
}

// Config bundles the tunables a Pipeline needs, a view over
// orchestrator.Config plus the caller's chosen system prompt and tier.
type Config struct {
	MinSentenceLength int
	SentenceMaxRunLen int
	TTSWorkerPoolSize int
	Tier              orchestrator.Tier
	TTSModel          string
	Voice             orchestrator.Voice
	SystemPrompt      string
	Order             OrderMode

	// MaxTokens and Temperature forward to ChatStream (§6 settings
	// "max_tokens_out", "temperature"). Zero means provider default.
	MaxTokens   int
	Temperature float64
}

// Providers bundles the provider adapters a Pipeline calls into. STT is
// needed only for audio input (a nil STT then emits an stt error); a nil
// Moderation skips moderation.
type Providers struct {
	STT        orchestrator.STTProvider
	Chat       orchestrator.StreamingLLMProvider
	TTS        orchestrator.TTSProvider
	Moderation orchestrator.ModerationProvider
}

// Pipeline runs exactly one utterance end to end (§4.6). It is not reused
// across utterances; Session constructs a fresh one per audio_end/user_text.
type Pipeline struct {
	providers Providers
	cfg       Config
	emit      EmitFunc
	hooks     Hooks
	history   []orchestrator.Message

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
}

// New builds a Pipeline ready to Run once.
func New(providers Providers, cfg Config, history []orchestrator.Message, emit EmitFunc, hooks Hooks) *Pipeline {
	if cfg.MinSentenceLength <= 0 {
		cfg.MinSentenceLength = MinSentenceLength
	}
	if cfg.SentenceMaxRunLen <= 0 {
		cfg.SentenceMaxRunLen = SentenceMaxRunLen
	}
	return &Pipeline{providers: providers, cfg: cfg, emit: emit, hooks: hooks, history: history}
}

// Cancel implements stop_tts/barge-in (§4.6b): outstanding TTS output is
// discarded and tts_cancelled is emitted immediately by the caller (Session
// owns that emission since it knows the reason).
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Run executes the full pipeline and blocks until pipeline_complete (or a
// terminal error) has been emitted, or until a Cancel ends it, in which case
// it returns without emitting pipeline_complete.
func (p *Pipeline) Run(ctx context.Context, in Input) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	userText := in.Text
	var sttMS int64
	if in.Audio != nil {
		if p.providers.STT == nil {
			p.emitError(orchestrator.StageSTT, "no STT provider configured")
			return orchestrator.ErrNilProvider
		}
		sttStart := time.Now()
		text, err := p.providers.STT.Transcribe(ctx, in.Audio, in.Lang)
		sttMS = time.Since(sttStart).Milliseconds()
		if err != nil {
			p.emitError(orchestrator.StageSTT, err.Error())
			return fmt.Errorf("streaming: stt: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			p.emitError(orchestrator.StageSTT, "No speech detected")
			return orchestrator.ErrEmptyTranscription
		}
		userText = text

		p.emit(Event{Type: orchestrator.EventResultSTT, Data: map[string]interface{}{"text": userText, "stt_ms": sttMS}})
	}
	if p.hooks.OnUserMessage != nil {
		p.hooks.OnUserMessage(userText)
	}

	if p.providers.Moderation != nil {
		result, err := p.providers.Moderation.Moderate(ctx, userText)
		if err == nil && result.Flagged {
			p.refuse(ctx)
			return nil
		}
		// fail open: moderation errors never block the pipeline.
	}

	if p.providers.Chat == nil {
		p.emitError(orchestrator.StageChat, "no chat provider configured")
		return orchestrator.ErrNilProvider
	}
	if p.providers.TTS == nil {
		p.emitError(orchestrator.StageTTS, "no TTS provider configured")
		return orchestrator.ErrNilProvider
	}

	messages := p.buildMessages(userText)
	start := time.Now()
	stream, err := p.providers.Chat.ChatStream(ctx, messages, p.cfg.MaxTokens, p.cfg.Temperature)
	if err != nil {
		p.emitError(orchestrator.StageChat, err.Error())
		return fmt.Errorf("streaming: chat_stream: %w", err)
	}
	defer stream.Close()

	pool := NewTTSPool(ctx, p.providers.TTS, p.cfg.Voice, p.cfg.TTSWorkerPoolSize)
	splitter := NewSentenceSplitter(p.cfg.MinSentenceLength, p.cfg.SentenceMaxRunLen)

	var accum strings.Builder
	firstToken := true
	sequenceID := 0
	dispatched := 0

	resultsDone := make(chan struct{})
	var resultsWG sync.WaitGroup
	resultsWG.Add(1)
	go func() {
		defer resultsWG.Done()
		p.drainResults(pool, &dispatched)
		close(resultsDone)
	}()

	for {
		if p.isCancelled() {
			break
		}
		fragment, ok, err := stream.Next(ctx)
		if err != nil {
			p.emitError(orchestrator.StageChat, err.Error())
			break
		}
		if !ok {
			break
		}
		if fragment == "" {
			continue
		}

		accum.WriteString(fragment)
		if firstToken {
			firstToken = false
			p.emit(Event{Type: orchestrator.EventLLMFirstToken, Data: map[string]interface{}{
				"first_token_ms": time.Since(start).Milliseconds(),
			}})
		}
		p.emit(Event{Type: orchestrator.EventLLMToken, Data: map[string]interface{}{
			"token": fragment, "accumulated": accum.String(),
		}})

		if sentence, complete := splitter.Push(fragment); complete {
			if p.dispatchSentence(ctx, pool, sentence, sequenceID+1) {
				sequenceID++
				dispatched++
			}
		}
	}

	if !p.isCancelled() {
		if sentence, ok := splitter.Flush(); ok {
			if p.dispatchSentence(ctx, pool, sentence, sequenceID+1) {
				sequenceID++
				dispatched++
			}
		}
	}

	pool.Close()
	resultsWG.Wait()

	if p.isCancelled() {
		return nil
	}

	assistantText := accum.String()
	tokensIn := orchestrator.EstimateTokens(messages[len(messages)-1].Content)
	tokensOut := orchestrator.EstimateTokens(assistantText)
	cost := orchestrator.EstimateCost(p.cfg.Tier, tokensIn, tokensOut, p.cfg.TTSModel, len(assistantText))
	llmMS := time.Since(start).Milliseconds()

	p.emit(Event{Type: orchestrator.EventResultLLM, Data: map[string]interface{}{"text": assistantText, "llm_ms": llmMS}})
	if p.hooks.OnAssistantMessage != nil {
		p.hooks.OnAssistantMessage(assistantText, tokensIn, tokensOut, cost)
	}
	p.emit(Event{Type: orchestrator.EventTTSEnd, Data: map[string]interface{}{"total_chunks": dispatched}})
	p.emit(Event{Type: orchestrator.EventPipelineComplete, Data: map[string]interface{}{"total_chunks": dispatched}})
	return nil
}

// drainResults forwards TTS pool results to emit until the pool closes its
// results channel, honoring OrderSequence buffering when configured.
func (p *Pipeline) drainResults(pool *TTSPool, dispatched *int) {
	if p.cfg.Order == OrderSequence {
		p.drainInSequence(pool)
		return
	}
	for res := range pool.Results() {
		p.emitTTSResult(res)
	}
}

// drainInSequence buffers completed results until they can be released in
// ascending sequence_id order, starting at 1.
func (p *Pipeline) drainInSequence(pool *TTSPool) {
	pending := make(map[int]TTSResult)
	next := 1
	for res := range pool.Results() {
		pending[res.SequenceID] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			p.emitTTSResult(r)
			delete(pending, next)
			next++
		}
	}
}

func (p *Pipeline) emitTTSResult(res TTSResult) {
	if p.isCancelled() {
		return
	}
	if res.Err != nil {
		p.emit(Event{Type: orchestrator.EventTTSChunkError, Data: map[string]interface{}{
			"sequence_id": res.SequenceID, "error": res.Err.Error(),
		}})
		return
	}
	p.emit(Event{Type: orchestrator.EventAudioChunk, Data: map[string]interface{}{
		"audio": res.Audio, "sequence_id": res.SequenceID, "text": res.Text, "tts_ms": res.DurationMS,
	}})
}

// dispatchSentence submits sentence to the TTS pool and reports whether it
// was actually accepted; a full queue drops the job, and the caller must not
// count a dropped job toward dispatched/total_chunks or OrderSequence's
// drainInSequence will stall waiting for a sequence_id that never resolves.
func (p *Pipeline) dispatchSentence(ctx context.Context, pool *TTSPool, sentence string, sequenceID int) bool {
	if p.providers.Moderation != nil {
		if result, err := p.providers.Moderation.Moderate(ctx, sentence); err == nil && result.Flagged {
			sentence = "I'm not able to continue with that."
		}
	}
	return pool.Submit(TTSJob{SequenceID: sequenceID, Text: sentence})
}

// refuse implements the fixed safe-refusal path of §4.6 step 2.
func (p *Pipeline) refuse(ctx context.Context) {
	const refusal = "I'm not able to help with that request."
	p.emit(Event{Type: orchestrator.EventResultLLM, Data: map[string]interface{}{"text": refusal}})
	if p.hooks.OnAssistantMessage != nil {
		p.hooks.OnAssistantMessage(refusal, 0, orchestrator.EstimateTokens(refusal), 0)
	}
	if p.providers.TTS != nil {
		audio, err := p.providers.TTS.Synthesize(ctx, refusal, p.cfg.Voice)
		if err == nil {
			p.emit(Event{Type: orchestrator.EventAudioChunk, Data: map[string]interface{}{
				"audio": audio, "sequence_id": 1, "final": true,
			}})
		}
	}
	p.emit(Event{Type: orchestrator.EventTTSEnd, Data: map[string]interface{}{"total_chunks": 1}})
	p.emit(Event{Type: orchestrator.EventPipelineComplete, Data: map[string]interface{}{"total_chunks": 1}})
}

func (p *Pipeline) emitError(stage orchestrator.Stage, message string) {
	p.emit(Event{Type: orchestrator.EventError, Data: map[string]interface{}{
		"stage": string(stage), "message": message,
	}})
}

func (p *Pipeline) buildMessages(userText string) []orchestrator.Message {
	messages := make([]orchestrator.Message, 0, len(p.history)+2)
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, orchestrator.Message{Role: "system", Content: p.cfg.SystemPrompt})
	}
	messages = append(messages, p.history...)
	messages = append(messages, orchestrator.Message{Role: "user", Content: userText})
	return messages
}
