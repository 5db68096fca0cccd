// Package session implements the per-connection Session (C5): the
// generalization of the teacher's ManagedStream to a browser-driven,
// VAD-free pipeline. One Session owns the inbound audio ring, the admission
// token bucket, the optional rolling-STT preview worker, and at most one
// in-flight streaming.Pipeline (current_utterance).
package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vocalrelay/vocalrelay-core/internal/metrics"
	"github.com/vocalrelay/vocalrelay-core/internal/store"
	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
	"github.com/vocalrelay/vocalrelay-core/pkg/ratelimit"
	"github.com/vocalrelay/vocalrelay-core/pkg/sttpipeline"
	"github.com/vocalrelay/vocalrelay-core/pkg/streaming"
)

// State is one of the session lifecycle states of §4.5.
type State string

const (
	StateConnected  State = "connected"
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateClosed     State = "closed"
)

// EmitFunc delivers one outbound event to the hub/websocket layer. Hub is
// responsible for the single writer goroutine per connection (§5); Session
// never writes to the socket directly.
type EmitFunc func(orchestrator.EventType, map[string]interface{})

// Metrics is the snapshot returned by get_metrics (§3).
type Metrics struct {
	BytesReceived   int64
	ChunksReceived  int
	ChunksDropped   int
	Interruptions   int
	UtterancesTotal int
	STTMS           int64
	LLMMS           int64
	TTSMS           int64
	FirstTokenMS    int64
	LastError       string
	LastActivityTS  int64
}

// Options bundles everything a Session needs to run a pipeline per
// utterance plus its own admission/preview behavior.
type Options struct {
	Providers streaming.Providers
	Config    orchestrator.Config
	Pipeline  streaming.Config
	Store     store.Store
	Logger    orchestrator.Logger
	Metrics   *metrics.Metrics
}

// Session is safe for concurrent use; its exported methods are the handlers
// for each inbound event type of §4.5.
type Session struct {
	id      string
	emit    EmitFunc
	opts    Options
	logger  orchestrator.Logger
	history *orchestrator.ConversationSession

	bucket  *ratelimit.TokenBucket
	partial *sttpipeline.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	alive       bool
	inbound     [][]byte
	speaking    bool
	busy        bool
	current     *streaming.Pipeline
	utterCancel context.CancelFunc
	closeOnce   sync.Once
	metrics     Metrics
}

// New constructs a Session in the Connected state. Call Start to transition
// to Idle and begin the heartbeat/partial-STT workers.
func New(id string, opts Options, emit EmitFunc) *Session {
	if opts.Logger == nil {
		opts.Logger = &orchestrator.NoOpLogger{}
	}
	s := &Session{
		id:      id,
		emit:    emit,
		opts:    opts,
		logger:  opts.Logger,
		history: orchestrator.NewConversationSession(id),
		bucket:  ratelimit.NewTokenBucket(opts.Config.TokenBucketRate, opts.Config.TokenBucketCapacity),
		state:   StateConnected,
		alive:   true,
	}
	if opts.Config.MaxContextMessages > 0 {
		s.history.MaxMessages = opts.Config.MaxContextMessages
	}
	return s
}

// Start emits hello, begins the heartbeat loop, and (if an STT provider is
// configured) starts the rolling partial-transcription worker. ctx bounds
// the Session's entire lifetime; cancelling it is equivalent to disconnect.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	s.emit(orchestrator.EventHello, map[string]interface{}{"ts": nowMillis()})

	if s.opts.Providers.STT != nil {
		s.partial = sttpipeline.New(
			s.opts.Providers.STT,
			orchestrator.Language(""),
			s.emitPartial,
			time.Duration(s.opts.Config.RollingMinIntervalMS)*time.Millisecond,
			s.opts.Config.RollingWindowChunks,
			s.opts.Config.RollingPrerollSize,
			time.Duration(s.opts.Config.RollingTickIntervalMS)*time.Millisecond,
		)
		s.partial.Start(s.ctx)
	}

	go s.heartbeatLoop(s.ctx)
}

func (s *Session) emitPartial(text string) {
	s.emit(orchestrator.EventPartialTranscript, map[string]interface{}{"text": text})
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.opts.Config.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emit(orchestrator.EventServerHeartbeat, map[string]interface{}{"ts": nowMillis()})
		}
	}
}

// HandlePing replies with pong.
func (s *Session) HandlePing() {
	s.emit(orchestrator.EventPong, map[string]interface{}{"ts": nowMillis()})
}

// HandleAudioChunk admits chunk through the token bucket (C2), appends it to
// the bounded inbound ring, and feeds the rolling preview worker if present.
// Reports whether the chunk was admitted, for callers that aggregate
// process-wide admission metrics (§7 rate_limit is advisory per-chunk, not
// fatal to the session).
func (s *Session) HandleAudioChunk(data []byte) bool {
	if !s.bucket.Allow() {
		s.emitError(orchestrator.StageRateLimit, "rate limit exceeded")
		if m := s.opts.Metrics; m != nil {
			m.ChunksRejected.Add(s.ctx, 1)
		}
		return false
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateListening
	}
	s.inbound = append(s.inbound, data)
	if max := s.opts.Config.MaxBufferedChunks; max > 0 && len(s.inbound) > max {
		s.inbound = s.inbound[len(s.inbound)-max:]
		s.metrics.ChunksDropped++
	}
	s.metrics.ChunksReceived++
	s.metrics.BytesReceived += int64(len(data))
	s.metrics.LastActivityTS = nowMillis()
	s.speaking = true
	s.mu.Unlock()

	if m := s.opts.Metrics; m != nil {
		m.ChunksAdmitted.Add(s.ctx, 1)
	}
	if s.partial != nil {
		s.partial.PushChunk(data, true)
	}
	return true
}

// HandleAudioEnd finalizes the buffered audio into a new current_utterance
// (§4.6). Returns immediately; the pipeline runs on its own goroutine so the
// connection keeps reading (and can dispatch stop_tts) while it's in flight.
func (s *Session) HandleAudioEnd(preferShortAnswer bool) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.emitError(orchestrator.StageBusy, "an utterance is already in progress")
		return
	}
	if len(s.inbound) == 0 {
		s.busy = false
		s.mu.Unlock()
		s.emitError(orchestrator.StageAudio, "No audio data received")
		return
	}
	s.busy = true
	audio := s.concatInbound()
	s.inbound = nil
	s.speaking = false
	s.state = StateProcessing
	s.mu.Unlock()

	if s.partial != nil {
		s.partial.Reset()
	}

	go s.runUtterance(streaming.Input{Audio: audio, Lang: orchestrator.Language("")})
}

// HandleUserText runs a single-turn utterance from typed text, bypassing STT
// entirely (§4.5). Returns immediately; see HandleAudioEnd.
func (s *Session) HandleUserText(text string) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.emitError(orchestrator.StageBusy, "an utterance is already in progress")
		return
	}
	s.busy = true
	s.state = StateProcessing
	s.mu.Unlock()

	go s.runUtterance(streaming.Input{Text: text})
}

// HandleStopTTS cancels the in-flight utterance, if any (§4.6b).
func (s *Session) HandleStopTTS(reason string) {
	s.mu.Lock()
	cur := s.current
	s.metrics.Interruptions++
	s.mu.Unlock()

	if m := s.opts.Metrics; m != nil {
		m.Interruptions.Add(s.ctx, 1)
	}

	if cur == nil {
		return
	}
	cur.Cancel()
	s.emit(orchestrator.EventTTSCancelled, map[string]interface{}{"ts": nowMillis(), "reason": reason})

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

// HandleGetMetrics emits a metrics snapshot.
func (s *Session) HandleGetMetrics() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	s.emit(orchestrator.EventMetrics, map[string]interface{}{
		"bytes_received":   m.BytesReceived,
		"chunks_received":  m.ChunksReceived,
		"chunks_dropped":   m.ChunksDropped,
		"interruptions":    m.Interruptions,
		"utterances_total": m.UtterancesTotal,
		"stt_ms":           m.STTMS,
		"llm_ms":           m.LLMMS,
		"tts_ms":           m.TTSMS,
		"first_token_ms":   m.FirstTokenMS,
		"last_error":       m.LastError,
		"last_activity_ts": m.LastActivityTS,
	})
}

// Close transitions to Closed, cancels the current utterance and partial
// worker, and releases buffers. Idempotent and safe to call from any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.alive = false
		s.state = StateClosed
		cur := s.current
		s.inbound = nil
		s.mu.Unlock()

		if cur != nil {
			cur.Cancel()
		}
		if s.partial != nil {
			s.partial.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Session) runUtterance(in streaming.Input) {
	ctx, cancel := context.WithCancel(s.ctx)

	hooks := streaming.Hooks{
		OnUserMessage: func(text string) {
			s.history.AddMessage("user", text)
			if s.opts.Store != nil {
				s.opts.Store.AddMessage(ctx, "user", text, orchestrator.EstimateTokens(text), 0, 0)
			}
		},
		OnAssistantMessage: func(text string, tokensIn, tokensOut int, cost float64) {
			s.history.AddMessage("assistant", text)
			if s.opts.Store != nil {
				s.opts.Store.AddMessage(ctx, "assistant", text, tokensIn, tokensOut, cost)
			}
		},
	}

	pipelineCfg := s.opts.Pipeline
	if pipelineCfg.MinSentenceLength <= 0 {
		pipelineCfg.MinSentenceLength = s.opts.Config.MinSentenceLength
	}
	if pipelineCfg.SentenceMaxRunLen <= 0 {
		pipelineCfg.SentenceMaxRunLen = s.opts.Config.SentenceMaxRunLen
	}
	if pipelineCfg.TTSWorkerPoolSize <= 0 {
		pipelineCfg.TTSWorkerPoolSize = s.opts.Config.TTSWorkerPoolSize
	}
	if pipelineCfg.Tier == "" {
		pipelineCfg.Tier = s.opts.Config.DefaultTier
	}

	p := streaming.New(s.opts.Providers, pipelineCfg, s.history.GetContextCopy(), s.emitPipelineEvent, hooks)

	s.mu.Lock()
	s.current = p
	s.utterCancel = cancel
	s.mu.Unlock()

	err := p.Run(ctx, in)
	if err != nil {
		s.logger.Warn("session: utterance failed", "session_id", s.id, "error", err)
	}

	s.mu.Lock()
	s.current = nil
	s.utterCancel = nil
	s.busy = false
	s.metrics.UtterancesTotal++
	if s.state == StateProcessing {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if m := s.opts.Metrics; m != nil {
		m.UtterancesTotal.Add(s.ctx, 1)
	}
}

// emitPipelineEvent forwards a streaming.Pipeline event to the socket and, in
// passing, folds its timing/error data into both the get_metrics snapshot
// (§3) and the OTel instruments (§4.6c).
func (s *Session) emitPipelineEvent(ev streaming.Event) {
	m := s.opts.Metrics

	switch ev.Type {
	case orchestrator.EventLLMFirstToken:
		if ms, ok := ev.Data["first_token_ms"].(int64); ok {
			s.mu.Lock()
			s.metrics.FirstTokenMS = ms
			s.mu.Unlock()
			if m != nil {
				m.FirstTokenLatency.Record(s.ctx, float64(ms)/1000)
			}
		}
	case orchestrator.EventResultSTT:
		if ms, ok := ev.Data["stt_ms"].(int64); ok {
			s.mu.Lock()
			s.metrics.STTMS = ms
			s.mu.Unlock()
			if m != nil {
				m.STTDuration.Record(s.ctx, float64(ms)/1000)
			}
		}
	case orchestrator.EventResultLLM:
		if ms, ok := ev.Data["llm_ms"].(int64); ok {
			s.mu.Lock()
			s.metrics.LLMMS = ms
			s.mu.Unlock()
			if m != nil {
				m.LLMDuration.Record(s.ctx, float64(ms)/1000)
			}
		}
	case orchestrator.EventAudioChunk:
		if ms, ok := ev.Data["tts_ms"].(int64); ok {
			s.mu.Lock()
			s.metrics.TTSMS = ms
			s.mu.Unlock()
			if m != nil {
				m.TTSDuration.Record(s.ctx, float64(ms)/1000)
			}
		}
	case orchestrator.EventError:
		stage, _ := ev.Data["stage"].(string)
		message, _ := ev.Data["message"].(string)
		s.mu.Lock()
		s.metrics.LastError = message
		s.mu.Unlock()
		if m != nil && stage != "" {
			m.ProviderErrors.Add(s.ctx, 1, metric.WithAttributes(metrics.StageAttr(stage)))
		}
	}

	s.emit(ev.Type, ev.Data)
}

func (s *Session) emitError(stage orchestrator.Stage, message string) {
	s.emit(orchestrator.EventError, map[string]interface{}{
		"stage": string(stage), "message": message,
	})
}

func (s *Session) concatInbound() []byte {
	var total int
	for _, c := range s.inbound {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range s.inbound {
		out = append(out, c...)
	}
	return out
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DecodeAudioChunk base64-decodes the wire-format audio_chunk payload
// (§4.5 "audio_chunk{data: base64}").
func DecodeAudioChunk(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
