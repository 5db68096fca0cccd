// Package sttpipeline implements the rolling, incremental speech-to-text
// preview pipeline (§4.3): a pre-roll ring buffer plus a ticking worker that
// re-transcribes a trailing window of recent audio at most once per
// min-interval, so the client gets a partial_transcription event well before
// the utterance ends.
package sttpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// EmitFunc delivers a partial transcription to the session/hub layer.
type EmitFunc func(text string)

// Pipeline buffers incoming PCM chunks and periodically re-transcribes a
// trailing window via the configured STTProvider. It does not itself decide
// when speech starts or stops; callers push every chunk and say whether the
// caller currently considers the utterance "active".
type Pipeline struct {
	stt          orchestrator.STTProvider
	lang         orchestrator.Language
	emit         EmitFunc
	minInterval  time.Duration
	windowChunks int
	prerollSize  int
	tickInterval time.Duration

	mu       sync.Mutex
	preroll  [][]byte
	buffer   [][]byte
	lastEmit time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline. windowChunks and prerollSize are counted in
// pushed-chunk units, not bytes or duration, matching the teacher's
// chunk-counted ring buffers (§4.3).
func New(stt orchestrator.STTProvider, lang orchestrator.Language, emit EmitFunc, minInterval time.Duration, windowChunks, prerollSize int, tickInterval time.Duration) *Pipeline {
	if windowChunks <= 0 {
		windowChunks = 6
	}
	if prerollSize <= 0 {
		prerollSize = 5
	}
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	return &Pipeline{
		stt:          stt,
		lang:         lang,
		emit:         emit,
		minInterval:  minInterval,
		windowChunks: windowChunks,
		prerollSize:  prerollSize,
		tickInterval: tickInterval,
	}
}

// Start launches the background worker. Safe to call once per pipeline
// lifetime; call Stop before discarding.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop halts the worker and waits for it to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

// Reset clears all buffered audio and the emit cooldown, used at the start
// of a new utterance.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preroll = nil
	p.buffer = nil
	p.lastEmit = time.Time{}
}

// PushChunk appends an inbound PCM chunk. While speaking is false, the chunk
// only fills the pre-roll ring; the first chunk pushed with speaking=true
// flushes the accumulated pre-roll into the working buffer so the window
// includes audio from just before speech was confirmed.
func (p *Pipeline) PushChunk(chunk []byte, speaking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !speaking {
		p.preroll = append(p.preroll, chunk)
		if len(p.preroll) > p.prerollSize {
			p.preroll = p.preroll[len(p.preroll)-p.prerollSize:]
		}
		return
	}

	if len(p.preroll) > 0 {
		p.buffer = append(p.buffer, p.preroll...)
		p.preroll = nil
	}
	p.buffer = append(p.buffer, chunk)
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.tick(ctx, now)
		}
	}
}

func (p *Pipeline) tick(ctx context.Context, now time.Time) {
	p.mu.Lock()
	if now.Sub(p.lastEmit) < p.minInterval {
		p.mu.Unlock()
		return
	}
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	window := p.buffer
	if len(window) > p.windowChunks {
		window = window[len(window)-p.windowChunks:]
	}
	var audio []byte
	for _, c := range window {
		audio = append(audio, c...)
	}
	p.mu.Unlock()

	if len(audio) == 0 {
		return
	}

	text, err := p.stt.Transcribe(ctx, audio, p.lang)
	if err != nil || text == "" {
		return
	}

	p.mu.Lock()
	p.lastEmit = now
	p.mu.Unlock()

	p.emit(text)
}
