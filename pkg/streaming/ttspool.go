package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

// TTSJob is one sentence queued for synthesis, tagged with the order it was
// produced in by the sentence segmenter.
type TTSJob struct {
	SequenceID int
	Text       string
}

// TTSResult is the synthesized audio (or error) for one TTSJob. Results are
// delivered in completion order, not submission order (Open Question a):
// SequenceID lets the caller label each audio_chunk event so a client can
// reorder or drop stale audio after a barge-in.
type TTSResult struct {
	SequenceID int
	Text       string
	Audio      []byte
	DurationMS int64
	Err        error
}

// TTSPool is a fixed-size worker pool synthesizing sentences concurrently
// (§4.6b). Submission is non-blocking: Submit returns false on a full queue
// rather than stalling the token loop that feeds it. Cancel discards the output of
// any job still in flight, matching stop_tts/barge-in semantics.
type TTSPool struct {
	provider orchestrator.TTSProvider
	voice    orchestrator.Voice

	jobs    chan TTSJob
	results chan TTSResult

	ctx       context.Context
	cancelCtx context.CancelFunc
	cancelled atomic.Bool

	wg sync.WaitGroup
}

// NewTTSPool starts size workers (default 4 when size <= 0) drawing from an
// internally buffered queue and synthesizing via provider.
func NewTTSPool(ctx context.Context, provider orchestrator.TTSProvider, voice orchestrator.Voice, size int) *TTSPool {
	if size <= 0 {
		size = 4
	}
	poolCtx, cancel := context.WithCancel(ctx)
	p := &TTSPool{
		provider:  provider,
		voice:     voice,
		jobs:      make(chan TTSJob, size*2),
		results:   make(chan TTSResult, size*2),
		ctx:       poolCtx,
		cancelCtx: cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a sentence for synthesis. Non-blocking: returns false if the
// queue is full or the pool has been cancelled, in which case the caller
// should treat it as dropped rather than block the token loop.
func (p *TTSPool) Submit(job TTSJob) bool {
	if p.cancelled.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Results returns the channel results are delivered on.
func (p *TTSPool) Results() <-chan TTSResult {
	return p.results
}

// Cancel marks the pool cancelled (further Submit calls are rejected) and
// discards the output of in-flight jobs rather than delivering stale audio
// after a barge-in or stop_tts.
func (p *TTSPool) Cancel() {
	p.cancelled.Store(true)
	p.cancelCtx()
}

// Close stops accepting new work, waits for in-flight workers to finish, and
// closes the results channel. Safe to call after Cancel.
func (p *TTSPool) Close() {
	p.cancelled.Store(true)
	close(p.jobs)
	p.wg.Wait()
	p.cancelCtx()
	close(p.results)
}

func (p *TTSPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		if p.cancelled.Load() {
			continue
		}
		start := time.Now()
		audio, err := p.provider.Synthesize(p.ctx, job.Text, p.voice)
		elapsed := time.Since(start).Milliseconds()
		if p.cancelled.Load() {
			continue
		}
		select {
		case p.results <- TTSResult{SequenceID: job.SequenceID, Text: job.Text, Audio: audio, DurationMS: elapsed, Err: err}:
		case <-p.ctx.Done():
		}
	}
}
