package sttpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
)

type fakeSTT struct {
	mu    sync.Mutex
	calls int
	audio []byte
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.audio = audio
	return "partial text", nil
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPipelineEmitsPartialAfterSpeaking(t *testing.T) {
	stt := &fakeSTT{}
	var mu sync.Mutex
	var got []string
	emit := func(text string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, text)
	}

	p := New(stt, orchestrator.Language("en"), emit, 20*time.Millisecond, 6, 5, 5*time.Millisecond)
	p.Start(context.Background())
	defer p.Stop()

	p.PushChunk([]byte("abcd"), true)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected at least one partial transcription emitted")
	}
	if got[0] != "partial text" {
		t.Errorf("expected 'partial text', got %q", got[0])
	}
}

func TestPipelinePrerollFlushedOnSpeechStart(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, orchestrator.Language("en"), func(string) {}, time.Hour, 6, 5, time.Hour)

	p.PushChunk([]byte("pre1"), false)
	p.PushChunk([]byte("pre2"), false)
	p.PushChunk([]byte("speech"), true)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) != 3 {
		t.Fatalf("expected preroll flushed into buffer plus new chunk, got %d entries", len(p.buffer))
	}
	if len(p.preroll) != 0 {
		t.Errorf("expected preroll cleared after flush, got %d entries", len(p.preroll))
	}
}

func TestPipelineRespectsMinInterval(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, orchestrator.Language("en"), func(string) {}, time.Hour, 6, 5, 5*time.Millisecond)
	p.Start(context.Background())
	defer p.Stop()

	p.PushChunk([]byte("abcd"), true)
	time.Sleep(100 * time.Millisecond)

	if stt.callCount() > 1 {
		t.Errorf("expected at most 1 transcription call within the min interval window, got %d", stt.callCount())
	}
}

func TestPipelineResetClearsBuffers(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, orchestrator.Language("en"), func(string) {}, time.Hour, 6, 5, time.Hour)
	p.PushChunk([]byte("a"), false)
	p.PushChunk([]byte("b"), true)
	p.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) != 0 || len(p.preroll) != 0 {
		t.Error("expected buffers cleared after Reset")
	}
}
