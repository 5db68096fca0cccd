package session

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/vocalrelay/vocalrelay-core/internal/store"
	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
	"github.com/vocalrelay/vocalrelay-core/pkg/streaming"
)

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (f *fakeSTT) Name() string { return "fake-stt" }
func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.text, nil
}

type fakeTokenStream struct {
	mu     sync.Mutex
	tokens []string
	idx    int
	delay  time.Duration
}

func (f *fakeTokenStream) Next(ctx context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.tokens) {
		return "", false, nil
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	tok := f.tokens[f.idx]
	f.idx++
	return tok, true, nil
}

func (f *fakeTokenStream) Close() error { return nil }

type fakeChat struct {
	tokens []string
	delay  time.Duration
}

func (f *fakeChat) Name() string { return "fake-chat" }
func (f *fakeChat) Complete(ctx context.Context, messages []orchestrator.Message, maxTokens int, temp float64) (string, error) {
	return "", nil
}
func (f *fakeChat) ChatStream(ctx context.Context, messages []orchestrator.Message, maxTokens int, temp float64) (orchestrator.TokenStream, error) {
	return &fakeTokenStream{tokens: f.tokens, delay: f.delay}, nil
}

type fakeTTS struct{}

func (f *fakeTTS) Name() string { return "fake-tts" }
func (f *fakeTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice) ([]byte, error) {
	return []byte("audio:" + text), nil
}

func collectEvents() (EmitFunc, func() []string, func() map[string]interface{}) {
	var mu sync.Mutex
	var types []string
	last := make(map[string]interface{})
	emit := func(evt orchestrator.EventType, data map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, string(evt))
		last = data
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]string, len(types))
		copy(cp, types)
		return cp
	}
	lastData := func() map[string]interface{} {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
	return emit, snapshot, lastData
}

func waitFor(t *testing.T, events func() []string, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, e := range events() {
			if e == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event %q, got %v", want, events())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestSession(providers streaming.Providers, emit EmitFunc) *Session {
	opts := Options{
		Providers: providers,
		Config:    orchestrator.DefaultConfig(),
		Pipeline:  streaming.Config{Tier: orchestrator.TierMedium},
		Store:     store.NewMemoryStore(),
	}
	s := New("sess-1", opts, emit)
	s.Start(context.Background())
	return s
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestSessionHappyPathAudio(t *testing.T) {
	emit, events, _ := collectEvents()
	s := newTestSession(streaming.Providers{
		STT:  &fakeSTT{text: "hola"},
		Chat: &fakeChat{tokens: []string{"Hola", ". ", "cómo estás", "?"}},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	for i := 0; i < 8; i++ {
		if !s.HandleAudioChunk([]byte("chunk")) {
			t.Fatalf("chunk %d unexpectedly denied", i)
		}
	}
	s.HandleAudioEnd(true)

	waitFor(t, events, string(orchestrator.EventPipelineComplete), time.Second)

	seq := events()
	idxSTT, idxComplete := -1, -1
	for i, e := range seq {
		if e == string(orchestrator.EventResultSTT) && idxSTT == -1 {
			idxSTT = i
		}
		if e == string(orchestrator.EventPipelineComplete) {
			idxComplete = i
		}
	}
	if idxSTT == -1 || idxComplete == -1 || idxSTT > idxComplete {
		t.Fatalf("expected result_stt before pipeline_complete, got %v", seq)
	}
}

func TestSessionUserTextSkipsSTT(t *testing.T) {
	emit, events, _ := collectEvents()
	s := newTestSession(streaming.Providers{
		Chat: &fakeChat{tokens: []string{"pong"}},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	s.HandleUserText("ping")
	waitFor(t, events, string(orchestrator.EventPipelineComplete), time.Second)

	for _, e := range events() {
		if e == string(orchestrator.EventResultSTT) {
			t.Fatalf("user_text path should not emit result_stt, got %v", events())
		}
	}
}

func TestSessionRateLimitIsAdvisoryNotFatal(t *testing.T) {
	emit, events, lastData := collectEvents()
	s := newTestSession(streaming.Providers{
		STT:  &fakeSTT{text: "hi"},
		Chat: &fakeChat{tokens: []string{"ok"}},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	admitted := 0
	for i := 0; i < 20; i++ {
		if s.HandleAudioChunk([]byte("c")) {
			admitted++
		}
	}
	if admitted >= 20 {
		t.Fatalf("expected the token bucket to deny at least one of 20 rapid chunks")
	}

	found := false
	for _, e := range events() {
		if e == string(orchestrator.EventError) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one error event, got %v", events())
	}
	_ = lastData()

	// Session must remain usable after a rate-limit denial.
	s.HandleAudioEnd(false)
	waitFor(t, events, string(orchestrator.EventPipelineComplete), time.Second)
}

func TestSessionEmptySTTReturnsToIdle(t *testing.T) {
	emit, events, _ := collectEvents()
	s := newTestSession(streaming.Providers{
		STT:  &fakeSTT{text: ""},
		Chat: &fakeChat{tokens: []string{"unreachable"}},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	s.HandleAudioChunk([]byte("chunk"))
	s.HandleAudioEnd(false)

	waitFor(t, events, string(orchestrator.EventError), time.Second)

	for _, e := range events() {
		if e == string(orchestrator.EventLLMToken) {
			t.Fatalf("expected no llm_token after empty STT, got %v", events())
		}
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected session to return to idle, got state %q", s.State())
}

func TestSessionAudioEndWithNoChunksRejectsLocally(t *testing.T) {
	emit, events, lastData := collectEvents()
	stt := &fakeSTT{text: "unreachable"}
	s := newTestSession(streaming.Providers{
		STT:  stt,
		Chat: &fakeChat{tokens: []string{"unreachable"}},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	s.HandleAudioEnd(false)

	waitFor(t, events, string(orchestrator.EventError), time.Second)
	data := lastData()
	if data["stage"] != string(orchestrator.StageAudio) || data["message"] != "No audio data received" {
		t.Fatalf("expected audio-stage \"No audio data received\", got %v", data)
	}

	stt.mu.Lock()
	calls := stt.calls
	stt.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected STT not to be invoked for an empty buffer, got %d calls", calls)
	}

	if s.State() != StateIdle {
		t.Fatalf("expected session to remain idle, got %q", s.State())
	}
}

func TestSessionBargeInCancelsBeforeFurtherAudio(t *testing.T) {
	emit, events, _ := collectEvents()
	s := newTestSession(streaming.Providers{
		Chat: &fakeChat{tokens: []string{"a", "b", "c"}, delay: 30 * time.Millisecond},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	s.HandleUserText("hello")
	time.Sleep(15 * time.Millisecond)
	s.HandleStopTTS("barge_in")

	waitFor(t, events, string(orchestrator.EventTTSCancelled), time.Second)

	s.mu.Lock()
	interruptions := s.metrics.Interruptions
	s.mu.Unlock()
	if interruptions != 1 {
		t.Fatalf("expected exactly one interruption recorded, got %d", interruptions)
	}
}

func TestSessionBusyRejectsOverlappingUtterance(t *testing.T) {
	emit, events, _ := collectEvents()
	s := newTestSession(streaming.Providers{
		Chat: &fakeChat{tokens: []string{"a", "b"}, delay: 50 * time.Millisecond},
		TTS:  &fakeTTS{},
	}, emit)
	defer s.Close()

	s.HandleUserText("first")
	s.HandleUserText("second")

	waitFor(t, events, string(orchestrator.EventError), time.Second)

	busyFound := false
	for _, e := range events() {
		if e == string(orchestrator.EventError) {
			busyFound = true
		}
	}
	if !busyFound {
		t.Fatalf("expected a busy error for the overlapping utterance, got %v", events())
	}
}

func TestDecodeAudioChunkRoundtrip(t *testing.T) {
	data, err := DecodeAudioChunk(b64("pcm-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "pcm-bytes" {
		t.Fatalf("got %q, want %q", data, "pcm-bytes")
	}

	if _, err := DecodeAudioChunk("not-base64!!"); err == nil {
		t.Fatal("expected an error decoding invalid base64")
	}
}
