package orchestrator

import "testing"

func TestMessage(t *testing.T) {
	msg := Message{Role: "user", Content: "Hello"}
	if msg.Role != "user" {
		t.Errorf("Expected role 'user', got '%s'", msg.Role)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TokenBucketRate != 4 {
		t.Errorf("Expected token bucket rate 4, got %v", cfg.TokenBucketRate)
	}
	if cfg.MaxBufferedChunks != 160 {
		t.Errorf("Expected max buffered chunks 160, got %d", cfg.MaxBufferedChunks)
	}
	if cfg.TTSWorkerPoolSize != 4 {
		t.Errorf("Expected TTS worker pool size 4, got %d", cfg.TTSWorkerPoolSize)
	}
	if cfg.DefaultTier != TierMedium {
		t.Errorf("Expected default tier medium, got %s", cfg.DefaultTier)
	}
	if cfg.MaxContextMessages != 20 {
		t.Errorf("Expected max messages 20, got %d", cfg.MaxContextMessages)
	}
}

func TestTierNormalize(t *testing.T) {
	if Tier("bogus").Normalize() != TierMedium {
		t.Errorf("expected unknown tier to normalize to medium")
	}
	if TierHigh.Normalize() != TierHigh {
		t.Errorf("expected known tier to pass through unchanged")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Errorf("expected empty text to estimate 1 token, got %d", got)
	}
	if got := EstimateTokens("12345678"); got != 2 {
		t.Errorf("expected 8 chars to estimate 2 tokens, got %d", got)
	}
}

func TestEstimateCost(t *testing.T) {
	cost := EstimateCost(TierMedium, 1000, 1000, "", 0)
	want := PriceTable[TierMedium].InputPer1K + PriceTable[TierMedium].OutputPer1K
	if cost != want {
		t.Errorf("expected cost %v, got %v", want, cost)
	}

	withTTS := EstimateCost(TierMedium, 0, 0, "tts-1", 1_000_000)
	if withTTS != TTSPricePerMillionChars["tts-1"] {
		t.Errorf("expected TTS-only cost %v, got %v", TTSPricePerMillionChars["tts-1"], withTTS)
	}
}

func TestNewConversationSession(t *testing.T) {
	session := NewConversationSession("user_123")
	if session.ID != "user_123" {
		t.Errorf("Expected ID 'user_123', got '%s'", session.ID)
	}
	if len(session.Context) != 0 {
		t.Errorf("Expected empty context")
	}
}

func TestAddMessage(t *testing.T) {
	session := NewConversationSession("user_456")
	session.AddMessage("user", "Hello")
	if len(session.Context) != 1 {
		t.Errorf("Expected 1 message")
	}
	if session.LastUser != "Hello" {
		t.Errorf("Expected last user 'Hello'")
	}
}

func TestAddMessageTrimsOldest(t *testing.T) {
	session := NewConversationSession("user_trim")
	session.MaxMessages = 2
	session.AddMessage("user", "one")
	session.AddMessage("assistant", "two")
	session.AddMessage("user", "three")
	if len(session.Context) != 2 {
		t.Fatalf("expected 2 messages retained, got %d", len(session.Context))
	}
	if session.Context[0].Content != "two" {
		t.Errorf("expected oldest message trimmed, got %q first", session.Context[0].Content)
	}
}

func TestClearContext(t *testing.T) {
	session := NewConversationSession("user_789")
	session.AddMessage("user", "Test")
	session.ClearContext()
	if len(session.Context) != 0 {
		t.Errorf("Expected empty context after clear")
	}
}

func TestGetContextCopyIsDefensive(t *testing.T) {
	session := NewConversationSession("user_copy")
	session.AddMessage("user", "hi")
	cp := session.GetContextCopy()
	cp[0].Content = "mutated"
	if session.Context[0].Content != "hi" {
		t.Errorf("expected internal context unaffected by mutation of copy")
	}
}
