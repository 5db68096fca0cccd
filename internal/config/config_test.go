package config

import (
	"os"
	"testing"
)

func TestFromEnvironDefaults(t *testing.T) {
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "STT_MODEL", "CHAT_MODEL",
		"TTS_MODEL", "TTS_VOICE", "PORT", "CORS_ORIGINS", "DATABASE_URL", "METRICS_ADDR",
	} {
		os.Unsetenv(key)
	}

	cfg := FromEnviron()

	if cfg.OpenAIBaseURL != "https://api.openai.com/v1" {
		t.Errorf("OpenAIBaseURL default = %q", cfg.OpenAIBaseURL)
	}
	if cfg.STTModel != "whisper-1" {
		t.Errorf("STTModel default = %q", cfg.STTModel)
	}
	if cfg.ChatModel != "gpt-4o-mini" {
		t.Errorf("ChatModel default = %q", cfg.ChatModel)
	}
	if cfg.TTSModel != "tts-1" {
		t.Errorf("TTSModel default = %q", cfg.TTSModel)
	}
	if string(cfg.TTSVoice) != "alloy" {
		t.Errorf("TTSVoice default = %q", cfg.TTSVoice)
	}
	if cfg.Port != 8001 {
		t.Errorf("Port default = %d", cfg.Port)
	}
	if cfg.CORSOrigins != "*" {
		t.Errorf("CORSOrigins default = %q", cfg.CORSOrigins)
	}
	if cfg.HasCredentials() {
		t.Error("HasCredentials should be false with no API key set")
	}
}

func TestFromEnvironOverrides(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "sk-test")
	os.Setenv("PORT", "9100")
	os.Setenv("TTS_VOICE", "nova")
	defer func() {
		os.Unsetenv("OPENAI_API_KEY")
		os.Unsetenv("PORT")
		os.Unsetenv("TTS_VOICE")
	}()

	cfg := FromEnviron()
	if !cfg.HasCredentials() {
		t.Error("HasCredentials should be true once OPENAI_API_KEY is set")
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if string(cfg.TTSVoice) != "nova" {
		t.Errorf("TTSVoice = %q, want nova", cfg.TTSVoice)
	}
}

func TestHasCredentialsFollowsLLMProvider(t *testing.T) {
	os.Setenv("LLM_PROVIDER", "groq")
	os.Setenv("GROQ_API_KEY", "gsk-test")
	defer func() {
		os.Unsetenv("LLM_PROVIDER")
		os.Unsetenv("GROQ_API_KEY")
	}()

	cfg := FromEnviron()
	if !cfg.HasCredentials() {
		t.Error("HasCredentials should be true once GROQ_API_KEY is set for LLM_PROVIDER=groq")
	}
	if cfg.OpenAIAPIKey != "" {
		t.Errorf("OpenAIAPIKey should remain unset, got %q", cfg.OpenAIAPIKey)
	}
}

func TestEnvUintOrInvalid(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	cfg := FromEnviron()
	if cfg.Port != 8001 {
		t.Errorf("Port with invalid env = %d, want fallback 8001", cfg.Port)
	}
}
