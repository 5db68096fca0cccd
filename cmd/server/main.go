// Command server is the WebSocket + admin HTTP entry point: it wires the
// Connection Hub (C7) and its dependencies — settings cache, persistence
// store, provider adapters, and metrics — exactly the way cmd/agent/main.go
// wires a local capture/playback device, just pointed at an HTTP listener
// instead of a sound card.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalrelay/vocalrelay-core/internal/adminapi"
	"github.com/vocalrelay/vocalrelay-core/internal/config"
	"github.com/vocalrelay/vocalrelay-core/internal/metrics"
	"github.com/vocalrelay/vocalrelay-core/internal/store"
	"github.com/vocalrelay/vocalrelay-core/pkg/hub"
	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
	"github.com/vocalrelay/vocalrelay-core/pkg/providers/llm"
	"github.com/vocalrelay/vocalrelay-core/pkg/providers/stt"
	"github.com/vocalrelay/vocalrelay-core/pkg/providers/tts"
	"github.com/vocalrelay/vocalrelay-core/pkg/session"
	"github.com/vocalrelay/vocalrelay-core/pkg/settings"
	"github.com/vocalrelay/vocalrelay-core/pkg/streaming"
)

const defaultSystemPrompt = "You are a helpful, concise voice assistant. Keep replies short and conversational."

// configHolder lets POST /api/admin/restart (§6) swap in freshly-read
// environment credentials without restarting the process; every connection
// build reads the latest value.
type configHolder struct {
	mu  sync.RWMutex
	cfg config.Config
}

func (h *configHolder) Load() config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *configHolder) Store(cfg config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func main() {
	cfg := config.Load()
	logger := orchestrator.NewSlogLogger(envOr("LOG_LEVEL", "info"))

	holder := &configHolder{cfg: cfg}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("server: store init failed: %v", err)
	}
	defer closeStore()

	cache := settings.New(st)

	mp, shutdownMetrics, err := metrics.Provider("vocalrelay-core")
	if err != nil {
		log.Fatalf("server: metrics init failed: %v", err)
	}
	met, err := metrics.New(mp)
	if err != nil {
		log.Fatalf("server: metrics instruments failed: %v", err)
	}

	h := hub.New(hub.Options{
		Build:         sessionBuilder(holder, cache, st, logger, met),
		Metrics:       met,
		Logger:        logger,
		AcceptOptions: acceptOptions(cfg.CORSOrigins),
	})

	admin := &adminapi.Handler{
		Cache:    cache,
		Store:    st,
		Validate: llm.ValidateAPIKey,
		Reload: func() (bool, error) {
			holder.Store(config.FromEnviron())
			return holder.Load().HasCredentials(), nil
		},
		ProviderName: cfg.LLMProvider,
		WSPath:       "/socket.io/",
		Configured:   func() bool { return holder.Load().HasCredentials() },
	}

	mux := http.NewServeMux()
	admin.Register(mux)
	mux.Handle("/socket.io/", h)
	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	addr := ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("server: listening on %s (ws path /socket.io/)", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: listen failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown error: %v", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Printf("server: metrics shutdown error: %v", err)
	}
	log.Printf("server: %d active sessions at shutdown", h.ActiveSessions())
}

func serveMetrics(addr string, logger orchestrator.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "addr", addr, "error", err)
	}
}

// buildStore wires internal/store: Postgres when DATABASE_URL is set
// (migrating on startup), otherwise the in-memory store used for local
// development and the admin/hub tests.
func buildStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("server: DATABASE_URL not set, using in-memory store (not for production)")
		return store.NewMemoryStore(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

// acceptOptions derives coder/websocket's origin policy from CORS_ORIGINS
// (§6). "*" disables origin checking entirely; anything else is split into
// explicit OriginPatterns.
func acceptOptions(corsOrigins string) *websocket.AcceptOptions {
	if corsOrigins == "" || corsOrigins == "*" {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := strings.Split(corsOrigins, ",")
	for i := range patterns {
		patterns[i] = strings.TrimSpace(patterns[i])
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// sessionBuilder returns a hub.SessionBuilder that re-reads settings and
// rebuilds provider adapters on every connection, so a settings write or an
// admin credential reload takes effect on the next connect (§4.1, §6).
func sessionBuilder(holder *configHolder, cache *settings.Cache, st store.Store, logger orchestrator.Logger, met *metrics.Metrics) hub.SessionBuilder {
	return func(ctx context.Context) (session.Options, error) {
		snap, err := cache.Get(ctx)
		if err != nil {
			return session.Options{}, err
		}
		cfg := holder.Load()

		providers := buildProviders(cfg, snap)
		pipelineCfg := buildPipelineConfig(cfg, snap)

		sessCfg := orchestrator.DefaultConfig()
		sessCfg.DefaultTier = pipelineCfg.Tier
		sessCfg.STTTimeout = 60
		sessCfg.ChatTimeout = 60
		sessCfg.TTSTimeout = 60

		return session.Options{
			Providers: providers,
			Config:    sessCfg,
			Pipeline:  pipelineCfg,
			Store:     st,
			Logger:    logger,
			Metrics:   met,
		}, nil
	}
}

// buildProviders constructs the Provider Adapter (C4) set for one connection
// from the live env config plus any per-settings model overrides (§6). A
// vendor without credentials configured yields a nil provider for that role;
// pkg/streaming and pkg/session already treat STT/Moderation as optional and
// surface a stage error if Chat/TTS are nil.
func buildProviders(cfg config.Config, snap map[string]string) streaming.Providers {
	chatModel := firstNonEmpty(snap["chat_model"], cfg.ChatModel)
	ttsModel := firstNonEmpty(snap["tts_model"], cfg.TTSModel)

	var sttProvider orchestrator.STTProvider
	switch cfg.STTProvider {
	case "groq":
		if cfg.GroqAPIKey != "" {
			sttProvider = stt.NewGroqSTT(cfg.GroqAPIKey, cfg.GroqBaseURL, cfg.STTModel)
		}
	default:
		if cfg.OpenAIAPIKey != "" {
			sttProvider = stt.NewOpenAIWhisper(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.STTModel)
		}
	}

	var chatProvider orchestrator.StreamingLLMProvider
	var moderation orchestrator.ModerationProvider
	switch cfg.LLMProvider {
	case "groq":
		if cfg.GroqAPIKey != "" {
			chatProvider = llm.NewGroqLLM(cfg.GroqAPIKey, cfg.GroqBaseURL, chatModel)
		}
	case "anthropic":
		if cfg.AnthropicAPIKey != "" {
			chatProvider = llm.NewAnthropicLLM(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, chatModel)
		}
	case "google":
		if cfg.GoogleAPIKey != "" {
			chatProvider = llm.AsStreaming{LLMProvider: llm.NewGoogleLLM(cfg.GoogleAPIKey, cfg.GoogleBaseURL, chatModel)}
		}
	default:
		if cfg.OpenAIAPIKey != "" {
			oaiChat := llm.NewOpenAIChat(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, chatModel)
			chatProvider = oaiChat
			moderation = oaiChat
		}
	}

	var ttsProvider orchestrator.TTSProvider
	switch cfg.TTSProvider {
	case "lokutor":
		if cfg.LokutorAPIKey != "" {
			ttsProvider = tts.NewLokutorTTS(cfg.LokutorAPIKey)
		}
	default:
		if cfg.OpenAIAPIKey != "" {
			ttsProvider = tts.NewOpenAISpeech(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, ttsModel)
		}
	}

	return streaming.Providers{STT: sttProvider, Chat: chatProvider, TTS: ttsProvider, Moderation: moderation}
}

// buildPipelineConfig derives streaming.Config from the settings snapshot
// (§6 recognized keys), falling back to env defaults for anything unset.
func buildPipelineConfig(cfg config.Config, snap map[string]string) streaming.Config {
	tier := orchestrator.Tier(snap["tier"]).Normalize()

	voice := cfg.TTSVoice
	if v := snap["voice_name"]; v != "" {
		voice = orchestrator.Voice(v)
	}

	systemPrompt := snap["system_prompt"]
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	var maxTokens int
	if v := snap["max_tokens_out"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxTokens = n
		}
	}

	var temperature float64
	if v := snap["temperature"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			temperature = f
		}
	}

	return streaming.Config{
		Tier:         tier,
		TTSModel:     firstNonEmpty(snap["tts_model"], cfg.TTSModel),
		Voice:        voice,
		SystemPrompt: systemPrompt,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
