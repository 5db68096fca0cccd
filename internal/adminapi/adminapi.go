// Package adminapi implements the HTTP admin surface of §6: settings CRUD,
// health, conversation/log listing, and API-key validation. Routing follows
// the pack's internal/health package (a plain *http.ServeMux with Go 1.22+
// method-pattern routes); responses use the spec's envelope
// {status, message, data?, code?}.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vocalrelay/vocalrelay-core/internal/store"
	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
	"github.com/vocalrelay/vocalrelay-core/pkg/settings"
)

// envelope is the {status, message, data?, code?} wire shape of §6.
type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// KeyValidator validates an API key, e.g. by calling the provider's models
// list endpoint (§6 "POST /api/admin/test-api-key"). Returns nil if valid.
type KeyValidator func(ctx context.Context, apiKey, baseURL string) error

// CredentialReloader re-reads provider credentials from the environment
// (§6 "POST /api/admin/restart"). Returns whether the active provider has
// credentials configured so the handler can report it.
type CredentialReloader func() (configured bool, err error)

// Handler serves the admin surface. It is safe for concurrent use; Cache and
// Store already guard their own state.
type Handler struct {
	Cache        *settings.Cache
	Store        store.Store
	Validate     KeyValidator
	Reload       CredentialReloader
	ProviderName string // reported in /status, e.g. "openai"
	WSPath       string // e.g. "/socket.io/", reported by /health

	// Configured reports whether the active provider has credentials, e.g.
	// config.Config.HasCredentials. Nil is treated as "not configured".
	Configured func() bool
}

// Register mounts every admin route plus /health, /api/health on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/status", h.handleStatus)
	mux.HandleFunc("GET /api/admin/settings", h.handleGetSettings)
	mux.HandleFunc("POST /api/admin/settings", h.handlePostSettings)
	mux.HandleFunc("POST /api/admin/test-api-key", h.handleTestAPIKey)
	mux.HandleFunc("GET /api/admin/conversations", h.handleListConversations)
	mux.HandleFunc("DELETE /api/admin/conversations", h.handleClearConversations)
	mux.HandleFunc("GET /api/admin/logs", h.handleListLogs)
	mux.HandleFunc("POST /api/admin/restart", h.handleRestart)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/health", h.handleHealth)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Cache.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read settings", "settings_error")
		return
	}
	configured := snap["openai_api_key"] != ""
	if h.Configured != nil {
		configured = configured || h.Configured()
	}
	data := map[string]interface{}{
		"provider_configured": configured,
		"provider":            h.ProviderName,
		"tier":                orchestrator.Tier(snap["tier"]).Normalize(),
	}
	writeOK(w, data, "")
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Cache.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read settings", "settings_error")
		return
	}
	writeOK(w, snap, "")
}

// recognizedSettingsKeys is the closed key set of §6.
var recognizedSettingsKeys = map[string]bool{
	"tier": true, "chat_model": true, "tts_model": true, "voice_name": true,
	"system_prompt": true, "max_tokens_out": true, "temperature": true,
	"openai_api_key": true, "openai_base_url": true,
}

func (h *Handler) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}

	for key, value := range body {
		if !recognizedSettingsKeys[key] {
			continue
		}
		if err := h.Cache.Set(r.Context(), key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to write setting: "+key, "settings_error")
			return
		}
	}
	snap, err := h.Cache.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read settings", "settings_error")
		return
	}
	writeOK(w, snap, "settings updated")
}

func (h *Handler) handleTestAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey  string `json:"api_key"`
		BaseURL string `json:"base_url"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	apiKey := body.APIKey
	if apiKey == "" {
		snap, _ := h.Cache.Get(r.Context())
		apiKey = snap["openai_api_key"]
	}
	baseURL := body.BaseURL
	if baseURL == "" {
		snap, _ := h.Cache.Get(r.Context())
		baseURL = snap["openai_base_url"]
	}

	if h.Validate == nil {
		writeError(w, http.StatusServiceUnavailable, "no key validator configured", "unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := h.Validate(ctx, apiKey, baseURL); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid API key: "+err.Error(), "invalid_key")
		return
	}
	writeOK(w, map[string]bool{"valid": true}, "API key is valid")
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	entries, err := h.Store.ListMessages(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations", "store_error")
		return
	}
	writeOK(w, entries, "")
}

func (h *Handler) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearMessages(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear conversations", "store_error")
		return
	}
	writeOK(w, nil, "conversations cleared")
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 200)
	entries, err := h.Store.ListLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list logs", "store_error")
		return
	}
	writeOK(w, entries, "")
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if h.Reload == nil {
		writeError(w, http.StatusServiceUnavailable, "no reload hook configured", "unavailable")
		return
	}
	h.Cache.Invalidate()
	configured, err := h.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload credentials: "+err.Error(), "reload_error")
		return
	}
	writeOK(w, map[string]bool{"provider_configured": configured}, "credentials reloaded")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	wsPath := h.WSPath
	if wsPath == "" {
		wsPath = "/socket.io/"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "ws": wsPath})
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeOK(w http.ResponseWriter, data interface{}, message string) {
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, envelope{Status: "error", Message: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error","message":"encoding failure"}`, http.StatusInternalServerError)
	}
}
