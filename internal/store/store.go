// Package store implements the Postgres-backed persistence layer of §6: the
// settings key/value table backing pkg/settings, plus the append-only
// conversations and logs tables used by the admin API.
package store

import (
	"context"
	"time"
)

// Settings is the flat key/value configuration snapshot of §6. Defined as an
// alias so it satisfies pkg/settings.Store's plain map[string]string contract
// without a conversion at every call site.
type Settings = map[string]string

// ConversationEntry is a single append-only conversation row.
type ConversationEntry struct {
	ID        int64
	Role      string
	Text      string
	CreatedAt time.Time
	TokensIn  int
	TokensOut int
	Cost      float64
}

// LogEntry is a single append-only server log row, distinct from the
// structured slog output — this is the subset surfaced to the admin UI.
type LogEntry struct {
	ID        int64
	Level     string
	Message   string
	CreatedAt time.Time
}

// CostAnalytics summarizes conversation cost over a trailing window. The
// admin status endpoint does not report it.
type CostAnalytics struct {
	TotalCost      float64
	TotalTokensIn  int
	TotalTokensOut int
	MessageCount   int
}

// SettingsStore persists the settings table. pkg/settings.Cache wraps one of
// these with an in-process read cache.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is the full persistence contract used by internal/adminapi. It
// composes SettingsStore so a *PostgresStore or *MemoryStore can satisfy
// both without a second wrapper type.
type Store interface {
	SettingsStore

	AddMessage(ctx context.Context, role, text string, tokensIn, tokensOut int, cost float64) error
	ListMessages(ctx context.Context, limit int) ([]ConversationEntry, error)
	ClearMessages(ctx context.Context) error
	UpdateConversationCost(ctx context.Context, id int64, additionalCost float64) error

	AddLog(ctx context.Context, level, message string) error
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)

	CostAnalytics(ctx context.Context, since time.Time) (CostAnalytics, error)
}
