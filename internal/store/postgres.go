package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the three tables of §6.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION NOT NULL DEFAULT 0.0
);
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT
);

CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_logs_level_created ON logs(level, created_at);
CREATE INDEX IF NOT EXISTS idx_settings_key ON settings(key);
`

// DB is the subset of pgx's connection surface PostgresStore needs. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a Store backed by PostgreSQL via jackc/pgx.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection or pool. Callers must call
// Migrate before issuing queries against a fresh database.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the Schema DDL, creating tables and indexes if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, role, text string, tokensIn, tokensOut int, cost float64) error {
	const query = `INSERT INTO conversations(role, text, tokens_in, tokens_out, cost) VALUES ($1,$2,$3,$4,$5)`
	_, err := s.db.Exec(ctx, query, role, text, tokensIn, tokensOut, cost)
	if err != nil {
		return fmt.Errorf("store: add message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, role, text, created_at, tokens_in, tokens_out, cost
		FROM conversations
		ORDER BY created_at DESC, id DESC
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.Role, &e.Text, &e.CreatedAt, &e.TokensIn, &e.TokensOut, &e.Cost); err != nil {
			return nil, fmt.Errorf("store: list messages scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ClearMessages(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("store: clear messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversationCost(ctx context.Context, id int64, additionalCost float64) error {
	const query = `UPDATE conversations SET cost = cost + $1 WHERE id = $2`
	_, err := s.db.Exec(ctx, query, additionalCost, id)
	if err != nil {
		return fmt.Errorf("store: update conversation cost: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddLog(ctx context.Context, level, message string) error {
	const query = `INSERT INTO logs(level, message) VALUES ($1,$2)`
	_, err := s.db.Exec(ctx, query, level, message)
	if err != nil {
		return fmt.Errorf("store: add log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	const query = `
		SELECT id, level, message, created_at
		FROM logs
		WHERE created_at >= now() - interval '120 days'
		ORDER BY created_at DESC, id DESC
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list logs scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO settings(key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := s.db.Exec(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	defer rows.Close()

	out := make(Settings)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: get settings scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CostAnalytics(ctx context.Context, since time.Time) (CostAnalytics, error) {
	const query = `
		SELECT COALESCE(SUM(cost), 0), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COUNT(*)
		FROM conversations
		WHERE created_at >= $1`
	var a CostAnalytics
	err := s.db.QueryRow(ctx, query, since).Scan(&a.TotalCost, &a.TotalTokensIn, &a.TotalTokensOut, &a.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CostAnalytics{}, nil
		}
		return CostAnalytics{}, fmt.Errorf("store: cost analytics: %w", err)
	}
	return a, nil
}
