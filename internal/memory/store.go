package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stockbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MemoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		channel     TEXT,
		chat_id     TEXT,
		provider    TEXT,
		model       TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(channel, chat_id);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT,
		intent          TEXT,
		tokens_in       INTEGER DEFAULT 0,
		tokens_out      INTEGER DEFAULT 0,
		latency_ms      INTEGER DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS user_states (
		user_id     TEXT PRIMARY KEY,
		stage       TEXT NOT NULL,
		payload     TEXT,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS adapter_audit (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		adapter     TEXT NOT NULL,
		operation   TEXT,
		target      TEXT,
		result      TEXT,
		detail      TEXT,
		latency_ms  INTEGER DEFAULT 0,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON adapter_audit(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, channel, chat_id, provider, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Channel, conv.ChatID, conv.Provider, conv.Model, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, provider, model, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Channel, &conv.ChatID, &conv.Provider, &conv.Model, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, provider, model, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Channel, &c.ChatID, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	// ON DELETE CASCADE needs foreign keys enabled; delete explicitly instead.
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	return err
}

func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, intent, tokens_in, tokens_out, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		convID, msg.Role, msg.Content, msg.Intent, msg.TokensIn, msg.TokensOut, msg.LatencyMs, msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID,
	)
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	// Get last N messages, ordered oldest first
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, intent, tokens_in, tokens_out, latency_ms, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var intent sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&intent, &m.TokensIn, &m.TokensOut, &m.LatencyMs, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Intent = intent.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) SetUserState(ctx context.Context, userID string, state domain.UserState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_states (user_id, stage, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET stage=excluded.stage, payload=excluded.payload, updated_at=excluded.updated_at`,
		userID, state.Stage, state.Payload, state.UpdatedAt,
	)
	return err
}

// GetUserState returns the stored state for the user. Users with no stored
// state get StageIdle rather than an error.
func (s *SQLiteStore) GetUserState(ctx context.Context, userID string) (domain.UserState, error) {
	var state domain.UserState
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, stage, payload, updated_at FROM user_states WHERE user_id = ?`, userID,
	).Scan(&state.UserID, &state.Stage, &payload, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.UserState{UserID: userID, Stage: domain.StageIdle}, nil
	}
	if err != nil {
		return domain.UserState{}, err
	}
	state.Payload = payload.String
	return state, nil
}

func (s *SQLiteStore) ClearUserState(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) AuditAdapterCall(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adapter_audit (adapter, operation, target, result, detail, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Adapter, entry.Operation, entry.Target, entry.Result, entry.Detail, entry.LatencyMs, entry.CreatedAt,
	)
	return err
}

// RecentAudits returns the newest audit entries, newest first.
func (s *SQLiteStore) RecentAudits(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, adapter, operation, target, result, detail, latency_ms, created_at
		 FROM adapter_audit ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var operation, target, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Adapter, &operation, &target, &e.Result, &detail, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Operation = operation.String
		e.Target = target.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
