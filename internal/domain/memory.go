package domain

import (
	"context"
	"time"
)

// MemoryStore handles persistent storage of conversations, per-user dialog
// state, and the adapter audit log.
type MemoryStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, convID string, msg MessageRecord) error
	GetMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)

	SetUserState(ctx context.Context, userID string, state UserState) error
	GetUserState(ctx context.Context, userID string) (UserState, error)
	ClearUserState(ctx context.Context, userID string) error

	AuditAdapterCall(ctx context.Context, entry AuditEntry) error

	Close() error
}

type Conversation struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageRecord struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Intent         string    `json:"intent,omitempty"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	LatencyMs      int64     `json:"latency_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserState tracks where a user is in a multi-step dialog, e.g. waiting
// for a news keyword after the news menu phrase.
type UserState struct {
	UserID    string    `json:"user_id"`
	Stage     string    `json:"stage"` // idle | awaiting_news_keyword
	Payload   string    `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	StageIdle                = "idle"
	StageAwaitingStockCode   = "awaiting_stock_code"
	StageAwaitingChartCode   = "awaiting_chart_code"
	StageAwaitingNewsKeyword = "awaiting_news_keyword"
)

// AuditEntry records one call to an external adapter.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Adapter   string    `json:"adapter"` // quotes | history | chart | upload | news | llm
	Operation string    `json:"operation"`
	Target    string    `json:"target,omitempty"` // stock code, query, URL
	Result    string    `json:"result"`           // ok | error
	Detail    string    `json:"detail,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}
