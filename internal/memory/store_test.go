package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockbot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "stockbot.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := domain.Conversation{
		ID:      "conv-1",
		Channel: "line",
		ChatID:  "user-42",
		Provider: "gemini",
		Model:    "gemini-1.5-flash",
	}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("conversation not found")
	}
	if got.Channel != "line" || got.ChatID != "user-42" || got.Provider != "gemini" {
		t.Errorf("unexpected conversation: %+v", got)
	}

	// Creating the same ID again is a no-op, not an error.
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Errorf("duplicate create: %v", err)
	}
}

func TestGetConversation_Missing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetConversation(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for missing conversation, got %+v", got)
	}
}

func TestMessages_OrderAndIntent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, domain.Conversation{ID: "c1", Channel: "cli", ChatID: "u"}); err != nil {
		t.Fatal(err)
	}
	for i, m := range []domain.MessageRecord{
		{Role: "user", Content: "2330 股價", Intent: "stock_query"},
		{Role: "assistant", Content: "📈【台積電】(2330)", Intent: "stock_query"},
		{Role: "user", Content: "你好", Intent: "chat_query"},
	} {
		if err := s.AddMessage(ctx, "c1", m); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	msgs, err := s.GetMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// Chronological order, oldest first.
	if msgs[0].Content != "2330 股價" || msgs[2].Content != "你好" {
		t.Errorf("messages out of order: %+v", msgs)
	}
	if msgs[0].Intent != "stock_query" || msgs[2].Intent != "chat_query" {
		t.Errorf("intent not persisted: %+v", msgs)
	}
}

func TestMessages_LimitReturnsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, domain.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.AddMessage(ctx, "c1", domain.MessageRecord{Role: "user", Content: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetMessages(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "d" || msgs[1].Content != "e" {
		t.Errorf("expected the two newest in order, got %+v", msgs)
	}
}

func TestDeleteConversation_RemovesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, domain.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, "c1", domain.MessageRecord{Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages after delete, got %d", len(msgs))
	}
}

func TestUserState_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unknown user starts idle.
	state, err := s.GetUserState(ctx, "line:u1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Stage != domain.StageIdle {
		t.Errorf("expected idle for unknown user, got %q", state.Stage)
	}

	if err := s.SetUserState(ctx, "line:u1", domain.UserState{
		UserID: "line:u1",
		Stage:  domain.StageAwaitingNewsKeyword,
	}); err != nil {
		t.Fatal(err)
	}

	state, err = s.GetUserState(ctx, "line:u1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Stage != domain.StageAwaitingNewsKeyword {
		t.Errorf("expected awaiting_news_keyword, got %q", state.Stage)
	}

	// Upsert replaces the stage.
	if err := s.SetUserState(ctx, "line:u1", domain.UserState{
		UserID: "line:u1",
		Stage:  domain.StageAwaitingStockCode,
	}); err != nil {
		t.Fatal(err)
	}
	state, _ = s.GetUserState(ctx, "line:u1")
	if state.Stage != domain.StageAwaitingStockCode {
		t.Errorf("upsert did not replace stage, got %q", state.Stage)
	}

	if err := s.ClearUserState(ctx, "line:u1"); err != nil {
		t.Fatal(err)
	}
	state, _ = s.GetUserState(ctx, "line:u1")
	if state.Stage != domain.StageIdle {
		t.Errorf("expected idle after clear, got %q", state.Stage)
	}
}

func TestAudit_InsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []domain.AuditEntry{
		{Adapter: "quotes", Operation: "realtime", Target: "2330", Result: "ok", LatencyMs: 120},
		{Adapter: "news", Operation: "search", Target: "台積電", Result: "error", Detail: "quota exceeded", LatencyMs: 450},
	}
	for _, e := range entries {
		if err := s.AuditAdapterCall(ctx, e); err != nil {
			t.Fatalf("audit: %v", err)
		}
	}

	got, err := s.RecentAudits(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(got))
	}
	// Newest first.
	if got[0].Adapter != "news" || got[0].Result != "error" || got[0].Detail != "quota exceeded" {
		t.Errorf("unexpected newest entry: %+v", got[0])
	}
	if got[1].Adapter != "quotes" || got[1].LatencyMs != 120 {
		t.Errorf("unexpected oldest entry: %+v", got[1])
	}
}

func TestListConversations_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	if err := s.CreateConversation(ctx, domain.Conversation{ID: "old", CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateConversation(ctx, domain.Conversation{ID: "new"}); err != nil {
		t.Fatal(err)
	}

	convs, err := s.ListConversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != "new" {
		t.Errorf("expected newest first, got %s", convs[0].ID)
	}
}
