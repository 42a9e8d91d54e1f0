package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"stockbot/internal/config"
	"stockbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- Gemini ---

func TestGemini_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k123" {
			t.Errorf("missing api key in query")
		}
		w.Write([]byte(`{
			"candidates": [{"content":{"role":"model","parts":[{"text":"你好！"}]},"finishReason":"STOP"}],
			"usageMetadata": {"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}
		}`))
	}))
	defer srv.Close()

	g := NewGemini(GeminiConfig{APIKey: "k123", APIBase: srv.URL, Logger: testLogger()})
	resp, err := g.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "你是股票助理"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "你好！" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("unexpected finish reason: %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestGemini_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	g := NewGemini(GeminiConfig{APIBase: srv.URL, Logger: testLogger()})
	if _, err := g.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestGemini_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	g := NewGemini(GeminiConfig{APIBase: srv.URL, Logger: testLogger()})
	if _, err := g.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

// --- OpenAI ---

func TestOpenAI_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"total_tokens":8}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, Logger: testLogger()})
	resp, err := o.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
}

// --- Failover ---

type fakeProvider struct {
	name  string
	fail  bool
	calls int
}

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("%s unavailable", f.name)
	}
	return &domain.ChatResponse{Content: f.name + " reply"}, nil
}
func (f *fakeProvider) Name() string                     { return f.name }
func (f *fakeProvider) Models() []string                 { return []string{f.name + "-model"} }
func (f *fakeProvider) Healthy(ctx context.Context) error {
	if f.fail {
		return fmt.Errorf("unhealthy")
	}
	return nil
}

func TestFailover_UsesFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", fail: true}
	backup := &fakeProvider{name: "backup"}

	fp := NewFailoverProvider([]domain.Provider{primary, backup}, testLogger())
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("failover chat: %v", err)
	}
	if resp.Content != "backup reply" {
		t.Errorf("expected backup reply, got %s", resp.Content)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("unexpected call counts: primary=%d backup=%d", primary.calls, backup.calls)
	}
}

func TestFailover_AllFail(t *testing.T) {
	fp := NewFailoverProvider([]domain.Provider{
		&fakeProvider{name: "a", fail: true},
		&fakeProvider{name: "b", fail: true},
	}, testLogger())

	if _, err := fp.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error when all providers fail")
	}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}

	fp := NewFailoverProvider([]domain.Provider{primary, backup}, testLogger())
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "primary reply" {
		t.Errorf("expected primary reply, got %s", resp.Content)
	}
	if backup.calls != 0 {
		t.Error("backup should not be called when primary succeeds")
	}
}

// --- Factory ---

func factoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.General.DefaultProvider = "gemini"
	cfg.Providers = map[string]config.ProviderConfig{
		"gemini": {Enabled: true, APIKey: "k", APIBase: "http://localhost:1"},
		"openai": {Enabled: false, APIKey: "k", APIBase: "http://localhost:1"},
	}
	return cfg
}

func TestFactory_GetCaches(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	p1, err := f.Get("gemini")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := f.Get("gemini")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("expected cached provider instance")
	}
}

func TestFactory_DisabledProvider(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	if _, err := f.Get("openai"); err == nil {
		t.Fatal("expected error for disabled provider")
	}
}

func TestFactory_UnknownProvider(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	if _, err := f.Get("nope"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestFactory_DefaultUsesConfiguredName(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	p, err := f.Get("")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "gemini" {
		t.Errorf("expected gemini default, got %s", p.Name())
	}
}
