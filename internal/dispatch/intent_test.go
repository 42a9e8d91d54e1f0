package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"stockbot/internal/config"
	"stockbot/internal/domain"
	"stockbot/internal/market"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClassifier(t *testing.T, cfg config.DispatchConfig, p domain.Provider) *Classifier {
	t.Helper()
	return NewClassifier(cfg, market.NewSymbolTable(), p, testLogger())
}

func TestClassify_MenuPhrases(t *testing.T) {
	c := newTestClassifier(t, config.DispatchConfig{}, nil)

	cases := []struct {
		in   string
		want Intent
	}{
		{"我想看股價！", IntentStock},
		{"我想看走勢圖！", IntentChart},
		{"我想知道最新時事！", IntentNews},
		{"  我想看股價！  ", IntentStock}, // trims whitespace
	}
	for _, tc := range cases {
		if got := c.Classify(tc.in); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestClassify_Keywords(t *testing.T) {
	c := newTestClassifier(t, config.DispatchConfig{}, nil)

	cases := []struct {
		in   string
		want Intent
	}{
		{"2330 的股價是多少", IntentStock},
		{"給我台積電的走勢圖", IntentChart},
		{"台積電最近有什麼新聞", IntentNews},
		{"今天天氣如何", IntentChat},
		{"What's the stock price of 2330?", IntentStock},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.in); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestClassify_ChartWinsOverStock(t *testing.T) {
	c := newTestClassifier(t, config.DispatchConfig{}, nil)
	// Mentions both 股價 and 走勢圖. The chart request is the more specific ask.
	if got := c.Classify("台積電股價走勢圖"); got != IntentChart {
		t.Errorf("expected chart intent, got %s", got)
	}
}

func TestClassify_ConfigKeywordsExtendBuiltins(t *testing.T) {
	c := newTestClassifier(t, config.DispatchConfig{
		StockKeywords: []string{"多少錢"},
	}, nil)

	if got := c.Classify("台積電現在多少錢"); got != IntentStock {
		t.Errorf("config keyword not honored, got %s", got)
	}
	// Built-ins still apply.
	if got := c.Classify("2330 股價"); got != IntentStock {
		t.Errorf("built-in keyword lost, got %s", got)
	}
}

func TestExtractCodes_Static(t *testing.T) {
	c := newTestClassifier(t, config.DispatchConfig{}, nil)

	codes := c.ExtractCodes(context.Background(), "幫我查 2330 和鴻海")
	if len(codes) != 2 {
		t.Fatalf("expected 2 codes, got %v", codes)
	}
	if codes[0] != "2330" || codes[1] != "2317" {
		t.Errorf("unexpected codes: %v", codes)
	}
}

type extractProvider struct {
	reply string
	err   error
	calls int
}

func (p *extractProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Content: p.reply}, nil
}
func (p *extractProvider) Name() string                      { return "fake" }
func (p *extractProvider) Models() []string                  { return nil }
func (p *extractProvider) Healthy(ctx context.Context) error { return nil }

func TestExtractCodes_LLMFallback(t *testing.T) {
	p := &extractProvider{reply: "1101"}
	c := newTestClassifier(t, config.DispatchConfig{LLMExtraction: true}, p)

	codes := c.ExtractCodes(context.Background(), "水泥龍頭的股價")
	if len(codes) != 1 || codes[0] != "1101" {
		t.Fatalf("expected [1101], got %v", codes)
	}
	if p.calls != 1 {
		t.Errorf("expected 1 LLM call, got %d", p.calls)
	}
}

func TestExtractCodes_LLMNotCalledWhenStaticMatches(t *testing.T) {
	p := &extractProvider{reply: "9999"}
	c := newTestClassifier(t, config.DispatchConfig{LLMExtraction: true}, p)

	codes := c.ExtractCodes(context.Background(), "台積電股價")
	if len(codes) != 1 || codes[0] != "2330" {
		t.Fatalf("expected [2330], got %v", codes)
	}
	if p.calls != 0 {
		t.Errorf("LLM should not be called for alias hits, got %d calls", p.calls)
	}
}

func TestExtractCodes_LLMNone(t *testing.T) {
	p := &extractProvider{reply: "NONE"}
	c := newTestClassifier(t, config.DispatchConfig{LLMExtraction: true}, p)

	if codes := c.ExtractCodes(context.Background(), "那個誰的股價"); codes != nil {
		t.Errorf("expected nil codes for NONE reply, got %v", codes)
	}
}

func TestExtractCodes_LLMErrorDegrades(t *testing.T) {
	p := &extractProvider{err: fmt.Errorf("quota exceeded")}
	c := newTestClassifier(t, config.DispatchConfig{LLMExtraction: true}, p)

	if codes := c.ExtractCodes(context.Background(), "神祕公司的股價"); codes != nil {
		t.Errorf("expected nil codes on LLM error, got %v", codes)
	}
}
