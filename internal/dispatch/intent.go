package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"stockbot/internal/config"
	"stockbot/internal/domain"
	"stockbot/internal/market"
)

// Intent is the category a user message is routed by.
type Intent string

const (
	IntentStock Intent = "stock_query"
	IntentChart Intent = "chart_request"
	IntentNews  Intent = "news_query"
	IntentChat  Intent = "chat_query"
)

// Menu phrases. An exact match (after trimming) always wins over keyword
// scoring, so the rich-menu buttons behave deterministically.
const (
	MenuStock = "我想看股價！"
	MenuChart = "我想看走勢圖！"
	MenuNews  = "我想知道最新時事！"
)

var builtinKeywords = map[Intent][]string{
	IntentStock: {"股價", "股票", "報價", "收盤", "quote", "price"},
	IntentChart: {"走勢", "走勢圖", "線圖", "k線", "chart", "trend"},
	IntentNews:  {"新聞", "時事", "頭條", "news"},
}

var codeDigits = regexp.MustCompile(`\d{4,6}`)

// Classifier maps message text to an Intent and extracts stock codes.
// Classification is keyword-scored; an optional LLM pass resolves company
// names that the static alias table does not cover.
type Classifier struct {
	keywords map[Intent][]string // pre-computed lowercase
	symbols  *market.SymbolTable
	provider domain.Provider
	llm      bool
	logger   *slog.Logger
}

// NewClassifier builds a classifier from the dispatch config. Configured
// keywords extend the built-in sets. provider may be nil when LLM
// extraction is disabled.
func NewClassifier(cfg config.DispatchConfig, symbols *market.SymbolTable, provider domain.Provider, logger *slog.Logger) *Classifier {
	kw := make(map[Intent][]string, len(builtinKeywords))
	merge := func(intent Intent, extra []string) {
		seen := make(map[string]bool)
		for _, k := range builtinKeywords[intent] {
			lk := strings.ToLower(k)
			if !seen[lk] {
				seen[lk] = true
				kw[intent] = append(kw[intent], lk)
			}
		}
		for _, k := range extra {
			lk := strings.ToLower(k)
			if lk != "" && !seen[lk] {
				seen[lk] = true
				kw[intent] = append(kw[intent], lk)
			}
		}
	}
	merge(IntentStock, cfg.StockKeywords)
	merge(IntentChart, cfg.ChartKeywords)
	merge(IntentNews, cfg.NewsKeywords)

	if symbols == nil {
		symbols = market.NewSymbolTable()
	}
	return &Classifier{
		keywords: kw,
		symbols:  symbols,
		provider: provider,
		llm:      cfg.LLMExtraction,
		logger:   logger,
	}
}

// Classify returns the intent for a message. Everything that matches no
// menu phrase and no keyword falls through to IntentChat.
func (c *Classifier) Classify(message string) Intent {
	switch strings.TrimSpace(message) {
	case MenuStock:
		return IntentStock
	case MenuChart:
		return IntentChart
	case MenuNews:
		return IntentNews
	}

	lower := strings.ToLower(message)
	best := IntentChat
	bestScore := 0
	// Chart before stock: "台積電股價走勢圖" scores both, the chart
	// request is the more specific ask.
	for _, intent := range []Intent{IntentChart, IntentStock, IntentNews} {
		score := 0
		for _, kw := range c.keywords[intent] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = intent
		}
	}

	if bestScore > 0 {
		c.logger.Debug("intent matched by keyword", "intent", best, "score", bestScore)
	}
	return best
}

// ExtractCodes pulls stock codes out of a message. Explicit numeric codes
// and alias-table hits come first; when neither matches and LLM extraction
// is enabled, the provider is asked to resolve the company name.
func (c *Classifier) ExtractCodes(ctx context.Context, message string) []string {
	codes := c.symbols.ExtractCodes(message)
	if len(codes) > 0 || !c.llm || c.provider == nil {
		return codes
	}

	prompt := fmt.Sprintf(
		"從下面這句話找出提到的台股公司，回覆對應的股票代號（只回覆數字，多個用逗號分隔，找不到回覆 NONE）。\n已知公司：%s\n句子：%s",
		strings.Join(c.symbols.Aliases(), "、"), message,
	)
	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages:    []domain.Message{{Role: "user", Content: prompt}},
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("llm code extraction failed", "error", err)
		return nil
	}
	if strings.Contains(strings.ToUpper(resp.Content), "NONE") {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, m := range codeDigits.FindAllString(resp.Content, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	if len(out) > 0 {
		c.logger.Debug("llm resolved stock codes", "codes", out)
	}
	return out
}
