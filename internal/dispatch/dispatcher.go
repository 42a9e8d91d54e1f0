package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockbot/internal/bus"
	"stockbot/internal/domain"
	"stockbot/internal/market"
	"stockbot/internal/metrics"
	"stockbot/internal/news"
)

const (
	defaultConcurrency    = 3
	defaultRequestTimeout = 60 * time.Second
	defaultHistoryDays    = 25
	historyLimit          = 20
	newsArticleLimit      = 3

	systemPrompt = "你是一個台股資訊助理，熟悉台灣股市與財經新聞。回答使用繁體中文，簡潔準確。"

	replyDegraded    = "抱歉，處理您的訊息時發生問題，請稍後再試 🙏"
	replyPromptStock = "請輸入股票代號或公司名稱（例如 2330 或 台積電）："
	replyPromptChart = "請輸入想查看走勢圖的股票代號或公司名稱："
	replyPromptNews  = "請輸入想了解的新聞關鍵字："
)

// QuoteService provides realtime quotes and daily OHLCV history.
type QuoteService interface {
	Quote(ctx context.Context, code string) (*domain.Quote, error)
	DailyHistory(ctx context.Context, code string, days int) ([]domain.DailyBar, error)
}

// ChartRenderer turns daily bars into a PNG chart.
type ChartRenderer interface {
	Render(ctx context.Context, code string, bars []domain.DailyBar) ([]byte, error)
}

// ImageUploader pushes a rendered chart to public hosting and returns its URL.
type ImageUploader interface {
	Upload(ctx context.Context, name string, png []byte) (string, error)
}

// NewsSearcher finds recent news for a keyword.
type NewsSearcher interface {
	Search(ctx context.Context, query string) ([]news.Result, error)
}

// ArticleExtractor fetches an article and strips it to plain text.
type ArticleExtractor interface {
	Extract(ctx context.Context, res news.Result) (*news.Article, error)
}

// Dispatcher is the message orchestrator: it consumes inbound messages,
// classifies intent, calls the matching adapter, and publishes the reply.
// Adapter failures degrade to an apology reply instead of silence.
type Dispatcher struct {
	bus        domain.MessageBus
	events     *bus.EventBus
	classifier *Classifier
	market     QuoteService
	chart      ChartRenderer
	uploader   ImageUploader
	news       NewsSearcher
	extractor  ArticleExtractor
	provider   domain.Provider
	store      domain.MemoryStore
	logger     *slog.Logger

	concurrency int
	timeout     time.Duration
	historyDays int

	convMu sync.Mutex
	convs  map[string]string // channel:chatID → conversation ID
}

// DispatcherConfig holds the dispatcher's dependencies and tuning knobs.
// Chart, Uploader, News, and Extractor may be nil when the matching feature
// is disabled; the dispatcher then degrades those intents gracefully.
type DispatcherConfig struct {
	Bus        domain.MessageBus
	Events     *bus.EventBus
	Classifier *Classifier
	Market     QuoteService
	Chart      ChartRenderer
	Uploader   ImageUploader
	News       NewsSearcher
	Extractor  ArticleExtractor
	Provider   domain.Provider
	Store      domain.MemoryStore
	Logger     *slog.Logger

	Concurrency    int
	RequestTimeout time.Duration
	HistoryDays    int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = defaultHistoryDays
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:         cfg.Bus,
		events:      cfg.Events,
		classifier:  cfg.Classifier,
		market:      cfg.Market,
		chart:       cfg.Chart,
		uploader:    cfg.Uploader,
		news:        cfg.News,
		extractor:   cfg.Extractor,
		provider:    cfg.Provider,
		store:       cfg.Store,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		timeout:     cfg.RequestTimeout,
		historyDays: cfg.HistoryDays,
		convs:       make(map[string]string),
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				d.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect handles a message synchronously and returns the reply text.
// Used by the CLI and the REST API. The request is bounded by the same
// timeout as the bus path.
func (d *Dispatcher) ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.handleMessage(reqCtx, domain.InboundMessage{
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  chatID,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", err
	}
	if reply.ImageURL != "" {
		return reply.Content + "\n" + reply.ImageURL, nil
	}
	return reply.Content, nil
}

func (d *Dispatcher) processMessage(ctx context.Context, msg domain.InboundMessage) {
	d.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	d.emit(bus.EventMessageReceived, map[string]any{"channel": msg.Channel, "chat_id": msg.ChatID})
	metrics.MessagesTotal.Inc()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.handleMessage(reqCtx, msg)
	if err != nil {
		d.logger.Error("message handling failed", "channel", msg.Channel, "error", err)
		d.emit(bus.EventReplyDegraded, map[string]any{"channel": msg.Channel, "error": err.Error()})
		metrics.RepliesDegraded.Inc()
		reply = domain.OutboundMessage{Content: replyDegraded}
	}

	reply.Channel = msg.Channel
	reply.ChatID = msg.ChatID
	reply.ReplyToken = msg.ReplyToken
	if reply.Format == "" {
		reply.Format = "text"
	}
	d.bus.SendOutbound(reply)
	d.emit(bus.EventMessageSent, map[string]any{"channel": msg.Channel, "chat_id": msg.ChatID})
}

// handleMessage routes one message: pending dialog state first, then menu
// phrases, then classified intent.
func (d *Dispatcher) handleMessage(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	userKey := msg.Channel + ":" + msg.SenderID

	if d.store != nil {
		state, err := d.store.GetUserState(ctx, userKey)
		if err == nil && state.Stage != "" && state.Stage != domain.StageIdle {
			return d.resumeDialog(ctx, userKey, state.Stage, msg)
		}
	}

	intent := d.classifyAndRecord(ctx, msg)

	switch strings.TrimSpace(msg.Content) {
	case MenuStock:
		return d.startDialog(ctx, userKey, domain.StageAwaitingStockCode, replyPromptStock)
	case MenuChart:
		return d.startDialog(ctx, userKey, domain.StageAwaitingChartCode, replyPromptChart)
	case MenuNews:
		return d.startDialog(ctx, userKey, domain.StageAwaitingNewsKeyword, replyPromptNews)
	}

	switch intent {
	case IntentStock:
		codes := d.classifier.ExtractCodes(ctx, msg.Content)
		if len(codes) == 0 {
			return d.startDialog(ctx, userKey, domain.StageAwaitingStockCode, replyPromptStock)
		}
		return d.quoteReply(ctx, msg, codes)
	case IntentChart:
		codes := d.classifier.ExtractCodes(ctx, msg.Content)
		if len(codes) == 0 {
			return d.startDialog(ctx, userKey, domain.StageAwaitingChartCode, replyPromptChart)
		}
		return d.chartReply(ctx, msg, codes[0])
	case IntentNews:
		keyword := d.newsKeyword(msg.Content)
		if keyword == "" {
			return d.startDialog(ctx, userKey, domain.StageAwaitingNewsKeyword, replyPromptNews)
		}
		return d.newsReply(ctx, msg, keyword)
	default:
		return d.chatReply(ctx, msg)
	}
}

// resumeDialog consumes the user's answer to an earlier prompt. The state
// is cleared first so a failing adapter cannot trap the user in the dialog.
func (d *Dispatcher) resumeDialog(ctx context.Context, userKey, stage string, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	if err := d.store.ClearUserState(ctx, userKey); err != nil {
		d.logger.Warn("failed to clear user state", "user", userKey, "error", err)
	}

	switch stage {
	case domain.StageAwaitingStockCode:
		codes := d.classifier.ExtractCodes(ctx, msg.Content)
		if len(codes) == 0 {
			return domain.OutboundMessage{Content: "無法辨識股票代號，請重新輸入（例如 2330）。"}, nil
		}
		return d.quoteReply(ctx, msg, codes)
	case domain.StageAwaitingChartCode:
		codes := d.classifier.ExtractCodes(ctx, msg.Content)
		if len(codes) == 0 {
			return domain.OutboundMessage{Content: "無法辨識股票代號，請重新輸入（例如 2330）。"}, nil
		}
		return d.chartReply(ctx, msg, codes[0])
	case domain.StageAwaitingNewsKeyword:
		keyword := strings.TrimSpace(msg.Content)
		if keyword == "" {
			return domain.OutboundMessage{Content: replyPromptNews}, nil
		}
		return d.newsReply(ctx, msg, keyword)
	default:
		return d.chatReply(ctx, msg)
	}
}

func (d *Dispatcher) startDialog(ctx context.Context, userKey, stage, prompt string) (domain.OutboundMessage, error) {
	if d.store != nil {
		err := d.store.SetUserState(ctx, userKey, domain.UserState{
			UserID:    userKey,
			Stage:     stage,
			UpdatedAt: time.Now(),
		})
		if err != nil {
			d.logger.Warn("failed to set user state", "user", userKey, "error", err)
		}
	}
	return domain.OutboundMessage{Content: prompt}, nil
}

func (d *Dispatcher) classifyAndRecord(ctx context.Context, msg domain.InboundMessage) Intent {
	intent := d.classifier.Classify(msg.Content)
	d.logger.Debug("intent classified", "intent", intent, "channel", msg.Channel)
	d.emit(bus.EventIntentClassified, map[string]any{
		"intent":  string(intent),
		"channel": msg.Channel,
	})
	metrics.IntentTotal(string(intent)).Inc()
	return intent
}

// quoteReply fetches realtime quotes for every extracted code and appends
// a short LLM commentary on the first one.
func (d *Dispatcher) quoteReply(ctx context.Context, msg domain.InboundMessage, codes []string) (domain.OutboundMessage, error) {
	var sections []string
	var quoted []string
	for _, code := range codes {
		start := time.Now()
		q, err := d.market.Quote(ctx, code)
		d.audit(ctx, "quotes", "realtime", code, start, err)
		if err != nil {
			if errors.Is(err, market.ErrNoData) {
				sections = append(sections, fmt.Sprintf("查無股票代號 %s 的資料，請確認後再試一次。", code))
				continue
			}
			return domain.OutboundMessage{}, fmt.Errorf("quote %s: %w", code, err)
		}
		sections = append(sections, market.FormatQuote(q))
		quoted = append(quoted, code)
	}

	if len(quoted) > 0 {
		if analysis := d.analyzeQuote(ctx, quoted[0], msg.Content, sections); analysis != "" {
			sections = append(sections, "📊 "+analysis)
		}
	}

	reply := strings.Join(sections, "\n\n")
	d.saveExchange(ctx, msg, reply, IntentStock)
	return domain.OutboundMessage{Content: reply}, nil
}

// analyzeQuote asks the LLM for a short commentary on recent price action.
// Best effort: any failure just drops the section.
func (d *Dispatcher) analyzeQuote(ctx context.Context, code, question string, quoteSections []string) string {
	if d.provider == nil {
		return ""
	}

	var data strings.Builder
	data.WriteString(strings.Join(quoteSections, "\n\n"))
	bars, err := d.market.DailyHistory(ctx, code, d.historyDays)
	if err != nil {
		d.logger.Warn("history unavailable for analysis", "code", code, "error", err)
	} else {
		data.WriteString("\n\n")
		data.WriteString(market.FormatHistory(code, bars))
	}

	start := time.Now()
	resp, err := d.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"使用者的問題：%s\n\n以下是即時行情與近期日線資料，請用繁體中文簡短分析（三句以內）：\n\n%s",
				question, data.String())},
		},
		MaxTokens: 512,
	})
	d.audit(ctx, "llm", "analysis", code, start, err)
	if err != nil {
		d.logger.Warn("quote analysis failed", "code", code, "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// chartReply runs the full chart pipeline: history → render → upload.
func (d *Dispatcher) chartReply(ctx context.Context, msg domain.InboundMessage, code string) (domain.OutboundMessage, error) {
	if d.chart == nil || d.uploader == nil {
		return domain.OutboundMessage{Content: "走勢圖功能目前未啟用。"}, nil
	}

	start := time.Now()
	q, err := d.market.Quote(ctx, code)
	d.audit(ctx, "quotes", "realtime", code, start, err)
	if errors.Is(err, market.ErrNoData) {
		return domain.OutboundMessage{Content: fmt.Sprintf("查無股票代號 %s 的資料，請確認後再試一次。", code)}, nil
	}
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("quote %s: %w", code, err)
	}

	start = time.Now()
	bars, err := d.market.DailyHistory(ctx, code, d.historyDays)
	d.audit(ctx, "history", "daily", code, start, err)
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("history %s: %w", code, err)
	}

	start = time.Now()
	png, err := d.chart.Render(ctx, code, bars)
	d.audit(ctx, "chart", "render", code, start, err)
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("render chart %s: %w", code, err)
	}

	name := fmt.Sprintf("chart_%s_%d", code, time.Now().Unix())
	start = time.Now()
	url, err := d.uploader.Upload(ctx, name, png)
	d.audit(ctx, "upload", "image", name, start, err)
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("upload chart %s: %w", code, err)
	}

	caption := fmt.Sprintf("📈【%s】(%s) 近 %d 個交易日走勢圖", q.Name, code, len(bars))
	d.saveExchange(ctx, msg, caption+"\n"+url, IntentChart)
	return domain.OutboundMessage{Content: caption, ImageURL: url}, nil
}

// newsReply searches recent news for the keyword, extracts the top
// articles, and summarizes each with the LLM.
func (d *Dispatcher) newsReply(ctx context.Context, msg domain.InboundMessage, keyword string) (domain.OutboundMessage, error) {
	if d.news == nil {
		return domain.OutboundMessage{Content: "新聞查詢功能目前未啟用。"}, nil
	}

	start := time.Now()
	results, err := d.news.Search(ctx, keyword)
	d.audit(ctx, "news", "search", keyword, start, err)
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("news search %q: %w", keyword, err)
	}
	if len(results) == 0 {
		return domain.OutboundMessage{Content: fmt.Sprintf("找不到「%s」的相關新聞，換個關鍵字試試？", keyword)}, nil
	}

	sections := []string{fmt.Sprintf("🔍「%s」的最新新聞：", keyword)}
	for i, res := range results {
		if i >= newsArticleLimit {
			break
		}
		sections = append(sections, d.formatArticle(ctx, res))
	}

	reply := strings.Join(sections, "\n\n")
	d.saveExchange(ctx, msg, reply, IntentNews)
	return domain.OutboundMessage{Content: reply}, nil
}

// formatArticle builds one 📰 section. Extraction and summarization
// failures fall back to the search snippet rather than dropping the item.
func (d *Dispatcher) formatArticle(ctx context.Context, res news.Result) string {
	title := res.Title
	summary := res.Snippet

	if d.extractor != nil {
		start := time.Now()
		article, err := d.extractor.Extract(ctx, res)
		d.audit(ctx, "news", "extract", res.URL, start, err)
		if err == nil {
			if article.Title != "" {
				title = article.Title
			}
			if s := d.summarize(ctx, article.Text); s != "" {
				summary = s
			}
		} else {
			d.logger.Warn("article extraction failed", "url", res.URL, "error", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📰 %s", title)
	if res.PublishedDate != "" {
		fmt.Fprintf(&b, "\n📅 %s", res.PublishedDate)
	}
	if summary != "" {
		fmt.Fprintf(&b, "\n📄 %s", summary)
	}
	fmt.Fprintf(&b, "\n🔗 %s", res.URL)
	return b.String()
}

func (d *Dispatcher) summarize(ctx context.Context, text string) string {
	if d.provider == nil || strings.TrimSpace(text) == "" {
		return ""
	}
	start := time.Now()
	resp, err := d.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "請用繁體中文將以下新聞內容摘要成三句以內：\n\n" + text},
		},
		MaxTokens: 512,
	})
	d.audit(ctx, "llm", "summarize", "", start, err)
	if err != nil {
		d.logger.Warn("news summarization failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// chatReply handles everything no adapter claims: plain conversation with
// the LLM, carrying recent history from the store.
func (d *Dispatcher) chatReply(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	if d.provider == nil {
		return domain.OutboundMessage{Content: replyDegraded}, nil
	}

	messages := []domain.Message{{Role: "system", Content: systemPrompt}}
	convID := d.conversationFor(ctx, msg)
	if convID != "" {
		history, err := d.store.GetMessages(ctx, convID, historyLimit)
		if err != nil {
			d.logger.Warn("failed to load history, continuing without it", "error", err)
		}
		for _, h := range history {
			messages = append(messages, domain.Message{Role: h.Role, Content: h.Content})
		}
	}
	messages = append(messages, domain.Message{Role: "user", Content: msg.Content})

	start := time.Now()
	resp, err := d.provider.Chat(ctx, domain.ChatRequest{Messages: messages})
	d.audit(ctx, "llm", "chat", "", start, err)
	if err != nil {
		d.emit(bus.EventProviderError, map[string]any{"provider": d.provider.Name(), "error": err.Error()})
		return domain.OutboundMessage{}, fmt.Errorf("LLM error: %w", err)
	}

	d.saveExchange(ctx, msg, resp.Content, IntentChat)
	return domain.OutboundMessage{Content: resp.Content}, nil
}

// conversationFor returns the persistent conversation ID for this chat,
// creating one on first contact. Returns "" when no store is configured.
func (d *Dispatcher) conversationFor(ctx context.Context, msg domain.InboundMessage) string {
	if d.store == nil {
		return ""
	}
	key := msg.Channel + ":" + msg.ChatID

	d.convMu.Lock()
	defer d.convMu.Unlock()
	if id, ok := d.convs[key]; ok {
		return id
	}

	id := uuid.NewString()
	providerName := ""
	if d.provider != nil {
		providerName = d.provider.Name()
	}
	err := d.store.CreateConversation(ctx, domain.Conversation{
		ID:        id,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Provider:  providerName,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		d.logger.Warn("failed to create conversation", "error", err)
		return ""
	}
	d.convs[key] = id
	return id
}

// saveExchange persists the user message and the reply with the intent tag.
func (d *Dispatcher) saveExchange(ctx context.Context, msg domain.InboundMessage, reply string, intent Intent) {
	convID := d.conversationFor(ctx, msg)
	if convID == "" {
		return
	}
	now := time.Now()
	if err := d.store.AddMessage(ctx, convID, domain.MessageRecord{
		Role: "user", Content: msg.Content, Intent: string(intent), CreatedAt: now,
	}); err != nil {
		d.logger.Warn("failed to save user message", "error", err)
	}
	if err := d.store.AddMessage(ctx, convID, domain.MessageRecord{
		Role: "assistant", Content: reply, Intent: string(intent), CreatedAt: now,
	}); err != nil {
		d.logger.Warn("failed to save assistant message", "error", err)
	}
}

// newsKeyword strips the news trigger words out of a direct query like
// "台積電 新聞" so the remainder can be searched as-is.
func (d *Dispatcher) newsKeyword(content string) string {
	keyword := content
	for _, kw := range d.classifier.keywords[IntentNews] {
		keyword = strings.ReplaceAll(strings.ToLower(keyword), kw, "")
	}
	keyword = strings.Trim(keyword, " 　的！!？?，,。")
	return strings.TrimSpace(keyword)
}

func (d *Dispatcher) audit(ctx context.Context, adapter, operation, target string, start time.Time, callErr error) {
	elapsed := time.Since(start)
	latency := elapsed.Milliseconds()
	result := "ok"
	detail := ""
	if callErr != nil {
		result = "error"
		detail = callErr.Error()
		d.emit(bus.EventAdapterFailed, map[string]any{"adapter": adapter, "operation": operation, "error": detail})
	} else {
		d.emit(bus.EventAdapterCalled, map[string]any{"adapter": adapter, "operation": operation, "latency_ms": latency})
	}

	metrics.AdapterCalls(adapter, result).Inc()
	if adapter == "llm" {
		metrics.LLMRequestsTotal.Inc()
		metrics.LLMLatency.Observe(elapsed.Seconds())
	} else {
		metrics.AdapterLatency.Observe(elapsed.Seconds())
	}

	if d.store == nil {
		return
	}
	err := d.store.AuditAdapterCall(ctx, domain.AuditEntry{
		Adapter:   adapter,
		Operation: operation,
		Target:    target,
		Result:    result,
		Detail:    detail,
		LatencyMs: latency,
		CreatedAt: time.Now(),
	})
	if err != nil {
		d.logger.Warn("failed to write audit entry", "adapter", adapter, "error", err)
	}
}

func (d *Dispatcher) emit(eventType string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatch", Payload: payload})
}
