package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"stockbot/internal/bus"
	"stockbot/internal/config"
	"stockbot/internal/domain"
	"stockbot/internal/market"
	"stockbot/internal/news"
)

// --- fakes ---

type fakeMarket struct {
	quoteCalls   int
	historyCalls int
	quoteErr     error
	historyErr   error
}

func (f *fakeMarket) Quote(ctx context.Context, code string) (*domain.Quote, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &domain.Quote{Code: code, Name: "台積電", Last: "1000.00", Open: "990.00",
		High: "1005.00", Low: "985.00", PrevClose: "995.00", Volume: "25000"}, nil
}

func (f *fakeMarket) DailyHistory(ctx context.Context, code string, days int) ([]domain.DailyBar, error) {
	f.historyCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	bars := make([]domain.DailyBar, days)
	for i := range bars {
		bars[i] = domain.DailyBar{
			Date:  time.Date(2026, 8, 1+i, 0, 0, 0, 0, time.UTC),
			Open:  990, High: 1005, Low: 985, Close: 1000, Volume: 25000,
		}
	}
	return bars, nil
}

type fakeChart struct {
	calls int
	err   error
}

func (f *fakeChart) Render(ctx context.Context, code string, bars []domain.DailyBar) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png-bytes"), nil
}

type fakeUploader struct {
	calls int
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, name string, png []byte) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://res.example.com/" + name + ".png", nil
}

type fakeNews struct {
	calls   int
	results []news.Result
	err     error
}

func (f *fakeNews) Search(ctx context.Context, query string) ([]news.Result, error) {
	f.calls++
	return f.results, f.err
}

type fakeExtractor struct {
	article *news.Article
	err     error
}

func (f *fakeExtractor) Extract(ctx context.Context, res news.Result) (*news.Article, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.article, nil
}

type fakeStore struct {
	mu     sync.Mutex
	states map[string]domain.UserState
	convs  map[string]domain.Conversation
	msgs   map[string][]domain.MessageRecord
	audits []domain.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states: make(map[string]domain.UserState),
		convs:  make(map[string]domain.Conversation),
		msgs:   make(map[string][]domain.MessageRecord),
	}
}

func (s *fakeStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	return nil
}

func (s *fakeStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return &c, nil
}

func (s *fakeStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	return nil, nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, id string) error { return nil }

func (s *fakeStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[convID] = append(s.msgs[convID], msg)
	return nil
}

func (s *fakeStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[convID], nil
}

func (s *fakeStore) SetUserState(ctx context.Context, userID string, state domain.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[userID] = state
	return nil
}

func (s *fakeStore) GetUserState(ctx context.Context, userID string) (domain.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[userID], nil
}

func (s *fakeStore) ClearUserState(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}

func (s *fakeStore) AuditAdapterCall(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) auditFor(adapter string) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, a := range s.audits {
		if a.Adapter == adapter {
			out = append(out, a)
		}
	}
	return out
}

type testEnv struct {
	dispatcher *Dispatcher
	market     *fakeMarket
	chart      *fakeChart
	uploader   *fakeUploader
	news       *fakeNews
	extractor  *fakeExtractor
	provider   *extractProvider
	store      *fakeStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		market:   &fakeMarket{},
		chart:    &fakeChart{},
		uploader: &fakeUploader{},
		news: &fakeNews{results: []news.Result{
			{Title: "台積電營收創新高", Snippet: "法說會亮眼", URL: "https://news.example.com/a", PublishedDate: "2026-08-20"},
		}},
		extractor: &fakeExtractor{article: &news.Article{Title: "台積電營收創新高", Text: "台積電公布第二季營收。"}},
		provider:  &extractProvider{reply: "好的，我是股票助理。"},
		store:     newFakeStore(),
	}
	env.dispatcher = NewDispatcher(DispatcherConfig{
		Bus:        bus.New(16, testLogger()),
		Events:     bus.NewEventBus(testLogger()),
		Classifier: newTestClassifier(t, config.DispatchConfig{}, nil),
		Market:     env.market,
		Chart:      env.chart,
		Uploader:   env.uploader,
		News:       env.news,
		Extractor:  env.extractor,
		Provider:   env.provider,
		Store:      env.store,
		Logger:     testLogger(),
	})
	return env
}

// --- tests ---

func TestDispatcher_StockQuery(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "2330 股價", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "📈【台積電】(2330)") {
		t.Errorf("reply missing quote header: %s", reply)
	}
	if env.market.quoteCalls != 1 {
		t.Errorf("expected 1 quote call, got %d", env.market.quoteCalls)
	}
	if audits := env.store.auditFor("quotes"); len(audits) != 1 || audits[0].Result != "ok" {
		t.Errorf("expected one ok quotes audit, got %+v", audits)
	}
	if !strings.Contains(reply, "📊") {
		t.Errorf("reply missing analysis section: %s", reply)
	}
	if env.provider.calls != 1 {
		t.Errorf("expected 1 analysis call, got %d", env.provider.calls)
	}
}

func TestDispatcher_StockQuery_AnalysisFailureKeepsQuote(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = fmt.Errorf("quota exceeded")

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "2330 股價", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "📈【台積電】(2330)") {
		t.Errorf("quote should survive analysis failure: %s", reply)
	}
	if strings.Contains(reply, "📊") {
		t.Errorf("analysis section should be dropped on failure: %s", reply)
	}
}

func TestDispatcher_StockQuery_UnknownCode(t *testing.T) {
	env := newTestEnv(t)
	env.market.quoteErr = market.ErrNoData

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "9999 股價", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "查無股票代號 9999") {
		t.Errorf("expected no-data reply, got: %s", reply)
	}
}

func TestDispatcher_ChartRequest(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "2330 走勢圖", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "走勢圖") {
		t.Errorf("reply missing caption: %s", reply)
	}
	if !strings.Contains(reply, "https://res.example.com/") {
		t.Errorf("reply missing image URL: %s", reply)
	}
	if env.market.historyCalls != 1 || env.chart.calls != 1 || env.uploader.calls != 1 {
		t.Errorf("pipeline not fully exercised: history=%d render=%d upload=%d",
			env.market.historyCalls, env.chart.calls, env.uploader.calls)
	}
}

func TestDispatcher_ChartRequest_HistoryFails(t *testing.T) {
	env := newTestEnv(t)
	env.market.historyErr = fmt.Errorf("twse unavailable")

	if _, err := env.dispatcher.ProcessDirect(context.Background(), "2330 走勢圖", "cli", "u1"); err == nil {
		t.Fatal("expected error when history adapter fails")
	}
	if env.uploader.calls != 0 {
		t.Error("upload should not run after history failure")
	}
	audits := env.store.auditFor("history")
	if len(audits) != 1 || audits[0].Result != "error" {
		t.Errorf("expected error audit for history, got %+v", audits)
	}
}

func TestDispatcher_NewsTwoPhase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reply, err := env.dispatcher.ProcessDirect(ctx, "我想知道最新時事！", "line", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "關鍵字") {
		t.Errorf("expected keyword prompt, got: %s", reply)
	}
	if state := env.store.states["line:u1"]; state.Stage != domain.StageAwaitingNewsKeyword {
		t.Fatalf("expected awaiting_news_keyword state, got %q", state.Stage)
	}

	reply, err = env.dispatcher.ProcessDirect(ctx, "台積電", "line", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "🔍「台積電」") {
		t.Errorf("expected news header, got: %s", reply)
	}
	if !strings.Contains(reply, "📰") || !strings.Contains(reply, "🔗 https://news.example.com/a") {
		t.Errorf("expected article section, got: %s", reply)
	}
	if env.news.calls != 1 {
		t.Errorf("expected 1 search call, got %d", env.news.calls)
	}
	if state := env.store.states["line:u1"]; state.Stage != "" {
		t.Errorf("state should be cleared after keyword, got %q", state.Stage)
	}
}

func TestDispatcher_NewsDirectQuery(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "台積電 新聞", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "🔍") {
		t.Errorf("expected news reply, got: %s", reply)
	}
	if env.news.calls != 1 {
		t.Errorf("expected 1 search call, got %d", env.news.calls)
	}
}

func TestDispatcher_NewsNoResults(t *testing.T) {
	env := newTestEnv(t)
	env.news.results = nil

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "不存在的主題 新聞", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "找不到") {
		t.Errorf("expected no-results reply, got: %s", reply)
	}
}

func TestDispatcher_NewsExtractionFailsFallsBackToSnippet(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.err = fmt.Errorf("paywall")

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "台積電 新聞", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "法說會亮眼") {
		t.Errorf("expected snippet fallback, got: %s", reply)
	}
}

func TestDispatcher_StockMenuThenCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reply, err := env.dispatcher.ProcessDirect(ctx, "我想看股價！", "line", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "股票代號") {
		t.Errorf("expected code prompt, got: %s", reply)
	}

	reply, err = env.dispatcher.ProcessDirect(ctx, "2330", "line", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "📈") {
		t.Errorf("expected quote after dialog, got: %s", reply)
	}
	if env.market.quoteCalls != 1 {
		t.Errorf("expected 1 quote call, got %d", env.market.quoteCalls)
	}
}

func TestDispatcher_ChatFallback(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.dispatcher.ProcessDirect(context.Background(), "你好", "cli", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "好的，我是股票助理。" {
		t.Errorf("unexpected chat reply: %s", reply)
	}
	if env.provider.calls != 1 {
		t.Errorf("expected 1 LLM call, got %d", env.provider.calls)
	}

	// Both sides of the exchange are persisted with the chat intent.
	var records []domain.MessageRecord
	for _, msgs := range env.store.msgs {
		records = append(records, msgs...)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 saved messages, got %d", len(records))
	}
	for _, r := range records {
		if r.Intent != string(IntentChat) {
			t.Errorf("expected chat intent on record, got %q", r.Intent)
		}
	}
}

type stallProvider struct{}

func (p *stallProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *stallProvider) Name() string                      { return "stall" }
func (p *stallProvider) Models() []string                  { return nil }
func (p *stallProvider) Healthy(ctx context.Context) error { return nil }

func TestDispatcher_ProcessDirectHonorsRequestTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.provider = &stallProvider{}
	env.dispatcher.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := env.dispatcher.ProcessDirect(context.Background(), "你好", "cli", "u1")
	if err == nil {
		t.Fatal("expected error when the provider never responds")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("request not bounded by the configured timeout, took %v", elapsed)
	}
}

func TestDispatcher_DegradesToApologyOnBusPath(t *testing.T) {
	b := bus.New(16, testLogger())
	env := newTestEnv(t)
	env.dispatcher.bus = b
	env.provider.err = fmt.Errorf("provider down")

	replies := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("cli", func(msg domain.OutboundMessage) {
		replies <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.dispatcher.Run(ctx)

	b.Publish(domain.InboundMessage{
		Channel: "cli", ChatID: "u1", SenderID: "u1",
		Content: "聊聊天", Timestamp: time.Now(),
	})

	select {
	case msg := <-replies:
		if msg.Content != replyDegraded {
			t.Errorf("expected degraded reply, got: %s", msg.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply received")
	}
}

func TestDispatcher_ReplyTokenPassthrough(t *testing.T) {
	b := bus.New(16, testLogger())
	env := newTestEnv(t)
	env.dispatcher.bus = b

	replies := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("line", func(msg domain.OutboundMessage) {
		replies <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.dispatcher.Run(ctx)

	b.Publish(domain.InboundMessage{
		Channel: "line", ChatID: "u1", SenderID: "u1",
		Content: "2330 股價", ReplyToken: "tok-123", Timestamp: time.Now(),
	})

	select {
	case msg := <-replies:
		if msg.ReplyToken != "tok-123" {
			t.Errorf("reply token not carried through, got %q", msg.ReplyToken)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply received")
	}
}
