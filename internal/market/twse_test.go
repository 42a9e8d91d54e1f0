package market

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const quoteJSON = `{
	"msgArray": [{
		"c": "2330", "n": "台積電",
		"o": "593.00", "h": "598.00", "l": "589.00",
		"y": "588.00", "z": "595.00", "v": "21543",
		"tlong": "1700000000000"
	}],
	"rtcode": "0000"
}`

func TestQuote_Parse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ex_ch") != "tse_2330.tw" {
			t.Errorf("unexpected ex_ch: %s", r.URL.Query().Get("ex_ch"))
		}
		w.Write([]byte(quoteJSON))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{QuoteAPIBase: srv.URL, Logger: testLogger()})
	q, err := c.Quote(context.Background(), "2330")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Name != "台積電" {
		t.Errorf("expected 台積電, got %s", q.Name)
	}
	if q.Open != "593.00" || q.PrevClose != "588.00" {
		t.Errorf("unexpected prices: %+v", q)
	}
	if q.Time.IsZero() {
		t.Error("expected parsed timestamp")
	}
}

func TestQuote_UnknownCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"msgArray":[],"rtcode":"0000"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{QuoteAPIBase: srv.URL, Logger: testLogger()})
	_, err := c.Quote(context.Background(), "9999")
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestQuote_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{QuoteAPIBase: srv.URL, Logger: testLogger()})
	if _, err := c.Quote(context.Background(), "2330"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestQuote_EmptyFieldsBecomeDash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"msgArray":[{"c":"2330","n":"台積電"}],"rtcode":"0000"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{QuoteAPIBase: srv.URL, Logger: testLogger()})
	q, err := c.Quote(context.Background(), "2330")
	if err != nil {
		t.Fatal(err)
	}
	if q.Open != "-" || q.Last != "-" {
		t.Errorf("expected dashes for missing fields, got %+v", q)
	}
}

const historyJSON = `{
	"stat": "OK",
	"data": [
		["113/01/02", "35,000,000", "1", "590.00", "595.00", "588.00", "593.00", "+5.00", "20000"],
		["113/01/03", "28,000,000", "1", "594.00", "596.00", "590.00", "591.00", "-2.00", "18000"],
		["113/01/04", "30,000,000", "1", "--", "--", "--", "--", "0.00", "0"]
	]
}`

func TestDailyHistory_Parse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("stockNo") != "2330" {
			t.Errorf("unexpected stockNo: %s", r.URL.Query().Get("stockNo"))
		}
		w.Write([]byte(historyJSON))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{HistoryAPIBase: srv.URL, Logger: testLogger()})
	bars, err := c.DailyHistory(context.Background(), "2330", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// Halted "--" row is skipped; two valid bars, oldest first.
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if !bars[0].Date.Before(bars[1].Date) {
		t.Error("bars should be sorted oldest first")
	}
	if bars[0].Close != 593.00 {
		t.Errorf("expected close 593.00, got %v", bars[0].Close)
	}
	if bars[0].Volume != 35000000 {
		t.Errorf("expected volume 35000000, got %d", bars[0].Volume)
	}
	if bars[0].Date.Year() != 2024 {
		t.Errorf("ROC year 113 should map to 2024, got %d", bars[0].Date.Year())
	}
}

func TestDailyHistory_NoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stat":"很抱歉，沒有符合條件的資料!","data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{HistoryAPIBase: srv.URL, Logger: testLogger()})
	_, err := c.DailyHistory(context.Background(), "0000", 25)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestDailyHistory_MonthEndWalksDistinctMonths(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		requested = append(requested, date)
		switch date[:6] {
		case "202607":
			w.Write([]byte(`{"stat":"OK","data":[
				["115/07/30","1,000","1","600.00","601.00","599.00","600.00","0.00","1"],
				["115/07/31","1,000","1","601.00","602.00","600.00","601.00","+1.00","1"]
			]}`))
		case "202606":
			w.Write([]byte(`{"stat":"OK","data":[
				["115/06/29","1,000","1","590.00","591.00","589.00","590.00","0.00","1"],
				["115/06/30","1,000","1","591.00","592.00","590.00","591.00","+1.00","1"]
			]}`))
		default:
			w.Write([]byte(`{"stat":"很抱歉，沒有符合條件的資料!","data":[]}`))
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{HistoryAPIBase: srv.URL, Logger: testLogger()})
	start := time.Date(2026, time.July, 31, 15, 0, 0, 0, time.UTC)
	bars, err := c.dailyHistoryFrom(context.Background(), "2330", 4, start)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	if len(requested) != 2 || requested[0] != "20260701" || requested[1] != "20260601" {
		t.Fatalf("expected walk over July then June, got %v", requested)
	}
	if len(bars) != 4 {
		t.Fatalf("expected 4 bars, got %d", len(bars))
	}
	seen := make(map[string]bool)
	for _, b := range bars {
		key := b.Date.Format("2006-01-02")
		if seen[key] {
			t.Errorf("duplicate bar for %s", key)
		}
		seen[key] = true
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Date.Before(bars[i].Date) {
			t.Fatal("bars should be sorted oldest first")
		}
	}
}

func TestDailyHistory_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(historyJSON))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{HistoryAPIBase: srv.URL, Timeout: 50 * time.Millisecond, Logger: testLogger()})
	if _, err := c.DailyHistory(context.Background(), "2330", 25); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestParseROCDate(t *testing.T) {
	d, err := parseROCDate("113/01/02")
	if err != nil {
		t.Fatal(err)
	}
	if d.Year() != 2024 || d.Month() != time.January || d.Day() != 2 {
		t.Errorf("unexpected date: %v", d)
	}

	if _, err := parseROCDate("bad"); err == nil {
		t.Error("expected error for malformed date")
	}
}
