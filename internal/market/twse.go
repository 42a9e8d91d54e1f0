// Package market fetches Taiwan Stock Exchange data: realtime quotes from
// the MIS endpoint and daily OHLCV history from the exchange report API.
package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"context"

	"stockbot/internal/domain"
)

const userAgentString = "Mozilla/5.0 (StockBot)"

// ErrNoData is returned when the exchange has no record for a stock code.
var ErrNoData = errors.New("no data for stock code")

// Client talks to the TWSE endpoints.
type Client struct {
	quoteBase   string
	historyBase string
	client      *http.Client
	logger      *slog.Logger
}

type ClientConfig struct {
	QuoteAPIBase   string // default: https://mis.twse.com.tw
	HistoryAPIBase string // default: https://www.twse.com.tw
	Timeout        time.Duration
	Logger         *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.QuoteAPIBase == "" {
		cfg.QuoteAPIBase = "https://mis.twse.com.tw"
	}
	if cfg.HistoryAPIBase == "" {
		cfg.HistoryAPIBase = "https://www.twse.com.tw"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		quoteBase:   cfg.QuoteAPIBase,
		historyBase: cfg.HistoryAPIBase,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      cfg.Logger,
	}
}

// quoteResponse mirrors the MIS getStockInfo payload. Field names are the
// exchange's single-letter keys: n=name, o=open, h=high, l=low, y=previous
// close, z=last trade, v=accumulated volume.
type quoteResponse struct {
	MsgArray []struct {
		Code      string `json:"c"`
		Name      string `json:"n"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		PrevClose string `json:"y"`
		Last      string `json:"z"`
		Volume    string `json:"v"`
		TimeMs    string `json:"tlong"`
	} `json:"msgArray"`
	RtCode string `json:"rtcode"`
}

// Quote fetches the realtime snapshot for a TWSE-listed stock code.
func (c *Client) Quote(ctx context.Context, code string) (*domain.Quote, error) {
	endpoint := fmt.Sprintf("%s/stock/api/getStockInfo.jsp?ex_ch=tse_%s.tw&json=1&delay=0",
		c.quoteBase, code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read quote response: %w", err)
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("parse quote response: %w", err)
	}

	if len(qr.MsgArray) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, code)
	}

	info := qr.MsgArray[0]
	q := &domain.Quote{
		Code:      code,
		Name:      info.Name,
		Last:      orDash(info.Last),
		Open:      orDash(info.Open),
		High:      orDash(info.High),
		Low:       orDash(info.Low),
		PrevClose: orDash(info.PrevClose),
		Volume:    orDash(info.Volume),
	}
	if ms, err := parseMillis(info.TimeMs); err == nil {
		q.Time = ms
	}

	c.logger.Debug("quote fetched", "code", code, "name", q.Name, "last", q.Last)
	return q, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
