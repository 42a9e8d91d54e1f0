package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"stockbot/internal/domain"
)

// maxHistoryMonths bounds how far back DailyHistory walks when the most
// recent months do not yet hold enough trading days.
const maxHistoryMonths = 6

// historyResponse mirrors the exchangeReport/STOCK_DAY payload. Each data
// row is [date, volume, value, open, high, low, close, change, txCount]
// with ROC-era dates (e.g. "113/01/02") and comma-grouped numbers.
type historyResponse struct {
	Stat string     `json:"stat"`
	Data [][]string `json:"data"`
}

// DailyHistory returns up to `days` most recent trading days of OHLCV for
// the given stock code, oldest first. It walks backwards month by month
// until enough bars are collected.
func (c *Client) DailyHistory(ctx context.Context, code string, days int) ([]domain.DailyBar, error) {
	return c.dailyHistoryFrom(ctx, code, days, time.Now())
}

func (c *Client) dailyHistoryFrom(ctx context.Context, code string, days int, now time.Time) ([]domain.DailyBar, error) {
	if days <= 0 {
		days = 25
	}

	var bars []domain.DailyBar
	// Walk from the first of the month: stepping AddDate(0,-1,0) from day
	// 29-31 normalizes back into the same month and fetches it twice.
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	for i := 0; i < maxHistoryMonths && len(bars) < days; i++ {
		monthly, err := c.monthlyBars(ctx, code, month)
		if err != nil {
			// A month with no listing data ends the walk; partial history
			// is still usable if at least one month succeeded.
			if len(bars) > 0 {
				break
			}
			return nil, err
		}
		bars = append(bars, monthly...)
		month = month.AddDate(0, -1, 0)
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, code)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

// monthlyBars fetches one month of daily bars from the exchange report API.
func (c *Client) monthlyBars(ctx context.Context, code string, month time.Time) ([]domain.DailyBar, error) {
	endpoint := fmt.Sprintf("%s/exchangeReport/STOCK_DAY?response=json&date=%s&stockNo=%s",
		c.historyBase, month.Format("20060102"), code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read history response: %w", err)
	}

	var hr historyResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, fmt.Errorf("parse history response: %w", err)
	}
	if hr.Stat != "OK" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoData, code, hr.Stat)
	}

	bars := make([]domain.DailyBar, 0, len(hr.Data))
	for _, row := range hr.Data {
		if len(row) < 7 {
			continue
		}
		date, err := parseROCDate(row[0])
		if err != nil {
			c.logger.Warn("skipping history row with bad date", "code", code, "date", row[0])
			continue
		}
		open, err1 := parsePrice(row[3])
		high, err2 := parsePrice(row[4])
		low, err3 := parsePrice(row[5])
		closing, err4 := parsePrice(row[6])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			// Halted days report "--" prices; skip them.
			continue
		}
		volume, _ := parseGrouped(row[1])
		bars = append(bars, domain.DailyBar{
			Date:   date,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closing,
			Volume: volume,
		})
	}
	return bars, nil
}

// parseROCDate converts "113/01/02" (ROC era) to a time.Time.
func parseROCDate(s string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("bad ROC date: %q", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad ROC year: %q", s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad ROC month: %q", s)
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad ROC day: %q", s)
	}
	return time.Date(year+1911, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

func parsePrice(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || s == "--" || s == "-" {
		return 0, fmt.Errorf("no price")
	}
	return strconv.ParseFloat(s, 64)
}

func parseGrouped(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	return strconv.ParseInt(s, 10, 64)
}
