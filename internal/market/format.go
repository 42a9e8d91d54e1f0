package market

import (
	"fmt"
	"strings"

	"stockbot/internal/domain"
)

// FormatQuote renders a realtime quote in the bot's reply style.
func FormatQuote(q *domain.Quote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈【%s】(%s)\n", q.Name, q.Code)
	if q.Last != "-" {
		fmt.Fprintf(&b, "成交：%s\n", q.Last)
	}
	fmt.Fprintf(&b, "開盤：%s\n", q.Open)
	fmt.Fprintf(&b, "最高：%s\n", q.High)
	fmt.Fprintf(&b, "最低：%s\n", q.Low)
	fmt.Fprintf(&b, "昨收：%s", q.PrevClose)
	return b.String()
}

// FormatHistory renders daily bars as a compact listing for LLM analysis
// prompts.
func FormatHistory(code string, bars []domain.DailyBar) string {
	var b strings.Builder
	fmt.Fprintf(&b, "股票代號：%s\n近期日線數據：\n", code)
	for _, bar := range bars {
		fmt.Fprintf(&b, "- 日期：%s，收盤價：%.2f，高點：%.2f\n",
			bar.Date.Format("2006-01-02"), bar.Close, bar.High)
	}
	return b.String()
}
