package domain

import "time"

// Quote is a realtime snapshot of a single listed stock.
type Quote struct {
	Code      string
	Name      string
	Last      string // last traded price; "-" outside trading hours
	Open      string
	High      string
	Low       string
	PrevClose string
	Volume    string
	Time      time.Time
}

// DailyBar is one trading day of OHLCV history.
type DailyBar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}
