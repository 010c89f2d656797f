package util

import (
	"time"
	_ "time/tzdata"

	"tradegate/internal/domain"
)

// TradingCalendar maps instants to trading days for a market. Daily
// counters such as realized P&L reset at the market's local midnight.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market. Zone
// data that cannot be loaded falls back to UTC.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	var zone string
	switch market {
	case domain.MarketUS:
		zone = "America/New_York"
	case domain.MarketIN:
		zone = "Asia/Kolkata"
	default:
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	return &TradingCalendar{loc: loc}
}

// DayKey returns the trading day containing t as YYYY-MM-DD.
func (tc *TradingCalendar) DayKey(t time.Time) string {
	return t.In(tc.loc).Format(time.DateOnly)
}

// StartOfDay returns the market-local midnight opening the trading day that
// contains t.
func (tc *TradingCalendar) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(tc.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, tc.loc)
}
