package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/util"
)

// pnlBook accumulates realized P&L per user per trading day and remembers
// each user's daily-loss cooldown.
type pnlBook struct {
	cal *util.TradingCalendar

	mu       sync.Mutex
	realized map[string]decimal.Decimal // user|day -> P&L
	cooling  map[string]time.Time
}

func newPnLBook(cal *util.TradingCalendar) *pnlBook {
	return &pnlBook{
		cal:      cal,
		realized: make(map[string]decimal.Decimal),
		cooling:  make(map[string]time.Time),
	}
}

func (b *pnlBook) key(user string, at time.Time) string {
	return user + "|" + b.cal.DayKey(at)
}

// record adds a realized amount to the user's day containing at.
func (b *pnlBook) record(user string, at time.Time, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.key(user, at)
	b.realized[k] = b.realized[k].Add(amount)
}

// today returns the user's realized P&L for the trading day containing at.
func (b *pnlBook) today(user string, at time.Time) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized[b.key(user, at)]
}

// cool extends the user's cooldown to until. It never shortens one.
func (b *pnlBook) cool(user string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.cooling[user]) {
		b.cooling[user] = until
	}
}

func (b *pnlBook) coolingUntil(user string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooling[user]
}
