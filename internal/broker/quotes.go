package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ PriceSource = (*QuoteSource)(nil)

// QuoteFunc returns the last traded price for a symbol.
type QuoteFunc func(symbol string) (decimal.Decimal, error)

// quoteTimeout bounds a single live fetch. Price sits on the submit path, so
// a stalled feed must not stall evaluation.
const quoteTimeout = 2 * time.Second

type cachedQuote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// QuoteSource prices symbols of one market from a live feed, caching each
// quote for ttl. Other markets, feed errors and non-positive prices fall
// through to the fallback source.
type QuoteSource struct {
	fetch    QuoteFunc
	fallback PriceSource
	market   domain.Market
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedQuote
}

// NewQuoteSource wraps fetch for symbols of market.
func NewQuoteSource(fetch QuoteFunc, market domain.Market, fallback PriceSource, ttl time.Duration, log *slog.Logger) *QuoteSource {
	return &QuoteSource{
		fetch:    fetch,
		fallback: fallback,
		market:   market,
		ttl:      ttl,
		timeout:  quoteTimeout,
		now:      time.Now,
		log:      log.With("component", "quotes"),
		cache:    make(map[string]cachedQuote),
	}
}

// NewAlpacaQuotes prices US equities from the Alpaca market-data latest
// trade endpoint.
func NewAlpacaQuotes(apiKey, apiSecret, dataURL string, fallback PriceSource, ttl time.Duration, log *slog.Logger) *QuoteSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	client := marketdata.NewClient(opts)

	fetch := func(symbol string) (decimal.Decimal, error) {
		trade, err := client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err != nil {
			return decimal.Zero, err
		}
		if trade == nil {
			return decimal.Zero, fmt.Errorf("no trade for %s", symbol)
		}
		return decimal.NewFromFloat(trade.Price), nil
	}
	return NewQuoteSource(fetch, domain.MarketUS, fallback, ttl, log)
}

// Price returns the cached or freshly fetched quote. at only matters to
// the fallback; live quotes are always current. A fetch that outlives the
// quote timeout is abandoned in favour of the fallback.
func (q *QuoteSource) Price(symbol string, at time.Time) decimal.Decimal {
	sym := strings.ToUpper(symbol)
	if domain.MarketForSymbol(sym) != q.market {
		return q.fallback.Price(sym, at)
	}

	q.mu.Lock()
	c, ok := q.cache[sym]
	q.mu.Unlock()
	if ok && q.now().Sub(c.fetchedAt) < q.ttl {
		return c.price
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	p, err := call(ctx, func() (decimal.Decimal, error) { return q.fetch(sym) })
	cancel()
	if err != nil || !p.IsPositive() {
		q.log.Warn("live quote unavailable, using fallback", "symbol", sym, "error", err)
		return q.fallback.Price(sym, at)
	}

	q.mu.Lock()
	q.cache[sym] = cachedQuote{price: p, fetchedAt: q.now()}
	q.mu.Unlock()
	return p
}
