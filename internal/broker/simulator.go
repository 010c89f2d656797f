package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading. Market
// orders fill immediately at the reference price; limit orders fill at the
// limit price once the reference price crosses it, re-checked on every
// GetOrder. Positions use weighted-average cost on buys; sells reduce the
// quantity (never below zero) without changing the average.
type SimulatorBroker struct {
	prices    PriceSource
	positions store.PositionStore // optional
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	orders   map[string]*simOrder
	byClient map[string]string
	holdings map[string]*domain.Position
	cash     decimal.Decimal
	symLocks map[string]*sync.Mutex
}

type simOrder struct {
	order  domain.Order
	result domain.BrokerOrder
}

// SimulatorOption configures a SimulatorBroker.
type SimulatorOption func(*SimulatorBroker)

// WithPositionStore persists positions after every fill.
func WithPositionStore(ps store.PositionStore) SimulatorOption {
	return func(b *SimulatorBroker) { b.positions = ps }
}

// WithClock replaces the wall clock used to sample reference prices.
func WithClock(now func() time.Time) SimulatorOption {
	return func(b *SimulatorBroker) { b.now = now }
}

// NewSimulatorBroker creates a simulator with the given starting cash.
func NewSimulatorBroker(prices PriceSource, startingCash decimal.Decimal, log *slog.Logger, opts ...SimulatorOption) *SimulatorBroker {
	b := &SimulatorBroker{
		prices:   prices,
		now:      time.Now,
		log:      log.With("component", "simulator"),
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
		holdings: make(map[string]*domain.Position),
		cash:     startingCash,
		symLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Restore loads persisted positions. Call before serving orders.
func (b *SimulatorBroker) Restore(ctx context.Context) error {
	if b.positions == nil {
		return nil
	}
	list, err := b.positions.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("restoring paper positions: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range list {
		pos := p
		b.holdings[p.Symbol] = &pos
	}
	return nil
}

// Name returns "paper".
func (b *SimulatorBroker) Name() string {
	return "paper"
}

// Kind returns KindPaper.
func (b *SimulatorBroker) Kind() Kind {
	return KindPaper
}

// SubmitOrder records the order and fills it if its price condition holds.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerOrder, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if id, ok := b.byClient[order.ID]; ok {
		// Resubmission of the same engine order.
		res := b.orders[id].result
		b.mu.Unlock()
		return &res, nil
	}
	so := &simOrder{
		order: *order.Clone(),
		result: domain.BrokerOrder{
			BrokerOrderID: uuid.NewString(),
			Status:        domain.BrokerStatusAccepted,
		},
	}
	b.orders[so.result.BrokerOrderID] = so
	b.byClient[order.ID] = so.result.BrokerOrderID
	b.mu.Unlock()

	if err := b.tryFill(ctx, so); err != nil {
		return nil, err
	}

	b.mu.Lock()
	res := so.result
	b.mu.Unlock()
	return &res, nil
}

// CancelOrder cancels an unfilled simulated order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerOrderID]
	if !ok {
		return rejectedf("unknown order %s", brokerOrderID)
	}
	switch so.result.Status {
	case domain.BrokerStatusFilled:
		return rejectedf("order %s already filled", brokerOrderID)
	case domain.BrokerStatusCancelled:
		return nil
	}
	so.result.Status = domain.BrokerStatusCancelled
	return nil
}

// GetOrder re-evaluates a pending limit order against the current reference
// price and returns its state.
func (b *SimulatorBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	so, ok := b.orders[brokerOrderID]
	b.mu.Unlock()
	if !ok {
		return nil, rejectedf("unknown order %s", brokerOrderID)
	}

	if err := b.tryFill(ctx, so); err != nil {
		return nil, err
	}

	b.mu.Lock()
	res := so.result
	b.mu.Unlock()
	return &res, nil
}

// GetPositions returns all simulated positions with a non-zero quantity.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.Position, 0, len(b.holdings))
	for _, p := range b.holdings {
		if p.Quantity > 0 {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

// GetAccount values holdings at the current reference price.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for sym, p := range b.holdings {
		equity = equity.Add(b.prices.Price(sym, now).Mul(decimal.NewFromInt(p.Quantity)))
	}
	return &domain.AccountInfo{
		Cash:        b.cash,
		Equity:      equity,
		BuyingPower: decimal.Max(b.cash, decimal.Zero),
	}, nil
}

// Position returns the current holding in symbol.
func (b *SimulatorBroker) Position(symbol string) domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.holdings[symbol]; ok {
		return *p
	}
	return domain.Position{Symbol: symbol}
}

func (b *SimulatorBroker) symbolLock(symbol string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		b.symLocks[symbol] = l
	}
	return l
}

// tryFill fills so if it is still open and its price condition holds.
// Position updates for one symbol are serialized by the symbol lock.
func (b *SimulatorBroker) tryFill(ctx context.Context, so *simOrder) error {
	sig := so.order.Signal
	lock := b.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	open := so.result.Status == domain.BrokerStatusAccepted
	b.mu.Unlock()
	if !open {
		return nil
	}

	ref := b.prices.Price(sig.Symbol, b.now())
	price := ref
	if sig.OrderType == domain.OrderTypeLimit {
		limit := *sig.LimitPrice
		crossed := (sig.Side == domain.SideBuy && ref.LessThanOrEqual(limit)) ||
			(sig.Side == domain.SideSell && ref.GreaterThanOrEqual(limit))
		if !crossed {
			return nil
		}
		price = limit
	}

	qty := so.order.Quantity
	notional := price.Mul(decimal.NewFromInt(qty))

	b.mu.Lock()
	pos, ok := b.holdings[sig.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: sig.Symbol}
		b.holdings[sig.Symbol] = pos
	}
	if sig.Side == domain.SideBuy && notional.GreaterThan(b.cash) {
		so.result.Status = domain.BrokerStatusRejected
		so.result.Reason = "insufficient paper buying power"
		b.mu.Unlock()
		b.log.Info("paper order rejected", "order_id", so.order.ID, "symbol", sig.Symbol, "reason", so.result.Reason)
		return nil
	}

	realized := decimal.Zero
	switch sig.Side {
	case domain.SideBuy:
		held := decimal.NewFromInt(pos.Quantity)
		total := pos.AveragePrice.Mul(held).Add(notional)
		pos.Quantity += qty
		pos.AveragePrice = total.Div(decimal.NewFromInt(pos.Quantity)).Round(4)
		b.cash = b.cash.Sub(notional)
	case domain.SideSell:
		closed := min(qty, pos.Quantity)
		realized = price.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(closed))
		pos.Quantity -= closed
		b.cash = b.cash.Add(price.Mul(decimal.NewFromInt(closed)))
	}
	snapshot := *pos

	so.result.Status = domain.BrokerStatusFilled
	so.result.FilledQuantity = qty
	so.result.FilledPrice = price
	so.result.RealizedPnL = realized
	b.mu.Unlock()

	b.log.Debug("paper fill",
		"order_id", so.order.ID, "symbol", sig.Symbol, "side", sig.Side,
		"quantity", qty, "price", price.String(), "realized_pnl", realized.String())

	if b.positions != nil {
		if err := b.positions.SavePosition(ctx, &snapshot); err != nil {
			// The fill already happened; the position is re-saved on the next fill.
			b.log.Error("persisting paper position", "symbol", sig.Symbol, "error", err)
		}
	}
	return nil
}
