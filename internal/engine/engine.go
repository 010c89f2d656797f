// Package engine is the execution core: it evaluates trade signals through
// the risk firewall, routes approved orders to a venue and tracks each order
// to a terminal state, recording every decision in the audit ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/ledger"
	"tradegate/internal/policy"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

// Config bounds adapter calls and shapes retry and polling.
type Config struct {
	SubmitTimeout   time.Duration
	CancelTimeout   time.Duration
	StatusTimeout   time.Duration
	PollInterval    time.Duration
	MaxPollDuration time.Duration
	Backoff         util.Backoff
}

// DefaultConfig returns the production execution settings.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout:   5 * time.Second,
		CancelTimeout:   5 * time.Second,
		StatusTimeout:   2 * time.Second,
		PollInterval:    2 * time.Second,
		MaxPollDuration: 5 * time.Minute,
		Backoff:         util.Backoff{BaseDelay: 250 * time.Millisecond, Factor: 2, MaxAttempts: 3},
	}
}

// ReputationSource scores strategies for the reputation floor. The engine
// never invents a score: a strategy without one is reported as absent.
type ReputationSource interface {
	Reputation(ctx context.Context, strategyID string) (float64, bool)
}

// StaticReputation serves fixed scores, typically from configuration.
type StaticReputation map[string]float64

// Reputation implements ReputationSource.
func (s StaticReputation) Reputation(_ context.Context, strategyID string) (float64, bool) {
	v, ok := s[strategyID]
	return v, ok
}

// Deps are the collaborators the engine is composed from. Reputation and
// Sink are optional.
type Deps struct {
	Policies   *policy.Store
	Router     *broker.Router
	Orders     store.OrderStore
	Ledger     *ledger.Ledger
	Prices     broker.PriceSource
	Calendar   *util.TradingCalendar
	Reputation ReputationSource
	Sink       store.OutcomeSink
}

// SubmitResult is returned for every signal that passed validation and
// reached the firewall.
type SubmitResult struct {
	OrderID       string                 `json:"orderId,omitempty"`
	InitialStatus domain.OrderStatus     `json:"initialStatus,omitempty"`
	Assessment    *domain.RiskAssessment `json:"assessment"`
}

// OutcomeFilter narrows Outcomes. Zero fields match everything.
type OutcomeFilter struct {
	UserID string
	Symbol string
	Since  time.Time
	Limit  int
}

// Engine orchestrates the trading lifecycle by evaluating signals through
// the firewall, routing them to a broker and tracking the resulting orders.
type Engine struct {
	cfg        Config
	firewall   *Firewall
	policies   *policy.Store
	router     *broker.Router
	orders     store.OrderStore
	audit      *ledger.Ledger
	prices     broker.PriceSource
	reputation ReputationSource
	sink       store.OutcomeSink
	ids        *util.IDGenerator
	locks      *inflight
	pnl        *pnlBook
	cal        *util.TradingCalendar
	now        func() time.Time
	log        *slog.Logger

	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	trackers map[string]*tracker

	subMu       sync.RWMutex
	subscribers []func(domain.Outcome)
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(cfg Config, deps Deps, log *slog.Logger) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	cal := deps.Calendar
	if cal == nil {
		cal = util.NewTradingCalendar(domain.MarketUS)
	}
	return &Engine{
		cfg:        cfg,
		firewall:   NewFirewall(deps.Policies, deps.Ledger, log),
		policies:   deps.Policies,
		router:     deps.Router,
		orders:     deps.Orders,
		audit:      deps.Ledger,
		prices:     deps.Prices,
		reputation: deps.Reputation,
		sink:       deps.Sink,
		ids:        util.NewIDGenerator(),
		locks:      newInflight(),
		pnl:        newPnLBook(cal),
		cal:        cal,
		now:        time.Now,
		log:        log.With("component", "engine"),
		ctx:        ctx,
		stop:       stop,
		trackers:   make(map[string]*tracker),
	}
}

// SubmitTradeSignal validates, evaluates and routes a signal. On success
// the order is QUEUED and tracked in the background. A BLOCK verdict
// returns the assessment together with a *domain.PolicyBlockError.
func (e *Engine) SubmitTradeSignal(ctx context.Context, sig domain.TradeSignal) (*SubmitResult, error) {
	sig = sig.Normalize()
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = e.now().UTC()
	}

	orderID := e.ids.New()
	key := sig.LockKey()
	if !e.locks.acquire(key, orderID) {
		holder, _ := e.locks.holder(key)
		return nil, fmt.Errorf("%w: user %s symbol %s (order %s)", domain.ErrDuplicateInFlight,
			sig.UserID, sig.Symbol, holder)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.locks.release(key, orderID)
		}
	}()

	snap := e.snapshot(ctx, sig)
	a, err := e.firewall.Evaluate(ctx, sig, snap)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{Assessment: a}

	if a.Adjustments.DelayUntil != nil {
		e.pnl.cool(sig.UserID, *a.Adjustments.DelayUntil)
	}
	if a.Action == domain.ActionBlock {
		return res, &domain.PolicyBlockError{Assessment: a}
	}

	sel, err := e.router.Route(ctx, a, sig)
	if err != nil {
		return res, err
	}

	now := e.now().UTC()
	order := &domain.Order{
		ID:               orderID,
		Signal:           sig,
		Assessment:       a,
		Quantity:         a.Quantity(sig.Quantity),
		Status:           domain.OrderStatusQueued,
		BrokerName:       sel.Venue,
		CreatedAt:        now,
		LastTransitionAt: now,
		NotBefore:        a.Adjustments.DelayUntil,
	}
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		return res, fmt.Errorf("saving order %s: %w", order.ID, err)
	}
	if _, err := e.audit.Append(ctx, transitionDraft(order, "")); err != nil {
		e.discard(ctx, order, err)
		return res, fmt.Errorf("auditing order creation: %w", err)
	}

	e.log.Info("order queued",
		"order_id", order.ID,
		"user", sig.UserID,
		"symbol", sig.Symbol,
		"quantity", order.Quantity,
		"broker", sel.Venue,
		"action", a.Action,
	)
	handedOff = true
	e.track(order, sel.Broker)

	res.OrderID = order.ID
	res.InitialStatus = order.Status
	return res, nil
}

// discard removes an order whose creation could not be audited, so the
// store never holds an order the ledger has no record of.
func (e *Engine) discard(ctx context.Context, o *domain.Order, cause error) {
	if err := e.orders.DeleteOrder(context.WithoutCancel(ctx), o.ID); err != nil {
		e.log.Error("discarding unaudited order", "order_id", o.ID, "cause", cause, "error", err)
	}
}

// SimulateTradeSignal runs the normal pipeline with the signal forced onto
// the paper simulator.
func (e *Engine) SimulateTradeSignal(ctx context.Context, sig domain.TradeSignal) (*SubmitResult, error) {
	sig.IsPaperTrade = true
	return e.SubmitTradeSignal(ctx, sig)
}

// GetOrderStatus returns a copy of the order's current state.
func (e *Engine) GetOrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	return o, nil
}

// CancelOrder cancels a queued or open order. Queued orders fail at once;
// open orders fail only after the venue confirms the cancel. Orders being
// submitted cannot be cancelled.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := e.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return o, fmt.Errorf("%w: order %s is %s", domain.ErrOrderTerminal, o.ID, o.Status)
	}

	e.mu.Lock()
	t := e.trackers[orderID]
	e.mu.Unlock()
	if t == nil {
		return o, fmt.Errorf("%w: order %s is not being tracked", domain.ErrOrderNotCancellable, o.ID)
	}

	req := cancelRequest{reply: make(chan cancelReply, 1)}
	select {
	case t.cancel <- req:
	case <-t.done:
		return e.settled(ctx, orderID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		if r.err == nil {
			e.log.Info("order cancelled", "order_id", orderID)
		}
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settled reports an order whose tracker finished while a cancel was
// pending.
func (e *Engine) settled(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := e.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return o, fmt.Errorf("%w: order %s is %s", domain.ErrOrderTerminal, o.ID, o.Status)
	}
	return o, fmt.Errorf("%w: order %s is not being tracked", domain.ErrOrderNotCancellable, o.ID)
}

// GetPolicies returns the policies currently in force.
func (e *Engine) GetPolicies(ctx context.Context) []domain.Policy {
	return e.policies.Active(ctx)
}

// AllPolicies returns the newest version of every policy, including
// disabled ones.
func (e *Engine) AllPolicies(ctx context.Context) []domain.Policy {
	return e.policies.Latest(ctx)
}

// PolicyHistory returns every version of a policy, oldest first.
func (e *Engine) PolicyHistory(ctx context.Context, policyID string) ([]domain.Policy, error) {
	return e.policies.History(ctx, policyID)
}

// RollbackPolicy restores the content of targetVersion as a new version.
func (e *Engine) RollbackPolicy(ctx context.Context, policyID string, targetVersion int64, actorID string) (domain.Policy, error) {
	return e.policies.Rollback(ctx, policyID, targetVersion, actorID)
}

// VerifyLedger re-walks the audit chain.
func (e *Engine) VerifyLedger() error {
	return e.audit.Check()
}

// LedgerHead returns the content hash of the newest audit entry and the
// number of entries in the chain.
func (e *Engine) LedgerHead() (string, int) {
	return e.audit.Head(), e.audit.Len()
}

// AuditEntries returns matching ledger entries in sequence order, at most
// limit of them when limit is positive.
func (e *Engine) AuditEntries(f domain.AuditFilter, limit int) []domain.AuditEntry {
	var out []domain.AuditEntry
	for entry := range e.audit.Query(f) {
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Outcomes returns terminal orders with their assessments, newest first.
func (e *Engine) Outcomes(ctx context.Context, f OutcomeFilter) ([]domain.Outcome, error) {
	orders, err := e.orders.ListOrders(ctx,
		domain.OrderStatusFilled, domain.OrderStatusRejected, domain.OrderStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("listing terminal orders: %w", err)
	}

	var out []domain.Outcome
	for _, o := range slices.Backward(orders) {
		switch {
		case o.Assessment == nil:
			continue
		case f.UserID != "" && o.Signal.UserID != f.UserID:
			continue
		case f.Symbol != "" && o.Signal.Symbol != f.Symbol:
			continue
		case !f.Since.IsZero() && o.LastTransitionAt.Before(f.Since):
			continue
		}
		out = append(out, domain.Outcome{Order: o, Assessment: *o.Assessment})
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Subscribe registers fn to receive every terminal outcome. fn must not
// block.
func (e *Engine) Subscribe(fn func(domain.Outcome)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Resume re-attaches trackers to orders left non-terminal by a previous
// run. An order that was mid-submission cannot be reconciled and fails
// with SUBMISSION_UNKNOWN.
func (e *Engine) Resume(ctx context.Context) error {
	open, err := e.orders.ListOrders(ctx,
		domain.OrderStatusQueued, domain.OrderStatusSubmitting,
		domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}

	for i := range open {
		o := &open[i]
		if !e.locks.acquire(o.Signal.LockKey(), o.ID) {
			holder, _ := e.locks.holder(o.Signal.LockKey())
			e.log.Warn("skipping order with contended lock", "order_id", o.ID, "holder", holder)
			continue
		}

		b, ok := e.router.Broker(o.BrokerName)
		switch {
		case o.Status == domain.OrderStatusSubmitting:
			e.abandon(ctx, o, b, domain.ReasonSubmissionUnknown, "submission outcome unknown after restart")
		case !ok:
			e.abandon(ctx, o, nil, domain.ReasonBrokerUnavailable, fmt.Sprintf("broker %q is not configured", o.BrokerName))
		default:
			e.log.Info("resuming order", "order_id", o.ID, "status", o.Status)
			e.track(o, b)
		}
	}
	return nil
}

// abandon fails an order that cannot be tracked further.
func (e *Engine) abandon(ctx context.Context, o *domain.Order, b broker.Broker, reason, msg string) {
	t := &tracker{e: e, broker: b, order: o, log: e.log.With("order_id", o.ID)}
	err := t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
		o.Reason = reason
		o.LastError = msg
	})
	if err != nil {
		e.log.Error("failing unrecoverable order", "order_id", o.ID, "error", err)
	}
}

// Shutdown stops every tracker without changing order state and waits for
// them to exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for order trackers: %w", ctx.Err())
	}
}

func (e *Engine) track(o *domain.Order, b broker.Broker) {
	t := newTracker(e, b, o)
	e.mu.Lock()
	e.trackers[o.ID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t.run(e.ctx)

		e.mu.Lock()
		delete(e.trackers, o.ID)
		e.mu.Unlock()
		// An order that stopped short of a terminal state outside shutdown
		// keeps its lock so no second order opens beside it.
		if t.order.Status.IsTerminal() || e.ctx.Err() != nil {
			e.locks.release(o.Signal.LockKey(), o.ID)
		} else {
			e.log.Error("order left open, lock retained", "order_id", o.ID, "status", t.order.Status)
		}
		close(t.done)
	}()
}

// finished books realized P&L and publishes the outcome of a terminal
// order.
func (e *Engine) finished(ctx context.Context, o *domain.Order, realized decimal.Decimal) {
	e.pnl.record(o.Signal.UserID, o.LastTransitionAt, realized)
	if o.Assessment == nil {
		return
	}
	outcome := domain.Outcome{Order: *o.Clone(), Assessment: *o.Assessment}

	e.subMu.RLock()
	subs := e.subscribers
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(outcome)
	}

	if e.sink != nil {
		if err := e.sink.WriteOutcomes(ctx, []domain.Outcome{outcome}); err != nil {
			e.log.Error("exporting outcome", "order_id", o.ID, "error", err)
		}
	}
}

// snapshot gathers the account and market state the firewall needs.
// Holdings are best effort: a venue that cannot list positions contributes
// none.
func (e *Engine) snapshot(ctx context.Context, sig domain.TradeSignal) domain.AccountSnapshot {
	now := e.now()
	snap := domain.AccountSnapshot{
		Balance:          sig.AccountBalance,
		DailyRealizedPnL: e.pnl.today(sig.UserID, now),
		CoolingUntil:     e.pnl.coolingUntil(sig.UserID),
		Holdings:         map[string]decimal.Decimal{},
		Now:              now,
	}
	if sig.OrderType == domain.OrderTypeLimit && sig.LimitPrice != nil {
		snap.ReferencePrice = *sig.LimitPrice
	} else if e.prices != nil {
		snap.ReferencePrice = e.prices.Price(sig.Symbol, now)
	}

	if b, ok := e.router.Preferred(sig); ok {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.StatusTimeout)
		positions, err := b.GetPositions(pctx)
		cancel()
		if err != nil {
			e.log.Debug("positions unavailable", "broker", b.Name(), "error", err)
		}
		for _, p := range positions {
			price := p.AveragePrice
			if e.prices != nil {
				price = e.prices.Price(p.Symbol, now)
			}
			snap.Holdings[p.Symbol] = price.Mul(decimal.NewFromInt(p.Quantity))
		}
	}

	if e.reputation != nil && sig.StrategyID != "" {
		if score, ok := e.reputation.Reputation(ctx, sig.StrategyID); ok {
			snap.Reputation = &score
		}
	}

	n, err := e.orders.CountOrdersSince(ctx, sig.UserID, sig.Symbol, e.cal.StartOfDay(now))
	if err != nil {
		e.log.Warn("daily trade count unavailable", "user", sig.UserID, "symbol", sig.Symbol, "error", err)
	}
	snap.DailyTrades = n
	return snap
}
