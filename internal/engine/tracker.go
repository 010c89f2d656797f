package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/util"
)

type cancelRequest struct {
	reply chan cancelReply
}

type cancelReply struct {
	order *domain.Order
	err   error
}

// tracker drives one order from QUEUED to a terminal state. It runs in its
// own goroutine and is the only writer of the order; everyone else reads
// copies from the order store.
type tracker struct {
	e        *Engine
	broker   broker.Broker
	order    *domain.Order
	realized decimal.Decimal
	cancel   chan cancelRequest
	done     chan struct{}
	log      *slog.Logger
}

func newTracker(e *Engine, b broker.Broker, o *domain.Order) *tracker {
	return &tracker{
		e:      e,
		broker: b,
		order:  o,
		cancel: make(chan cancelRequest),
		done:   make(chan struct{}),
		log:    e.log.With("order_id", o.ID, "symbol", o.Signal.Symbol, "broker", b.Name()),
	}
}

// run advances the order until it is terminal, the context is cancelled,
// or a transition cannot be recorded.
func (t *tracker) run(ctx context.Context) {
	for !t.order.Status.IsTerminal() {
		var err error
		switch t.order.Status {
		case domain.OrderStatusQueued:
			err = t.queued(ctx)
		case domain.OrderStatusSubmitting:
			err = t.submit(ctx)
		case domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled:
			err = t.poll(ctx)
		default:
			err = fmt.Errorf("unexpected status %s", t.order.Status)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				t.log.Info("order tracking paused", "status", t.order.Status)
			} else {
				t.log.Error("order tracking stopped", "status", t.order.Status, "error", err)
			}
			return
		}
	}
}

// queued holds the order until its DELAY gate passes, then starts
// submission. A cancel request while queued fails the order immediately.
func (t *tracker) queued(ctx context.Context) error {
	wait := time.Duration(0)
	if nb := t.order.NotBefore; nb != nil {
		wait = nb.Sub(t.e.now())
	}
	if wait > 0 {
		t.log.Info("order delayed", "until", t.order.NotBefore.UTC())
	}
	if err := t.sleep(ctx, wait, t.cancelQueued); err != nil {
		return err
	}
	if t.order.Status.IsTerminal() {
		return nil
	}
	return t.transition(ctx, domain.OrderStatusSubmitting, nil)
}

// submit sends the order, retrying transient failures with exponential
// backoff. Definitive rejections are never retried. Cancel requests that
// arrive between attempts are answered by the next attempt.
func (t *tracker) submit(ctx context.Context) error {
	bo := t.e.cfg.Backoff
	var (
		res     *domain.BrokerOrder
		attempt int
	)
	err := util.Retry(ctx, bo,
		func(err error) bool { return !broker.IsRejection(err) && ctx.Err() == nil },
		func(n int, err error) {
			t.log.Warn("submit attempt failed", "attempt", n, "error", err)
			t.recordRetry(ctx, n, bo.Delay(n), err)
		},
		func(ctx context.Context) error {
			attempt++
			t.log.Info("submitting order", "attempt", attempt, "quantity", t.order.Quantity)
			var err error
			res, err = t.submitOnce(ctx)
			return err
		})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch {
	case err == nil:
		return t.accept(ctx, res)
	case broker.IsRejection(err):
		return t.transition(ctx, domain.OrderStatusRejected, func(o *domain.Order) {
			o.Reason = domain.ReasonBrokerRejected
			o.LastError = err.Error()
		})
	default:
		return t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
			o.Reason = domain.ReasonExecutionFailure
			o.LastError = fmt.Sprintf("%d attempts failed: %v", attempt, err)
		})
	}
}

// submitOnce runs one bounded SubmitOrder call while refusing cancel
// requests. The outcome of a submission in flight is unknowable, so it
// cannot be cancelled.
func (t *tracker) submitOnce(ctx context.Context) (*domain.BrokerOrder, error) {
	sctx, cancel := context.WithTimeout(ctx, t.e.cfg.SubmitTimeout)
	defer cancel()

	type result struct {
		res *domain.BrokerOrder
		err error
	}
	ch := make(chan result, 1)
	order := t.order.Clone()
	go func() {
		res, err := t.broker.SubmitOrder(sctx, order)
		ch <- result{res, err}
	}()

	for {
		select {
		case r := <-ch:
			return r.res, r.err
		case req := <-t.cancel:
			_ = t.refuseCancel(ctx, req)
		case <-sctx.Done():
			return nil, fmt.Errorf("%w: submit to %s: %w", domain.ErrTransientBroker, t.broker.Name(), sctx.Err())
		}
	}
}

// recordRetry notes a failed attempt. It only fails when ctx ends, in
// which case the next wait returns the context error.
func (t *tracker) recordRetry(ctx context.Context, attempt int, delay time.Duration, cause error) {
	err := t.record(ctx, domain.AuditDraft{
		EntityType: domain.EntityOrder,
		EntityID:   t.order.ID,
		Action:     domain.AuditOrderRetry,
		ActorID:    t.order.Signal.UserID,
		Payload: map[string]any{
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   cause.Error(),
			"broker":  t.broker.Name(),
		},
	})
	if err != nil {
		t.log.Warn("retry not recorded", "attempt", attempt, "error", err)
		return
	}

	t.order.RetryCount = attempt
	t.order.LastError = cause.Error()
	if err := t.e.orders.UpdateOrder(context.WithoutCancel(ctx), t.order); err != nil {
		t.log.Error("persisting retry count", "error", err)
	}
}

// record appends d to the ledger, retrying with backoff until the write
// succeeds or ctx ends. Waits grow up to the poll interval.
func (t *tracker) record(ctx context.Context, d domain.AuditDraft) error {
	delay := max(t.e.cfg.Backoff.BaseDelay, time.Millisecond)
	ceiling := max(t.e.cfg.PollInterval, delay)
	for attempt := 1; ; attempt++ {
		_, err := t.e.audit.Append(context.WithoutCancel(ctx), d)
		if err == nil {
			if attempt > 1 {
				t.log.Info("audit append recovered", "action", d.Action, "attempts", attempt)
			}
			return nil
		}
		t.log.Error("audit append failed", "action", d.Action, "attempt", attempt, "error", err)
		if serr := util.Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("recording %s: %w (last error: %v)", d.Action, serr, err)
		}
		delay = min(delay*2, ceiling)
	}
}

// accept records the venue's answer to a successful submit. Fills reported
// on submission still pass through ACCEPTED.
func (t *tracker) accept(ctx context.Context, res *domain.BrokerOrder) error {
	if res.Status == domain.BrokerStatusRejected {
		return t.transition(ctx, domain.OrderStatusRejected, func(o *domain.Order) {
			o.BrokerOrderID = res.BrokerOrderID
			o.Reason = domain.ReasonBrokerRejected
			o.LastError = res.Reason
		})
	}
	if err := t.transition(ctx, domain.OrderStatusAccepted, func(o *domain.Order) {
		o.BrokerOrderID = res.BrokerOrderID
	}); err != nil {
		return err
	}
	return t.apply(ctx, res)
}

// apply folds a venue status report into the order.
func (t *tracker) apply(ctx context.Context, res *domain.BrokerOrder) error {
	fill := func(o *domain.Order) {
		o.FilledQuantity = res.FilledQuantity
		if !res.FilledPrice.IsZero() {
			p := res.FilledPrice
			o.FilledPrice = &p
		}
	}

	switch res.Status {
	case domain.BrokerStatusAccepted:
		return nil
	case domain.BrokerStatusPartiallyFilled:
		if t.order.Status == domain.OrderStatusAccepted {
			return t.transition(ctx, domain.OrderStatusPartiallyFilled, fill)
		}
		if res.FilledQuantity != t.order.FilledQuantity {
			fill(t.order)
			if err := t.e.orders.UpdateOrder(context.WithoutCancel(ctx), t.order); err != nil {
				t.log.Error("persisting partial fill", "error", err)
			}
		}
		return nil
	case domain.BrokerStatusFilled:
		t.realized = res.RealizedPnL
		return t.transition(ctx, domain.OrderStatusFilled, fill)
	case domain.BrokerStatusRejected:
		return t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
			fill(o)
			o.Reason = domain.ReasonBrokerRejected
			o.LastError = res.Reason
		})
	case domain.BrokerStatusCancelled:
		return t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
			fill(o)
			o.Reason = domain.ReasonCancelledByVenue
			o.LastError = res.Reason
		})
	default:
		t.log.Warn("unknown broker status", "status", res.Status)
		return nil
	}
}

// poll checks the venue until the order fills or the polling window
// closes. Cancel requests are honoured between polls.
func (t *tracker) poll(ctx context.Context) error {
	cfg := t.e.cfg
	start := t.e.now()
	if t.order.SubmittedAt != nil {
		start = *t.order.SubmittedAt
	}
	deadline := start.Add(cfg.MaxPollDuration)

	for {
		remaining := deadline.Sub(t.e.now())
		if remaining <= 0 {
			return t.expire(ctx)
		}
		if err := t.sleep(ctx, min(cfg.PollInterval, remaining), t.cancelOpen); err != nil {
			return err
		}
		if t.order.Status.IsTerminal() {
			return nil
		}

		res, err := t.status(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			t.log.Warn("status poll failed", "error", err)
			continue
		}
		if err := t.apply(ctx, res); err != nil {
			return err
		}
		if t.order.Status.IsTerminal() {
			return nil
		}
	}
}

func (t *tracker) status(ctx context.Context) (*domain.BrokerOrder, error) {
	sctx, cancel := context.WithTimeout(ctx, t.e.cfg.StatusTimeout)
	defer cancel()
	return t.broker.GetOrder(sctx, t.order.BrokerOrderID)
}

// expire fails an order that did not fill in time after a best-effort
// cancel at the venue. A fill that raced the cancel wins.
func (t *tracker) expire(ctx context.Context) error {
	cfg := t.e.cfg
	err := util.Retry(ctx, cfg.Backoff,
		func(err error) bool { return !broker.IsRejection(err) },
		func(attempt int, err error) {
			t.log.Warn("cancel after timeout failed", "attempt", attempt, "error", err)
		},
		func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, cfg.CancelTimeout)
			defer cancel()
			return t.broker.CancelOrder(cctx, t.order.BrokerOrderID)
		})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		t.log.Warn("venue cancel failed", "error", err)
		if res, serr := t.status(ctx); serr == nil && res.Status == domain.BrokerStatusFilled {
			return t.apply(ctx, res)
		}
	}

	return t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
		o.Reason = domain.ReasonExecutionTimeout
		o.LastError = fmt.Sprintf("%v: not filled within %s", domain.ErrExecutionTimeout, cfg.MaxPollDuration)
	})
}

// sleep waits for d while serving cancel requests with onCancel. It
// returns early, without error, once the order is terminal.
func (t *tracker) sleep(ctx context.Context, d time.Duration, onCancel func(context.Context, cancelRequest) error) error {
	timer := time.NewTimer(max(d, 0))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case req := <-t.cancel:
			if err := onCancel(ctx, req); err != nil {
				return err
			}
			if t.order.Status.IsTerminal() {
				return nil
			}
		}
	}
}

func (t *tracker) cancelQueued(ctx context.Context, req cancelRequest) error {
	err := t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
		o.Reason = domain.ReasonCancelledByUser
	})
	req.reply <- cancelReply{order: t.order.Clone(), err: err}
	return err
}

// cancelOpen asks the venue to cancel an accepted order. The order fails
// only once the venue confirms; otherwise tracking continues.
func (t *tracker) cancelOpen(ctx context.Context, req cancelRequest) error {
	cctx, cancel := context.WithTimeout(ctx, t.e.cfg.CancelTimeout)
	defer cancel()
	if err := t.broker.CancelOrder(cctx, t.order.BrokerOrderID); err != nil {
		req.reply <- cancelReply{
			order: t.order.Clone(),
			err:   fmt.Errorf("cancelling order %s at %s: %w", t.order.ID, t.broker.Name(), err),
		}
		return nil
	}
	err := t.transition(ctx, domain.OrderStatusFailed, func(o *domain.Order) {
		o.Reason = domain.ReasonCancelledByUser
	})
	req.reply <- cancelReply{order: t.order.Clone(), err: err}
	return err
}

func (t *tracker) refuseCancel(_ context.Context, req cancelRequest) error {
	req.reply <- cancelReply{
		order: t.order.Clone(),
		err:   fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotCancellable, t.order.ID, t.order.Status),
	}
	return nil
}

// transition moves the order to the next state. The audit entry is written
// first and retried until it lands; until then the order keeps its previous
// state. The (user, symbol) lock is released only after a terminal state
// has been recorded and persisted.
func (t *tracker) transition(ctx context.Context, to domain.OrderStatus, mutate func(*domain.Order)) error {
	from := t.order.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", t.order.ID, from, to)
	}

	now := t.e.now()
	next := t.order.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.LastTransitionAt = now
	if to == domain.OrderStatusSubmitting && next.SubmittedAt == nil {
		next.SubmittedAt = &now
	}

	if err := t.record(ctx, transitionDraft(next, from)); err != nil {
		return fmt.Errorf("auditing %s -> %s: %w", from, to, err)
	}

	actx := context.WithoutCancel(ctx)
	t.order = next
	if err := t.e.orders.UpdateOrder(actx, next); err != nil {
		t.log.Error("persisting order transition", "to", to, "error", err)
	}
	t.log.Info("order transition", "from", from, "to", to, "reason", next.Reason)

	if to.IsTerminal() {
		t.e.locks.release(next.Signal.LockKey(), next.ID)
		t.e.finished(actx, next, t.realized)
	}
	return nil
}

// transitionDraft builds the order_transition audit entry for o, which has
// just left from. An empty from marks order creation.
func transitionDraft(o *domain.Order, from domain.OrderStatus) domain.AuditDraft {
	payload := map[string]any{
		"from":           from,
		"to":             o.Status,
		"quantity":       o.Quantity,
		"filledQuantity": o.FilledQuantity,
		"broker":         o.BrokerName,
	}
	if o.SubmittedAt != nil {
		payload["latencyMs"] = o.LastTransitionAt.Sub(*o.SubmittedAt).Milliseconds()
	}
	if o.BrokerOrderID != "" {
		payload["brokerOrderId"] = o.BrokerOrderID
	}
	if o.FilledPrice != nil {
		payload["filledPrice"] = o.FilledPrice.String()
	}
	if o.Reason != "" {
		payload["reason"] = o.Reason
	}
	if o.LastError != "" {
		payload["error"] = o.LastError
	}
	if from == "" && o.Assessment != nil {
		payload["assessmentId"] = o.Assessment.ID
	}
	return domain.AuditDraft{
		EntityType: domain.EntityOrder,
		EntityID:   o.ID,
		Action:     domain.AuditOrderTransition,
		ActorID:    o.Signal.UserID,
		Payload:    payload,
	}
}
