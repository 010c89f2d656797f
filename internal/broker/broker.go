// Package broker defines the Broker interface and provides the venue
// adapters (Alpaca, Binance and the paper-trading simulator), the health
// checker and the router that selects among them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"tradegate/internal/domain"
)

// Kind tags an adapter as a live venue or the paper simulator. The router
// dispatches on it; live trades are never routed to a paper adapter.
type Kind string

const (
	KindLive  Kind = "live"
	KindPaper Kind = "paper"
)

// Broker abstracts brokerage operations for order execution and account
// management.
//
// Errors wrapping domain.ErrBrokerRejected are definitive rejections and are
// never retried. Every other error, including context deadline errors, is
// treated as transient.
type Broker interface {
	// Name returns the venue identifier (e.g. "alpaca", "paper").
	Name() string

	// Kind reports whether the adapter is live or paper.
	Kind() Kind

	// SubmitOrder sends an order to the venue. The engine order ID is used
	// as the client order ID so resubmission is idempotent where the venue
	// supports it.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerOrder, error)

	// CancelOrder requests cancellation of an open order by its venue ID.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrder returns the venue's current view of an order.
	GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error)

	// GetPositions returns all current positions held at the venue.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

// IsRejection reports whether err is a definitive broker rejection.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrBrokerRejected)
}

func rejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrBrokerRejected, fmt.Sprintf(format, args...))
}

func transient(venue string, err error) error {
	if errors.Is(err, domain.ErrTransientBroker) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrTransientBroker, venue, err)
}

// call runs fn, which cannot itself be interrupted, and abandons it when ctx
// ends first. The result of an abandoned call is discarded.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9./-]{0,19}$`)

// validateOrder applies the checks every venue shares before anything is
// sent over the wire.
func validateOrder(o *domain.Order) error {
	if !symbolPattern.MatchString(o.Signal.Symbol) {
		return rejectedf("invalid symbol %q", o.Signal.Symbol)
	}
	if o.Quantity <= 0 {
		return rejectedf("quantity must be positive, got %d", o.Quantity)
	}
	if o.Signal.OrderType == domain.OrderTypeLimit && (o.Signal.LimitPrice == nil || !o.Signal.LimitPrice.IsPositive()) {
		return rejectedf("limit order without a positive limit price")
	}
	return nil
}
