package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage
// API for US equities.
type AlpacaBroker struct {
	client *alpaca.Client
	log    *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log *slog.Logger) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log: log.With("component", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Kind returns KindLive.
func (b *AlpacaBroker) Kind() Kind {
	return KindLive
}

// SubmitOrder places a DAY order via POST /v2/orders. The engine order ID is
// sent as client_order_id; a duplicate-id response on resubmission resolves
// to the order already placed.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerOrder, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if domain.MarketForSymbol(order.Signal.Symbol) != domain.MarketUS {
		return nil, rejectedf("alpaca does not trade %s", order.Signal.Symbol)
	}

	qty := decimal.NewFromInt(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Signal.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.Signal.Side == domain.SideSell {
		req.Side = alpaca.Sell
	}
	if order.Signal.OrderType == domain.OrderTypeLimit {
		req.Type = alpaca.Limit
		req.LimitPrice = order.Signal.LimitPrice
	}

	placed, err := call(ctx, func() (*alpaca.Order, error) { return b.client.PlaceOrder(req) })
	if err != nil && isDuplicateClientID(err) {
		placed, err = call(ctx, func() (*alpaca.Order, error) { return b.client.GetOrderByClientOrderID(order.ID) })
	}
	if err != nil {
		return nil, b.classify(err)
	}
	b.log.Info("order placed", "order_id", order.ID, "alpaca_id", placed.ID, "status", placed.Status)
	return fromAlpacaOrder(placed), nil
}

// CancelOrder requests cancellation via DELETE /v2/orders/{id}.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, b.client.CancelOrder(brokerOrderID) })
	if err != nil {
		return b.classify(err)
	}
	return nil
}

// GetOrder fetches order state via GET /v2/orders/{id}.
func (b *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	o, err := call(ctx, func() (*alpaca.Order, error) { return b.client.GetOrder(brokerOrderID) })
	if err != nil {
		return nil, b.classify(err)
	}
	return fromAlpacaOrder(o), nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	list, err := call(ctx, b.client.GetPositions)
	if err != nil {
		return nil, b.classify(err)
	}
	out := make([]domain.Position, 0, len(list))
	for _, p := range list {
		out = append(out, domain.Position{
			Symbol:       p.Symbol,
			Quantity:     p.Qty.IntPart(),
			AveragePrice: p.AvgEntryPrice,
		})
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	acct, err := call(ctx, b.client.GetAccount)
	if err != nil {
		return nil, b.classify(err)
	}
	return &domain.AccountInfo{
		Cash:        acct.Cash,
		Equity:      acct.Equity,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// classify maps Alpaca client errors onto the rejection/transient split:
// 4xx responses other than 429 are rejections, everything else is transient.
func (b *AlpacaBroker) classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return rejectedf("alpaca: %s", apiErr.Message)
		}
	}
	return transient(b.Name(), err)
}

func isDuplicateClientID(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}

func fromAlpacaOrder(o *alpaca.Order) *domain.BrokerOrder {
	res := &domain.BrokerOrder{
		BrokerOrderID:  o.ID,
		FilledQuantity: o.FilledQty.IntPart(),
	}
	if o.FilledAvgPrice != nil {
		res.FilledPrice = *o.FilledAvgPrice
	}
	switch o.Status {
	case "filled":
		res.Status = domain.BrokerStatusFilled
	case "partially_filled":
		res.Status = domain.BrokerStatusPartiallyFilled
	case "rejected":
		res.Status = domain.BrokerStatusRejected
	case "canceled", "expired", "done_for_day", "replaced":
		res.Status = domain.BrokerStatusCancelled
	default:
		// new, accepted, pending_new, calculated and friends.
		res.Status = domain.BrokerStatusAccepted
	}
	return res
}
