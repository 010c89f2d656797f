package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// Compile-time interface check.
var _ Broker = (*BinanceBroker)(nil)

// BinanceBroker implements the Broker interface against the Binance spot
// REST API using HMAC-SHA256 signed requests.
type BinanceBroker struct {
	apiKey     string
	secret     []byte
	baseURL    string
	quote      string
	httpClient *http.Client
	limiter    *util.RateLimiter
	now        func() time.Time
	log        *slog.Logger
}

// NewBinanceBroker creates a BinanceBroker. perMinute bounds the request
// weight spent by this adapter.
func NewBinanceBroker(apiKey, apiSecret, baseURL string, perMinute int, log *slog.Logger) *BinanceBroker {
	if perMinute <= 0 {
		perMinute = 1200
	}
	return &BinanceBroker{
		apiKey:     apiKey,
		secret:     []byte(apiSecret),
		baseURL:    strings.TrimRight(baseURL, "/"),
		quote:      "USDT",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    util.NewRateLimiter(perMinute, 10),
		now:        time.Now,
		log:        log.With("component", "binance"),
	}
}

// Name returns "binance".
func (b *BinanceBroker) Name() string {
	return "binance"
}

// Kind returns KindLive.
func (b *BinanceBroker) Kind() Kind {
	return KindLive
}

type binanceOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// SubmitOrder places an order via POST /api/v3/order.
func (b *BinanceBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerOrder, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if domain.MarketForSymbol(order.Signal.Symbol) != domain.MarketCrypto {
		return nil, rejectedf("binance does not trade %s", order.Signal.Symbol)
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(order.Signal.Symbol))
	params.Set("side", string(order.Signal.Side))
	params.Set("type", string(order.Signal.OrderType))
	params.Set("quantity", strconv.FormatInt(order.Quantity, 10))
	params.Set("newClientOrderId", order.ID)
	params.Set("newOrderRespType", "RESULT")
	if order.Signal.OrderType == domain.OrderTypeLimit {
		params.Set("price", order.Signal.LimitPrice.String())
		params.Set("timeInForce", "GTC")
	}

	var resp binanceOrder
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	b.log.Info("order placed", "order_id", order.ID, "binance_id", resp.OrderID, "status", resp.Status)
	return resp.toBrokerOrder(), nil
}

// CancelOrder cancels via DELETE /api/v3/order.
func (b *BinanceBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	symbol, id, err := splitBinanceID(brokerOrderID)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", id)
	return b.do(ctx, http.MethodDelete, "/api/v3/order", params, nil)
}

// GetOrder queries via GET /api/v3/order.
func (b *BinanceBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	symbol, id, err := splitBinanceID(brokerOrderID)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", id)

	var resp binanceOrder
	if err := b.do(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return resp.toBrokerOrder(), nil
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (b *BinanceBroker) account(ctx context.Context) (*binanceAccount, error) {
	var acct binanceAccount
	if err := b.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetPositions reports non-quote asset balances as positions. Binance does
// not track cost basis, so AveragePrice is zero.
func (b *BinanceBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Position
	for _, bal := range acct.Balances {
		if bal.Asset == b.quote {
			continue
		}
		total := parseDecimal(bal.Free).Add(parseDecimal(bal.Locked))
		if total.IsZero() {
			continue
		}
		out = append(out, domain.Position{Symbol: bal.Asset + b.quote, Quantity: total.IntPart()})
	}
	return out, nil
}

// GetAccount reports the quote-asset balance as cash.
func (b *BinanceBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return nil, err
	}
	info := &domain.AccountInfo{}
	for _, bal := range acct.Balances {
		if bal.Asset == b.quote {
			info.BuyingPower = parseDecimal(bal.Free)
			info.Cash = info.BuyingPower.Add(parseDecimal(bal.Locked))
			info.Equity = info.Cash
		}
	}
	return info, nil
}

// do signs and sends one request and decodes the JSON response into out.
func (b *BinanceBroker) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return transient(b.Name(), err)
	}

	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + b.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return transient(b.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transient(b.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr binanceError
		_ = json.Unmarshal(body, &apiErr)
		return b.classify(resp.StatusCode, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return transient(b.Name(), fmt.Errorf("decoding %s response: %w", path, err))
	}
	return nil
}

// classify treats 4xx responses as rejections except rate limiting (429,
// 418) and clock skew (-1021), which clear up on retry.
func (b *BinanceBroker) classify(status int, apiErr binanceError) error {
	msg := fmt.Sprintf("binance: http %d: code %d: %s", status, apiErr.Code, apiErr.Msg)
	if status >= 400 && status < 500 &&
		status != http.StatusTooManyRequests && status != http.StatusTeapot &&
		apiErr.Code != -1021 {
		return rejectedf("%s", msg)
	}
	return fmt.Errorf("%w: %s", domain.ErrTransientBroker, msg)
}

func (b *BinanceBroker) sign(query string) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (o binanceOrder) toBrokerOrder() *domain.BrokerOrder {
	res := &domain.BrokerOrder{
		BrokerOrderID: o.Symbol + ":" + strconv.FormatInt(o.OrderID, 10),
	}
	executed := parseDecimal(o.ExecutedQty)
	res.FilledQuantity = executed.IntPart()
	if executed.IsPositive() {
		res.FilledPrice = parseDecimal(o.CummulativeQuoteQty).Div(executed).Round(8)
	}
	switch o.Status {
	case "FILLED":
		res.Status = domain.BrokerStatusFilled
	case "PARTIALLY_FILLED":
		res.Status = domain.BrokerStatusPartiallyFilled
	case "REJECTED":
		res.Status = domain.BrokerStatusRejected
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		res.Status = domain.BrokerStatusCancelled
	default:
		res.Status = domain.BrokerStatusAccepted
	}
	return res
}

// binanceSymbol converts BTC/USDT style pairs to the exchange's BTCUSDT form.
func binanceSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "")
}

func splitBinanceID(id string) (symbol, orderID string, err error) {
	symbol, orderID, ok := strings.Cut(id, ":")
	if !ok || symbol == "" || orderID == "" {
		return "", "", rejectedf("malformed binance order id %q", id)
	}
	return symbol, orderID, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
