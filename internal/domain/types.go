// Package domain defines the core types shared across the tradegate engine:
// trade signals, risk policies and assessments, orders, positions, and audit
// records.
package domain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the trading venue family a symbol belongs to.
type Market string

const (
	MarketUS     Market = "US"
	MarketIN     Market = "IN"
	MarketCrypto Market = "CRYPTO"
)

// MarketForSymbol infers a market from the symbol's format. Pairs such as
// BTC/USDT or BTCUSDT are crypto, NSE/BSE suffixes are Indian equities and
// everything else is treated as a US equity.
func MarketForSymbol(symbol string) Market {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "/"),
		strings.HasSuffix(s, "USDT"),
		strings.HasSuffix(s, "BUSD"):
		return MarketCrypto
	case strings.HasSuffix(s, ".NS"), strings.HasSuffix(s, ".BO"):
		return MarketIN
	default:
		return MarketUS
	}
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the execution style requested for a trade.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeSignal is a proposed trade awaiting risk evaluation. It is passed by
// value and never modified after intake.
type TradeSignal struct {
	SignalID        string           `json:"signalId,omitempty"`
	UserID          string           `json:"userId"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Quantity        int64            `json:"quantity"`
	OrderType       OrderType        `json:"orderType"`
	LimitPrice      *decimal.Decimal `json:"limitPrice,omitempty"`
	Confidence      float64          `json:"confidence"`
	RequestedBroker string           `json:"requestedBroker,omitempty"`
	Region          string           `json:"region,omitempty"`
	StrategyID      string           `json:"strategyId,omitempty"`
	IsPaperTrade    bool             `json:"isPaperTrade"`
	AccountBalance  decimal.Decimal  `json:"accountBalance"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Normalize returns a copy of the signal with canonical casing applied to
// its identifiers. A missing order type defaults to MARKET.
func (s TradeSignal) Normalize() TradeSignal {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Side = Side(strings.ToUpper(strings.TrimSpace(string(s.Side))))
	s.OrderType = OrderType(strings.ToUpper(strings.TrimSpace(string(s.OrderType))))
	if s.OrderType == "" {
		s.OrderType = OrderTypeMarket
	}
	s.RequestedBroker = strings.ToLower(strings.TrimSpace(s.RequestedBroker))
	s.Region = strings.ToUpper(strings.TrimSpace(s.Region))
	s.UserID = strings.TrimSpace(s.UserID)
	return s
}

// Validate checks the signal for malformed fields. It returns a
// *ValidationError listing every problem found.
func (s TradeSignal) Validate() error {
	var problems []string
	if s.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if s.UserID == "" {
		problems = append(problems, "userId is required")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		problems = append(problems, "side must be BUY or SELL")
	}
	if s.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	switch s.OrderType {
	case OrderTypeMarket:
		if s.LimitPrice != nil {
			problems = append(problems, "limitPrice is only allowed on LIMIT orders")
		}
	case OrderTypeLimit:
		if s.LimitPrice == nil {
			problems = append(problems, "limitPrice is required for LIMIT orders")
		} else if !s.LimitPrice.IsPositive() {
			problems = append(problems, "limitPrice must be positive")
		}
	default:
		problems = append(problems, "orderType must be MARKET or LIMIT")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		problems = append(problems, "confidence must be between 0 and 1")
	}
	if s.AccountBalance.IsNegative() {
		problems = append(problems, "accountBalance must not be negative")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// LockKey identifies the (user, symbol) pair that may have at most one
// non-terminal order at a time.
func (s TradeSignal) LockKey() string {
	return s.UserID + "|" + s.Symbol
}

// ---------------------------------------------------------------------------
// Risk assessment
// ---------------------------------------------------------------------------

// Action is the verdict of the risk firewall.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionResize Action = "RESIZE"
	ActionDelay  Action = "DELAY"
	ActionBlock  Action = "BLOCK"
)

// Severity orders actions from least (ALLOW) to most (BLOCK) restrictive.
func (a Action) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionResize:
		return 1
	case ActionDelay:
		return 2
	case ActionBlock:
		return 3
	default:
		return -1
	}
}

// Restrict returns the more restrictive of a and b.
func (a Action) Restrict(b Action) Action {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// RiskLevel grades how risky a signal is judged to be.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (l RiskLevel) rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// Max returns the higher of l and o.
func (l RiskLevel) Max(o RiskLevel) RiskLevel {
	if o.rank() > l.rank() {
		return o
	}
	return l
}

// Adjustments records modifications the firewall applied to a signal.
type Adjustments struct {
	Quantity   int64      `json:"quantity,omitempty"`
	DelayUntil *time.Time `json:"delayUntil,omitempty"`
}

// RiskAssessment is the firewall's verdict on a single TradeSignal
// evaluation. It is never mutated after creation.
type RiskAssessment struct {
	ID                 string           `json:"id"`
	Action             Action           `json:"action"`
	RiskLevel          RiskLevel        `json:"riskLevel"`
	Confidence         float64          `json:"confidence"`
	Adjustments        Adjustments      `json:"adjustments"`
	Reasoning          []string         `json:"reasoning"`
	TriggeredPolicyIDs []string         `json:"triggeredPolicyIds"`
	PolicyVersions     map[string]int64 `json:"policyVersions,omitempty"`
	EvaluatedAt        time.Time        `json:"evaluatedAt"`
}

// Quantity returns the quantity to submit for the given original request
// quantity, honouring a RESIZE adjustment.
func (a *RiskAssessment) Quantity(requested int64) int64 {
	if a.Adjustments.Quantity > 0 && a.Adjustments.Quantity < requested {
		return a.Adjustments.Quantity
	}
	return requested
}

// AccountSnapshot is the account and market state a signal is evaluated
// against. The engine builds it; the firewall only reads it. Holdings maps a
// symbol to the notional value currently held in it. DailyTrades counts the
// orders the user already created in this symbol on the current trading day.
type AccountSnapshot struct {
	Balance          decimal.Decimal            `json:"balance"`
	ReferencePrice   decimal.Decimal            `json:"referencePrice"`
	DailyRealizedPnL decimal.Decimal            `json:"dailyRealizedPnl"`
	CoolingUntil     time.Time                  `json:"coolingUntil"`
	Holdings         map[string]decimal.Decimal `json:"holdings,omitempty"`
	Reputation       *float64                   `json:"reputation,omitempty"`
	DailyTrades      int                        `json:"dailyTrades"`
	Now              time.Time                  `json:"now"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderStatus is a state in the order lifecycle.
type OrderStatus string

const (
	OrderStatusQueued          OrderStatus = "QUEUED"
	OrderStatusSubmitting      OrderStatus = "SUBMITTING"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected || s == OrderStatusFailed
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusQueued:          {OrderStatusSubmitting, OrderStatusFailed},
	OrderStatusSubmitting:      {OrderStatusAccepted, OrderStatusRejected, OrderStatusFailed},
	OrderStatusAccepted:        {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusFailed},
	OrderStatusPartiallyFilled: {OrderStatusFilled, OrderStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal forward
// step in the lifecycle.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reason codes recorded on Order.Reason.
const (
	ReasonExecutionTimeout  = "EXECUTION_TIMEOUT"
	ReasonCancelledByUser   = "CANCELLED_BY_USER"
	ReasonExecutionFailure  = "EXECUTION_FAILURE"
	ReasonBrokerRejected    = "BROKER_REJECTED"
	ReasonSubmissionUnknown = "SUBMISSION_UNKNOWN"
	ReasonCancelledByVenue  = "CANCELLED_BY_VENUE"
	ReasonBrokerUnavailable = "BROKER_UNAVAILABLE"
)

// Order tracks a submitted trade through its lifecycle.
type Order struct {
	ID               string           `json:"id"`
	BrokerOrderID    string           `json:"brokerOrderId,omitempty"`
	Signal           TradeSignal      `json:"signal"`
	Assessment       *RiskAssessment  `json:"assessment,omitempty"`
	Quantity         int64            `json:"quantity"`
	Status           OrderStatus      `json:"status"`
	FilledQuantity   int64            `json:"filledQuantity"`
	FilledPrice      *decimal.Decimal `json:"filledPrice,omitempty"`
	BrokerName       string           `json:"brokerName,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	LastTransitionAt time.Time        `json:"lastTransitionAt"`
	SubmittedAt      *time.Time       `json:"submittedAt,omitempty"`
	NotBefore        *time.Time       `json:"notBefore,omitempty"`
	RetryCount       int              `json:"retryCount"`
	LastError        string           `json:"lastError,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.FilledPrice != nil {
		p := *o.FilledPrice
		c.FilledPrice = &p
	}
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		c.SubmittedAt = &t
	}
	if o.NotBefore != nil {
		t := *o.NotBefore
		c.NotBefore = &t
	}
	if o.Signal.LimitPrice != nil {
		p := *o.Signal.LimitPrice
		c.Signal.LimitPrice = &p
	}
	// Assessments are immutable once created; sharing the pointer is safe.
	return &c
}

// Outcome pairs a terminal order with the assessment that admitted it. It is
// the record consumed by the learning/feedback collaborator.
type Outcome struct {
	Order      Order          `json:"order"`
	Assessment RiskAssessment `json:"assessment"`
}

// ---------------------------------------------------------------------------
// Broker-facing types
// ---------------------------------------------------------------------------

// BrokerOrderStatus is an adapter's view of an order it holds.
type BrokerOrderStatus string

const (
	BrokerStatusAccepted        BrokerOrderStatus = "accepted"
	BrokerStatusPartiallyFilled BrokerOrderStatus = "partially_filled"
	BrokerStatusFilled          BrokerOrderStatus = "filled"
	BrokerStatusRejected        BrokerOrderStatus = "rejected"
	BrokerStatusCancelled       BrokerOrderStatus = "cancelled"
)

// BrokerOrder is what an adapter reports after a submit or status query.
type BrokerOrder struct {
	BrokerOrderID  string            `json:"brokerOrderId"`
	Status         BrokerOrderStatus `json:"status"`
	FilledQuantity int64             `json:"filledQuantity"`
	FilledPrice    decimal.Decimal   `json:"filledPrice"`
	RealizedPnL    decimal.Decimal   `json:"realizedPnl"`
	Reason         string            `json:"reason,omitempty"`
}

// Position is a holding in one symbol.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

// AccountInfo is a snapshot of an account's financial metrics.
type AccountInfo struct {
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buyingPower"`
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// Entity types recorded in the audit ledger.
const (
	EntityAssessment = "risk_assessment"
	EntityOrder      = "order"
	EntityPolicy     = "policy"
	EntityBroker     = "broker"
)

// Audit actions.
const (
	AuditRiskDecision    = "risk_decision"
	AuditOrderTransition = "order_transition"
	AuditOrderRetry      = "order_retry"
	AuditPolicyVersion   = "policy_version"
	AuditPolicyRollback  = "policy_rollback"
	AuditBrokerFailover  = "broker_failover"
)

// AuditDraft is the caller-supplied content of an audit entry. The ledger
// assigns the sequence number, timestamp and hashes.
type AuditDraft struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	Payload    map[string]any
}

// AuditEntry is an immutable, hash-chained ledger record.
type AuditEntry struct {
	Sequence    uint64    `json:"sequence"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Action      string    `json:"action"`
	ActorID     string    `json:"actorId"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     []byte    `json:"payload"`
	PrevHash    string    `json:"prevHash"`
	ContentHash string    `json:"contentHash"`
}

// AuditHead anchors the end of the chain: how many entries it holds and
// the content hash of the last one. Truncating the chain breaks the match.
type AuditHead struct {
	Length uint64 `json:"length"`
	Hash   string `json:"hash"`
}

// AuditFilter selects ledger entries. Zero-valued fields match everything.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	FromSeq    uint64
	ToSeq      uint64
	Since      time.Time
	Until      time.Time
}

// Match reports whether e satisfies the filter.
func (f AuditFilter) Match(e AuditEntry) bool {
	switch {
	case f.EntityType != "" && e.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && e.EntityID != f.EntityID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.FromSeq != 0 && e.Sequence < f.FromSeq:
		return false
	case f.ToSeq != 0 && e.Sequence > f.ToSeq:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	}
	return true
}

// Auditor is the single write path into the audit ledger.
type Auditor interface {
	Append(ctx context.Context, draft AuditDraft) (AuditEntry, error)
}
