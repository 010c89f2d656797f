package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validSignal() TradeSignal {
	return TradeSignal{
		UserID:         "u1",
		Symbol:         "AAPL",
		Side:           SideBuy,
		Quantity:       10,
		OrderType:      OrderTypeMarket,
		Confidence:     0.9,
		AccountBalance: decimal.NewFromInt(10000),
	}
}

func TestSignalValidate(t *testing.T) {
	limit := decimal.NewFromInt(100)
	zero := decimal.Zero

	tests := []struct {
		name   string
		mutate func(*TradeSignal)
		ok     bool
	}{
		{"valid market", func(*TradeSignal) {}, true},
		{"valid limit", func(s *TradeSignal) { s.OrderType = OrderTypeLimit; s.LimitPrice = &limit }, true},
		{"empty symbol", func(s *TradeSignal) { s.Symbol = "" }, false},
		{"missing user", func(s *TradeSignal) { s.UserID = "" }, false},
		{"zero quantity", func(s *TradeSignal) { s.Quantity = 0 }, false},
		{"negative quantity", func(s *TradeSignal) { s.Quantity = -5 }, false},
		{"bad side", func(s *TradeSignal) { s.Side = "HOLD" }, false},
		{"limit without price", func(s *TradeSignal) { s.OrderType = OrderTypeLimit }, false},
		{"limit zero price", func(s *TradeSignal) { s.OrderType = OrderTypeLimit; s.LimitPrice = &zero }, false},
		{"market with price", func(s *TradeSignal) { s.LimitPrice = &limit }, false},
		{"confidence above one", func(s *TradeSignal) { s.Confidence = 1.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSignal()
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("errors.Is(err, ErrValidation) = false for %v", err)
				}
			}
		})
	}
}

func TestSignalNormalize(t *testing.T) {
	s := TradeSignal{Symbol: " aapl ", Side: "buy", RequestedBroker: " Alpaca", Region: "us"}.Normalize()
	if s.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want AAPL", s.Symbol)
	}
	if s.Side != SideBuy {
		t.Errorf("Side = %q, want BUY", s.Side)
	}
	if s.OrderType != OrderTypeMarket {
		t.Errorf("OrderType = %q, want MARKET default", s.OrderType)
	}
	if s.RequestedBroker != "alpaca" || s.Region != "US" {
		t.Errorf("broker/region = %q/%q", s.RequestedBroker, s.Region)
	}
}

func TestMarketForSymbol(t *testing.T) {
	tests := map[string]Market{
		"AAPL":        MarketUS,
		"BTC/USDT":    MarketCrypto,
		"ETHUSDT":     MarketCrypto,
		"RELIANCE.NS": MarketIN,
		"TCS.BO":      MarketIN,
	}
	for sym, want := range tests {
		if got := MarketForSymbol(sym); got != want {
			t.Errorf("MarketForSymbol(%q) = %q, want %q", sym, got, want)
		}
	}
}

func TestActionRestrict(t *testing.T) {
	order := []Action{ActionAllow, ActionResize, ActionDelay, ActionBlock}
	for i, a := range order {
		for j, b := range order {
			got := a.Restrict(b)
			want := order[max(i, j)]
			if got != want {
				t.Errorf("%s.Restrict(%s) = %s, want %s", a, b, got, want)
			}
		}
	}
}

func TestRiskLevelMax(t *testing.T) {
	if got := RiskLow.Max(RiskHigh); got != RiskHigh {
		t.Errorf("LOW.Max(HIGH) = %s", got)
	}
	if got := RiskCritical.Max(RiskMedium); got != RiskCritical {
		t.Errorf("CRITICAL.Max(MEDIUM) = %s", got)
	}
}

func TestOrderTransitions(t *testing.T) {
	legal := [][2]OrderStatus{
		{OrderStatusQueued, OrderStatusSubmitting},
		{OrderStatusQueued, OrderStatusFailed},
		{OrderStatusSubmitting, OrderStatusAccepted},
		{OrderStatusSubmitting, OrderStatusRejected},
		{OrderStatusAccepted, OrderStatusPartiallyFilled},
		{OrderStatusAccepted, OrderStatusFilled},
		{OrderStatusPartiallyFilled, OrderStatusFilled},
		{OrderStatusPartiallyFilled, OrderStatusFailed},
	}
	for _, tr := range legal {
		if !tr[0].CanTransition(tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}

	illegal := [][2]OrderStatus{
		{OrderStatusAccepted, OrderStatusQueued},
		{OrderStatusFilled, OrderStatusFailed},
		{OrderStatusRejected, OrderStatusSubmitting},
		{OrderStatusPartiallyFilled, OrderStatusAccepted},
		{OrderStatusQueued, OrderStatusFilled},
		{OrderStatusSubmitting, OrderStatusFilled},
	}
	for _, tr := range illegal {
		if tr[0].CanTransition(tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}

	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusRejected, OrderStatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	price := decimal.NewFromInt(10)
	now := time.Now()
	o := &Order{ID: "o1", FilledPrice: &price, NotBefore: &now}
	c := o.Clone()
	*c.FilledPrice = decimal.NewFromInt(99)
	if !o.FilledPrice.Equal(decimal.NewFromInt(10)) {
		t.Error("Clone shares FilledPrice with the original")
	}
}

func TestPolicyCloneAndSameContent(t *testing.T) {
	p := Policy{
		PolicyID: "sector",
		Version:  1,
		Rules: []Rule{{
			Type:              RuleSectorCap,
			MaxSectorExposure: 0.3,
			Sectors:           map[string]string{"AAPL": "tech"},
		}},
	}
	c := p.Clone()
	c.Version = 7
	if !p.SameContent(c) {
		t.Error("clone with different version should have same content")
	}
	c.Rules[0].Sectors["AAPL"] = "energy"
	if p.Rules[0].Sectors["AAPL"] != "tech" {
		t.Error("Clone shares sector map with the original")
	}
	if p.SameContent(c) {
		t.Error("modified clone should differ in content")
	}
}

func TestPolicyValidate(t *testing.T) {
	bad := Policy{PolicyID: "x", Rules: []Rule{{Type: RuleExposureCap, MaxExposure: 2}}}
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("Validate() = %v, want validation error", err)
	}
	noTrades := Policy{PolicyID: "x", Rules: []Rule{{Type: RuleDailyTrades}}}
	if err := noTrades.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("Validate(daily_trades without limit) = %v, want validation error", err)
	}
	good := Policy{PolicyID: "x", Rules: []Rule{{Type: RuleConfidenceFloor, MinConfidence: 0.7}, {Type: RuleDailyTrades, MaxDailyTrades: 10}}}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{Problems: []string{"x"}}, CodeValidation},
		{&PolicyBlockError{}, CodePolicyBlock},
		{fmt.Errorf("submit: %w", ErrDuplicateInFlight), CodeDuplicateInFlight},
		{fmt.Errorf("rollback: %w", ErrPolicyVersionNotFound), CodePolicyVersionNotFound},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestAuditFilterMatch(t *testing.T) {
	e := AuditEntry{Sequence: 5, EntityType: EntityOrder, EntityID: "o1", Action: AuditOrderTransition}
	if !(AuditFilter{}).Match(e) {
		t.Error("empty filter should match")
	}
	if !(AuditFilter{EntityID: "o1", FromSeq: 5, ToSeq: 5}).Match(e) {
		t.Error("exact filter should match")
	}
	if (AuditFilter{Action: AuditPolicyRollback}).Match(e) {
		t.Error("action filter should not match")
	}
}
