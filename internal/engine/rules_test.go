package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

var evalTime = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func snap(balance, price int64) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Balance:        decimal.NewFromInt(balance),
		ReferencePrice: decimal.NewFromInt(price),
		Now:            evalTime,
	}
}

func pol(id string, rules ...domain.Rule) domain.Policy {
	return domain.Policy{PolicyID: id, Version: 1, Enabled: true, Rules: rules}
}

func TestAssessAllowsWithinLimits(t *testing.T) {
	a := Assess([]domain.Policy{
		pol("conf", domain.Rule{Type: domain.RuleConfidenceFloor, MinConfidence: 0.7}),
		pol("cap", domain.Rule{Type: domain.RuleExposureCap, MaxExposure: 0.2}),
	}, signal("AAPL", 10), snap(100_000, 100))

	if a.Action != domain.ActionAllow || a.RiskLevel != domain.RiskLow {
		t.Errorf("assessment = %s/%s, want ALLOW/LOW", a.Action, a.RiskLevel)
	}
	if len(a.TriggeredPolicyIDs) != 0 || a.Adjustments.Quantity != 0 {
		t.Errorf("unexpected triggers %v or adjustment %d", a.TriggeredPolicyIDs, a.Adjustments.Quantity)
	}
	if a.PolicyVersions["conf"] != 1 || a.PolicyVersions["cap"] != 1 {
		t.Errorf("PolicyVersions = %v", a.PolicyVersions)
	}
}

func TestExposureCap(t *testing.T) {
	tests := []struct {
		name     string
		rule     domain.Rule
		qty      int64
		balance  int64
		price    int64
		action   domain.Action
		resizeTo int64
	}{
		{"within cap", domain.Rule{MaxExposure: 0.2}, 20, 10_000, 100, domain.ActionAllow, 0},
		{"resize", domain.Rule{MaxExposure: 0.2}, 1000, 10_000, 100, domain.ActionResize, 20},
		{"explicit block", domain.Rule{MaxExposure: 0.2, OnBreach: domain.BreachBlock}, 1000, 10_000, 100, domain.ActionBlock, 0},
		{"fit below one share", domain.Rule{MaxExposure: 0.01}, 5, 1_000, 100, domain.ActionBlock, 0},
		{"zero balance", domain.Rule{MaxExposure: 0.2}, 1, 0, 100, domain.ActionBlock, 0},
		{"no reference price", domain.Rule{MaxExposure: 0.2}, 1, 10_000, 0, domain.ActionBlock, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.Type = domain.RuleExposureCap
			a := Assess([]domain.Policy{pol("cap", tt.rule)}, signal("AAPL", tt.qty), snap(tt.balance, tt.price))
			if a.Action != tt.action {
				t.Fatalf("action = %s, want %s (%v)", a.Action, tt.action, a.Reasoning)
			}
			if a.Adjustments.Quantity != tt.resizeTo {
				t.Errorf("resized to %d, want %d", a.Adjustments.Quantity, tt.resizeTo)
			}
			if got := a.Quantity(tt.qty); got > tt.qty {
				t.Errorf("Quantity = %d grew past request %d", got, tt.qty)
			}
		})
	}
}

func TestResizesCompound(t *testing.T) {
	a := Assess([]domain.Policy{
		pol("wide", domain.Rule{Type: domain.RuleExposureCap, MaxExposure: 0.5}),
		pol("tight", domain.Rule{Type: domain.RuleExposureCap, MaxExposure: 0.2}),
	}, signal("AAPL", 1000), snap(10_000, 100))

	if a.Action != domain.ActionResize || a.Adjustments.Quantity != 20 {
		t.Errorf("assessment = %s %d, want RESIZE 20", a.Action, a.Adjustments.Quantity)
	}
	if len(a.TriggeredPolicyIDs) != 2 {
		t.Errorf("triggered = %v", a.TriggeredPolicyIDs)
	}
}

// Adding a rule never makes the verdict less restrictive.
func TestMonotonicRestriction(t *testing.T) {
	rules := []domain.Rule{
		{Type: domain.RuleExposureCap, MaxExposure: 0.2},
		{Type: domain.RuleConfidenceFloor, MinConfidence: 0.95},
		{Type: domain.RuleDailyLoss, MaxDailyLoss: 0.01},
		{Type: domain.RuleSectorCap, MaxSectorExposure: 0.05, Sectors: map[string]string{"AAPL": "tech"}},
		{Type: domain.RuleReputationFloor, MinReputation: 0.5},
	}
	s := snap(10_000, 100)
	s.DailyRealizedPnL = decimal.NewFromInt(-500)
	score := 0.3
	s.Reputation = &score
	sig := signal("AAPL", 1000)

	for mask := range 1 << len(rules) {
		var policies []domain.Policy
		for i, r := range rules {
			if mask&(1<<i) != 0 {
				policies = append(policies, pol(string(r.Type), r))
			}
		}
		base := Assess(policies, sig, s)
		for i, r := range rules {
			if mask&(1<<i) != 0 {
				continue
			}
			more := Assess(append(policies, pol(string(r.Type), r)), sig, s)
			if more.Action.Severity() < base.Action.Severity() {
				t.Errorf("mask %05b + %s relaxed %s to %s", mask, r.Type, base.Action, more.Action)
			}
			if base.Action == domain.ActionBlock && more.Action != domain.ActionBlock {
				t.Errorf("mask %05b + %s lifted a BLOCK", mask, r.Type)
			}
		}
	}
}

func TestBlockDropsAdjustments(t *testing.T) {
	a := Assess([]domain.Policy{
		pol("cap", domain.Rule{Type: domain.RuleExposureCap, MaxExposure: 0.2}),
		pol("conf", domain.Rule{Type: domain.RuleConfidenceFloor, MinConfidence: 0.95}),
	}, signal("AAPL", 1000), snap(10_000, 100))

	if a.Action != domain.ActionBlock {
		t.Fatalf("action = %s, want BLOCK", a.Action)
	}
	if a.Adjustments.Quantity != 0 || a.Adjustments.DelayUntil != nil {
		t.Errorf("blocked assessment carries adjustments %+v", a.Adjustments)
	}
	if len(a.Reasoning) != 2 {
		t.Errorf("reasoning = %v, want both rules", a.Reasoning)
	}
}

func TestDailyLoss(t *testing.T) {
	rule := domain.Rule{Type: domain.RuleDailyLoss, MaxDailyLoss: 0.05, Cooldown: 2 * time.Hour}

	s := snap(100_000, 100)
	s.DailyRealizedPnL = decimal.NewFromInt(-4000)
	if a := Assess([]domain.Policy{pol("dl", rule)}, signal("AAPL", 1), s); a.Action != domain.ActionAllow {
		t.Errorf("loss under limit: action = %s", a.Action)
	}

	s.DailyRealizedPnL = decimal.NewFromInt(-6000)
	a := Assess([]domain.Policy{pol("dl", rule)}, signal("AAPL", 1), s)
	if a.Action != domain.ActionDelay || a.RiskLevel != domain.RiskHigh {
		t.Fatalf("loss over limit: %s/%s, want DELAY/HIGH", a.Action, a.RiskLevel)
	}
	if want := evalTime.Add(2 * time.Hour); !a.Adjustments.DelayUntil.Equal(want) {
		t.Errorf("DelayUntil = %v, want %v", a.Adjustments.DelayUntil, want)
	}

	cooling := snap(100_000, 100)
	cooling.CoolingUntil = evalTime.Add(30 * time.Minute)
	a = Assess([]domain.Policy{pol("dl", rule)}, signal("AAPL", 1), cooling)
	if a.Action != domain.ActionDelay || !a.Adjustments.DelayUntil.Equal(cooling.CoolingUntil) {
		t.Errorf("cooling: %s until %v", a.Action, a.Adjustments.DelayUntil)
	}
}

func TestSectorCap(t *testing.T) {
	rule := domain.Rule{
		Type:              domain.RuleSectorCap,
		MaxSectorExposure: 0.3,
		Sectors:           map[string]string{"AAPL": "tech", "MSFT": "tech", "XOM": "energy"},
	}
	s := snap(100_000, 100)
	s.Holdings = map[string]decimal.Decimal{
		"MSFT": decimal.NewFromInt(25_000),
		"XOM":  decimal.NewFromInt(50_000),
	}

	if a := Assess([]domain.Policy{pol("sector", rule)}, signal("AAPL", 40), s); a.Action != domain.ActionAllow {
		t.Errorf("29%% tech: action = %s", a.Action)
	}
	a := Assess([]domain.Policy{pol("sector", rule)}, signal("AAPL", 60), s)
	if a.Action != domain.ActionBlock || !strings.Contains(a.Reasoning[0], "sector tech") {
		t.Errorf("31%% tech: %s %v", a.Action, a.Reasoning)
	}
	if a := Assess([]domain.Policy{pol("sector", rule)}, signal("TSLA", 1000), s); a.Action != domain.ActionAllow {
		t.Errorf("unmapped symbol: action = %s", a.Action)
	}
	sell := signal("AAPL", 600)
	sell.Side = domain.SideSell
	if a := Assess([]domain.Policy{pol("sector", rule)}, sell, s); a.Action != domain.ActionAllow {
		t.Errorf("sell: action = %s", a.Action)
	}
}

func TestReputationFloor(t *testing.T) {
	rule := domain.Rule{Type: domain.RuleReputationFloor, MinReputation: 0.6}
	sig := signal("AAPL", 1)
	sig.StrategyID = "momentum"

	a := Assess([]domain.Policy{pol("rep", rule)}, sig, snap(100_000, 100))
	if a.Action != domain.ActionAllow {
		t.Errorf("absent score: action = %s", a.Action)
	}
	if len(a.Reasoning) != 1 || !strings.Contains(a.Reasoning[0], "no reputation score for momentum") {
		t.Errorf("absent score reasoning = %v", a.Reasoning)
	}
	if len(a.TriggeredPolicyIDs) != 0 {
		t.Errorf("absent score triggered %v", a.TriggeredPolicyIDs)
	}

	s := snap(100_000, 100)
	low := 0.4
	s.Reputation = &low
	a = Assess([]domain.Policy{pol("rep", rule)}, sig, s)
	if a.Action != domain.ActionBlock || a.RiskLevel != domain.RiskMedium {
		t.Errorf("low score: %s/%s, want BLOCK/MEDIUM", a.Action, a.RiskLevel)
	}
}

func TestDailyTrades(t *testing.T) {
	rule := domain.Rule{Type: domain.RuleDailyTrades, MaxDailyTrades: 10}
	s := snap(100_000, 100)

	s.DailyTrades = 9
	if a := Assess([]domain.Policy{pol("trades", rule)}, signal("AAPL", 1), s); a.Action != domain.ActionAllow {
		t.Errorf("ninth order today: action = %s", a.Action)
	}

	s.DailyTrades = 10
	a := Assess([]domain.Policy{pol("trades", rule)}, signal("AAPL", 1), s)
	if a.Action != domain.ActionBlock || a.RiskLevel != domain.RiskMedium {
		t.Fatalf("at limit: %s/%s, want BLOCK/MEDIUM", a.Action, a.RiskLevel)
	}
	if !strings.Contains(a.Reasoning[0], "10 orders for AAPL today, limit 10") {
		t.Errorf("reasoning = %v", a.Reasoning)
	}
}

func TestPct(t *testing.T) {
	for in, want := range map[float64]string{0.2: "20%", 0.125: "12.5%", 10: "1000%"} {
		if got := pct(in); got != want {
			t.Errorf("pct(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestInflightOwnership(t *testing.T) {
	l := newInflight()
	if !l.acquire("u1|AAPL", "o1") {
		t.Fatal("first acquire failed")
	}
	if l.acquire("u1|AAPL", "o2") {
		t.Fatal("second acquire succeeded")
	}
	l.release("u1|AAPL", "o2")
	if owner, ok := l.holder("u1|AAPL"); !ok || owner != "o1" {
		t.Fatalf("stale release freed the key: %q %v", owner, ok)
	}
	l.release("u1|AAPL", "o1")
	if !l.acquire("u1|AAPL", "o2") {
		t.Fatal("acquire after release failed")
	}
}
