package engine

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// defaultCooldown applies when a daily_loss rule does not set one.
const defaultCooldown = 24 * time.Hour

// verdict is the result of one rule against one signal.
type verdict struct {
	action     domain.Action
	level      domain.RiskLevel
	quantity   int64
	delayUntil time.Time
	reason     string
	triggered  bool
}

func pass() verdict {
	return verdict{action: domain.ActionAllow, level: domain.RiskLow}
}

// evaluateRule dispatches on the rule type. qty is the quantity after any
// earlier resize in the same evaluation.
func evaluateRule(r domain.Rule, sig domain.TradeSignal, qty int64, snap domain.AccountSnapshot) verdict {
	switch r.Type {
	case domain.RuleExposureCap:
		return exposureCap(r, sig, qty, snap)
	case domain.RuleConfidenceFloor:
		return confidenceFloor(r, sig)
	case domain.RuleDailyLoss:
		return dailyLoss(r, snap)
	case domain.RuleSectorCap:
		return sectorCap(r, sig, qty, snap)
	case domain.RuleReputationFloor:
		return reputationFloor(r, sig, snap)
	case domain.RuleDailyTrades:
		return dailyTrades(r, sig, snap)
	default:
		return pass()
	}
}

// exposureCap limits quantity × price / balance. On breach it either blocks
// or resizes to the largest whole quantity that fits; a fit below one share
// blocks.
func exposureCap(r domain.Rule, sig domain.TradeSignal, qty int64, snap domain.AccountSnapshot) verdict {
	if !snap.Balance.IsPositive() || !snap.ReferencePrice.IsPositive() {
		return verdict{
			action:    domain.ActionBlock,
			level:     domain.RiskCritical,
			reason:    fmt.Sprintf("cannot size exposure for %s: balance %s, reference price %s", sig.Symbol, snap.Balance, snap.ReferencePrice),
			triggered: true,
		}
	}

	notional := snap.ReferencePrice.Mul(decimal.NewFromInt(qty))
	ratio := notional.Div(snap.Balance).InexactFloat64()
	if ratio <= r.MaxExposure {
		return pass()
	}

	capital := snap.Balance.Mul(decimal.NewFromFloat(r.MaxExposure))
	fit := capital.Div(snap.ReferencePrice).Floor().IntPart()
	if r.OnBreach == domain.BreachBlock || fit < 1 {
		return verdict{
			action:    domain.ActionBlock,
			level:     domain.RiskHigh,
			reason:    fmt.Sprintf("exposure %s exceeds cap %s", pct(ratio), pct(r.MaxExposure)),
			triggered: true,
		}
	}
	return verdict{
		action:    domain.ActionResize,
		level:     domain.RiskMedium,
		quantity:  fit,
		reason:    fmt.Sprintf("exposure %s exceeds cap %s: quantity resized from %d to %d", pct(ratio), pct(r.MaxExposure), qty, fit),
		triggered: true,
	}
}

func confidenceFloor(r domain.Rule, sig domain.TradeSignal) verdict {
	if sig.Confidence >= r.MinConfidence {
		return pass()
	}
	return verdict{
		action:    domain.ActionBlock,
		level:     domain.RiskHigh,
		reason:    fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, r.MinConfidence),
		triggered: true,
	}
}

// dailyLoss delays trading while the user is cooling down, or starts a
// cooldown once today's realized loss exceeds the allowed fraction of the
// balance.
func dailyLoss(r domain.Rule, snap domain.AccountSnapshot) verdict {
	if snap.CoolingUntil.After(snap.Now) {
		return verdict{
			action:     domain.ActionDelay,
			level:      domain.RiskHigh,
			delayUntil: snap.CoolingUntil,
			reason:     fmt.Sprintf("cooling down after daily loss until %s", snap.CoolingUntil.UTC().Format(time.RFC3339)),
			triggered:  true,
		}
	}

	loss := snap.DailyRealizedPnL.Neg()
	if !loss.IsPositive() {
		return pass()
	}
	limit := snap.Balance.Mul(decimal.NewFromFloat(r.MaxDailyLoss))
	if loss.LessThanOrEqual(limit) {
		return pass()
	}

	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	until := snap.Now.Add(cooldown)
	return verdict{
		action:     domain.ActionDelay,
		level:      domain.RiskHigh,
		delayUntil: until,
		reason:     fmt.Sprintf("daily realized loss %s exceeds limit %s: delayed until %s", loss.StringFixed(2), limit.StringFixed(2), until.UTC().Format(time.RFC3339)),
		triggered:  true,
	}
}

// sectorCap limits the share of the balance held in one sector, counting
// the proposed buy. Symbols without a sector mapping pass; sells only
// reduce exposure and always pass.
func sectorCap(r domain.Rule, sig domain.TradeSignal, qty int64, snap domain.AccountSnapshot) verdict {
	if sig.Side != domain.SideBuy {
		return pass()
	}
	sector, ok := r.Sectors[sig.Symbol]
	if !ok {
		return pass()
	}
	if !snap.Balance.IsPositive() {
		return verdict{
			action:    domain.ActionBlock,
			level:     domain.RiskCritical,
			reason:    fmt.Sprintf("cannot size sector %s exposure with balance %s", sector, snap.Balance),
			triggered: true,
		}
	}

	held := decimal.Zero
	for sym, notional := range snap.Holdings {
		if r.Sectors[sym] == sector {
			held = held.Add(notional)
		}
	}
	total := held.Add(snap.ReferencePrice.Mul(decimal.NewFromInt(qty)))
	ratio := total.Div(snap.Balance).InexactFloat64()
	if ratio <= r.MaxSectorExposure {
		return pass()
	}
	return verdict{
		action:    domain.ActionBlock,
		level:     domain.RiskHigh,
		reason:    fmt.Sprintf("sector %s exposure %s exceeds cap %s", sector, pct(ratio), pct(r.MaxSectorExposure)),
		triggered: true,
	}
}

// reputationFloor blocks strategies whose score is below the floor. A
// signal without a score is noted and allowed.
func reputationFloor(r domain.Rule, sig domain.TradeSignal, snap domain.AccountSnapshot) verdict {
	if snap.Reputation == nil {
		v := pass()
		name := cmp.Or(sig.StrategyID, "signal")
		v.reason = fmt.Sprintf("no reputation score for %s: reputation floor skipped", name)
		return v
	}
	if *snap.Reputation >= r.MinReputation {
		return pass()
	}
	return verdict{
		action:    domain.ActionBlock,
		level:     domain.RiskMedium,
		reason:    fmt.Sprintf("strategy %s reputation %.2f below minimum %.2f", sig.StrategyID, *snap.Reputation, r.MinReputation),
		triggered: true,
	}
}

// dailyTrades caps how many orders a user opens in one symbol per trading
// day. The count excludes the signal being evaluated.
func dailyTrades(r domain.Rule, sig domain.TradeSignal, snap domain.AccountSnapshot) verdict {
	if snap.DailyTrades < r.MaxDailyTrades {
		return pass()
	}
	return verdict{
		action:    domain.ActionBlock,
		level:     domain.RiskMedium,
		reason:    fmt.Sprintf("%d orders for %s today, limit %d", snap.DailyTrades, sig.Symbol, r.MaxDailyTrades),
		triggered: true,
	}
}

func pct(f float64) string {
	s := fmt.Sprintf("%.2f", f*100)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + "%"
}
