package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/domain"
)

// PolicySource supplies the policies in force at evaluation time.
type PolicySource interface {
	Active(ctx context.Context) []domain.Policy
}

// Firewall evaluates trade signals against the active risk policies. Rule
// evaluation is pure; the only side effect of Evaluate is the risk_decision
// audit entry.
type Firewall struct {
	policies PolicySource
	audit    domain.Auditor
	now      func() time.Time
	log      *slog.Logger
}

// NewFirewall creates a Firewall. audit may be nil in tests that only care
// about verdicts.
func NewFirewall(policies PolicySource, audit domain.Auditor, log *slog.Logger) *Firewall {
	return &Firewall{
		policies: policies,
		audit:    audit,
		now:      time.Now,
		log:      log.With("component", "firewall"),
	}
}

// Evaluate produces a RiskAssessment for sig and records it in the ledger.
// The signal is not modified. An assessment that cannot be audited is not
// returned.
func (f *Firewall) Evaluate(ctx context.Context, sig domain.TradeSignal, snap domain.AccountSnapshot) (*domain.RiskAssessment, error) {
	if snap.Now.IsZero() {
		snap.Now = f.now()
	}
	a := Assess(f.policies.Active(ctx), sig, snap)
	a.ID = uuid.NewString()

	f.log.Info("risk decision",
		"assessment_id", a.ID,
		"user", sig.UserID,
		"symbol", sig.Symbol,
		"action", a.Action,
		"risk_level", a.RiskLevel,
		"quantity", a.Quantity(sig.Quantity),
	)

	if f.audit == nil {
		return a, nil
	}
	payload := map[string]any{
		"signalId":         sig.SignalID,
		"symbol":           sig.Symbol,
		"side":             sig.Side,
		"quantity":         sig.Quantity,
		"orderType":        sig.OrderType,
		"confidence":       sig.Confidence,
		"isPaperTrade":     sig.IsPaperTrade,
		"accountBalance":   snap.Balance.String(),
		"referencePrice":   snap.ReferencePrice.String(),
		"dailyRealizedPnl": snap.DailyRealizedPnL.String(),
		"action":           a.Action,
		"riskLevel":        a.RiskLevel,
		"reasoning":        a.Reasoning,
		"triggered":        a.TriggeredPolicyIDs,
		"policyVersions":   a.PolicyVersions,
	}
	if a.Adjustments.Quantity > 0 {
		payload["adjustedQuantity"] = a.Adjustments.Quantity
	}
	if a.Adjustments.DelayUntil != nil {
		payload["delayUntil"] = a.Adjustments.DelayUntil.UTC().Format(time.RFC3339Nano)
	}
	if _, err := f.audit.Append(ctx, domain.AuditDraft{
		EntityType: domain.EntityAssessment,
		EntityID:   a.ID,
		Action:     domain.AuditRiskDecision,
		ActorID:    sig.UserID,
		Payload:    payload,
	}); err != nil {
		return nil, fmt.Errorf("auditing risk decision: %w", err)
	}
	return a, nil
}

// Assess runs every rule of every policy, in the order given, and folds the
// verdicts. The action only ever becomes more restrictive, the risk level
// is the maximum seen, and resizes compound. Once a BLOCK is reached later
// rules still contribute reasoning but no adjustments.
func Assess(policies []domain.Policy, sig domain.TradeSignal, snap domain.AccountSnapshot) *domain.RiskAssessment {
	a := &domain.RiskAssessment{
		Action:             domain.ActionAllow,
		RiskLevel:          domain.RiskLow,
		Confidence:         sig.Confidence,
		Reasoning:          []string{},
		TriggeredPolicyIDs: []string{},
		PolicyVersions:     make(map[string]int64, len(policies)),
		EvaluatedAt:        snap.Now,
	}

	qty := sig.Quantity
	var delayUntil time.Time
	for _, p := range policies {
		a.PolicyVersions[p.PolicyID] = p.Version
		triggered := false
		for _, r := range p.Rules {
			v := evaluateRule(r, sig, qty, snap)
			if v.reason != "" {
				a.Reasoning = append(a.Reasoning, fmt.Sprintf("%s v%d: %s", p.PolicyID, p.Version, v.reason))
			}
			if !v.triggered {
				continue
			}
			triggered = true
			a.RiskLevel = a.RiskLevel.Max(v.level)
			blocked := a.Action == domain.ActionBlock
			a.Action = a.Action.Restrict(v.action)
			if blocked {
				continue
			}
			if v.action == domain.ActionResize && v.quantity < qty {
				qty = v.quantity
			}
			if v.delayUntil.After(delayUntil) {
				delayUntil = v.delayUntil
			}
		}
		if triggered {
			a.TriggeredPolicyIDs = append(a.TriggeredPolicyIDs, p.PolicyID)
		}
	}

	if a.Action == domain.ActionBlock {
		return a
	}
	if qty < sig.Quantity {
		a.Adjustments.Quantity = qty
	}
	if !delayUntil.IsZero() {
		a.Adjustments.DelayUntil = &delayUntil
	}
	return a
}
