package domain

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"
)

// RuleType names a typed risk check.
type RuleType string

const (
	RuleExposureCap     RuleType = "exposure_cap"
	RuleConfidenceFloor RuleType = "confidence_floor"
	RuleDailyLoss       RuleType = "daily_loss"
	RuleSectorCap       RuleType = "sector_cap"
	RuleReputationFloor RuleType = "reputation_floor"
	RuleDailyTrades     RuleType = "daily_trades"
)

// Breach behaviours for the exposure cap.
const (
	BreachResize = "resize"
	BreachBlock  = "block"
)

// Rule is one check inside a policy. Only the fields relevant to Type are
// consulted.
type Rule struct {
	Type RuleType `json:"type" yaml:"type"`

	// exposure_cap
	MaxExposure float64 `json:"maxExposure,omitempty" yaml:"max_exposure,omitempty"`
	OnBreach    string  `json:"onBreach,omitempty" yaml:"on_breach,omitempty"`

	// confidence_floor
	MinConfidence float64 `json:"minConfidence,omitempty" yaml:"min_confidence,omitempty"`

	// daily_loss
	MaxDailyLoss float64       `json:"maxDailyLoss,omitempty" yaml:"max_daily_loss,omitempty"`
	Cooldown     time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`

	// sector_cap
	MaxSectorExposure float64           `json:"maxSectorExposure,omitempty" yaml:"max_sector_exposure,omitempty"`
	Sectors           map[string]string `json:"sectors,omitempty" yaml:"sectors,omitempty"`

	// reputation_floor
	MinReputation float64 `json:"minReputation,omitempty" yaml:"min_reputation,omitempty"`

	// daily_trades: orders per user per symbol per trading day
	MaxDailyTrades int `json:"maxDailyTrades,omitempty" yaml:"max_daily_trades,omitempty"`
}

// Validate checks that the rule's parameters are usable.
func (r Rule) Validate() error {
	switch r.Type {
	case RuleExposureCap:
		if r.MaxExposure <= 0 || r.MaxExposure > 1 {
			return fmt.Errorf("exposure_cap: max_exposure must be in (0, 1], got %v", r.MaxExposure)
		}
		if r.OnBreach != "" && r.OnBreach != BreachResize && r.OnBreach != BreachBlock {
			return fmt.Errorf("exposure_cap: unknown on_breach %q", r.OnBreach)
		}
	case RuleConfidenceFloor:
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return fmt.Errorf("confidence_floor: min_confidence must be in [0, 1], got %v", r.MinConfidence)
		}
	case RuleDailyLoss:
		if r.MaxDailyLoss <= 0 || r.MaxDailyLoss > 1 {
			return fmt.Errorf("daily_loss: max_daily_loss must be in (0, 1], got %v", r.MaxDailyLoss)
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("daily_loss: cooldown must not be negative")
		}
	case RuleSectorCap:
		if r.MaxSectorExposure <= 0 || r.MaxSectorExposure > 1 {
			return fmt.Errorf("sector_cap: max_sector_exposure must be in (0, 1], got %v", r.MaxSectorExposure)
		}
	case RuleReputationFloor:
		if r.MinReputation < 0 {
			return fmt.Errorf("reputation_floor: min_reputation must not be negative")
		}
	case RuleDailyTrades:
		if r.MaxDailyTrades < 1 {
			return fmt.Errorf("daily_trades: max_daily_trades must be at least 1, got %d", r.MaxDailyTrades)
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// Policy is one immutable version of a named set of risk rules.
type Policy struct {
	PolicyID       string    `json:"policyId" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	Version        int64     `json:"version" yaml:"-"`
	Priority       int       `json:"priority" yaml:"priority"`
	Rules          []Rule    `json:"rules" yaml:"rules"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	EffectiveFrom  time.Time `json:"effectiveFrom" yaml:"effective_from,omitempty"`
	CreatedBy      string    `json:"createdBy,omitempty" yaml:"-"`
	CreatedAt      time.Time `json:"createdAt" yaml:"-"`
	RolledBackFrom int64     `json:"rolledBackFrom,omitempty" yaml:"-"`
}

// Validate checks the policy identity and every rule.
func (p Policy) Validate() error {
	if p.PolicyID == "" {
		return &ValidationError{Problems: []string{"policy id is required"}}
	}
	var problems []string
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("rule %d: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	c := p
	c.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		if r.Sectors != nil {
			r.Sectors = maps.Clone(r.Sectors)
		}
		c.Rules[i] = r
	}
	return c
}

// SameContent reports whether two versions carry identical rule content,
// ignoring version bookkeeping.
func (p Policy) SameContent(o Policy) bool {
	return p.PolicyID == o.PolicyID &&
		p.Name == o.Name &&
		p.Priority == o.Priority &&
		p.Enabled == o.Enabled &&
		slices.EqualFunc(p.Rules, o.Rules, func(a, b Rule) bool { return reflect.DeepEqual(a, b) })
}
