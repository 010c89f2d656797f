package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"tradegate/internal/domain"
)

// MarketSupporter is implemented by venues that only trade some markets.
// The router skips failover candidates that cannot trade the signal.
type MarketSupporter interface {
	Supports(m domain.Market) bool
}

// Supports reports whether Alpaca trades m.
func (b *AlpacaBroker) Supports(m domain.Market) bool { return m == domain.MarketUS }

// Supports reports whether Binance trades m.
func (b *BinanceBroker) Supports(m domain.Market) bool { return m == domain.MarketCrypto }

// RouterConfig maps markets to their home venue and fixes the failover order.
type RouterConfig struct {
	Regions  map[string]string
	Priority []string
}

// Selection is the venue chosen for a signal.
type Selection struct {
	Broker       Broker
	Venue        string
	FailoverFrom []string
}

// Router selects the adapter that executes an approved signal.
type Router struct {
	paper  Broker
	live   map[string]Broker
	health *HealthChecker
	cfg    RouterConfig
	audit  domain.Auditor
	log    *slog.Logger
}

// NewRouter creates a Router over the given adapters. The first paper
// adapter becomes the simulator for paper trades.
func NewRouter(brokers []Broker, health *HealthChecker, cfg RouterConfig, audit domain.Auditor, log *slog.Logger) *Router {
	r := &Router{
		live:   make(map[string]Broker),
		health: health,
		cfg:    cfg,
		audit:  audit,
		log:    log.With("component", "router"),
	}
	for _, b := range brokers {
		switch b.Kind() {
		case KindPaper:
			if r.paper == nil {
				r.paper = b
			}
		case KindLive:
			r.live[b.Name()] = b
		}
	}
	return r
}

// Paper returns the paper simulator, or nil when none is configured.
func (r *Router) Paper() Broker { return r.paper }

// Broker returns an adapter by name, live or paper.
func (r *Router) Broker(name string) (Broker, bool) {
	if r.paper != nil && r.paper.Name() == name {
		return r.paper, true
	}
	b, ok := r.live[name]
	return b, ok
}

// Preferred returns the adapter a signal would be sent to if every venue
// were healthy, without probing or auditing.
func (r *Router) Preferred(sig domain.TradeSignal) (Broker, bool) {
	if sig.IsPaperTrade {
		return r.paper, r.paper != nil
	}
	venues := r.candidates(sig, marketOf(sig))
	if len(venues) == 0 {
		return nil, false
	}
	return r.live[venues[0]], true
}

func marketOf(sig domain.TradeSignal) domain.Market {
	if sig.Region != "" {
		return domain.Market(sig.Region)
	}
	return domain.MarketForSymbol(sig.Symbol)
}

// Route picks a venue for the signal. Blocked assessments are refused,
// paper trades always go to the simulator, and live trades go to the
// requested or market venue, failing over along the priority list past
// unhealthy venues. Each hop is audited. Live trades never fall back to
// paper.
func (r *Router) Route(ctx context.Context, a *domain.RiskAssessment, sig domain.TradeSignal) (*Selection, error) {
	if a == nil || a.Action == domain.ActionBlock {
		return nil, &domain.PolicyBlockError{Assessment: a}
	}

	if sig.IsPaperTrade {
		if r.paper == nil {
			return nil, fmt.Errorf("%w: no paper simulator configured", domain.ErrNoBrokerAvailable)
		}
		return &Selection{Broker: r.paper, Venue: r.paper.Name()}, nil
	}

	market := marketOf(sig)

	var tried []string
	lastErr := ""
	for _, venue := range r.candidates(sig, market) {
		if n := len(tried); n > 0 {
			if err := r.recordFailover(ctx, sig, a, tried[n-1], venue, lastErr); err != nil {
				return nil, err
			}
		}
		h := r.health.Check(ctx, venue)
		if h.Usable() {
			return &Selection{Broker: r.live[venue], Venue: venue, FailoverFrom: tried}, nil
		}
		r.log.Warn("venue unhealthy", "venue", venue, "symbol", sig.Symbol, "error", h.Error)
		tried = append(tried, venue)
		lastErr = h.Error
	}

	if n := len(tried); n > 0 {
		if err := r.recordFailover(ctx, sig, a, tried[n-1], "", lastErr); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w for %s (tried %s)", domain.ErrNoBrokerAvailable,
		sig.Symbol, strings.Join(tried, ", "))
}

// candidates lists configured live venues in the order they are tried.
func (r *Router) candidates(sig domain.TradeSignal, market domain.Market) []string {
	var out []string
	add := func(venue string) {
		b, ok := r.live[venue]
		if !ok || slices.Contains(out, venue) {
			return
		}
		if ms, ok := b.(MarketSupporter); ok && !ms.Supports(market) {
			return
		}
		out = append(out, venue)
	}

	if sig.RequestedBroker != "" {
		add(sig.RequestedBroker)
	}
	if venue, ok := r.cfg.Regions[string(market)]; ok {
		add(venue)
	}
	for _, venue := range r.cfg.Priority {
		add(venue)
	}
	return out
}

func (r *Router) recordFailover(ctx context.Context, sig domain.TradeSignal, a *domain.RiskAssessment, from, to, reason string) error {
	r.log.Info("broker failover", "from", from, "to", to, "symbol", sig.Symbol, "reason", reason)
	if r.audit == nil {
		return nil
	}
	_, err := r.audit.Append(ctx, domain.AuditDraft{
		EntityType: domain.EntityBroker,
		EntityID:   from,
		Action:     domain.AuditBrokerFailover,
		ActorID:    sig.UserID,
		Payload: map[string]any{
			"from":         from,
			"to":           to,
			"reason":       reason,
			"symbol":       sig.Symbol,
			"assessmentId": a.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("auditing failover: %w", err)
	}
	return nil
}
