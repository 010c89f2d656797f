package broker

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// HealthStatus grades a venue's availability.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "HEALTHY"
	StatusDegraded  HealthStatus = "DEGRADED"
	StatusUnhealthy HealthStatus = "UNHEALTHY"
)

// Health is the result of one probe.
type Health struct {
	Venue     string        `json:"venue"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
	Error     string        `json:"error,omitempty"`
}

// Usable reports whether orders may be routed to the venue. Degraded venues
// are slow but still accept orders.
func (h Health) Usable() bool {
	return h.Status != StatusUnhealthy
}

// HealthConfig tunes probing.
type HealthConfig struct {
	TTL             time.Duration
	ProbeTimeout    time.Duration
	DegradedLatency time.Duration
	Interval        time.Duration
}

// HealthChecker probes venues with GetAccount and caches the result for the
// configured TTL.
type HealthChecker struct {
	brokers map[string]Broker
	cfg     HealthConfig
	now     func() time.Time
	log     *slog.Logger

	mu        sync.RWMutex
	cache     map[string]Health
	listeners []func(Health)
}

// NewHealthChecker creates a checker for the given venues.
func NewHealthChecker(brokers []Broker, cfg HealthConfig, log *slog.Logger) *HealthChecker {
	m := make(map[string]Broker, len(brokers))
	for _, b := range brokers {
		m[b.Name()] = b
	}
	return &HealthChecker{
		brokers: m,
		cfg:     cfg,
		now:     time.Now,
		log:     log.With("component", "health"),
		cache:   make(map[string]Health),
	}
}

// OnChange registers fn to be called whenever a venue's status changes.
func (h *HealthChecker) OnChange(fn func(Health)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Check returns the cached health of a venue, probing synchronously when
// the cache entry is missing or older than the TTL. Unknown venues are
// unhealthy.
func (h *HealthChecker) Check(ctx context.Context, venue string) Health {
	h.mu.RLock()
	cached, ok := h.cache[venue]
	h.mu.RUnlock()
	if ok && h.now().Sub(cached.CheckedAt) < h.cfg.TTL {
		return cached
	}

	b, ok := h.brokers[venue]
	if !ok {
		return Health{Venue: venue, Status: StatusUnhealthy, CheckedAt: h.now(), Error: "venue not configured"}
	}
	return h.probe(ctx, b)
}

// Snapshot returns the latest cached result for every venue, sorted by name.
func (h *HealthChecker) Snapshot() []Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Health, 0, len(h.brokers))
	for name := range h.brokers {
		if c, ok := h.cache[name]; ok {
			out = append(out, c)
		} else {
			out = append(out, Health{Venue: name, Status: StatusUnhealthy, Error: "not probed yet"})
		}
	}
	slices.SortFunc(out, func(a, b Health) int { return strings.Compare(a.Venue, b.Venue) })
	return out
}

// Run probes every venue each interval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) error {
	interval := h.cfg.Interval
	if interval <= 0 {
		interval = h.cfg.TTL
	}
	h.probeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

func (h *HealthChecker) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range h.brokers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.probe(ctx, b)
		}()
	}
	wg.Wait()
}

func (h *HealthChecker) probe(ctx context.Context, b Broker) Health {
	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	start := h.now()
	_, err := b.GetAccount(pctx)
	res := Health{
		Venue:     b.Name(),
		Latency:   h.now().Sub(start),
		CheckedAt: h.now(),
	}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	case h.cfg.DegradedLatency > 0 && res.Latency > h.cfg.DegradedLatency:
		res.Status = StatusDegraded
	default:
		res.Status = StatusHealthy
	}

	h.mu.Lock()
	prev, had := h.cache[res.Venue]
	h.cache[res.Venue] = res
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	if !had || prev.Status != res.Status {
		h.log.Info("venue health changed", "venue", res.Venue, "status", res.Status,
			"latency", res.Latency, "error", res.Error)
		for _, fn := range listeners {
			fn(res)
		}
	}
	return res
}
