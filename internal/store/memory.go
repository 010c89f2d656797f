package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tradegate/internal/domain"
)

var _ OrderStore = (*MemoryStore)(nil)
var _ PositionStore = (*MemoryStore)(nil)
var _ PolicyStore = (*MemoryStore)(nil)
var _ AuditStore = (*MemoryStore)(nil)

// MemoryStore is a process-local store used for tests and for running the
// engine without a database file.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*domain.Order
	order     []string
	positions map[string]domain.Position
	policies  []domain.Policy
	audit     []domain.AuditEntry
	head      domain.AuditHead
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*domain.Order),
		positions: make(map[string]domain.Position),
	}
}

func (m *MemoryStore) SaveOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = o.Clone()
	m.order = append(m.order, o.ID)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Order
	for _, id := range m.order {
		o := m.orders[id]
		if len(statuses) == 0 || slices.Contains(statuses, o.Status) {
			out = append(out, *o.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
	return nil
}

func (m *MemoryStore) CountOrdersSince(_ context.Context, userID, symbol string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if o.Signal.UserID == userID && o.Signal.Symbol == symbol && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SavePosition(_ context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Symbol] = *p
	return nil
}

func (m *MemoryStore) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPositions(_ context.Context) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Position) int {
		if a.Symbol < b.Symbol {
			return -1
		}
		if a.Symbol > b.Symbol {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) DeletePosition(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
	return nil
}

func (m *MemoryStore) SavePolicy(_ context.Context, p domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.policies {
		if existing.PolicyID == p.PolicyID && existing.Version == p.Version {
			return fmt.Errorf("policy %s v%d already exists", p.PolicyID, p.Version)
		}
	}
	m.policies = append(m.policies, p.Clone())
	return nil
}

func (m *MemoryStore) ListPolicies(_ context.Context) ([]domain.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Policy, len(m.policies))
	for i, p := range m.policies {
		out[i] = p.Clone()
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if want := uint64(len(m.audit)) + 1; e.Sequence != want {
		return fmt.Errorf("audit sequence %d out of order, want %d", e.Sequence, want)
	}
	e.Payload = slices.Clone(e.Payload)
	m.audit = append(m.audit, e)
	m.head = domain.AuditHead{Length: e.Sequence, Hash: e.ContentHash}
	return nil
}

func (m *MemoryStore) AuditHead(_ context.Context) (domain.AuditHead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head, nil
}

func (m *MemoryStore) LoadAudit(_ context.Context) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditEntry, len(m.audit))
	for i, e := range m.audit {
		e.Payload = slices.Clone(e.Payload)
		out[i] = e
	}
	return out, nil
}
