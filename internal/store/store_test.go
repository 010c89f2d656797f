package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string, status domain.OrderStatus) *domain.Order {
	now := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
	return &domain.Order{
		ID: id,
		Signal: domain.TradeSignal{
			UserID:    "u1",
			Symbol:    "AAPL",
			Side:      domain.SideBuy,
			Quantity:  10,
			OrderType: domain.OrderTypeMarket,
		},
		Quantity:         10,
		Status:           status,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func TestSQLiteOrders(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.SaveOrder(ctx, testOrder("o1", domain.OrderStatusQueued)); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(ctx, testOrder("o2", domain.OrderStatusFilled)); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Signal.Symbol != "AAPL" || got.Status != domain.OrderStatusQueued {
		t.Errorf("GetOrder = %+v", got)
	}

	price := decimal.RequireFromString("180.25")
	got.Status = domain.OrderStatusFilled
	got.FilledQuantity = 10
	got.FilledPrice = &price
	if err := s.UpdateOrder(ctx, got); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	filled, err := s.ListOrders(ctx, domain.OrderStatusFilled)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(filled) != 2 {
		t.Fatalf("ListOrders(FILLED) returned %d orders, want 2", len(filled))
	}
	if filled[0].ID != "o1" || !filled[0].FilledPrice.Equal(price) {
		t.Errorf("first filled order = %+v", filled[0])
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) = %v, want ErrNotFound", err)
	}
	if err := s.UpdateOrder(ctx, testOrder("missing", domain.OrderStatusFailed)); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOrder(missing) = %v, want ErrNotFound", err)
	}

	if err := s.DeleteOrder(ctx, "o2"); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	if _, err := s.GetOrder(ctx, "o2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteOrder(ctx, "o2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteOrder = %v, want ErrNotFound", err)
	}
}

func TestSQLitePositions(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	pos := &domain.Position{Symbol: "MSFT", Quantity: 5, AveragePrice: decimal.RequireFromString("380.10")}
	if err := s.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	pos.Quantity = 8
	if err := s.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition upsert: %v", err)
	}

	got, err := s.GetPosition(ctx, "MSFT")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Quantity != 8 || !got.AveragePrice.Equal(pos.AveragePrice) {
		t.Errorf("GetPosition = %+v", got)
	}

	if err := s.DeletePosition(ctx, "MSFT"); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	all, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("ListPositions after delete = %v", all)
	}
}

func TestSQLitePolicies(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	p := domain.Policy{
		PolicyID: "exposure",
		Version:  1,
		Enabled:  true,
		Rules:    []domain.Rule{{Type: domain.RuleExposureCap, MaxExposure: 0.2}},
	}
	if err := s.SavePolicy(ctx, p); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if err := s.SavePolicy(ctx, p); err == nil {
		t.Error("saving the same version twice should fail")
	}
	p.Version = 2
	p.Rules[0].MaxExposure = 0.1
	if err := s.SavePolicy(ctx, p); err != nil {
		t.Fatalf("SavePolicy v2: %v", err)
	}

	all, err := s.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(all) != 2 || all[0].Version != 1 || all[1].Rules[0].MaxExposure != 0.1 {
		t.Errorf("ListPolicies = %+v", all)
	}
}

func TestSQLiteAuditRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	ts := time.Date(2024, 6, 15, 14, 30, 0, 123456789, time.UTC)
	e := domain.AuditEntry{
		Sequence:    1,
		EntityType:  domain.EntityOrder,
		EntityID:    "o1",
		Action:      domain.AuditOrderTransition,
		ActorID:     "u1",
		Timestamp:   ts,
		Payload:     []byte(`{"from":"QUEUED","to":"SUBMITTING"}`),
		PrevHash:    "",
		ContentHash: "abc",
	}
	if h, err := s.AuditHead(ctx); err != nil || h != (domain.AuditHead{}) {
		t.Fatalf("AuditHead on empty store = %+v, %v", h, err)
	}
	if err := s.AppendAudit(ctx, e); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := s.AppendAudit(ctx, e); err == nil {
		t.Error("duplicate sequence should fail")
	}

	got, err := s.LoadAudit(ctx)
	if err != nil {
		t.Fatalf("LoadAudit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadAudit returned %d entries", len(got))
	}
	if !got[0].Timestamp.Equal(ts) || string(got[0].Payload) != string(e.Payload) {
		t.Errorf("LoadAudit = %+v", got[0])
	}

	// The rejected duplicate must not have moved the head.
	h, err := s.AuditHead(ctx)
	if err != nil {
		t.Fatalf("AuditHead: %v", err)
	}
	if h != (domain.AuditHead{Length: 1, Hash: "abc"}) {
		t.Errorf("AuditHead = %+v, want {1 abc}", h)
	}
}

func TestMemoryStoreAuditOrdering(t *testing.T) {
	m := NewMemoryStore()
	if err := m.AppendAudit(context.Background(), domain.AuditEntry{Sequence: 2}); err == nil {
		t.Error("out-of-order sequence should fail")
	}
	if err := m.AppendAudit(context.Background(), domain.AuditEntry{Sequence: 1}); err != nil {
		t.Errorf("AppendAudit: %v", err)
	}
}

func TestMemoryStoreDeleteOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for _, id := range []string{"o1", "o2", "o3"} {
		if err := m.SaveOrder(ctx, testOrder(id, domain.OrderStatusQueued)); err != nil {
			t.Fatalf("SaveOrder %s: %v", id, err)
		}
	}
	if err := m.DeleteOrder(ctx, "o2"); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	all, _ := m.ListOrders(ctx)
	if len(all) != 2 || all[0].ID != "o1" || all[1].ID != "o3" {
		t.Errorf("ListOrders after delete = %v", all)
	}
	if err := m.DeleteOrder(ctx, "o2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteOrder = %v, want ErrNotFound", err)
	}
}

func TestCountOrdersSince(t *testing.T) {
	stores := map[string]OrderStore{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLite(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
			seed := []struct {
				id, user, symbol string
				at               time.Time
			}{
				{"yesterday", "u1", "AAPL", base.Add(-24 * time.Hour)},
				{"boundary", "u1", "AAPL", base},
				{"later", "u1", "AAPL", base.Add(1500 * time.Millisecond)},
				{"other-symbol", "u1", "MSFT", base.Add(time.Minute)},
				{"other-user", "u2", "AAPL", base.Add(time.Minute)},
			}
			for _, o := range seed {
				rec := testOrder(o.id, domain.OrderStatusFilled)
				rec.Signal.UserID = o.user
				rec.Signal.Symbol = o.symbol
				rec.CreatedAt = o.at
				if err := s.SaveOrder(ctx, rec); err != nil {
					t.Fatalf("SaveOrder %s: %v", o.id, err)
				}
			}

			n, err := s.CountOrdersSince(ctx, "u1", "AAPL", base)
			if err != nil {
				t.Fatalf("CountOrdersSince: %v", err)
			}
			if n != 2 {
				t.Errorf("CountOrdersSince = %d, want 2", n)
			}
			if n, _ := s.CountOrdersSince(ctx, "u3", "AAPL", base); n != 0 {
				t.Errorf("unknown user count = %d, want 0", n)
			}
		})
	}
}

func TestParquetOutcomePath(t *testing.T) {
	ps := NewParquetStore("/data")
	ts := time.Date(2024, 6, 15, 23, 0, 0, 0, time.UTC)

	want := filepath.Join("/data", "outcomes", "2024-06-15.parquet")
	if got := ps.outcomePath(ts); got != want {
		t.Errorf("outcomePath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetWriteOutcomes(t *testing.T) {
	ctx := context.Background()
	ps := NewParquetStore(t.TempDir())

	price := decimal.RequireFromString("180.00")
	o := testOrder("o1", domain.OrderStatusFilled)
	o.FilledQuantity = 10
	o.FilledPrice = &price
	a := domain.RiskAssessment{
		Action:             domain.ActionAllow,
		RiskLevel:          domain.RiskLow,
		Confidence:         0.9,
		TriggeredPolicyIDs: []string{"exposure"},
	}

	if err := ps.WriteOutcomes(ctx, []domain.Outcome{{Order: *o, Assessment: a}}); err != nil {
		t.Fatalf("WriteOutcomes: %v", err)
	}
	// Re-export replaces the earlier row.
	o.Reason = "updated"
	if err := ps.WriteOutcomes(ctx, []domain.Outcome{{Order: *o, Assessment: a}}); err != nil {
		t.Fatalf("WriteOutcomes: %v", err)
	}

	records, err := ps.ReadOutcomes(ctx, o.LastTransitionAt)
	if err != nil {
		t.Fatalf("ReadOutcomes: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.OrderID != "o1" || r.FilledPrice != 180 || r.Reason != "updated" || r.TriggeredPolicies != "exposure" {
		t.Errorf("record = %+v", r)
	}

	empty, err := ps.ReadOutcomes(ctx, o.LastTransitionAt.AddDate(0, 0, 1))
	if err != nil || len(empty) != 0 {
		t.Errorf("ReadOutcomes(other day) = %v, %v", empty, err)
	}
}

func TestMergeOutcomeRecords(t *testing.T) {
	existing := []OutcomeRecord{{OrderID: "a", CompletedAt: 2}, {OrderID: "b", CompletedAt: 1}}
	incoming := []OutcomeRecord{{OrderID: "a", CompletedAt: 3, Status: "FILLED"}}
	merged := mergeOutcomeRecords(existing, incoming)
	if len(merged) != 2 || merged[0].OrderID != "b" || merged[1].Status != "FILLED" {
		t.Errorf("merged = %+v", merged)
	}
}
