package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/ledger"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

func exposurePolicy(limit float64) domain.Policy {
	return domain.Policy{
		PolicyID: "exposure",
		Priority: 20,
		Enabled:  true,
		Rules:    []domain.Rule{{Type: domain.RuleExposureCap, MaxExposure: limit}},
	}
}

func newTestStore(t *testing.T) (*Store, *ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	l := ledger.New(nil, util.Discard())
	return New(mem, l, util.Discard()), l, mem
}

func TestRollbackCreatesNewVersion(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	if _, err := s.Put(ctx, exposurePolicy(0.2), "admin"); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if _, err := s.Put(ctx, exposurePolicy(0.1), "admin"); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	v3, err := s.Rollback(ctx, "exposure", 1, "admin")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if v3.Version != 3 || v3.RolledBackFrom != 1 {
		t.Errorf("rollback produced v%d from v%d, want v3 from v1", v3.Version, v3.RolledBackFrom)
	}

	history, err := s.History(ctx, "exposure")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History has %d versions, want 3", len(history))
	}
	for i, p := range history {
		if p.Version != int64(i+1) {
			t.Errorf("history[%d].Version = %d", i, p.Version)
		}
	}
	if !history[2].SameContent(history[0]) {
		t.Error("v3 content should equal v1")
	}
	if history[2].SameContent(history[1]) {
		t.Error("v3 content should differ from v2")
	}

	active := s.Active(ctx)
	if len(active) != 1 || active[0].Rules[0].MaxExposure != 0.2 {
		t.Errorf("Active = %+v, want exposure 0.2", active)
	}

	n := 0
	for e := range l.Query(domain.AuditFilter{Action: domain.AuditPolicyRollback}) {
		n++
		if e.EntityID != "exposure" || e.ActorID != "admin" {
			t.Errorf("rollback entry = %+v", e)
		}
	}
	if n != 1 {
		t.Errorf("got %d policy_rollback entries, want 1", n)
	}
}

func TestRollbackUnknownVersion(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)
	if _, err := s.Put(ctx, exposurePolicy(0.2), "admin"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	before := l.Len()

	_, err := s.Rollback(ctx, "exposure", 9, "admin")
	if !errors.Is(err, domain.ErrPolicyVersionNotFound) {
		t.Errorf("Rollback(v9) = %v, want ErrPolicyVersionNotFound", err)
	}
	_, err = s.Rollback(ctx, "nope", 1, "admin")
	if !errors.Is(err, domain.ErrPolicyVersionNotFound) {
		t.Errorf("Rollback(unknown policy) = %v, want ErrPolicyVersionNotFound", err)
	}
	if code := domain.ErrorCode(err); code != domain.CodePolicyVersionNotFound {
		t.Errorf("Rollback(unknown policy) code = %s, want %s", code, domain.CodePolicyVersionNotFound)
	}
	if l.Len() != before {
		t.Error("failed rollback must not write an audit entry")
	}
}

func TestActiveOrderingAndFiltering(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	disabled := domain.Policy{PolicyID: "off", Priority: 1, Rules: []domain.Rule{{Type: domain.RuleConfidenceFloor, MinConfidence: 0.9}}}
	future := exposurePolicy(0.05)
	future.PolicyID = "future"
	future.EffectiveFrom = time.Now().Add(time.Hour)

	for _, p := range append(Defaults(), disabled, future) {
		if _, err := s.Put(ctx, p, "seed"); err != nil {
			t.Fatalf("Put %s: %v", p.PolicyID, err)
		}
	}

	active := s.Active(ctx)
	var ids []string
	for _, p := range active {
		ids = append(ids, p.PolicyID)
	}
	want := []string{"confidence-floor", "exposure-cap", "daily-loss"}
	if len(ids) != len(want) {
		t.Fatalf("Active ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Active ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestActiveReturnsSnapshots(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	if _, err := s.Put(ctx, exposurePolicy(0.2), "admin"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	snap := s.Active(ctx)
	snap[0].Rules[0].MaxExposure = 0.9
	if got := s.Active(ctx)[0].Rules[0].MaxExposure; got != 0.2 {
		t.Errorf("store changed through snapshot: %v", got)
	}
}

func TestLoadAndSeed(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestStore(t)
	if err := s.Seed(ctx, Defaults(), "system"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := s.Put(ctx, exposurePolicy(0.1), "admin"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	restored := New(mem, nil, util.Discard())
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Seeding again must not add versions to existing policies.
	if err := restored.Seed(ctx, Defaults(), "system"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	h, err := restored.History(ctx, "exposure-cap")
	if err != nil || len(h) != 1 {
		t.Errorf("exposure-cap history = %v, %v", h, err)
	}
	if len(restored.Latest(ctx)) != 4 {
		t.Errorf("Latest = %d policies, want 4", len(restored.Latest(ctx)))
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Put(context.Background(), exposurePolicy(5), "admin")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Put = %v, want validation error", err)
	}
}
