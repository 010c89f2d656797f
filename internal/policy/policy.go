// Package policy holds the versioned risk policies the firewall evaluates.
// Every edit creates a new immutable version; readers always receive deep
// copies, so a snapshot taken for one evaluation never changes underneath it.
package policy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

// Store is an in-memory, versioned policy registry with optional
// persistence. Writes are exclusive and audited.
type Store struct {
	mu       sync.RWMutex
	versions map[string][]domain.Policy // ascending by Version

	persist store.PolicyStore
	audit   domain.Auditor
	now     func() time.Time
	log     *slog.Logger
}

// New creates an empty Store. persist may be nil.
func New(persist store.PolicyStore, audit domain.Auditor, log *slog.Logger) *Store {
	return &Store{
		versions: make(map[string][]domain.Policy),
		persist:  persist,
		audit:    audit,
		now:      time.Now,
		log:      log.With("component", "policy"),
	}
}

// Defaults returns the built-in policy set used when no seed file is
// configured: a 0.7 confidence floor, a 20% exposure cap that resizes, and a
// 5% daily loss limit with a 24 hour cooling-off.
func Defaults() []domain.Policy {
	return []domain.Policy{
		{
			PolicyID: "confidence-floor",
			Name:     "Minimum signal confidence",
			Priority: 10,
			Enabled:  true,
			Rules:    []domain.Rule{{Type: domain.RuleConfidenceFloor, MinConfidence: 0.7}},
		},
		{
			PolicyID: "exposure-cap",
			Name:     "Single position exposure",
			Priority: 20,
			Enabled:  true,
			Rules:    []domain.Rule{{Type: domain.RuleExposureCap, MaxExposure: 0.2, OnBreach: domain.BreachResize}},
		},
		{
			PolicyID: "daily-loss",
			Name:     "Daily drawdown cooling-off",
			Priority: 30,
			Enabled:  true,
			Rules:    []domain.Rule{{Type: domain.RuleDailyLoss, MaxDailyLoss: 0.05, Cooldown: 24 * time.Hour}},
		},
	}
}

// Load restores every persisted version. It replaces the in-memory state.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	all, err := s.persist.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}

	versions := make(map[string][]domain.Policy)
	for _, p := range all {
		versions[p.PolicyID] = append(versions[p.PolicyID], p.Clone())
	}
	for id := range versions {
		slices.SortFunc(versions[id], func(a, b domain.Policy) int { return cmp.Compare(a.Version, b.Version) })
	}

	s.mu.Lock()
	s.versions = versions
	s.mu.Unlock()

	s.log.Info("policies loaded", "policies", len(versions), "versions", len(all))
	return nil
}

// Seed creates version 1 of every policy that does not exist yet. Existing
// policies are left untouched so a restart never rewrites history.
func (s *Store) Seed(ctx context.Context, policies []domain.Policy, actorID string) error {
	for _, p := range policies {
		s.mu.RLock()
		_, exists := s.versions[p.PolicyID]
		s.mu.RUnlock()
		if exists {
			continue
		}
		if _, err := s.Put(ctx, p, actorID); err != nil {
			return fmt.Errorf("seeding policy %q: %w", p.PolicyID, err)
		}
	}
	return nil
}

// Put stores draft as the next version of its policy.
func (s *Store) Put(ctx context.Context, draft domain.Policy, actorID string) (domain.Policy, error) {
	if err := draft.Validate(); err != nil {
		return domain.Policy{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.nextVersion(draft, actorID)
	p.RolledBackFrom = 0

	if err := s.commit(ctx, p, domain.AuditPolicyVersion, actorID, map[string]any{
		"policyId": p.PolicyID,
		"version":  p.Version,
		"priority": p.Priority,
		"enabled":  p.Enabled,
		"rules":    p.Rules,
	}); err != nil {
		return domain.Policy{}, err
	}
	return p.Clone(), nil
}

// Active returns the policies in force now: for each id the latest version
// whose EffectiveFrom has passed, if enabled, ordered by priority then id.
func (s *Store) Active(_ context.Context) []domain.Policy {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]domain.Policy, 0, len(s.versions))
	for _, versions := range s.versions {
		for i := len(versions) - 1; i >= 0; i-- {
			v := versions[i]
			if v.EffectiveFrom.After(now) {
				continue
			}
			if v.Enabled {
				active = append(active, v.Clone())
			}
			break
		}
	}
	slices.SortFunc(active, func(a, b domain.Policy) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.PolicyID, b.PolicyID))
	})
	return active
}

// Latest returns the newest version of every policy, enabled or not.
func (s *Store) Latest(_ context.Context) []domain.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Policy, 0, len(s.versions))
	for _, versions := range s.versions {
		out = append(out, versions[len(versions)-1].Clone())
	}
	slices.SortFunc(out, func(a, b domain.Policy) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.PolicyID, b.PolicyID))
	})
	return out
}

// History returns every version of a policy in ascending order.
func (s *Store) History(_ context.Context, policyID string) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, policyID)
	}
	out := make([]domain.Policy, len(versions))
	for i, v := range versions {
		out[i] = v.Clone()
	}
	return out, nil
}

// Get returns one version of a policy.
func (s *Store) Get(_ context.Context, policyID string, version int64) (domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.find(policyID, version)
	if err != nil {
		return domain.Policy{}, err
	}
	return p.Clone(), nil
}

// Rollback creates a new version whose content equals targetVersion.
// History is never rewritten: rolling v2 back to v1 produces v3. A target
// that does not exist, including one of an unknown policy, is reported as
// ErrPolicyVersionNotFound.
func (s *Store) Rollback(ctx context.Context, policyID string, targetVersion int64, actorID string) (domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.find(policyID, targetVersion)
	if errors.Is(err, domain.ErrPolicyNotFound) {
		return domain.Policy{}, fmt.Errorf("%w: %s v%d (no such policy)", domain.ErrPolicyVersionNotFound, policyID, targetVersion)
	}
	if err != nil {
		return domain.Policy{}, err
	}
	current := s.versions[policyID][len(s.versions[policyID])-1]

	p := s.nextVersion(target, actorID)
	p.RolledBackFrom = target.Version

	if err := s.commit(ctx, p, domain.AuditPolicyRollback, actorID, map[string]any{
		"policyId":      p.PolicyID,
		"fromVersion":   current.Version,
		"targetVersion": target.Version,
		"newVersion":    p.Version,
	}); err != nil {
		return domain.Policy{}, err
	}

	s.log.Info("policy rolled back",
		"policy_id", policyID, "from_version", current.Version,
		"target_version", target.Version, "new_version", p.Version, "actor", actorID)
	return p.Clone(), nil
}

// nextVersion must be called with mu held.
func (s *Store) nextVersion(src domain.Policy, actorID string) domain.Policy {
	now := s.now().UTC()
	p := src.Clone()
	p.Version = 1
	if versions := s.versions[p.PolicyID]; len(versions) > 0 {
		p.Version = versions[len(versions)-1].Version + 1
	}
	p.CreatedAt = now
	p.CreatedBy = actorID
	if p.EffectiveFrom.IsZero() || src.Version != 0 {
		// Rollbacks and undated drafts take effect immediately.
		p.EffectiveFrom = now
	}
	return p
}

// commit audits, persists and publishes a new version. It must be called
// with mu held. Nothing becomes visible unless both writes succeed.
func (s *Store) commit(ctx context.Context, p domain.Policy, action, actorID string, payload map[string]any) error {
	if s.audit != nil {
		if _, err := s.audit.Append(ctx, domain.AuditDraft{
			EntityType: domain.EntityPolicy,
			EntityID:   p.PolicyID,
			Action:     action,
			ActorID:    actorID,
			Payload:    payload,
		}); err != nil {
			return fmt.Errorf("auditing policy %s v%d: %w", p.PolicyID, p.Version, err)
		}
	}
	if s.persist != nil {
		if err := s.persist.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("saving policy %s v%d: %w", p.PolicyID, p.Version, err)
		}
	}
	s.versions[p.PolicyID] = append(s.versions[p.PolicyID], p.Clone())
	return nil
}

// find must be called with mu held.
func (s *Store) find(policyID string, version int64) (domain.Policy, error) {
	versions, ok := s.versions[policyID]
	if !ok {
		return domain.Policy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, policyID)
	}
	for _, v := range versions {
		if v.Version == version {
			return v, nil
		}
	}
	return domain.Policy{}, fmt.Errorf("%w: %s v%d", domain.ErrPolicyVersionNotFound, policyID, version)
}
