// Package ledger implements the append-only, hash-chained audit log. Every
// risk decision, order transition, retry, failover and policy change is
// recorded here, and any later modification or removal of an entry is
// detectable by re-walking the chain.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

var _ domain.Auditor = (*Ledger)(nil)

// Ledger is the single write path into the audit log. Appends are
// linearized; reads work on snapshots and never block writers for long.
type Ledger struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	head    domain.AuditHead
	store   store.AuditStore
	now     func() time.Time
	log     *slog.Logger
}

// New returns an empty ledger. A nil store keeps the chain in memory only.
func New(st store.AuditStore, log *slog.Logger) *Ledger {
	return &Ledger{
		store: st,
		now:   time.Now,
		log:   log.With("component", "ledger"),
	}
}

// Open loads a persisted chain and verifies it against the stored head
// before accepting new appends. A broken or truncated chain is reported as
// ErrLedgerIntegrity.
func Open(ctx context.Context, st store.AuditStore, log *slog.Logger) (*Ledger, error) {
	l := New(st, log)
	entries, err := st.LoadAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit chain: %w", err)
	}
	head, err := st.AuditHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit head: %w", err)
	}
	l.entries = entries
	l.head = head
	if err := l.Check(); err != nil {
		return nil, err
	}
	l.log.Info("audit chain loaded", "entries", len(entries))
	return l, nil
}

// Append assigns the next sequence number, links the entry to the current
// head and persists it. The entry becomes visible to readers only after the
// store accepted it; on a store error the ledger is unchanged.
func (l *Ledger) Append(ctx context.Context, d domain.AuditDraft) (domain.AuditEntry, error) {
	payload := d.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	// encoding/json sorts map keys, which makes the payload bytes canonical.
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encoding audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := domain.AuditEntry{
		Sequence:   uint64(len(l.entries)) + 1,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Action:     d.Action,
		ActorID:    d.ActorID,
		Timestamp:  l.now().UTC(),
		Payload:    raw,
	}
	if n := len(l.entries); n > 0 {
		e.PrevHash = l.entries[n-1].ContentHash
	}
	e.ContentHash = hashEntry(e)

	if l.store != nil {
		if err := l.store.AppendAudit(ctx, e); err != nil {
			l.log.Error("audit append failed", "action", e.Action, "entity_id", e.EntityID, "error", err)
			return domain.AuditEntry{}, fmt.Errorf("persisting audit entry: %w", err)
		}
	}
	l.entries = append(l.entries, e)
	l.head = domain.AuditHead{Length: e.Sequence, Hash: e.ContentHash}
	return e, nil
}

// Verify reports whether the chain is intact.
func (l *Ledger) Verify() bool {
	return l.Check() == nil
}

// Check walks the chain from the first entry and returns an error wrapping
// ErrLedgerIntegrity that names the first broken sequence. The last entry
// must match the recorded head, so removing entries from the end is caught
// as well.
func (l *Ledger) Check() error {
	l.mu.RLock()
	entries, head := l.entries, l.head
	l.mu.RUnlock()

	prev := ""
	for i, e := range entries {
		want := uint64(i) + 1
		if e.Sequence != want {
			return fmt.Errorf("%w: sequence gap at %d (found %d)", domain.ErrLedgerIntegrity, want, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", domain.ErrLedgerIntegrity, e.Sequence)
		}
		if hashEntry(e) != e.ContentHash {
			return fmt.Errorf("%w: entry %d content hash mismatch", domain.ErrLedgerIntegrity, e.Sequence)
		}
		prev = e.ContentHash
	}
	if n := uint64(len(entries)); n != head.Length || prev != head.Hash {
		return fmt.Errorf("%w: chain ends at %d, head records %d", domain.ErrLedgerIntegrity, n, head.Length)
	}
	return nil
}

// Query returns a finite, restartable iterator over matching entries in
// ascending sequence order. It sees the chain as of the call.
func (l *Ledger) Query(f domain.AuditFilter) iter.Seq[domain.AuditEntry] {
	l.mu.RLock()
	entries := l.entries[:len(l.entries):len(l.entries)]
	l.mu.RUnlock()

	return func(yield func(domain.AuditEntry) bool) {
		for _, e := range entries {
			if !f.Match(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of entries in the chain.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the content hash of the latest entry, or "" when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head.Hash
}

type canonicalEntry struct {
	Sequence   uint64          `json:"sequence"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actorId"`
	Timestamp  string          `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// hashEntry computes SHA-256 over the previous hash followed by the
// canonical encoding of the entry's content.
func hashEntry(e domain.AuditEntry) string {
	payload := json.RawMessage(e.Payload)
	if !json.Valid(payload) {
		// Still hashable; the mismatch surfaces as a hash failure.
		payload, _ = json.Marshal(string(e.Payload))
	}
	body, _ := json.Marshal(canonicalEntry{
		Sequence:   e.Sequence,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	})

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
