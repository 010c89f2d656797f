package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ PolicyStore = (*SQLiteStore)(nil)
var _ AuditStore = (*SQLiteStore)(nil)

// SQLiteStore implements the order, position, policy and audit stores backed
// by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		status      TEXT NOT NULL,
		data        TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_symbol ON orders(user_id, symbol)`,
	`CREATE TABLE IF NOT EXISTS policies (
		policy_id   TEXT NOT NULL,
		version     INTEGER NOT NULL,
		data        TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (policy_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		sequence     INTEGER PRIMARY KEY,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		action       TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		ts           TEXT NOT NULL,
		payload      TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		content_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_head (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		length  INTEGER NOT NULL,
		hash    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol        TEXT PRIMARY KEY,
		quantity      INTEGER NOT NULL,
		average_price TEXT NOT NULL
	)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, symbol, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Signal.UserID, o.Signal.Symbol, string(o.Status), string(data),
		formatTime(o.CreatedAt), formatTime(o.LastTransitionAt))
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM orders WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var o domain.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", id, err)
	}
	return &o, nil
}

// ListOrders returns all orders matching any of the given statuses.
func (s *SQLiteStore) ListOrders(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT data FROM orders`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o domain.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(o.Status), string(data), formatTime(o.LastTransitionAt), o.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrder removes an order by ID.
func (s *SQLiteStore) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOrdersSince counts the user's orders in symbol created at or after
// since. Stored timestamps trim trailing zeros, so they are compared as times
// rather than as strings.
func (s *SQLiteStore) CountOrdersSince(ctx context.Context, userID, symbol string, since time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at FROM orders WHERE user_id = ? AND symbol = ?`, userID, symbol)
	if err != nil {
		return 0, fmt.Errorf("counting orders for %s/%s: %w", userID, symbol, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, err
		}
		created, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return 0, fmt.Errorf("order created_at %q: %w", raw, err)
		}
		if !created.Before(since) {
			n++
		}
	}
	return n, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates a position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (symbol, quantity, average_price) VALUES (?, ?, ?)`,
		p.Symbol, p.Quantity, p.AveragePrice.String())
	return err
}

// GetPosition retrieves the current position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	var (
		p   domain.Position
		avg string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, quantity, average_price FROM positions WHERE symbol = ?`, symbol).
		Scan(&p.Symbol, &p.Quantity, &avg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.AveragePrice, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns all open positions.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, quantity, average_price FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p   domain.Position
			avg string
		)
		if err := rows.Scan(&p.Symbol, &p.Quantity, &avg); err != nil {
			return nil, err
		}
		if p.AveragePrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes the position for a symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

// ---------------------------------------------------------------------------
// PolicyStore implementation
// ---------------------------------------------------------------------------

// SavePolicy inserts one policy version. Versions are immutable, so an
// existing (id, version) pair is an error.
func (s *SQLiteStore) SavePolicy(ctx context.Context, p domain.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (policy_id, version, data, created_at) VALUES (?, ?, ?, ?)`,
		p.PolicyID, p.Version, string(data), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting policy %s v%d: %w", p.PolicyID, p.Version, err)
	}
	return nil
}

// ListPolicies returns every stored policy version.
func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM policies ORDER BY policy_id, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p domain.Policy
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// AuditStore implementation
// ---------------------------------------------------------------------------

// AppendAudit writes one ledger entry and moves the head row to it in a
// single transaction.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning audit append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries
		 (sequence, entity_type, entity_id, action, actor_id, ts, payload, prev_hash, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.EntityType, e.EntityID, e.Action, e.ActorID,
		formatTime(e.Timestamp), string(e.Payload), e.PrevHash, e.ContentHash); err != nil {
		return fmt.Errorf("inserting audit entry %d: %w", e.Sequence, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_head (id, length, hash) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET length = excluded.length, hash = excluded.hash`,
		e.Sequence, e.ContentHash); err != nil {
		return fmt.Errorf("advancing audit head to %d: %w", e.Sequence, err)
	}
	return tx.Commit()
}

// AuditHead returns the recorded head, or the zero head for an empty chain.
func (s *SQLiteStore) AuditHead(ctx context.Context) (domain.AuditHead, error) {
	var h domain.AuditHead
	err := s.db.QueryRowContext(ctx, `SELECT length, hash FROM audit_head WHERE id = 1`).
		Scan(&h.Length, &h.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditHead{}, nil
	}
	if err != nil {
		return domain.AuditHead{}, fmt.Errorf("reading audit head: %w", err)
	}
	return h, nil
}

// LoadAudit returns the full chain in sequence order.
func (s *SQLiteStore) LoadAudit(ctx context.Context) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, entity_type, entity_id, action, actor_id, ts, payload, prev_hash, content_hash
		 FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			ts      string
			payload string
		)
		if err := rows.Scan(&e.Sequence, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID,
			&ts, &payload, &e.PrevHash, &e.ContentHash); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("audit entry %d: %w", e.Sequence, err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
