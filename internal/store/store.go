// Package store defines storage interfaces for persisting and retrieving
// orders, policy versions, audit entries, positions and outcome exports.
package store

import (
	"context"
	"errors"
	"time"

	"tradegate/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns orders in any of the given statuses, oldest first.
	// With no statuses it returns every order.
	ListOrders(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// DeleteOrder removes an order that never became visible to callers.
	DeleteOrder(ctx context.Context, id string) error

	// CountOrdersSince counts the user's orders in symbol created at or after
	// since, whatever their status.
	CountOrdersSince(ctx context.Context, userID, symbol string, since time.Time) (int, error)
}

// PositionStore persists and retrieves simulated position records.
type PositionStore interface {
	// SavePosition inserts or updates a position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the current position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// DeletePosition removes the position for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}

// PolicyStore persists every version of every risk policy.
type PolicyStore interface {
	// SavePolicy inserts one immutable policy version.
	SavePolicy(ctx context.Context, p domain.Policy) error

	// ListPolicies returns all stored versions ordered by id then version.
	ListPolicies(ctx context.Context) ([]domain.Policy, error)
}

// AuditStore is the durable backing of the audit ledger.
type AuditStore interface {
	// AppendAudit writes one entry and advances the stored head in the same
	// write. Sequences must arrive in order.
	AppendAudit(ctx context.Context, e domain.AuditEntry) error

	// AuditHead returns the head recorded by the last append.
	AuditHead(ctx context.Context) (domain.AuditHead, error)

	// LoadAudit returns the whole chain in sequence order.
	LoadAudit(ctx context.Context) ([]domain.AuditEntry, error)
}

// OutcomeSink receives terminal order outcomes for offline analysis.
type OutcomeSink interface {
	WriteOutcomes(ctx context.Context, outcomes []domain.Outcome) error
}
