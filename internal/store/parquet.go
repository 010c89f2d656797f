package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ OutcomeSink = (*ParquetStore)(nil)

// ParquetStore exports terminal order outcomes to daily Parquet files.
type ParquetStore struct {
	DataDir string

	mu sync.Mutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OutcomeRecord is the Parquet schema for one terminal order and the risk
// assessment that admitted it.
type OutcomeRecord struct {
	OrderID           string  `parquet:"order_id"`
	UserID            string  `parquet:"user_id"`
	Symbol            string  `parquet:"symbol"`
	Side              string  `parquet:"side"`
	OrderType         string  `parquet:"order_type"`
	Requested         int64   `parquet:"requested_quantity"`
	Quantity          int64   `parquet:"quantity"`
	FilledQuantity    int64   `parquet:"filled_quantity"`
	FilledPrice       float64 `parquet:"filled_price"`
	Status            string  `parquet:"status"`
	Reason            string  `parquet:"reason"`
	Broker            string  `parquet:"broker"`
	Paper             bool    `parquet:"paper"`
	Action            string  `parquet:"action"`
	RiskLevel         string  `parquet:"risk_level"`
	Confidence        float64 `parquet:"confidence"`
	TriggeredPolicies string  `parquet:"triggered_policies"`
	RetryCount        int32   `parquet:"retry_count"`
	CreatedAt         int64   `parquet:"created_at,timestamp(millisecond)"`   // Unix ms
	CompletedAt       int64   `parquet:"completed_at,timestamp(millisecond)"` // Unix ms
}

func toOutcomeRecord(o domain.Outcome) OutcomeRecord {
	r := OutcomeRecord{
		OrderID:           o.Order.ID,
		UserID:            o.Order.Signal.UserID,
		Symbol:            o.Order.Signal.Symbol,
		Side:              string(o.Order.Signal.Side),
		OrderType:         string(o.Order.Signal.OrderType),
		Requested:         o.Order.Signal.Quantity,
		Quantity:          o.Order.Quantity,
		FilledQuantity:    o.Order.FilledQuantity,
		Status:            string(o.Order.Status),
		Reason:            o.Order.Reason,
		Broker:            o.Order.BrokerName,
		Paper:             o.Order.Signal.IsPaperTrade,
		Action:            string(o.Assessment.Action),
		RiskLevel:         string(o.Assessment.RiskLevel),
		Confidence:        o.Assessment.Confidence,
		TriggeredPolicies: strings.Join(o.Assessment.TriggeredPolicyIDs, ","),
		RetryCount:        int32(o.Order.RetryCount),
		CreatedAt:         o.Order.CreatedAt.UnixMilli(),
		CompletedAt:       o.Order.LastTransitionAt.UnixMilli(),
	}
	if o.Order.FilledPrice != nil {
		r.FilledPrice = o.Order.FilledPrice.InexactFloat64()
	}
	return r
}

// ---------------------------------------------------------------------------
// OutcomeSink implementation
// ---------------------------------------------------------------------------

// WriteOutcomes appends outcomes to the file for the day each order
// completed, at:
//
//	<DataDir>/outcomes/<YYYY-MM-DD>.parquet
//
// Re-exporting an order replaces its earlier row.
func (s *ParquetStore) WriteOutcomes(_ context.Context, outcomes []domain.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	byDay := make(map[string][]OutcomeRecord)
	for _, o := range outcomes {
		path := s.outcomePath(o.Order.LastTransitionAt)
		byDay[path] = append(byDay[path], toOutcomeRecord(o))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, records := range byDay {
		existing, err := readParquetFile[OutcomeRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := writeParquetFile(path, mergeOutcomeRecords(existing, records)); err != nil {
			return err
		}
	}
	return nil
}

// ReadOutcomes returns the outcomes exported for the given day.
func (s *ParquetStore) ReadOutcomes(_ context.Context, day time.Time) ([]OutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := readParquetFile[OutcomeRecord](s.outcomePath(day))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// outcomePath returns the filesystem path for an outcome Parquet file.
// Layout: <dataDir>/outcomes/<YYYY-MM-DD>.parquet
func (s *ParquetStore) outcomePath(t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(s.DataDir, "outcomes", date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOutcomeRecords deduplicates records by order id, preferring incoming
// records over existing ones. Results are sorted by completion time.
func mergeOutcomeRecords(existing, incoming []OutcomeRecord) []OutcomeRecord {
	seen := make(map[string]OutcomeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.OrderID] = r
	}
	for _, r := range incoming {
		seen[r.OrderID] = r
	}

	merged := make([]OutcomeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CompletedAt != merged[j].CompletedAt {
			return merged[i].CompletedAt < merged[j].CompletedAt
		}
		return merged[i].OrderID < merged[j].OrderID
	})
	return merged
}
