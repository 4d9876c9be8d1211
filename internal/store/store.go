// Package store persists normalized artifact records. Two implementations
// share one interface: an Elasticsearch-backed primary and a SQLite
// fallback. The Router decides which one a case's data lives in and keeps
// queries routed consistently.
package store

import (
	"context"
	"fmt"
	"time"

	"forensiq/internal/artifact"
)

// CaseInfo is the per-case metadata row. It always lives in the fallback
// database so routing survives a primary outage.
type CaseInfo struct {
	ID        string
	ImagePath string
	Status    string
	Routing   string
	CreatedAt time.Time
}

// Hit is one record read back from a store: plain structured data, no
// store-specific types, so the facade and the agent can serialize it
// without knowing which store served it.
type Hit struct {
	Category  artifact.Category
	Key       string
	Timestamp *time.Time
	Fields    map[string]any
}

// SearchRequest selects records by full-text terms within a case.
type SearchRequest struct {
	CaseID     string
	Query      string
	Categories []artifact.Category // empty means all
	Limit      int
}

// Store is the artifact data interface both backends implement.
type Store interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// ReplaceCategory atomically replaces the case+category partition
	// with the given records and returns the written count.
	ReplaceCategory(ctx context.Context, caseID string, cat artifact.Category, recs []artifact.Record) (int, error)

	// Search matches query terms against textual fields.
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)

	// FetchCategory returns up to limit records of one category,
	// chronological where timestamps exist.
	FetchCategory(ctx context.Context, caseID string, cat artifact.Category, limit int) ([]Hit, error)

	// Counts returns per-category record counts for a case.
	Counts(ctx context.Context, caseID string) (map[artifact.Category]int, error)

	// DeleteCase removes every record of a case.
	DeleteCase(ctx context.Context, caseID string) error
}

// QueryError wraps an underlying store failure with enough context to
// retry.
type QueryError struct {
	Op     string
	CaseID string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("store %s failed (case %s): %v", e.Op, e.CaseID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// CaseNotFoundError reports that a case has no loaded data.
type CaseNotFoundError struct {
	CaseID string
}

func (e *CaseNotFoundError) Error() string {
	return fmt.Sprintf("case %s not found", e.CaseID)
}
