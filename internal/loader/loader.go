// Package loader persists normalized records for a case+category into the
// routed store with replace semantics. Loads to the same partition are
// serialized; re-ingesting the same parser output is idempotent.
package loader

import (
	"context"
	"fmt"
	"sync"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
	"forensiq/internal/parser"
	"forensiq/internal/store"
)

// LoadInProgressError reports a concurrent load on a held partition.
// Callers either serialize or treat this as retry-later.
type LoadInProgressError struct {
	CaseID   string
	Category artifact.Category
}

func (e *LoadInProgressError) Error() string {
	return fmt.Sprintf("load already in progress for %s/%s", e.CaseID, e.Category)
}

// LoadError carries the failed category and the underlying store error.
type LoadError struct {
	CaseID   string
	Category artifact.Category
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed for %s/%s: %v", e.CaseID, e.Category, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Result summarizes one load call.
type Result struct {
	Written int
	Skipped int
	Routing string
}

// Loader writes parse results into the routed store.
type Loader struct {
	router *store.Router

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a loader over the given router.
func New(router *store.Router) *Loader {
	return &Loader{
		router:   router,
		inflight: make(map[string]struct{}),
	}
}

func (l *Loader) acquire(caseID string, cat artifact.Category) error {
	key := caseID + "/" + string(cat)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.inflight[key]; held {
		return &LoadInProgressError{CaseID: caseID, Category: cat}
	}
	l.inflight[key] = struct{}{}
	return nil
}

func (l *Loader) release(caseID string, cat artifact.Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, caseID+"/"+string(cat))
}

// Load replaces the case+category partition with the parse result's
// records. The store is chosen once per call: primary when reachable,
// fallback otherwise, and the choice is recorded on the case so reads
// route consistently. Multi-category ingestion pins one choice for the
// whole run via loadTo instead, so a flapping primary cannot split a
// case across stores.
func (l *Loader) Load(ctx context.Context, caseID string, cat artifact.Category, pr *parser.Result) (*Result, error) {
	dst, routing := l.router.ChooseForLoad(ctx)
	return l.loadTo(ctx, caseID, cat, pr, dst, routing)
}

func (l *Loader) loadTo(ctx context.Context, caseID string, cat artifact.Category, pr *parser.Result, dst store.Store, routing string) (*Result, error) {
	if err := l.acquire(caseID, cat); err != nil {
		return nil, err
	}
	defer l.release(caseID, cat)

	written, err := dst.ReplaceCategory(ctx, caseID, cat, pr.Records)
	if err != nil {
		if routing == artifact.RoutingPrimary {
			// Primary answered the probe but failed the write; degrade.
			// Sibling categories already written to the primary become
			// unreachable until re-ingestion, so say so.
			logging.Loader("primary write failed for %s/%s, retrying on fallback; case routing moves to fallback and any categories already in the primary need re-ingestion: %v",
				caseID, cat, err)
			dst = l.router.Fallback()
			routing = artifact.RoutingFallback
			written, err = dst.ReplaceCategory(ctx, caseID, cat, pr.Records)
		}
		if err != nil {
			return nil, &LoadError{CaseID: caseID, Category: cat, Err: err}
		}
	}

	if err := l.router.Fallback().SetCaseRouting(ctx, caseID, routing); err != nil {
		return nil, &LoadError{CaseID: caseID, Category: cat, Err: err}
	}

	logging.Loader("loaded %s/%s: %d written, %d skipped, routing=%s",
		caseID, cat, written, pr.Skipped, routing)
	return &Result{Written: written, Skipped: pr.Skipped, Routing: routing}, nil
}
