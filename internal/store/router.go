package store

import (
	"context"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
)

// Router owns the primary-or-fallback decision. The fallback SQLite store
// is always present (it also holds the case registry); the primary is
// optional. Loads pick a store once per call; reads follow the routing
// recorded on the case.
type Router struct {
	primary  Store // nil when no primary is configured
	fallback *SQLiteStore
}

// NewRouter creates a router. primary may be nil.
func NewRouter(primary Store, fallback *SQLiteStore) *Router {
	return &Router{primary: primary, fallback: fallback}
}

// Fallback exposes the SQLite store (case registry access).
func (r *Router) Fallback() *SQLiteStore { return r.fallback }

// ChooseForLoad probes the primary once and returns the store a load
// should write to, with the routing mode to record against the case.
func (r *Router) ChooseForLoad(ctx context.Context) (Store, string) {
	if r.primary == nil {
		return r.fallback, artifact.RoutingFallback
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.primary.Ping(probeCtx); err != nil {
		logging.Store("primary store unreachable, falling back: %v", err)
		return r.fallback, artifact.RoutingFallback
	}
	return r.primary, artifact.RoutingPrimary
}

// ForCase returns the store the case's data was loaded into, per the
// routing recorded on the case row. CaseNotFoundError when the case does
// not exist.
func (r *Router) ForCase(ctx context.Context, caseID string) (Store, *CaseInfo, error) {
	info, err := r.fallback.GetCase(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}
	if info.Routing == artifact.RoutingPrimary && r.primary != nil {
		return r.primary, info, nil
	}
	return r.fallback, info, nil
}
