package loader

import (
	"context"
	"sync"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
	"forensiq/internal/parser"
	"forensiq/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CategorySummary reports one category's ingestion outcome.
type CategorySummary struct {
	Written int
	Skipped int
	Err     error
}

// Summary is the per-category ingestion report. Categories fail
// independently; a failed category never aborts its siblings.
type Summary struct {
	CaseID     string
	Routing    string
	Categories map[artifact.Category]CategorySummary
}

// Failed reports whether any category errored.
func (s *Summary) Failed() bool {
	for _, cs := range s.Categories {
		if cs.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline drives parse+load per category for a case.
type Pipeline struct {
	parsers *parser.Registry
	loader  *Loader
	router  *store.Router
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(parsers *parser.Registry, loader *Loader, router *store.Router) *Pipeline {
	return &Pipeline{parsers: parsers, loader: loader, router: router}
}

// NewCaseID generates a case identifier for analysts who did not assign
// one.
func NewCaseID() string {
	return "case-" + uuid.NewString()[:8]
}

// Ingest parses and loads every staged category for the case. Categories
// run in parallel; each touches a disjoint case+category partition. The
// case moves processing -> ready, or failed when any category errors.
// The primary is probed once up front and every category load follows
// that one decision, so a primary that flaps mid-ingestion cannot leave
// the case split across stores.
func (p *Pipeline) Ingest(ctx context.Context, caseID, imagePath string, staged map[artifact.Category][]string) (*Summary, error) {
	reg := p.router.Fallback()
	if err := reg.EnsureCase(ctx, store.CaseInfo{ID: caseID, ImagePath: imagePath}); err != nil {
		return nil, err
	}
	if err := reg.SetCaseStatus(ctx, caseID, artifact.StatusProcessing); err != nil {
		return nil, err
	}

	dst, routing := p.router.ChooseForLoad(ctx)

	summary := &Summary{
		CaseID:     caseID,
		Categories: make(map[artifact.Category]CategorySummary, len(staged)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(artifact.AllCategories()))

	for cat, paths := range staged {
		if len(paths) == 0 {
			continue
		}
		cat, paths := cat, paths
		g.Go(func() error {
			cs := p.ingestCategory(gctx, caseID, cat, paths, dst, routing)
			mu.Lock()
			summary.Categories[cat] = cs
			mu.Unlock()
			// Category failures are recorded, not propagated: sibling
			// categories keep going.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	status := artifact.StatusReady
	if summary.Failed() {
		status = artifact.StatusFailed
	}
	if err := reg.SetCaseStatus(ctx, caseID, status); err != nil {
		return summary, err
	}

	if info, err := reg.GetCase(ctx, caseID); err == nil {
		summary.Routing = info.Routing
	}

	logging.Loader("ingest complete for case %s: %d categories, status=%s", caseID, len(summary.Categories), status)
	return summary, nil
}

func (p *Pipeline) ingestCategory(ctx context.Context, caseID string, cat artifact.Category, paths []string, dst store.Store, routing string) CategorySummary {
	pp := p.parsers.Get(cat)
	if pp == nil {
		return CategorySummary{Err: &LoadError{CaseID: caseID, Category: cat,
			Err: &parser.ToolInvocationError{Tool: string(cat), Err: errNoParser}}}
	}

	pr, err := pp.Parse(ctx, paths, caseID)
	if err != nil {
		logging.Loader("parse failed for %s/%s: %v", caseID, cat, err)
		return CategorySummary{Err: err}
	}

	res, err := p.loader.loadTo(ctx, caseID, cat, pr, dst, routing)
	if err != nil {
		return CategorySummary{Skipped: pr.Skipped, Err: err}
	}
	return CategorySummary{Written: res.Written, Skipped: res.Skipped}
}

var errNoParser = &noParserError{}

type noParserError struct{}

func (*noParserError) Error() string { return "no parser registered" }
