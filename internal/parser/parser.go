// Package parser implements the artifact normalization contract: each
// variant knows how to invoke its external tool, read the tool's output,
// and map rows into the canonical record schema. Adding a category means
// adding one variant and registering it; nothing else changes.
package parser

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"forensiq/internal/artifact"
)

// Result carries the normalized records of one parse run plus the count of
// malformed rows that were skipped. A malformed row never aborts a file;
// it is logged and counted here.
type Result struct {
	Records []artifact.Record
	Skipped int
}

// Parser is the per-category normalization contract.
type Parser interface {
	// Name identifies the variant (also recorded as the records'
	// source_tool provenance).
	Name() string

	// Description explains what artifacts the variant covers.
	Description() string

	// Category is the record category this variant populates.
	Category() artifact.Category

	// TargetIndex is the primary-store partition the records land in.
	TargetIndex() string

	// Parse invokes the external tool against the staged files and
	// normalizes its output. Fails with ToolInvocationError or
	// ParseFormatError; recovers malformed rows by skip-and-count.
	Parse(ctx context.Context, stagedPaths []string, caseID string) (*Result, error)
}

// Registry holds the registered parsers keyed by category.
// It is thread-safe.
type Registry struct {
	mu      sync.RWMutex
	parsers map[artifact.Category]Parser
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[artifact.Category]Parser)}
}

// Register adds a parser. Registering a second parser for the same
// category is an error.
func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.parsers[p.Category()]; exists {
		return fmt.Errorf("parser already registered for category %s", p.Category())
	}
	r.parsers[p.Category()] = p
	return nil
}

// MustRegister registers a parser and panics on error. Use for static
// registration at startup.
func (r *Registry) MustRegister(p Parser) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the parser for a category, or nil.
func (r *Registry) Get(category artifact.Category) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parsers[category]
}

// Categories returns the registered categories in stable order.
func (r *Registry) Categories() []artifact.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]artifact.Category, 0, len(r.parsers))
	for c := range r.parsers {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Count returns the number of registered parsers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parsers)
}
