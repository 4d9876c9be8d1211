// Package artifact defines the canonical record shapes shared by the
// parsers, the loaders, and the query layer. Every external tool's output
// is normalized into a Record before anything else touches it, so no
// downstream code branches on source-tool shape.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Category identifies one of the supported artifact kinds. The category
// determines which variant fields a record carries and which store
// partition (index or table) it lands in.
type Category string

const (
	CategoryPrefetch Category = "prefetch"
	CategoryEventLog Category = "eventlog"
	CategoryRegistry Category = "registry"
	CategoryBrowser  Category = "browser"
	CategoryLNK      Category = "lnk"
)

// AllCategories returns the supported categories in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryPrefetch,
		CategoryEventLog,
		CategoryRegistry,
		CategoryBrowser,
		CategoryLNK,
	}
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown artifact category: %q", s)
}

// IndexName returns the search-index name for a category.
// Index names match the primary store's per-category indices.
func (c Category) IndexName() string {
	return "forensic-" + string(c)
}

// TableName returns the relational table name for a category in the
// fallback store.
func (c Category) TableName() string {
	switch c {
	case CategoryBrowser:
		return "browser_history"
	case CategoryLNK:
		return "lnk_files"
	default:
		return string(c)
	}
}

// Meta is the provenance envelope attached to every normalized record.
type Meta struct {
	Parser     string `json:"parser"`
	CaseID     string `json:"case_id"`
	ParsedAt   string `json:"parsed_at"`
	SourcePath string `json:"source_path"`
}

// Record is one normalized artifact fact. Fields holds the variant-specific
// payload with explicit nil values for absent source fields; keys are never
// dropped just because the tool omitted them.
type Record struct {
	CaseID     string
	Category   Category
	SourceTool string
	SourcePath string

	// Timestamp is the record's natural event time in UTC, nil when the
	// artifact carries none. All categories share this representation so
	// cross-category timeline ordering is valid.
	Timestamp *time.Time

	// Key is the per-category natural key: the field combination that
	// identifies "the same fact" across re-ingestions of the same image.
	Key string

	Fields map[string]any
}

// DocID returns a deterministic document identifier derived from the case,
// category and natural key, so re-ingestion replaces rather than appends.
func (r *Record) DocID() string {
	sum := sha256.Sum256([]byte(r.CaseID + "|" + string(r.Category) + "|" + r.Key))
	return hex.EncodeToString(sum[:12])
}

// Meta builds the provenance envelope for this record.
func (r *Record) Meta(parsedAt time.Time) Meta {
	return Meta{
		Parser:     r.SourceTool,
		CaseID:     r.CaseID,
		ParsedAt:   parsedAt.UTC().Format(time.RFC3339),
		SourcePath: r.SourcePath,
	}
}

// TimestampString returns the RFC3339 form of the record timestamp, or nil
// when the record has none.
func (r *Record) TimestampString() any {
	if r.Timestamp == nil {
		return nil
	}
	return r.Timestamp.UTC().Format(time.RFC3339)
}

// Case statuses. A case is created as StatusProcessing, moves to
// StatusReady once all selected categories have loaded, and to
// StatusFailed when a required stage errors terminally.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Store routing modes recorded against a case.
const (
	RoutingPrimary  = "primary"
	RoutingFallback = "fallback"
)

// Truncate caps a string at n runes. External tools occasionally emit
// pathological message or path fields; caps match the loader schema.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Field caps applied during normalization.
const (
	MaxMessageLen   = 2000
	MaxKeyPathLen   = 1000
	MaxValueDataLen = 1000
	MaxArgumentsLen = 500
	MaxPathLen      = 500
	MaxFilesLoaded  = 100
)
