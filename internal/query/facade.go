// Package query exposes the case-scoped read operations built on the
// store: search, timeline assembly, program and web-activity profiles,
// suspicious-activity detection and case statistics. Results are plain
// structured data so both the CLI and the agent loop can serialize them.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
	"forensiq/internal/store"
)

// Facade wraps the routed store with the analyst-facing operations.
type Facade struct {
	router *store.Router
}

// New creates a facade over the router.
func New(router *store.Router) *Facade {
	return &Facade{router: router}
}

// fetchLimit bounds per-category reads for aggregations.
const fetchLimit = 10000

// SearchResult is the output of SearchArtifacts.
type SearchResult struct {
	Total int              `json:"total"`
	Hits  []map[string]any `json:"hits"`
}

// SearchArtifacts runs a full-text search across the selected categories
// (default all). Matches are chronological, capped at limit.
func (f *Facade) SearchArtifacts(ctx context.Context, caseID, q string, categories []string, limit int) (*SearchResult, error) {
	st, _, err := f.router.ForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	cats, err := parseCategories(categories)
	if err != nil {
		return nil, err
	}

	hits, err := st.Search(ctx, store.SearchRequest{
		CaseID:     caseID,
		Query:      q,
		Categories: cats,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	out := &SearchResult{Total: len(hits), Hits: make([]map[string]any, 0, len(hits))}
	for i := range hits {
		out.Hits = append(out.Hits, hitToMap(&hits[i]))
	}
	logging.Query("search %q in case %s: %d hits", q, caseID, out.Total)
	return out, nil
}

// TimelineEvent is one entry of the merged timeline.
type TimelineEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields"`
}

// TimelineResult is the output of GetTimeline. Warnings report categories
// that could not be read; they are attached, never silently dropped.
type TimelineResult struct {
	Events   []TimelineEvent `json:"events"`
	Warnings []string        `json:"warnings,omitempty"`
}

// GetTimeline merges timestamped records across categories into one
// chronological sequence. Records without a timestamp are excluded. Ties
// break by category then natural key so repeated calls are deterministic.
func (f *Facade) GetTimeline(ctx context.Context, caseID string, start, end *time.Time, categories []string) (*TimelineResult, error) {
	st, _, err := f.router.ForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	cats, err := parseCategories(categories)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		cats = artifact.AllCategories()
	}

	result := &TimelineResult{}
	for _, cat := range cats {
		hits, err := st.FetchCategory(ctx, caseID, cat, fetchLimit)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("category %s unavailable: %v", cat, err))
			continue
		}
		for i := range hits {
			h := &hits[i]
			if h.Timestamp == nil {
				continue
			}
			if start != nil && h.Timestamp.Before(*start) {
				continue
			}
			if end != nil && h.Timestamp.After(*end) {
				continue
			}
			result.Events = append(result.Events, TimelineEvent{
				Timestamp: *h.Timestamp,
				Category:  string(h.Category),
				Key:       h.Key,
				Fields:    h.Fields,
			})
		}
	}

	sort.Slice(result.Events, func(i, j int) bool {
		a, b := &result.Events[i], &result.Events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Key < b.Key
	})

	logging.Query("timeline for case %s: %d events, %d warnings", caseID, len(result.Events), len(result.Warnings))
	return result, nil
}

// ProgramProfile is the output of AnalyzeProgramExecution.
type ProgramProfile struct {
	Executable  string           `json:"executable"`
	RunCount    int              `json:"run_count"`
	FirstSeen   *time.Time       `json:"first_seen"`
	LastSeen    *time.Time       `json:"last_seen"`
	FilesLoaded []string         `json:"files_loaded"`
	Prefetch    []map[string]any `json:"prefetch"`
	Events      []map[string]any `json:"events"`
	Shortcuts   []map[string]any `json:"shortcuts"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// AnalyzeProgramExecution aggregates prefetch, event-log, and shortcut
// records referencing the executable into one profile. Matching is
// case-insensitive substring.
func (f *Facade) AnalyzeProgramExecution(ctx context.Context, caseID, executable string) (*ProgramProfile, error) {
	st, _, err := f.router.ForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(executable))
	if needle == "" {
		return nil, fmt.Errorf("executable name required")
	}

	profile := &ProgramProfile{Executable: executable}

	fetch := func(cat artifact.Category) []store.Hit {
		hits, err := st.FetchCategory(ctx, caseID, cat, fetchLimit)
		if err != nil {
			profile.Warnings = append(profile.Warnings, fmt.Sprintf("category %s unavailable: %v", cat, err))
			return nil
		}
		return hits
	}

	seen := func(t *time.Time) {
		if t == nil {
			return
		}
		if profile.FirstSeen == nil || t.Before(*profile.FirstSeen) {
			profile.FirstSeen = t
		}
		if profile.LastSeen == nil || t.After(*profile.LastSeen) {
			profile.LastSeen = t
		}
	}

	for _, h := range fetch(artifact.CategoryPrefetch) {
		name, _ := h.Fields["executable_name"].(string)
		if !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		profile.Prefetch = append(profile.Prefetch, hitToMap(&h))
		profile.RunCount += asInt(h.Fields["run_count"])
		seen(h.Timestamp)
		if runs, ok := h.Fields["run_times"].([]any); ok {
			for _, r := range runs {
				if s, ok := r.(string); ok {
					if t, err := time.Parse(time.RFC3339, s); err == nil {
						u := t.UTC()
						seen(&u)
					}
				}
			}
		}
		if files, ok := h.Fields["files_loaded"].([]any); ok {
			for _, fl := range files {
				if s, ok := fl.(string); ok {
					profile.FilesLoaded = append(profile.FilesLoaded, s)
				}
			}
		}
	}

	for _, h := range fetch(artifact.CategoryEventLog) {
		msg, _ := h.Fields["message"].(string)
		if !strings.Contains(strings.ToLower(msg), needle) {
			continue
		}
		profile.Events = append(profile.Events, hitToMap(&h))
		seen(h.Timestamp)
	}

	for _, h := range fetch(artifact.CategoryLNK) {
		target, _ := h.Fields["target_path"].(string)
		name, _ := h.Fields["name"].(string)
		if !strings.Contains(strings.ToLower(target), needle) && !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		profile.Shortcuts = append(profile.Shortcuts, hitToMap(&h))
		seen(h.Timestamp)
	}

	logging.Query("program profile %q in case %s: %d runs, %d prefetch, %d events, %d shortcuts",
		executable, caseID, profile.RunCount, len(profile.Prefetch), len(profile.Events), len(profile.Shortcuts))
	return profile, nil
}

// DomainActivity aggregates one domain's visits.
type DomainActivity struct {
	Domain     string     `json:"domain"`
	Visits     int        `json:"visits"`
	FirstVisit *time.Time `json:"first_visit"`
	LastVisit  *time.Time `json:"last_visit"`
}

// WebActivity is the output of AnalyzeWebActivity.
type WebActivity struct {
	TotalVisits int              `json:"total_visits"`
	TopDomains  []DomainActivity `json:"top_domains"`
	Hits        []map[string]any `json:"hits"`
}

const topDomainCount = 20

// AnalyzeWebActivity aggregates browser history, optionally filtered to a
// domain/URL substring, with per-domain visit counts and time ranges.
func (f *Facade) AnalyzeWebActivity(ctx context.Context, caseID, domainOrURL string) (*WebActivity, error) {
	st, _, err := f.router.ForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	hits, err := st.FetchCategory(ctx, caseID, artifact.CategoryBrowser, fetchLimit)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(domainOrURL))
	byDomain := make(map[string]*DomainActivity)
	out := &WebActivity{}

	for i := range hits {
		h := &hits[i]
		url, _ := h.Fields["url"].(string)
		domain, _ := h.Fields["domain"].(string)
		if needle != "" &&
			!strings.Contains(strings.ToLower(url), needle) &&
			!strings.Contains(strings.ToLower(domain), needle) {
			continue
		}

		out.TotalVisits++
		out.Hits = append(out.Hits, hitToMap(h))

		key := domain
		if key == "" {
			key = url
		}
		da, ok := byDomain[key]
		if !ok {
			da = &DomainActivity{Domain: key}
			byDomain[key] = da
		}
		da.Visits++
		if h.Timestamp != nil {
			if da.FirstVisit == nil || h.Timestamp.Before(*da.FirstVisit) {
				da.FirstVisit = h.Timestamp
			}
			if da.LastVisit == nil || h.Timestamp.After(*da.LastVisit) {
				da.LastVisit = h.Timestamp
			}
		}
	}

	for _, da := range byDomain {
		out.TopDomains = append(out.TopDomains, *da)
	}
	sort.Slice(out.TopDomains, func(i, j int) bool {
		if out.TopDomains[i].Visits != out.TopDomains[j].Visits {
			return out.TopDomains[i].Visits > out.TopDomains[j].Visits
		}
		return out.TopDomains[i].Domain < out.TopDomains[j].Domain
	})
	if len(out.TopDomains) > topDomainCount {
		out.TopDomains = out.TopDomains[:topDomainCount]
	}

	logging.Query("web activity in case %s (filter %q): %d visits, %d domains",
		caseID, domainOrURL, out.TotalVisits, len(out.TopDomains))
	return out, nil
}

// CaseStats is the output of GetCaseStats.
type CaseStats struct {
	CaseID  string         `json:"case_id"`
	Status  string         `json:"status"`
	Routing string         `json:"routing"`
	Counts  map[string]int `json:"counts"`
	Total   int            `json:"total"`
}

// GetCaseStats returns per-category record counts and the case's store
// routing mode.
func (f *Facade) GetCaseStats(ctx context.Context, caseID string) (*CaseStats, error) {
	st, info, err := f.router.ForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	counts, err := st.Counts(ctx, caseID)
	if err != nil {
		return nil, err
	}

	stats := &CaseStats{
		CaseID:  caseID,
		Status:  info.Status,
		Routing: info.Routing,
		Counts:  make(map[string]int, len(counts)),
	}
	for cat, n := range counts {
		stats.Counts[string(cat)] = n
		stats.Total += n
	}
	return stats, nil
}

// parseCategories validates category name strings.
func parseCategories(names []string) ([]artifact.Category, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]artifact.Category, 0, len(names))
	for _, n := range names {
		c, err := artifact.ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// hitToMap flattens a store hit into plain structured data.
func hitToMap(h *store.Hit) map[string]any {
	m := make(map[string]any, len(h.Fields)+2)
	for k, v := range h.Fields {
		m[k] = v
	}
	m["category"] = string(h.Category)
	if h.Timestamp != nil {
		m["timestamp"] = h.Timestamp.UTC().Format(time.RFC3339)
	} else {
		m["timestamp"] = nil
	}
	return m
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
