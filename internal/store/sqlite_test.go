package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"forensiq/internal/artifact"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func prefetchRecord(caseID, exe, hash string, ts *time.Time) artifact.Record {
	r := artifact.Record{
		CaseID:     caseID,
		Category:   artifact.CategoryPrefetch,
		SourceTool: "pecmd",
		Timestamp:  ts,
		Key:        exe + "|" + hash,
		Fields: map[string]any{
			"executable_name": exe,
			"prefetch_hash":   hash,
			"run_count":       1,
		},
	}
	r.Fields["ts"] = r.TimestampString()
	return r
}

func tsAt(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	u := t.UTC()
	return &u
}

func TestCaseRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureCase(ctx, CaseInfo{ID: "c1", ImagePath: "/images/c1.dd"}); err != nil {
		t.Fatalf("EnsureCase: %v", err)
	}
	// Second ensure is a no-op, not an error.
	if err := s.EnsureCase(ctx, CaseInfo{ID: "c1", ImagePath: "/images/other.dd"}); err != nil {
		t.Fatalf("EnsureCase twice: %v", err)
	}

	info, err := s.GetCase(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if info.Status != artifact.StatusProcessing {
		t.Fatalf("initial status = %q", info.Status)
	}
	if info.Routing != artifact.RoutingFallback {
		t.Fatalf("initial routing = %q", info.Routing)
	}
	if info.ImagePath != "/images/c1.dd" {
		t.Fatalf("image path = %q", info.ImagePath)
	}

	if err := s.SetCaseStatus(ctx, "c1", artifact.StatusReady); err != nil {
		t.Fatalf("SetCaseStatus: %v", err)
	}
	if err := s.SetCaseRouting(ctx, "c1", artifact.RoutingPrimary); err != nil {
		t.Fatalf("SetCaseRouting: %v", err)
	}
	info, err = s.GetCase(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != artifact.StatusReady || info.Routing != artifact.RoutingPrimary {
		t.Fatalf("after update: status=%q routing=%q", info.Status, info.Routing)
	}

	var notFound *CaseNotFoundError
	if _, err := s.GetCase(ctx, "missing"); !errors.As(err, &notFound) {
		t.Fatalf("expected CaseNotFoundError, got %v", err)
	}

	if err := s.DeleteCaseInfo(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCaseInfo: %v", err)
	}
	if _, err := s.GetCase(ctx, "c1"); !errors.As(err, &notFound) {
		t.Fatalf("expected CaseNotFoundError after delete, got %v", err)
	}
}

func TestReplaceCategoryIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []artifact.Record{
		prefetchRecord("c1", "CMD.EXE", "A1", tsAt("2023-05-01T12:00:00Z")),
		prefetchRecord("c1", "NOTEPAD.EXE", "B2", tsAt("2023-05-01T13:00:00Z")),
	}

	n, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, recs)
	if err != nil {
		t.Fatalf("ReplaceCategory: %v", err)
	}
	if n != 2 {
		t.Fatalf("written = %d", n)
	}

	// Loading the same parse output again must not grow the partition.
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, recs); err != nil {
		t.Fatal(err)
	}
	counts, err := s.Counts(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[artifact.CategoryPrefetch] != 2 {
		t.Fatalf("count after re-load = %d", counts[artifact.CategoryPrefetch])
	}
}

func TestReplaceCategoryDropsStaleRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []artifact.Record{
		prefetchRecord("c1", "OLD.EXE", "X", tsAt("2023-05-01T12:00:00Z")),
		prefetchRecord("c1", "KEPT.EXE", "Y", tsAt("2023-05-01T13:00:00Z")),
	}
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, first); err != nil {
		t.Fatal(err)
	}

	second := []artifact.Record{
		prefetchRecord("c1", "KEPT.EXE", "Y", tsAt("2023-05-01T13:00:00Z")),
	}
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, second); err != nil {
		t.Fatal(err)
	}

	hits, err := s.FetchCategory(ctx, "c1", artifact.CategoryPrefetch, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Key != "KEPT.EXE|Y" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestReplaceCategoryIsolatesCases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch,
		[]artifact.Record{prefetchRecord("c1", "A.EXE", "1", nil)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReplaceCategory(ctx, "c2", artifact.CategoryPrefetch,
		[]artifact.Record{prefetchRecord("c2", "B.EXE", "2", nil)}); err != nil {
		t.Fatal(err)
	}

	// Replacing c1 must leave c2 untouched.
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, nil); err != nil {
		t.Fatal(err)
	}
	counts, err := s.Counts(ctx, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if counts[artifact.CategoryPrefetch] != 1 {
		t.Fatalf("c2 count = %d", counts[artifact.CategoryPrefetch])
	}
}

func TestSearchAllTermsMustMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []artifact.Record{
		prefetchRecord("c1", "RANSOM.EXE", "R1", tsAt("2023-05-01T12:00:00Z")),
		prefetchRecord("c1", "NOTEPAD.EXE", "N1", tsAt("2023-05-01T13:00:00Z")),
	}
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, recs); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search(ctx, SearchRequest{CaseID: "c1", Query: "ransom"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Key != "RANSOM.EXE|R1" {
		t.Fatalf("hits = %+v", hits)
	}

	// Case-insensitive, both terms required.
	hits, err = s.Search(ctx, SearchRequest{CaseID: "c1", Query: "RANSOM notepad"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("conjunctive search returned %d hits", len(hits))
	}

	// Other cases are invisible.
	hits, err = s.Search(ctx, SearchRequest{CaseID: "c2", Query: "ransom"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("cross-case search returned %d hits", len(hits))
	}
}

func TestSearchCrossCategoryChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pf := []artifact.Record{prefetchRecord("c1", "EVIL.EXE", "E1", tsAt("2023-05-02T12:00:00Z"))}
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, pf); err != nil {
		t.Fatal(err)
	}
	visit := tsAt("2023-05-01T12:00:00Z")
	br := artifact.Record{
		CaseID:     "c1",
		Category:   artifact.CategoryBrowser,
		SourceTool: "history",
		Timestamp:  visit,
		Key:        "http://evil.example.com/|1682942400000000",
		Fields: map[string]any{
			"url": "http://evil.example.com/",
			"ts":  visit.Format(time.RFC3339),
		},
	}
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryBrowser, []artifact.Record{br}); err != nil {
		t.Fatal(err)
	}

	// The earlier browser visit must come first even though prefetch is
	// queried ahead of browser.
	hits, err := s.Search(ctx, SearchRequest{CaseID: "c1", Query: "evil"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].Category != artifact.CategoryBrowser || hits[1].Category != artifact.CategoryPrefetch {
		t.Fatalf("order: %s, %s", hits[0].Category, hits[1].Category)
	}

	// The cap keeps the chronologically first match.
	hits, err = s.Search(ctx, SearchRequest{CaseID: "c1", Query: "evil", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Category != artifact.CategoryBrowser {
		t.Fatalf("capped hits = %+v", hits)
	}
}

func TestFetchCategoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []artifact.Record{
		prefetchRecord("c1", "LATER.EXE", "L", tsAt("2023-05-02T12:00:00Z")),
		prefetchRecord("c1", "NOTS.EXE", "N", nil),
		prefetchRecord("c1", "EARLIER.EXE", "E", tsAt("2023-05-01T12:00:00Z")),
	}
	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch, recs); err != nil {
		t.Fatal(err)
	}

	hits, err := s.FetchCategory(ctx, "c1", artifact.CategoryPrefetch, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].Key != "EARLIER.EXE|E" || hits[1].Key != "LATER.EXE|L" {
		t.Fatalf("order: %q, %q, %q", hits[0].Key, hits[1].Key, hits[2].Key)
	}
	if hits[2].Timestamp != nil {
		t.Fatal("untimestamped record must sort last")
	}
	if hits[0].Fields["executable_name"] != "EARLIER.EXE" {
		t.Fatalf("document fields lost: %+v", hits[0].Fields)
	}
}

func TestDeleteCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ReplaceCategory(ctx, "c1", artifact.CategoryPrefetch,
		[]artifact.Record{prefetchRecord("c1", "A.EXE", "1", nil)}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCase(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCase: %v", err)
	}
	counts, err := s.Counts(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	for cat, n := range counts {
		if n != 0 {
			t.Fatalf("%s count = %d after delete", cat, n)
		}
	}
}
