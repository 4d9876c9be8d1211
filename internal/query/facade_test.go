package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forensiq/internal/artifact"
	"forensiq/internal/store"
)

func newTestFacade(t *testing.T) (*Facade, *store.SQLiteStore) {
	t.Helper()
	sqlite, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return New(store.NewRouter(nil, sqlite)), sqlite
}

func record(caseID string, cat artifact.Category, key string, ts *time.Time, fields map[string]any) artifact.Record {
	r := artifact.Record{CaseID: caseID, Category: cat, Key: key, Timestamp: ts, Fields: fields}
	r.Fields["ts"] = r.TimestampString()
	return r
}

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	u := t.UTC()
	return &u
}

func seedCase(t *testing.T, sqlite *store.SQLiteStore, caseID string, recs ...artifact.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sqlite.EnsureCase(ctx, store.CaseInfo{ID: caseID, Status: artifact.StatusReady}))
	byCat := make(map[artifact.Category][]artifact.Record)
	for _, r := range recs {
		byCat[r.Category] = append(byCat[r.Category], r)
	}
	for cat, cr := range byCat {
		_, err := sqlite.ReplaceCategory(ctx, caseID, cat, cr)
		require.NoError(t, err)
	}
}

func TestSearchArtifactsUnknownCase(t *testing.T) {
	f, _ := newTestFacade(t)
	_, err := f.SearchArtifacts(context.Background(), "ghost", "anything", nil, 10)
	var notFound *store.CaseNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSearchArtifacts(t *testing.T) {
	f, sqlite := newTestFacade(t)
	seedCase(t, sqlite, "c1",
		record("c1", artifact.CategoryPrefetch, "RANSOM.EXE|R", at("2023-05-01T12:00:00Z"),
			map[string]any{"executable_name": "RANSOM.EXE"}),
		record("c1", artifact.CategoryPrefetch, "CALC.EXE|C", at("2023-05-01T13:00:00Z"),
			map[string]any{"executable_name": "CALC.EXE"}),
	)

	res, err := f.SearchArtifacts(context.Background(), "c1", "ransom", nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "prefetch", res.Hits[0]["category"])
	assert.Equal(t, "RANSOM.EXE", res.Hits[0]["executable_name"])
	assert.Equal(t, "2023-05-01T12:00:00Z", res.Hits[0]["timestamp"])
}

func TestSearchArtifactsRejectsBadCategory(t *testing.T) {
	f, sqlite := newTestFacade(t)
	seedCase(t, sqlite, "c1")
	_, err := f.SearchArtifacts(context.Background(), "c1", "x", []string{"memdump"}, 10)
	require.Error(t, err)
}

func TestGetTimelineOrderingAndBounds(t *testing.T) {
	f, sqlite := newTestFacade(t)
	shared := "2023-05-01T12:00:00Z"
	seedCase(t, sqlite, "c1",
		// Two records at the identical instant: ties break by category
		// then key.
		record("c1", artifact.CategoryPrefetch, "B.EXE|1", at(shared), map[string]any{"executable_name": "B.EXE"}),
		record("c1", artifact.CategoryEventLog, "Security|5", at(shared), map[string]any{"event_id": 4688}),
		record("c1", artifact.CategoryEventLog, "Security|4", at(shared), map[string]any{"event_id": 4672}),
		record("c1", artifact.CategoryEventLog, "Security|9", at("2023-05-01T11:00:00Z"), map[string]any{"event_id": 4624}),
		// No timestamp: excluded from the timeline entirely.
		record("c1", artifact.CategoryLNK, "orphan.lnk", nil, map[string]any{"name": "orphan"}),
	)

	res, err := f.GetTimeline(context.Background(), "c1", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 4)

	assert.Equal(t, "Security|9", res.Events[0].Key)
	// At the shared instant: eventlog < prefetch, then key order.
	assert.Equal(t, "Security|4", res.Events[1].Key)
	assert.Equal(t, "Security|5", res.Events[2].Key)
	assert.Equal(t, "B.EXE|1", res.Events[3].Key)

	// Identical calls return identical order.
	again, err := f.GetTimeline(context.Background(), "c1", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, res.Events, again.Events)

	// Bounds are inclusive.
	res, err = f.GetTimeline(context.Background(), "c1", at(shared), at(shared), nil)
	require.NoError(t, err)
	assert.Len(t, res.Events, 3)

	res, err = f.GetTimeline(context.Background(), "c1", nil, nil, []string{"eventlog"})
	require.NoError(t, err)
	assert.Len(t, res.Events, 3)
}

func TestAnalyzeProgramExecution(t *testing.T) {
	f, sqlite := newTestFacade(t)
	seedCase(t, sqlite, "c1",
		record("c1", artifact.CategoryPrefetch, "RANSOM.EXE|R", at("2023-05-01T12:00:00Z"), map[string]any{
			"executable_name": "RANSOM.EXE",
			"run_count":       float64(4),
			"run_times":       []any{"2023-05-01T12:00:00Z", "2023-04-30T09:00:00Z"},
			"files_loaded":    []any{`\WINDOWS\SYSTEM32\CRYPT32.DLL`},
		}),
		record("c1", artifact.CategoryEventLog, "Security|7", at("2023-05-01T12:01:00Z"), map[string]any{
			"event_id": 4688,
			"message":  `A new process has been created: C:\Users\bob\Downloads\ransom.exe`,
		}),
		record("c1", artifact.CategoryEventLog, "Security|8", at("2023-05-01T12:02:00Z"), map[string]any{
			"event_id": 4688,
			"message":  "unrelated process",
		}),
		record("c1", artifact.CategoryLNK, "recent/ransom.lnk", at("2023-05-01T12:03:00Z"), map[string]any{
			"name":        "ransom",
			"target_path": `C:\Users\bob\Downloads\ransom.exe`,
		}),
	)

	p, err := f.AnalyzeProgramExecution(context.Background(), "c1", "ransom.exe")
	require.NoError(t, err)

	assert.Equal(t, 4, p.RunCount)
	assert.Len(t, p.Prefetch, 1)
	assert.Len(t, p.Events, 1, "matching is substring on the message")
	assert.Len(t, p.Shortcuts, 1)
	require.NotNil(t, p.FirstSeen)
	require.NotNil(t, p.LastSeen)
	assert.Equal(t, "2023-04-30T09:00:00Z", p.FirstSeen.Format(time.RFC3339), "run_times extend the range")
	assert.Equal(t, "2023-05-01T12:03:00Z", p.LastSeen.Format(time.RFC3339))
	assert.Contains(t, p.FilesLoaded, `\WINDOWS\SYSTEM32\CRYPT32.DLL`)
}

func TestAnalyzeProgramExecutionRequiresName(t *testing.T) {
	f, sqlite := newTestFacade(t)
	seedCase(t, sqlite, "c1")
	_, err := f.AnalyzeProgramExecution(context.Background(), "c1", "   ")
	require.Error(t, err)
}

func TestAnalyzeWebActivity(t *testing.T) {
	f, sqlite := newTestFacade(t)
	var recs []artifact.Record
	for i := 0; i < 3; i++ {
		recs = append(recs, record("c1", artifact.CategoryBrowser,
			fmt.Sprintf("https://evil.example.com/p%d|%d", i, i), at(fmt.Sprintf("2023-05-01T12:0%d:00Z", i)),
			map[string]any{"url": fmt.Sprintf("https://evil.example.com/p%d", i), "domain": "evil.example.com"}))
	}
	recs = append(recs, record("c1", artifact.CategoryBrowser, "https://news.example.org/|9", at("2023-05-01T13:00:00Z"),
		map[string]any{"url": "https://news.example.org/", "domain": "news.example.org"}))
	seedCase(t, sqlite, "c1", recs...)

	res, err := f.AnalyzeWebActivity(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalVisits)
	require.Len(t, res.TopDomains, 2)
	assert.Equal(t, "evil.example.com", res.TopDomains[0].Domain, "most visited first")
	assert.Equal(t, 3, res.TopDomains[0].Visits)
	assert.Equal(t, "2023-05-01T12:00:00Z", res.TopDomains[0].FirstVisit.Format(time.RFC3339))
	assert.Equal(t, "2023-05-01T12:02:00Z", res.TopDomains[0].LastVisit.Format(time.RFC3339))

	res, err = f.AnalyzeWebActivity(context.Background(), "c1", "news")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalVisits)
}

func TestGetCaseStats(t *testing.T) {
	f, sqlite := newTestFacade(t)
	seedCase(t, sqlite, "c1",
		record("c1", artifact.CategoryPrefetch, "A.EXE|1", nil, map[string]any{"executable_name": "A.EXE"}),
		record("c1", artifact.CategoryLNK, "a.lnk", nil, map[string]any{"name": "a"}),
		record("c1", artifact.CategoryLNK, "b.lnk", nil, map[string]any{"name": "b"}),
	)

	stats, err := f.GetCaseStats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", stats.CaseID)
	assert.Equal(t, artifact.StatusReady, stats.Status)
	assert.Equal(t, artifact.RoutingFallback, stats.Routing)
	assert.Equal(t, 1, stats.Counts["prefetch"])
	assert.Equal(t, 2, stats.Counts["lnk"])
	assert.Equal(t, 3, stats.Total)

	_, err = f.GetCaseStats(context.Background(), "ghost")
	var notFound *store.CaseNotFoundError
	require.True(t, errors.As(err, &notFound))
}
