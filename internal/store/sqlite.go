package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the relational fallback store. It also owns the case
// registry (id, status, routing), which must stay reachable even when the
// primary store is down.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// categoryColumns maps each category to its promoted natural-key/search
// columns. The full normalized document is kept alongside as JSON so reads
// reproduce the exact record shape.
var categoryColumns = map[artifact.Category][]string{
	artifact.CategoryPrefetch: {"executable_name"},
	artifact.CategoryEventLog: {"event_id", "channel"},
	artifact.CategoryRegistry: {"key_path", "value_name"},
	artifact.CategoryBrowser:  {"url"},
	artifact.CategoryLNK:      {"target_path"},
}

// NewSQLiteStore initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("SQLite store ready at %s", path)
	return s, nil
}

// initialize creates the case registry and one table per category.
func (s *SQLiteStore) initialize() error {
	casesTable := `
	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		image_path TEXT,
		status TEXT NOT NULL DEFAULT 'processing',
		routing TEXT NOT NULL DEFAULT 'fallback',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.Exec(casesTable); err != nil {
		return fmt.Errorf("failed to create cases table: %w", err)
	}

	for _, cat := range artifact.AllCategories() {
		table := cat.TableName()
		cols := ""
		for _, c := range categoryColumns[cat] {
			typ := "TEXT"
			if c == "event_id" {
				typ = "INTEGER"
			}
			cols += fmt.Sprintf("%s %s,\n", c, typ)
		}
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id TEXT NOT NULL,
			natural_key TEXT NOT NULL,
			ts DATETIME,
			%s
			doc TEXT NOT NULL,
			UNIQUE(case_id, natural_key)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_case ON %s(case_id);
		CREATE INDEX IF NOT EXISTS idx_%s_case_%s ON %s(case_id, %s);
		`, table, cols, table, table, table, categoryColumns[cat][0], table, categoryColumns[cat][0])
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- case registry ---

// EnsureCase inserts the case row if absent.
func (s *SQLiteStore) EnsureCase(ctx context.Context, info CaseInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cases (case_id, image_path, status, routing) VALUES (?, ?, ?, ?)`,
		info.ID, info.ImagePath, orDefault(info.Status, artifact.StatusProcessing), orDefault(info.Routing, artifact.RoutingFallback))
	if err != nil {
		return &QueryError{Op: "ensure case", CaseID: info.ID, Err: err}
	}
	return nil
}

// GetCase returns the case row, or CaseNotFoundError.
func (s *SQLiteStore) GetCase(ctx context.Context, caseID string) (*CaseInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var info CaseInfo
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT case_id, COALESCE(image_path,''), status, routing, created_at FROM cases WHERE case_id = ?`,
		caseID).Scan(&info.ID, &info.ImagePath, &info.Status, &info.Routing, &created)
	if err == sql.ErrNoRows {
		return nil, &CaseNotFoundError{CaseID: caseID}
	}
	if err != nil {
		return nil, &QueryError{Op: "get case", CaseID: caseID, Err: err}
	}
	if t, perr := time.Parse("2006-01-02 15:04:05", created); perr == nil {
		info.CreatedAt = t.UTC()
	}
	return &info, nil
}

// ListCases returns all cases, newest first.
func (s *SQLiteStore) ListCases(ctx context.Context) ([]CaseInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id, COALESCE(image_path,''), status, routing FROM cases ORDER BY created_at DESC`)
	if err != nil {
		return nil, &QueryError{Op: "list cases", Err: err}
	}
	defer rows.Close()

	var out []CaseInfo
	for rows.Next() {
		var info CaseInfo
		if err := rows.Scan(&info.ID, &info.ImagePath, &info.Status, &info.Routing); err != nil {
			return nil, &QueryError{Op: "list cases", Err: err}
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SetCaseStatus updates the case lifecycle status.
func (s *SQLiteStore) SetCaseStatus(ctx context.Context, caseID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE cases SET status = ? WHERE case_id = ?`, status, caseID)
	if err != nil {
		return &QueryError{Op: "set status", CaseID: caseID, Err: err}
	}
	return nil
}

// SetCaseRouting records which store the case's data lives in.
func (s *SQLiteStore) SetCaseRouting(ctx context.Context, caseID, routing string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE cases SET routing = ? WHERE case_id = ?`, routing, caseID)
	if err != nil {
		return &QueryError{Op: "set routing", CaseID: caseID, Err: err}
	}
	return nil
}

// DeleteCaseInfo removes the case registry row.
func (s *SQLiteStore) DeleteCaseInfo(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE case_id = ?`, caseID)
	if err != nil {
		return &QueryError{Op: "delete case", CaseID: caseID, Err: err}
	}
	return nil
}

// --- artifact data ---

// ReplaceCategory swaps the case+category partition inside one
// transaction: the partition is either its old state or fully new.
func (s *SQLiteStore) ReplaceCategory(ctx context.Context, caseID string, cat artifact.Category, recs []artifact.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := cat.TableName()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE case_id = ?`, table), caseID); err != nil {
		return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
	}

	cols := categoryColumns[cat]
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 4+len(cols)), ", ")
	insert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (case_id, natural_key, ts, %s, doc) VALUES (%s)`,
		table, strings.Join(cols, ", "), placeholders)

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
	}
	defer stmt.Close()

	written := 0
	for i := range recs {
		rec := &recs[i]
		doc, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
		}

		args := []any{caseID, rec.Key, rec.TimestampString()}
		for _, c := range cols {
			args = append(args, promoted(rec.Fields[c]))
		}
		args = append(args, string(doc))

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
	}

	logging.Store("replaced %s/%s: %d records", caseID, cat, written)
	return written, nil
}

// Search matches every query term against the stored document JSON.
// Matching is case-insensitive substring per term, all terms must match.
func (s *SQLiteStore) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cats := req.Categories
	if len(cats) == 0 {
		cats = artifact.AllCategories()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	terms := strings.Fields(strings.ToLower(req.Query))
	var out []Hit
	for _, cat := range cats {
		where := "case_id = ?"
		args := []any{req.CaseID}
		for _, t := range terms {
			where += " AND lower(doc) LIKE ?"
			args = append(args, "%"+t+"%")
		}
		args = append(args, limit)

		q := fmt.Sprintf(`SELECT natural_key, ts, doc FROM %s WHERE %s ORDER BY ts IS NULL, ts LIMIT ?`,
			cat.TableName(), where)
		hits, err := s.scanHits(ctx, cat, q, args...)
		if err != nil {
			return nil, &QueryError{Op: "search", CaseID: req.CaseID, Err: err}
		}
		out = append(out, hits...)
	}

	// Merge the per-category slices into one chronological sequence
	// before capping, so the limit keeps the earliest matches rather
	// than whichever category was queried first.
	sort.Slice(out, func(i, j int) bool {
		return hitBefore(&out[i], &out[j])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// hitBefore orders hits chronologically, timestamped before untimestamped,
// with category then natural key breaking ties.
func hitBefore(a, b *Hit) bool {
	switch {
	case a.Timestamp == nil && b.Timestamp != nil:
		return false
	case a.Timestamp != nil && b.Timestamp == nil:
		return true
	case a.Timestamp != nil && b.Timestamp != nil && !a.Timestamp.Equal(*b.Timestamp):
		return a.Timestamp.Before(*b.Timestamp)
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Key < b.Key
}

// FetchCategory returns the category's records, timestamped ones first in
// chronological order.
func (s *SQLiteStore) FetchCategory(ctx context.Context, caseID string, cat artifact.Category, limit int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10000
	}
	q := fmt.Sprintf(`SELECT natural_key, ts, doc FROM %s WHERE case_id = ? ORDER BY ts IS NULL, ts, natural_key LIMIT ?`,
		cat.TableName())
	hits, err := s.scanHits(ctx, cat, q, caseID, limit)
	if err != nil {
		return nil, &QueryError{Op: "fetch " + string(cat), CaseID: caseID, Err: err}
	}
	return hits, nil
}

// Counts returns per-category record counts.
func (s *SQLiteStore) Counts(ctx context.Context, caseID string) (map[artifact.Category]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[artifact.Category]int, 5)
	for _, cat := range artifact.AllCategories() {
		var n int
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE case_id = ?`, cat.TableName())
		if err := s.db.QueryRowContext(ctx, q, caseID).Scan(&n); err != nil {
			return nil, &QueryError{Op: "counts", CaseID: caseID, Err: err}
		}
		out[cat] = n
	}
	return out, nil
}

// DeleteCase removes every record of the case from all category tables.
func (s *SQLiteStore) DeleteCase(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &QueryError{Op: "delete case data", CaseID: caseID, Err: err}
	}
	defer tx.Rollback()

	for _, cat := range artifact.AllCategories() {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE case_id = ?`, cat.TableName()), caseID); err != nil {
			return &QueryError{Op: "delete case data", CaseID: caseID, Err: err}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanHits(ctx context.Context, cat artifact.Category, query string, args ...any) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var key string
		var ts sql.NullString
		var doc string
		if err := rows.Scan(&key, &ts, &doc); err != nil {
			return nil, err
		}

		hit := Hit{Category: cat, Key: key}
		if ts.Valid && ts.String != "" {
			if t, perr := time.Parse(time.RFC3339, ts.String); perr == nil {
				u := t.UTC()
				hit.Timestamp = &u
			}
		}
		if err := json.Unmarshal([]byte(doc), &hit.Fields); err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

// promoted converts a document field value into a column value.
func promoted(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, int, int64, float64:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
