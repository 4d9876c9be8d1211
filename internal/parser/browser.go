package parser

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"

	_ "modernc.org/sqlite"
)

// BrowserParser normalizes browser history. Unlike the other variants it
// needs no external tool: Chrome, Edge and Firefox keep history in SQLite
// databases, read here directly in read-only mode.
type BrowserParser struct{}

// NewBrowserParser creates the browser-history variant.
func NewBrowserParser() *BrowserParser { return &BrowserParser{} }

func (p *BrowserParser) Name() string        { return "browser-sqlite" }
func (p *BrowserParser) Description() string { return "Browser history from Chrome/Edge/Firefox databases" }

func (p *BrowserParser) Category() artifact.Category { return artifact.CategoryBrowser }
func (p *BrowserParser) TargetIndex() string         { return artifact.CategoryBrowser.IndexName() }

type browserRow struct {
	browser     string
	url         string
	title       sql.NullString
	visitCount  sql.NullInt64
	typedCount  sql.NullInt64
	visitMicros sql.NullInt64
	fromVisit   sql.NullInt64
}

// Parse opens each staged history database, detects its schema, and
// normalizes every visit row. Rows that fail to scan are skipped.
func (p *BrowserParser) Parse(ctx context.Context, stagedPaths []string, caseID string) (*Result, error) {
	result := &Result{}
	now := time.Now()

	for _, path := range stagedPaths {
		if err := p.parseFile(ctx, path, caseID, now, result); err != nil {
			return nil, err
		}
	}

	logging.Parser("browser: %d records, %d skipped (case %s)", len(result.Records), result.Skipped, caseID)
	return result, nil
}

func (p *BrowserParser) parseFile(ctx context.Context, path, caseID string, now time.Time, result *Result) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&immutable=1", path))
	if err != nil {
		return &ParseFormatError{Path: path, Reason: "opening history database", Err: err}
	}
	defer db.Close()

	browser, query, err := detectSchema(ctx, db, path)
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(path), "edge") && browser == "chrome" {
		browser = "edge"
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return &ParseFormatError{Path: path, Reason: "querying history database", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var r browserRow
		r.browser = browser
		if err := rows.Scan(&r.url, &r.title, &r.visitCount, &r.typedCount, &r.visitMicros, &r.fromVisit); err != nil {
			logging.ParserWarn("browser: skipping row in %s: %v", path, err)
			result.Skipped++
			continue
		}
		rec, err := normalizeBrowser(&r, caseID, path, now)
		if err != nil {
			logging.ParserWarn("browser: skipping row in %s: %v", path, err)
			result.Skipped++
			continue
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return &ParseFormatError{Path: path, Reason: "reading history rows", Err: err}
	}
	return nil
}

const chromeHistoryQuery = `
SELECT u.url, u.title, u.visit_count, u.typed_count, v.visit_time, v.from_visit
FROM urls u JOIN visits v ON v.url = u.id`

const firefoxHistoryQuery = `
SELECT p.url, p.title, p.visit_count, NULL, h.visit_date, h.from_visit
FROM moz_places p JOIN moz_historyvisits h ON h.place_id = p.id`

// detectSchema identifies the browser family from the table layout.
func detectSchema(ctx context.Context, db *sql.DB, path string) (string, string, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('urls','moz_places') LIMIT 1`).Scan(&name)
	if err == sql.ErrNoRows {
		return "", "", &ParseFormatError{Path: path, Reason: "not a recognized history database"}
	}
	if err != nil {
		return "", "", &ParseFormatError{Path: path, Reason: "inspecting history schema", Err: err}
	}
	if name == "urls" {
		return "chrome", chromeHistoryQuery, nil
	}
	return "firefox", firefoxHistoryQuery, nil
}

// normalizeBrowser is the pure mapping step from one visit row to the
// canonical record.
func normalizeBrowser(row *browserRow, caseID, sourcePath string, parsedAt time.Time) (artifact.Record, error) {
	if strings.TrimSpace(row.url) == "" {
		return artifact.Record{}, fmt.Errorf("missing url")
	}

	var ts *time.Time
	if row.visitMicros.Valid {
		if row.browser == "firefox" {
			ts = artifact.FirefoxTime(row.visitMicros.Int64)
		} else {
			ts = artifact.ChromeTime(row.visitMicros.Int64)
		}
	}

	visitKey := int64(0)
	if row.visitMicros.Valid {
		visitKey = row.visitMicros.Int64
	}

	rec := artifact.Record{
		CaseID:     caseID,
		Category:   artifact.CategoryBrowser,
		SourceTool: "browser-sqlite",
		SourcePath: sourcePath,
		Timestamp:  ts,
		Key:        fmt.Sprintf("%s|%d", row.url, visitKey),
		Fields: map[string]any{
			"browser":     row.browser,
			"url":         row.url,
			"domain":      nilIfEmpty(domainOf(row.url)),
			"title":       nullStr(row.title),
			"visit_count": nullInt(row.visitCount),
			"typed_count": nullInt(row.typedCount),
			"from_visit":  nullInt(row.fromVisit),
		},
	}
	rec.Fields["ts"] = rec.TimestampString()
	rec.Fields["_meta"] = rec.Meta(parsedAt)
	return rec, nil
}

// domainOf extracts the host from a URL, empty when unparseable.
func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func nullStr(v sql.NullString) any {
	if !v.Valid || v.String == "" {
		return nil
	}
	return v.String
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}
