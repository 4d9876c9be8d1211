package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
)

// PrefetchParser normalizes Windows prefetch records. The external tool
// decodes the binary .pf layout and emits one CSV row per prefetch file on
// stdout.
type PrefetchParser struct {
	tool   string
	runner *Runner
}

// NewPrefetchParser creates the prefetch variant around the given tool.
func NewPrefetchParser(tool string, runner *Runner) *PrefetchParser {
	return &PrefetchParser{tool: tool, runner: runner}
}

func (p *PrefetchParser) Name() string        { return p.tool }
func (p *PrefetchParser) Description() string { return "Windows prefetch execution evidence" }

func (p *PrefetchParser) Category() artifact.Category { return artifact.CategoryPrefetch }
func (p *PrefetchParser) TargetIndex() string         { return artifact.CategoryPrefetch.IndexName() }

// Parse runs the tool per staged file and normalizes each CSV row.
func (p *PrefetchParser) Parse(ctx context.Context, stagedPaths []string, caseID string) (*Result, error) {
	result := &Result{}
	now := time.Now()

	for _, path := range stagedPaths {
		out, err := p.runner.Run(ctx, p.tool, "-f", path, "--csv", "-")
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(out)) == 0 {
			continue
		}

		header, rows, err := readCSV(out, path)
		if err != nil {
			return nil, err
		}
		for {
			row, err := rows()
			if err == io.EOF {
				break
			}
			if err != nil {
				logging.ParserWarn("prefetch: skipping malformed row in %s: %v", path, err)
				result.Skipped++
				continue
			}
			rec, err := normalizePrefetch(asRow(header, row), caseID, path, p.tool, now)
			if err != nil {
				logging.ParserWarn("prefetch: skipping row in %s: %v", path, err)
				result.Skipped++
				continue
			}
			result.Records = append(result.Records, rec)
		}
	}

	logging.Parser("prefetch: %d records, %d skipped (case %s)", len(result.Records), result.Skipped, caseID)
	return result, nil
}

// normalizePrefetch is the pure mapping step from one CSV row to the
// canonical record. No I/O; absent source fields become explicit nils.
func normalizePrefetch(row map[string]string, caseID, sourcePath, tool string, parsedAt time.Time) (artifact.Record, error) {
	exe := strings.TrimSpace(row["ExecutableName"])
	if exe == "" {
		return artifact.Record{}, fmt.Errorf("missing ExecutableName")
	}

	runCount := 0
	if v := row["RunCount"]; v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return artifact.Record{}, fmt.Errorf("bad RunCount %q", v)
		}
		runCount = n
	}

	lastRun := artifact.ParseToolTime(row["LastRun"])

	// Up to eight run times: LastRun plus PreviousRun0..6.
	runTimes := make([]any, 0, 8)
	if lastRun != nil {
		runTimes = append(runTimes, lastRun.Format(time.RFC3339))
	}
	for i := 0; i < 7; i++ {
		if t := artifact.ParseToolTime(row[fmt.Sprintf("PreviousRun%d", i)]); t != nil {
			runTimes = append(runTimes, t.Format(time.RFC3339))
		}
	}

	filesLoaded := splitList(row["FilesLoaded"])
	if len(filesLoaded) > artifact.MaxFilesLoaded {
		filesLoaded = filesLoaded[:artifact.MaxFilesLoaded]
	}

	rec := artifact.Record{
		CaseID:     caseID,
		Category:   artifact.CategoryPrefetch,
		SourceTool: tool,
		SourcePath: sourcePath,
		Timestamp:  lastRun,
		Key:        exe + "|" + strings.TrimSpace(row["Hash"]),
		Fields: map[string]any{
			"executable_name": exe,
			"executable_path": nilIfEmpty(artifact.Truncate(row["SourceFilename"], artifact.MaxPathLen)),
			"prefetch_hash":   nilIfEmpty(strings.TrimSpace(row["Hash"])),
			"run_count":       runCount,
			"run_times":       runTimes,
			"files_loaded":    toAnySlice(filesLoaded),
			"volume_serial":   nilIfEmpty(strings.TrimSpace(row["Volume0Serial"])),
		},
	}
	rec.Fields["ts"] = rec.TimestampString()
	rec.Fields["_meta"] = rec.Meta(parsedAt)
	return rec, nil
}

// readCSV validates the header and returns a row iterator. A short or
// empty header is ParseFormatError; per-row field-count mismatches surface
// as row errors the caller skips.
func readCSV(data []byte, path string) ([]string, func() ([]string, error), error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, &ParseFormatError{Path: path, Reason: "missing CSV header", Err: err}
	}
	if len(header) < 2 {
		return nil, nil, &ParseFormatError{Path: path, Reason: fmt.Sprintf("header has %d columns", len(header))}
	}

	next := func() ([]string, error) {
		row, err := reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, err // recoverable: caller skips the row
			}
			return nil, err
		}
		return row, nil
	}
	return header, next, nil
}

func asRow(header, row []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(row) {
			m[strings.TrimSpace(h)] = row[i]
		}
	}
	return m
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	sep := ","
	if strings.Contains(s, "|") {
		sep = "|"
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// nilIfEmpty maps an absent source field to an explicit null rather than
// an empty string, so downstream consumers can tell "absent" from "empty".
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
