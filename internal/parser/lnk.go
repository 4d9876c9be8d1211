package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
)

// LNKParser normalizes Windows shortcut files. The external tool decodes
// the binary .lnk layout and emits one JSON object per shortcut.
type LNKParser struct {
	tool   string
	runner *Runner
}

// NewLNKParser creates the shortcut variant around the given tool.
func NewLNKParser(tool string, runner *Runner) *LNKParser {
	return &LNKParser{tool: tool, runner: runner}
}

func (p *LNKParser) Name() string        { return p.tool }
func (p *LNKParser) Description() string { return "Windows shortcut (LNK) files" }

func (p *LNKParser) Category() artifact.Category { return artifact.CategoryLNK }
func (p *LNKParser) TargetIndex() string         { return artifact.CategoryLNK.IndexName() }

type lnkRow struct {
	SourceFile       string  `json:"SourceFile"`
	TargetPath       *string `json:"LocalPath"`
	Arguments        *string `json:"Arguments"`
	WorkingDirectory *string `json:"WorkingDirectory"`
	MachineID        *string `json:"MachineID"`
	DriveType        *string `json:"DriveType"`
	TargetAccessed   string  `json:"TargetAccessed"`
	SourceAccessed   string  `json:"SourceAccessed"`
	SourceModified   string  `json:"SourceModified"`
	SourceCreated    string  `json:"SourceCreated"`
}

// Parse runs the tool per staged shortcut and normalizes each object.
func (p *LNKParser) Parse(ctx context.Context, stagedPaths []string, caseID string) (*Result, error) {
	result := &Result{}
	now := time.Now()

	for _, path := range stagedPaths {
		out, err := p.runner.Run(ctx, p.tool, "-f", path, "--json", "-")
		if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(out)
		if len(trimmed) == 0 {
			continue
		}

		var rowsOut []lnkRow
		if trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &rowsOut); err != nil {
				return nil, &ParseFormatError{Path: path, Reason: "decoding JSON array", Err: err}
			}
		} else if trimmed[0] == '{' {
			var one lnkRow
			if err := json.Unmarshal(trimmed, &one); err != nil {
				return nil, &ParseFormatError{Path: path, Reason: "decoding JSON object", Err: err}
			}
			rowsOut = []lnkRow{one}
		} else {
			return nil, &ParseFormatError{Path: path, Reason: "expected JSON output"}
		}

		for i := range rowsOut {
			if rowsOut[i].SourceFile == "" {
				rowsOut[i].SourceFile = path
			}
			rec, err := normalizeLNK(&rowsOut[i], caseID, path, p.tool, now)
			if err != nil {
				logging.ParserWarn("lnk: skipping entry in %s: %v", path, err)
				result.Skipped++
				continue
			}
			result.Records = append(result.Records, rec)
		}
	}

	logging.Parser("lnk: %d records, %d skipped (case %s)", len(result.Records), result.Skipped, caseID)
	return result, nil
}

// normalizeLNK is the pure mapping step from one shortcut entry to the
// canonical record. Timestamp preference: target accessed, then source
// accessed, then source modified.
func normalizeLNK(row *lnkRow, caseID, sourcePath, tool string, parsedAt time.Time) (artifact.Record, error) {
	if strings.TrimSpace(row.SourceFile) == "" {
		return artifact.Record{}, fmt.Errorf("missing SourceFile")
	}

	ts := artifact.ParseToolTime(row.TargetAccessed)
	if ts == nil {
		ts = artifact.ParseToolTime(row.SourceAccessed)
	}
	if ts == nil {
		ts = artifact.ParseToolTime(row.SourceModified)
	}

	target := strptr(row.TargetPath)
	rec := artifact.Record{
		CaseID:     caseID,
		Category:   artifact.CategoryLNK,
		SourceTool: tool,
		SourcePath: sourcePath,
		Timestamp:  ts,
		Key:        row.SourceFile,
		Fields: map[string]any{
			"name":        shortcutName(row.SourceFile),
			"target_path": nilIfEmpty(artifact.Truncate(target, artifact.MaxPathLen)),
			"target_ext":  nilIfEmpty(strings.TrimPrefix(strings.ToLower(filepath.Ext(target)), ".")),
			"arguments":   nilIfEmpty(artifact.Truncate(strptr(row.Arguments), artifact.MaxArgumentsLen)),
			"working_dir": nilIfEmpty(strptr(row.WorkingDirectory)),
			"machine_id":  nilIfEmpty(strptr(row.MachineID)),
			"drive_type":  nilIfEmpty(strptr(row.DriveType)),
			"created":     nilTime(artifact.ParseToolTime(row.SourceCreated)),
		},
	}
	rec.Fields["ts"] = rec.TimestampString()
	rec.Fields["_meta"] = rec.Meta(parsedAt)
	return rec, nil
}

func shortcutName(sourceFile string) string {
	base := filepath.Base(sourceFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func nilTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
