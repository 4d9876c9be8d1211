package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
)

// EventLogParser normalizes Windows event log records. The external tool
// decodes .evtx files and emits one JSON object per event, one per line.
type EventLogParser struct {
	tool   string
	runner *Runner
}

// NewEventLogParser creates the eventlog variant around the given tool.
func NewEventLogParser(tool string, runner *Runner) *EventLogParser {
	return &EventLogParser{tool: tool, runner: runner}
}

func (p *EventLogParser) Name() string        { return p.tool }
func (p *EventLogParser) Description() string { return "Windows event log records" }

func (p *EventLogParser) Category() artifact.Category { return artifact.CategoryEventLog }
func (p *EventLogParser) TargetIndex() string         { return artifact.CategoryEventLog.IndexName() }

// eventRow is the raw tool output shape. Optional fields stay pointers so
// normalization can map absence to explicit nulls.
type eventRow struct {
	EventRecordID  int64   `json:"EventRecordId"`
	EventID        int     `json:"EventId"`
	Level          *string `json:"Level"`
	Provider       *string `json:"Provider"`
	Channel        *string `json:"Channel"`
	Computer       *string `json:"Computer"`
	UserID         *string `json:"UserId"`
	TimeCreated    string  `json:"TimeCreated"`
	MapDescription *string `json:"MapDescription"`
	Payload        *string `json:"Payload"`
}

// Parse runs the tool per staged file and normalizes each JSON line.
func (p *EventLogParser) Parse(ctx context.Context, stagedPaths []string, caseID string) (*Result, error) {
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
		if trimmed[0] != '{' {
			return nil, &ParseFormatError{Path: path, Reason: "expected JSON lines output"}
		}

		scanner := bufio.NewScanner(bytes.NewReader(out))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var row eventRow
			if err := json.Unmarshal(line, &row); err != nil {
				logging.ParserWarn("eventlog: skipping malformed line in %s: %v", path, err)
				result.Skipped++
				continue
			}
			rec, err := normalizeEventLog(&row, caseID, path, p.tool, now)
			if err != nil {
				logging.ParserWarn("eventlog: skipping row in %s: %v", path, err)
				result.Skipped++
				continue
			}
			result.Records = append(result.Records, rec)
		}
		if err := scanner.Err(); err != nil {
			return nil, &ParseFormatError{Path: path, Reason: "reading tool output", Err: err}
		}
	}

	logging.Parser("eventlog: %d records, %d skipped (case %s)", len(result.Records), result.Skipped, caseID)
	return result, nil
}

// normalizeEventLog is the pure mapping step from one event row to the
// canonical record.
func normalizeEventLog(row *eventRow, caseID, sourcePath, tool string, parsedAt time.Time) (artifact.Record, error) {
	if row.EventID == 0 && row.EventRecordID == 0 {
		return artifact.Record{}, fmt.Errorf("missing event identifiers")
	}

	ts := artifact.ParseToolTime(row.TimeCreated)

	message := ""
	switch {
	case row.MapDescription != nil && *row.MapDescription != "":
		message = *row.MapDescription
	case row.Payload != nil:
		message = *row.Payload
	}

	channel := strptr(row.Channel)
	rec := artifact.Record{
		CaseID:     caseID,
		Category:   artifact.CategoryEventLog,
		SourceTool: tool,
		SourcePath: sourcePath,
		Timestamp:  ts,
		Key:        fmt.Sprintf("%s|%d", channel, row.EventRecordID),
		Fields: map[string]any{
			"event_id":        row.EventID,
			"event_record_id": row.EventRecordID,
			"level":           nilIfEmpty(normalizeLevel(strptr(row.Level))),
			"provider":        nilIfEmpty(strptr(row.Provider)),
			"channel":         nilIfEmpty(channel),
			"computer":        nilIfEmpty(strptr(row.Computer)),
			"user_sid":        nilIfEmpty(strptr(row.UserID)),
			"message":         nilIfEmpty(artifact.Truncate(message, artifact.MaxMessageLen)),
		},
	}
	rec.Fields["ts"] = rec.TimestampString()
	rec.Fields["_meta"] = rec.Meta(parsedAt)
	return rec, nil
}

// normalizeLevel maps the tool's numeric or named levels onto a single
// vocabulary.
func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "1", "critical":
		return "critical"
	case "2", "error":
		return "error"
	case "3", "warning", "warn":
		return "warning"
	case "4", "0", "information", "info", "loalways":
		return "information"
	case "5", "verbose":
		return "verbose"
	case "":
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(level))
	}
}

func strptr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
