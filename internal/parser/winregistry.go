package parser

import (
	"bufio"
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

// RegistryParser normalizes Windows registry values. The external tool
// walks a hive file and emits one JSON object per value, one per line.
type RegistryParser struct {
	tool   string
	runner *Runner
}

// NewRegistryParser creates the registry variant around the given tool.
func NewRegistryParser(tool string, runner *Runner) *RegistryParser {
	return &RegistryParser{tool: tool, runner: runner}
}

func (p *RegistryParser) Name() string        { return p.tool }
func (p *RegistryParser) Description() string { return "Windows registry values" }

func (p *RegistryParser) Category() artifact.Category { return artifact.CategoryRegistry }
func (p *RegistryParser) TargetIndex() string         { return artifact.CategoryRegistry.IndexName() }

type registryRow struct {
	KeyPath       string  `json:"KeyPath"`
	ValueName     *string `json:"ValueName"`
	ValueType     *string `json:"ValueType"`
	ValueData     *string `json:"ValueData"`
	LastWriteTime string  `json:"LastWriteTimestamp"`
}

// Parse runs the tool per staged hive and normalizes each JSON line.
func (p *RegistryParser) Parse(ctx context.Context, stagedPaths []string, caseID string) (*Result, error) {
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

		hive := hiveType(path)

		scanner := bufio.NewScanner(bytes.NewReader(out))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var row registryRow
			if err := json.Unmarshal(line, &row); err != nil {
				logging.ParserWarn("registry: skipping malformed line in %s: %v", path, err)
				result.Skipped++
				continue
			}
			rec, err := normalizeRegistry(&row, hive, caseID, path, p.tool, now)
			if err != nil {
				logging.ParserWarn("registry: skipping row in %s: %v", path, err)
				result.Skipped++
				continue
			}
			result.Records = append(result.Records, rec)
		}
		if err := scanner.Err(); err != nil {
			return nil, &ParseFormatError{Path: path, Reason: "reading tool output", Err: err}
		}
	}

	logging.Parser("registry: %d records, %d skipped (case %s)", len(result.Records), result.Skipped, caseID)
	return result, nil
}

// normalizeRegistry is the pure mapping step from one registry value row
// to the canonical record.
func normalizeRegistry(row *registryRow, hive, caseID, sourcePath, tool string, parsedAt time.Time) (artifact.Record, error) {
	keyPath := strings.TrimSpace(row.KeyPath)
	if keyPath == "" {
		return artifact.Record{}, fmt.Errorf("missing KeyPath")
	}

	ts := artifact.ParseToolTime(row.LastWriteTime)
	valueName := strptr(row.ValueName)

	rec := artifact.Record{
		CaseID:     caseID,
		Category:   artifact.CategoryRegistry,
		SourceTool: tool,
		SourcePath: sourcePath,
		Timestamp:  ts,
		Key:        keyPath + "|" + valueName,
		Fields: map[string]any{
			"hive":          nilIfEmpty(hive),
			"key_path":      artifact.Truncate(keyPath, artifact.MaxKeyPathLen),
			"value_name":    nilIfEmpty(valueName),
			"value_type":    nilIfEmpty(strptr(row.ValueType)),
			"value_data":    nilIfEmpty(artifact.Truncate(strptr(row.ValueData), artifact.MaxValueDataLen)),
			"last_modified": rec2ts(ts),
			"key_category":  keyCategory(keyPath),
		},
	}
	rec.Fields["ts"] = rec.TimestampString()
	rec.Fields["_meta"] = rec.Meta(parsedAt)
	return rec, nil
}

// hiveType derives the hive kind from the staged file name.
func hiveType(path string) string {
	base := strings.ToUpper(filepath.Base(path))
	switch {
	case strings.HasPrefix(base, "NTUSER"):
		return "NTUSER"
	case strings.HasPrefix(base, "USRCLASS"):
		return "USRCLASS"
	case base == "SYSTEM":
		return "SYSTEM"
	case base == "SOFTWARE":
		return "SOFTWARE"
	case base == "SAM":
		return "SAM"
	case base == "SECURITY":
		return "SECURITY"
	default:
		return ""
	}
}

// keyCategory buckets a key path for triage. Heuristic, not a taxonomy:
// autorun locations, service definitions, installed software, network
// configuration, everything else.
func keyCategory(keyPath string) string {
	lower := strings.ToLower(keyPath)
	switch {
	case strings.Contains(lower, "\\run") || strings.Contains(lower, "currentversion\\run"):
		return "autorun"
	case strings.Contains(lower, "\\services"):
		return "services"
	case strings.Contains(lower, "\\uninstall"):
		return "installed_software"
	case strings.Contains(lower, "\\network") || strings.Contains(lower, "\\tcpip"):
		return "network"
	default:
		return "other"
	}
}

func rec2ts(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
