package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"forensiq/internal/query"
)

// ToolCallValidationError reports a tool call whose arguments did not
// match the tool's schema. It is fed back to the model as an error
// result rather than aborting the investigation.
type ToolCallValidationError struct {
	Tool   string
	Reason string
}

func (e *ToolCallValidationError) Error() string {
	return fmt.Sprintf("invalid call to %s: %s", e.Tool, e.Reason)
}

// Tool is one callable investigation operation.
type Tool struct {
	Name        string
	Description string
	Schema      ToolSchema
	Execute     func(ctx context.Context, args map[string]any) (any, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Tool       string
	Output     string
	IsError    bool
	DurationMs int64
}

// Registry holds the tools exposed to the model.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the API-side tool list, sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates args against the tool's schema and runs it. Schema
// violations and execution failures come back as error results so the
// loop can report them to the model instead of stopping.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage, timeout time.Duration) ToolResult {
	start := time.Now()
	result := ToolResult{Tool: name}
	finish := func() ToolResult {
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	tool, ok := r.Get(name)
	if !ok {
		result.IsError = true
		result.Output = fmt.Sprintf("unknown tool %q", name)
		return finish()
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			result.IsError = true
			result.Output = (&ToolCallValidationError{Tool: name, Reason: "arguments are not a JSON object"}).Error()
			return finish()
		}
	}

	if err := validateArgs(tool, args); err != nil {
		result.IsError = true
		result.Output = err.Error()
		return finish()
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := tool.Execute(ctx, args)
	if err != nil {
		result.IsError = true
		result.Output = err.Error()
		return finish()
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		result.IsError = true
		result.Output = fmt.Sprintf("encode result: %v", err)
		return finish()
	}
	result.Output = string(encoded)
	return finish()
}

func validateArgs(tool *Tool, args map[string]any) error {
	for _, req := range tool.Schema.Required {
		v, ok := args[req]
		if !ok || v == nil {
			return &ToolCallValidationError{Tool: tool.Name, Reason: fmt.Sprintf("missing required argument %q", req)}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return &ToolCallValidationError{Tool: tool.Name, Reason: fmt.Sprintf("required argument %q is empty", req)}
		}
	}
	for name, v := range args {
		prop, ok := tool.Schema.Properties[name]
		if !ok {
			return &ToolCallValidationError{Tool: tool.Name, Reason: fmt.Sprintf("unexpected argument %q", name)}
		}
		if err := checkType(name, &prop, v); err != nil {
			return &ToolCallValidationError{Tool: tool.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkType(name string, prop *SchemaProperty, v any) error {
	if v == nil {
		return nil
	}
	switch prop.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("argument %q must be a string", name)
		}
	case "integer", "number":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("argument %q must be a number", name)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean", name)
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("argument %q must be an array", name)
		}
		if prop.Items != nil {
			for _, it := range items {
				if err := checkType(name+"[]", prop.Items, it); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// stringArg fetches an optional string argument.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg fetches an optional integer argument with a default.
func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

// stringsArg fetches an optional string-array argument.
func stringsArg(args map[string]any, key string) []string {
	items, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// timeArg parses an optional RFC3339 timestamp argument.
func timeArg(args map[string]any, key string) (*time.Time, error) {
	s := stringArg(args, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("argument %q must be RFC3339 (got %q)", key, s)
	}
	u := t.UTC()
	return &u, nil
}

var categoryProperty = SchemaProperty{
	Type:        "array",
	Description: "Limit to these artifact categories.",
	Items: &SchemaProperty{
		Type: "string",
		Enum: []string{"prefetch", "eventlog", "registry", "browser", "lnk"},
	},
}

// CaseTools builds the investigation tool set bound to one case.
func CaseTools(facade *query.Facade, caseID string) *Registry {
	r := NewRegistry()

	r.Register(&Tool{
		Name:        "search_artifacts",
		Description: "Full-text search across the case's forensic artifacts. Returns matching records in chronological order.",
		Schema: ToolSchema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"query":      {Type: "string", Description: "Search terms. All terms must match."},
				"categories": categoryProperty,
				"limit":      {Type: "integer", Description: "Maximum records to return (default 50)."},
			},
			Required: []string{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return facade.SearchArtifacts(ctx, caseID, stringArg(args, "query"), stringsArg(args, "categories"), intArg(args, "limit", 50))
		},
	})

	r.Register(&Tool{
		Name:        "get_timeline",
		Description: "Build a chronological timeline of artifact records, optionally bounded by a time range.",
		Schema: ToolSchema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"start_time": {Type: "string", Description: "RFC3339 lower bound, inclusive."},
				"end_time":   {Type: "string", Description: "RFC3339 upper bound, inclusive."},
				"categories": categoryProperty,
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			start, err := timeArg(args, "start_time")
			if err != nil {
				return nil, err
			}
			end, err := timeArg(args, "end_time")
			if err != nil {
				return nil, err
			}
			return facade.GetTimeline(ctx, caseID, start, end, stringsArg(args, "categories"))
		},
	})

	r.Register(&Tool{
		Name:        "analyze_program_execution",
		Description: "Profile a program's execution evidence: prefetch runs, related event-log entries, and shortcuts.",
		Schema: ToolSchema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"executable": {Type: "string", Description: "Executable name or fragment, e.g. RANSOM.EXE."},
			},
			Required: []string{"executable"},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return facade.AnalyzeProgramExecution(ctx, caseID, stringArg(args, "executable"))
		},
	})

	r.Register(&Tool{
		Name:        "analyze_web_activity",
		Description: "Summarize browser history with per-domain visit counts, optionally filtered to a domain or URL fragment.",
		Schema: ToolSchema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"filter": {Type: "string", Description: "Domain or URL substring to filter visits."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return facade.AnalyzeWebActivity(ctx, caseID, stringArg(args, "filter"))
		},
	})

	r.Register(&Tool{
		Name:        "find_suspicious_activity",
		Description: "Scan the case for suspicious indicators: security event IDs, failed logon bursts, and execution from unusual paths.",
		Schema:      ToolSchema{Type: "object", Properties: map[string]SchemaProperty{}},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return facade.FindSuspiciousActivity(ctx, caseID)
		},
	})

	r.Register(&Tool{
		Name:        "get_case_stats",
		Description: "Report the case's per-category record counts, status, and store routing mode.",
		Schema:      ToolSchema{Type: "object", Properties: map[string]SchemaProperty{}},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return facade.GetCaseStats(ctx, caseID)
		},
	})

	return r
}
