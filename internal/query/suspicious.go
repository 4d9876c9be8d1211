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

// Severity levels for suspicious findings, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Finding is one suspicious-activity hit.
type Finding struct {
	Severity  string         `json:"severity"`
	Category  string         `json:"category"`
	Reason    string         `json:"reason"`
	Key       string         `json:"key"`
	Timestamp *time.Time     `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// SuspiciousReport is the output of FindSuspiciousActivity.
type SuspiciousReport struct {
	Findings []Finding `json:"findings"`
	Warnings []string  `json:"warnings,omitempty"`
}

type eventRule struct {
	severity string
	reason   string
}

// Security-relevant Windows event IDs and what they indicate.
var eventRules = map[int]eventRule{
	1102: {SeverityCritical, "audit log cleared"},
	4625: {SeverityMedium, "failed logon attempt"},
	4648: {SeverityMedium, "logon with explicit credentials"},
	4672: {SeverityLow, "special privileges assigned to logon"},
	4688: {SeverityLow, "process creation"},
	4697: {SeverityHigh, "service installed on system"},
	7036: {SeverityLow, "service state change"},
	7045: {SeverityHigh, "new service installed"},
	4104: {SeverityHigh, "powershell script block logged"},
}

// Path fragments that mark execution from writable user locations.
var suspiciousPathFragments = []string{
	"\\temp\\",
	"\\tmp\\",
	"\\downloads\\",
	"\\appdata\\local\\temp",
	"\\$recycle.bin\\",
	"\\recycler\\",
	"\\public\\",
	"\\programdata\\",
}

// File name keywords tied to known attack tooling or ransomware staging.
var suspiciousKeywords = []string{
	"mimikatz",
	"lazagne",
	"pwdump",
	"procdump",
	"psexec",
	"netcat",
	"ransom",
	"crypt",
	"keylog",
	"rat.exe",
}

// Locations where the fragments above are expected and benign.
var benignPathPrefixes = []string{
	"\\windows\\system32",
	"\\windows\\syswow64",
	"\\windows\\winsxs",
	"\\program files",
}

// repeatedLogonWindow is the window in which clustered failed logons
// escalate to a brute-force finding.
const repeatedLogonWindow = time.Minute

// repeatedLogonThreshold is the minimum cluster size that escalates.
const repeatedLogonThreshold = 3

// FindSuspiciousActivity applies a fixed rule set over the case's records:
// security-relevant event IDs, brute-force logon clusters, and execution
// from user-writable or tool-named paths. The rules are deterministic so
// the same loaded data always yields the same findings.
func (f *Facade) FindSuspiciousActivity(ctx context.Context, caseID string) (*SuspiciousReport, error) {
	st, _, err := f.router.ForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	report := &SuspiciousReport{}

	fetch := func(cat artifact.Category) []store.Hit {
		hits, err := st.FetchCategory(ctx, caseID, cat, fetchLimit)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("category %s unavailable: %v", cat, err))
			return nil
		}
		return hits
	}

	seen := make(map[string]struct{})
	add := func(fd Finding) {
		dedup := fd.Reason + "|" + fd.Category + "|" + fd.Key
		if _, ok := seen[dedup]; ok {
			return
		}
		seen[dedup] = struct{}{}
		report.Findings = append(report.Findings, fd)
	}

	events := fetch(artifact.CategoryEventLog)
	var failedLogons []time.Time
	for i := range events {
		h := &events[i]
		id := asInt(h.Fields["event_id"])
		rule, ok := eventRules[id]
		if !ok {
			continue
		}
		if id == 4625 && h.Timestamp != nil {
			failedLogons = append(failedLogons, *h.Timestamp)
		}
		add(Finding{
			Severity:  rule.severity,
			Category:  string(artifact.CategoryEventLog),
			Reason:    rule.reason,
			Key:       h.Key,
			Timestamp: h.Timestamp,
			Details: map[string]any{
				"event_id": id,
				"channel":  h.Fields["channel"],
				"message":  h.Fields["message"],
			},
		})
	}

	if cluster, at := logonCluster(failedLogons); cluster >= repeatedLogonThreshold {
		t := at
		add(Finding{
			Severity:  SeverityHigh,
			Category:  string(artifact.CategoryEventLog),
			Reason:    "repeated failed logons within one minute",
			Key:       fmt.Sprintf("4625-burst-%s", t.UTC().Format(time.RFC3339)),
			Timestamp: &t,
			Details:   map[string]any{"count": cluster, "window": repeatedLogonWindow.String()},
		})
	}

	for _, h := range fetch(artifact.CategoryPrefetch) {
		name, _ := h.Fields["executable_name"].(string)
		paths := []string{name}
		if files, ok := h.Fields["files_loaded"].([]any); ok {
			for _, fl := range files {
				if s, ok := fl.(string); ok {
					paths = append(paths, s)
				}
			}
		}
		if sev, reason, hit := pathVerdict(paths); hit {
			add(Finding{
				Severity:  sev,
				Category:  string(artifact.CategoryPrefetch),
				Reason:    reason,
				Key:       h.Key,
				Timestamp: h.Timestamp,
				Details:   map[string]any{"executable_name": name},
			})
		}
	}

	for _, h := range fetch(artifact.CategoryLNK) {
		target, _ := h.Fields["target_path"].(string)
		if sev, reason, hit := pathVerdict([]string{target}); hit {
			add(Finding{
				Severity:  sev,
				Category:  string(artifact.CategoryLNK),
				Reason:    reason,
				Key:       h.Key,
				Timestamp: h.Timestamp,
				Details:   map[string]any{"target_path": target},
			})
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		a, b := &report.Findings[i], &report.Findings[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] < severityRank[b.Severity]
		}
		at, bt := findingTime(a), findingTime(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Key < b.Key
	})

	logging.Query("suspicious scan for case %s: %d findings", caseID, len(report.Findings))
	return report, nil
}

// logonCluster returns the size of the largest group of failed logons
// inside the escalation window and the time of its first event.
func logonCluster(times []time.Time) (int, time.Time) {
	if len(times) == 0 {
		return 0, time.Time{}
	}
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	best, bestAt := 1, sorted[0]
	lo := 0
	for hi := range sorted {
		for sorted[hi].Sub(sorted[lo]) > repeatedLogonWindow {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best, bestAt = n, sorted[lo]
		}
	}
	return best, bestAt
}

// pathVerdict inspects paths for tool keywords and user-writable
// execution locations; system directories are exempt.
func pathVerdict(paths []string) (severity, reason string, hit bool) {
	for _, p := range paths {
		lp := strings.ToLower(strings.ReplaceAll(p, "/", "\\"))
		if lp == "" {
			continue
		}
		for _, kw := range suspiciousKeywords {
			if strings.Contains(lp, kw) {
				return SeverityHigh, fmt.Sprintf("name matches attack tooling keyword %q", kw), true
			}
		}
		if benignPath(lp) {
			continue
		}
		for _, frag := range suspiciousPathFragments {
			if strings.Contains(lp, frag) {
				return SeverityMedium, fmt.Sprintf("execution from user-writable path (%s)", strings.Trim(frag, "\\")), true
			}
		}
	}
	return "", "", false
}

func benignPath(lowered string) bool {
	trimmed := lowered
	if len(trimmed) > 2 && trimmed[1] == ':' {
		trimmed = trimmed[2:]
	}
	trimmed = strings.TrimPrefix(trimmed, "\\volume{")
	for _, prefix := range benignPathPrefixes {
		if strings.Contains(trimmed, prefix) {
			return true
		}
	}
	return false
}

func findingTime(f *Finding) time.Time {
	if f.Timestamp == nil {
		return time.Time{}
	}
	return *f.Timestamp
}
