package artifact

import (
	"strings"
	"time"
)

// Seconds between the Windows/WebKit epoch (1601-01-01) and the Unix epoch.
const windowsToUnixSeconds = 11644473600

// ChromeTime converts a Chrome/Edge history timestamp (microseconds since
// 1601-01-01) to UTC. Returns nil for zero or pre-Unix-epoch values.
func ChromeTime(micros int64) *time.Time {
	if micros <= 0 {
		return nil
	}
	unix := micros/1e6 - windowsToUnixSeconds
	if unix <= 0 {
		return nil
	}
	t := time.Unix(unix, (micros%1e6)*1000).UTC()
	return &t
}

// FirefoxTime converts a Firefox places timestamp (microseconds since the
// Unix epoch) to UTC. Returns nil for zero values.
func FirefoxTime(micros int64) *time.Time {
	if micros <= 0 {
		return nil
	}
	t := time.Unix(micros/1e6, (micros%1e6)*1000).UTC()
	return &t
}

// Filetime converts a Windows FILETIME (100ns ticks since 1601) to
// UTC. Registry and shortcut tools sometimes emit raw FILETIME values.
func Filetime(ticks int64) *time.Time {
	if ticks <= 0 {
		return nil
	}
	unixNanos := (ticks - windowsToUnixSeconds*1e7) * 100
	if unixNanos <= 0 {
		return nil
	}
	t := time.Unix(0, unixNanos).UTC()
	return &t
}

// toolTimeLayouts covers the timestamp formats the external tools emit.
var toolTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.0000000",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.0000000",
	"1/2/2006 15:04:05",
}

// ParseToolTime parses a timestamp string from tool output into UTC.
// Empty and unparseable values yield nil; the caller decides whether that
// counts as a skipped row.
func ParseToolTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range toolTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
