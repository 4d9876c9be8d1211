package artifact

import (
	"strings"
	"testing"
	"time"
)

func TestParseCategory(t *testing.T) {
	for _, name := range []string{"prefetch", "eventlog", "registry", "browser", "lnk"} {
		cat, err := ParseCategory(name)
		if err != nil {
			t.Fatalf("ParseCategory(%q): %v", name, err)
		}
		if string(cat) != name {
			t.Fatalf("ParseCategory(%q) = %q", name, cat)
		}
	}
	if _, err := ParseCategory("memdump"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestIndexAndTableNames(t *testing.T) {
	if got := CategoryPrefetch.IndexName(); got != "forensic-prefetch" {
		t.Fatalf("IndexName = %q", got)
	}
	if got := CategoryBrowser.TableName(); got != "browser_history" {
		t.Fatalf("browser TableName = %q", got)
	}
	if got := CategoryLNK.TableName(); got != "lnk_files" {
		t.Fatalf("lnk TableName = %q", got)
	}
}

func TestDocIDDeterministic(t *testing.T) {
	a := Record{CaseID: "c1", Category: CategoryPrefetch, Key: "CMD.EXE|ABC123"}
	b := Record{CaseID: "c1", Category: CategoryPrefetch, Key: "CMD.EXE|ABC123"}
	if a.DocID() != b.DocID() {
		t.Fatal("same identity must produce the same doc id")
	}
	if len(a.DocID()) != 24 {
		t.Fatalf("doc id length = %d", len(a.DocID()))
	}

	c := Record{CaseID: "c2", Category: CategoryPrefetch, Key: "CMD.EXE|ABC123"}
	if a.DocID() == c.DocID() {
		t.Fatal("different cases must not collide")
	}
	d := Record{CaseID: "c1", Category: CategoryEventLog, Key: "CMD.EXE|ABC123"}
	if a.DocID() == d.DocID() {
		t.Fatal("different categories must not collide")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate short = %q", got)
	}
	long := strings.Repeat("x", MaxMessageLen+50)
	if got := Truncate(long, MaxMessageLen); len(got) != MaxMessageLen {
		t.Fatalf("truncated length = %d", len(got))
	}
}

func TestTimestampString(t *testing.T) {
	var r Record
	if r.TimestampString() != nil {
		t.Fatal("nil timestamp must serialize as nil")
	}
	ts := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	r.Timestamp = &ts
	if got := r.TimestampString(); got != "2023-05-01T12:00:00Z" {
		t.Fatalf("TimestampString = %v", got)
	}
}

func TestChromeTime(t *testing.T) {
	unix := int64(1600000000)
	micros := (unix + 11644473600) * 1e6
	got := ChromeTime(micros)
	if got == nil {
		t.Fatal("expected a timestamp")
	}
	if want := time.Unix(unix, 0).UTC(); !got.Equal(want) {
		t.Fatalf("ChromeTime = %v, want %v", got, want)
	}
	if ChromeTime(0) != nil {
		t.Fatal("zero must be nil")
	}
	if ChromeTime(123) != nil {
		t.Fatal("pre-epoch values must be nil")
	}
}

func TestFirefoxTime(t *testing.T) {
	unix := int64(1600000000)
	got := FirefoxTime(unix * 1e6)
	if got == nil {
		t.Fatal("expected a timestamp")
	}
	if want := time.Unix(unix, 0).UTC(); !got.Equal(want) {
		t.Fatalf("FirefoxTime = %v, want %v", got, want)
	}
	if FirefoxTime(-1) != nil {
		t.Fatal("negative must be nil")
	}
}

func TestParseToolTime(t *testing.T) {
	cases := []string{
		"2023-05-01T12:00:00Z",
		"2023-05-01 12:00:00",
		"2023-05-01 12:00:00.0000000",
		"5/1/2023 12:00:00",
	}
	want := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range cases {
		got := ParseToolTime(s)
		if got == nil || !got.Equal(want) {
			t.Fatalf("ParseToolTime(%q) = %v, want %v", s, got, want)
		}
	}
	if ParseToolTime("") != nil {
		t.Fatal("empty must be nil")
	}
	if ParseToolTime("not a time") != nil {
		t.Fatal("garbage must be nil")
	}
}
