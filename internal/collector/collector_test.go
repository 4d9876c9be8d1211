package collector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"forensiq/internal/artifact"
)

func TestParseFLSLine(t *testing.T) {
	cases := []struct {
		line  string
		inode string
		path  string
		ok    bool
	}{
		{"r/r 12345-128-1:\tWindows/Prefetch/CMD.EXE-AB12CD34.pf", "12345", "Windows/Prefetch/CMD.EXE-AB12CD34.pf", true},
		{"r/r 67890:\tUsers/bob/NTUSER.DAT", "67890", "Users/bob/NTUSER.DAT", true},
		{"d/d 123:\tUsers/bob", "", "", false},
		{"r/r * 555-128-1:\tWindows/deleted.tmp", "", "", false},
		{"garbage line", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		e, ok := parseFLSLine(tc.line)
		if ok != tc.ok {
			t.Fatalf("parseFLSLine(%q) ok = %v", tc.line, ok)
		}
		if ok && (e.inode != tc.inode || e.path != tc.path) {
			t.Fatalf("parseFLSLine(%q) = %+v", tc.line, e)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{
		"Windows/Prefetch/*.pf",
		"Users/*/NTUSER.DAT",
		"Users/*/AppData/Roaming/Mozilla/Firefox/Profiles/*/places.sqlite",
	}
	cases := map[string]bool{
		"Windows/Prefetch/CMD.EXE-AB12CD34.pf":                               true,
		"Windows/Prefetch/sub/evil.pf":                                       false,
		"Users/bob/NTUSER.DAT":                                               true,
		"Users/bob/Desktop/NTUSER.DAT":                                       false,
		`Users\alice\NTUSER.DAT`:                                             true,
		"Users/bob/AppData/Roaming/Mozilla/Firefox/Profiles/x1.default/places.sqlite": true,
		"Windows/System32/config/SYSTEM":                                     false,
	}
	for p, want := range cases {
		if got := matchAny(patterns, p); got != want {
			t.Fatalf("matchAny(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestStagedName(t *testing.T) {
	cases := map[string]string{
		"Windows/Prefetch/CMD.EXE-AB12CD34.pf": "CMD.EXE-AB12CD34.pf",
		"Users/bob/NTUSER.DAT":                 "bob_NTUSER.DAT",
		"Users/alice/AppData/Local/Google/Chrome/User Data/Default/History": "alice_History",
		`Users\bob\Desktop\run.lnk`: "bob_run.lnk",
	}
	for in, want := range cases {
		if got := stagedName(in); got != want {
			t.Fatalf("stagedName(%q) = %q, want %q", in, got, want)
		}
	}
}

func fakeBinary(t *testing.T, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries need a POSIX shell")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestFindPartitionPicksLargestNTFS(t *testing.T) {
	// Sizes in 512-byte sectors: the recovery partition is too small, the
	// second NTFS partition is the one to carve.
	out := `DOS Partition Table
Offset Sector: 0
Units are in 512-byte sectors

      Slot      Start        End          Length       Description
000:  Meta      0000000000   0000000000   0000000001   Primary Table (#0)
001:  -------   0000000000   0000002047   0000002048   Unallocated
002:  000:000   0000002048   0001050623   0001048576   NTFS / exFAT (0x07)
003:  000:001   0001050624   0063522815   0062472192   NTFS / exFAT (0x07)
`
	fakeBinary(t, "mmls-fake", "cat <<'EOF'\n"+out+"EOF\n")

	c := &Collector{MMLS: "mmls-fake", Timeout: 5 * time.Second}
	offset, err := c.findPartition(context.Background(), "/images/test.dd")
	if err != nil {
		t.Fatalf("findPartition: %v", err)
	}
	if offset != 1050624 {
		t.Fatalf("offset = %d, want 1050624", offset)
	}
}

func TestFindPartitionBareFilesystem(t *testing.T) {
	fakeBinary(t, "mmls-bare", "echo 'Cannot determine partition type' >&2\nexit 1\n")
	c := &Collector{MMLS: "mmls-bare", Timeout: 5 * time.Second}
	offset, err := c.findPartition(context.Background(), "/images/volume.dd")
	if err != nil {
		t.Fatalf("findPartition: %v", err)
	}
	if offset != 0 {
		t.Fatalf("offset = %d, want 0 for bare filesystem", offset)
	}
}

func TestCollectStagesMatchesAndWritesManifest(t *testing.T) {
	fakeBinary(t, "mmls-x", "echo 'Cannot determine partition type' >&2\nexit 1\n")
	fakeBinary(t, "fls-x", `cat <<'EOF'
r/r 101-128-1:	Windows/Prefetch/CMD.EXE-AB12CD34.pf
r/r 102-128-1:	Windows/System32/notepad.exe
d/d 103:	Users/bob
EOF
`)
	fakeBinary(t, "icat-x", "printf 'carved bytes'\n")

	image := filepath.Join(t.TempDir(), "test.dd")
	if err := os.WriteFile(image, []byte("img"), 0644); err != nil {
		t.Fatal(err)
	}

	staging := t.TempDir()
	c := &Collector{
		StagingDir: staging,
		MMLS:       "mmls-x",
		FLS:        "fls-x",
		ICAT:       "icat-x",
		Patterns:   map[string][]string{"prefetch": {"Windows/Prefetch/*.pf"}},
		Timeout:    5 * time.Second,
	}

	res, err := c.Collect(context.Background(), "case-7", image)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("staged %d files, want 1: %+v", len(res.Files), res.Files)
	}
	f := res.Files[0]
	if f.Category != artifact.CategoryPrefetch {
		t.Fatalf("category = %q", f.Category)
	}
	if f.ImagePath != "Windows/Prefetch/CMD.EXE-AB12CD34.pf" {
		t.Fatalf("image path = %q", f.ImagePath)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatalf("staged file: %v", err)
	}
	if string(data) != "carved bytes" {
		t.Fatalf("staged content = %q", data)
	}

	manifest, err := os.ReadFile(filepath.Join(staging, "case-7", "manifest.json"))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	for _, want := range []string{`"partition_offset": 0`, `"image_path": "Windows/Prefetch/CMD.EXE-AB12CD34.pf"`} {
		if !strings.Contains(string(manifest), want) {
			t.Fatalf("manifest missing %s:\n%s", want, manifest)
		}
	}
}

func TestWatcherDeliversSettledDrops(t *testing.T) {
	root := t.TempDir()
	caseDir := filepath.Join(root, "case-42", "prefetch")
	if err := os.MkdirAll(caseDir, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(root)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	target := filepath.Join(caseDir, "CMD.EXE-AB12CD34.pf")
	if err := os.WriteFile(target, []byte("prefetch bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case drop := <-w.Drops():
		if drop.CaseID != "case-42" {
			t.Fatalf("case = %q", drop.CaseID)
		}
		if drop.Category != artifact.CategoryPrefetch {
			t.Fatalf("category = %q", drop.Category)
		}
		if drop.Path != target {
			t.Fatalf("path = %q", drop.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drop never delivered")
	}
}

func TestWatcherIgnoresUnclassifiablePaths(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Not under <case>/<category>/: must be dropped silently.
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case drop := <-w.Drops():
		t.Fatalf("unexpected drop: %+v", drop)
	case <-time.After(1500 * time.Millisecond):
	}
}
