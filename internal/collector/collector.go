// Package collector stages artifact files out of raw disk images using
// The Sleuth Kit (mmls, fls, icat) and watches drop directories for
// pre-staged artifacts.
package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
)

const sectorSize = 512

// minPartitionBytes filters out recovery and boot partitions when
// picking the filesystem to carve.
const minPartitionBytes = 1 << 30

// Collector extracts artifact files from disk images into a staging
// directory, one subdirectory per case and category.
type Collector struct {
	StagingDir string
	MMLS       string
	FLS        string
	ICAT       string
	Patterns   map[string][]string
	Timeout    time.Duration
}

// StagedFile is one extracted artifact file.
type StagedFile struct {
	Category  artifact.Category `json:"category"`
	ImagePath string            `json:"image_path"`
	Path      string            `json:"staged_path"`
}

// Result summarizes one collection run.
type Result struct {
	PartitionOffset int64        `json:"partition_offset"`
	Files           []StagedFile `json:"files"`
}

// ByCategory groups the staged file paths per category.
func (r *Result) ByCategory() map[artifact.Category][]string {
	out := make(map[artifact.Category][]string)
	for _, f := range r.Files {
		out[f.Category] = append(out[f.Category], f.Path)
	}
	return out
}

// Collect carves the configured artifact patterns out of the image's
// main NTFS partition into StagingDir/<caseID>/<category>/.
func (c *Collector) Collect(ctx context.Context, caseID, imagePath string) (*Result, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("disk image: %w", err)
	}

	offset, err := c.findPartition(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	logging.Collector("case %s: carving partition at sector offset %d", caseID, offset)

	entries, err := c.listFiles(ctx, imagePath, offset)
	if err != nil {
		return nil, err
	}
	logging.CollectorDebug("case %s: %d filesystem entries listed", caseID, len(entries))

	result := &Result{PartitionOffset: offset}
	for _, cat := range artifact.AllCategories() {
		patterns := c.Patterns[string(cat)]
		if len(patterns) == 0 {
			continue
		}
		for _, e := range entries {
			if !matchAny(patterns, e.path) {
				continue
			}
			dest, err := c.extract(ctx, caseID, cat, imagePath, offset, e)
			if err != nil {
				logging.Collector("case %s: extract %s failed: %v", caseID, e.path, err)
				continue
			}
			result.Files = append(result.Files, StagedFile{Category: cat, ImagePath: e.path, Path: dest})
		}
	}

	sort.Slice(result.Files, func(i, j int) bool {
		if result.Files[i].Category != result.Files[j].Category {
			return result.Files[i].Category < result.Files[j].Category
		}
		return result.Files[i].ImagePath < result.Files[j].ImagePath
	})
	if err := c.writeManifest(caseID, result); err != nil {
		logging.Collector("case %s: manifest write failed: %v", caseID, err)
	}
	logging.Collector("case %s: staged %d files from %s", caseID, len(result.Files), imagePath)
	return result, nil
}

// writeManifest records what was staged and where each file came from
// inside the image, so staged trees stay auditable after the fact.
func (c *Collector) writeManifest(caseID string, result *Result) error {
	dir := filepath.Join(c.StagingDir, caseID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644)
}

// findPartition runs mmls and picks the largest NTFS partition above
// the size floor.
func (c *Collector) findPartition(ctx context.Context, imagePath string) (int64, error) {
	out, err := c.run(ctx, c.MMLS, imagePath)
	if err != nil {
		// Images without a partition table are a bare filesystem.
		logging.CollectorDebug("mmls failed (%v), treating image as a bare filesystem", err)
		return 0, nil
	}

	var bestOffset int64 = -1
	var bestLength int64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "NTFS") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		start, err1 := strconv.ParseInt(fields[2], 10, 64)
		length, err2 := strconv.ParseInt(fields[4], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if length*sectorSize < minPartitionBytes {
			continue
		}
		if length > bestLength {
			bestOffset, bestLength = start, length
		}
	}
	if bestOffset < 0 {
		return 0, fmt.Errorf("no NTFS partition of at least %d bytes found in %s", int64(minPartitionBytes), imagePath)
	}
	return bestOffset, nil
}

type fsEntry struct {
	inode string
	path  string
}

// listFiles runs one recursive fls listing of the partition.
func (c *Collector) listFiles(ctx context.Context, imagePath string, offset int64) ([]fsEntry, error) {
	out, err := c.run(ctx, c.FLS, "-o", strconv.FormatInt(offset, 10), "-rp", imagePath)
	if err != nil {
		return nil, fmt.Errorf("list filesystem: %w", err)
	}

	var entries []fsEntry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		e, ok := parseFLSLine(scanner.Text())
		if ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	return entries, nil
}

// parseFLSLine parses one "r/r 12345-128-1:<tab>Windows/..." line.
// Deleted entries and directories are skipped.
func parseFLSLine(line string) (fsEntry, bool) {
	if !strings.HasPrefix(line, "r/r ") {
		return fsEntry{}, false
	}
	rest := line[len("r/r "):]
	if strings.HasPrefix(rest, "* ") {
		return fsEntry{}, false
	}
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return fsEntry{}, false
	}
	inode := strings.TrimSpace(rest[:colon])
	// Strip attribute suffix: 12345-128-1 -> 12345
	if dash := strings.Index(inode, "-"); dash > 0 {
		inode = inode[:dash]
	}
	p := strings.TrimSpace(rest[colon+1:])
	if inode == "" || p == "" {
		return fsEntry{}, false
	}
	return fsEntry{inode: inode, path: p}, true
}

// matchAny matches an in-image path against the patterns. Wildcards
// match within a single path segment.
func matchAny(patterns []string, p string) bool {
	norm := strings.ReplaceAll(p, "\\", "/")
	for _, pat := range patterns {
		if ok, err := path.Match(pat, norm); err == nil && ok {
			return true
		}
	}
	return false
}

// extract icats one inode into the staging tree.
func (c *Collector) extract(ctx context.Context, caseID string, cat artifact.Category, imagePath string, offset int64, e fsEntry) (string, error) {
	destDir := filepath.Join(c.StagingDir, caseID, string(cat))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, stagedName(e.path))

	out, err := c.run(ctx, c.ICAT, "-o", strconv.FormatInt(offset, 10), imagePath, e.inode)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, out, 0644); err != nil {
		return "", err
	}
	return dest, nil
}

// stagedName flattens an in-image path to a unique file name so files
// from different users do not collide.
func stagedName(p string) string {
	norm := strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(norm, "/")
	if len(parts) >= 3 && strings.EqualFold(parts[0], "Users") {
		return parts[1] + "_" + parts[len(parts)-1]
	}
	return parts[len(parts)-1]
}

func (c *Collector) run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	bin, err := exec.LookPath(tool)
	if err != nil {
		return nil, fmt.Errorf("tool %s not found: %w", tool, err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out after %s", tool, timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("%s failed: %w (%s)", tool, err, msg)
	}
	return stdout.Bytes(), nil
}
