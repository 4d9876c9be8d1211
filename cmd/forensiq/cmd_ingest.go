package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"forensiq/internal/artifact"
	"forensiq/internal/loader"
)

var (
	ingestImage  string
	ingestStaged string
	ingestCase   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Parse and load artifacts for a case",
	Long: `Ingest loads a case's artifacts into the store. With --image the
artifacts are first carved out of the disk image; with --staged they are
read from a directory laid out as <dir>/<category>/<files>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (ingestImage == "") == (ingestStaged == "") {
			return fmt.Errorf("exactly one of --image or --staged is required")
		}

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		caseID := ingestCase
		if caseID == "" {
			caseID = loader.NewCaseID()
			fmt.Printf("assigned case id %s\n", caseID)
		}

		ctx := cmd.Context()
		var staged map[artifact.Category][]string
		if ingestImage != "" {
			res, err := newCollector().Collect(ctx, caseID, ingestImage)
			if err != nil {
				return err
			}
			fmt.Printf("staged %d files from %s\n", len(res.Files), ingestImage)
			staged = res.ByCategory()
		} else {
			staged, err = scanStagedDir(ingestStaged)
			if err != nil {
				return err
			}
		}

		if len(staged) == 0 {
			return fmt.Errorf("no artifact files found to ingest")
		}

		summary, err := app.pipeline.Ingest(ctx, caseID, ingestImage, staged)
		if err != nil {
			return err
		}
		printSummary(summary)
		if summary.Failed() {
			return fmt.Errorf("ingestion completed with failed categories")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestImage, "image", "", "disk image to carve artifacts from")
	ingestCmd.Flags().StringVar(&ingestStaged, "staged", "", "directory of pre-staged artifact files")
	ingestCmd.Flags().StringVar(&ingestCase, "case", "", "case id (generated when omitted)")
}

// scanStagedDir maps <dir>/<category>/* files to categories.
func scanStagedDir(dir string) (map[artifact.Category][]string, error) {
	out := make(map[artifact.Category][]string)
	for _, cat := range artifact.AllCategories() {
		catDir := filepath.Join(dir, string(cat))
		entries, err := os.ReadDir(catDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			out[cat] = append(out[cat], filepath.Join(catDir, e.Name()))
		}
	}
	return out, nil
}

func printSummary(s *loader.Summary) {
	cats := make([]artifact.Category, 0, len(s.Categories))
	for cat := range s.Categories {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	fmt.Printf("case %s (routing: %s)\n", s.CaseID, s.Routing)
	for _, cat := range cats {
		cs := s.Categories[cat]
		if cs.Err != nil {
			fmt.Printf("  %-10s FAILED: %v\n", cat, cs.Err)
			continue
		}
		fmt.Printf("  %-10s %d records loaded, %d rows skipped\n", cat, cs.Written, cs.Skipped)
	}
}

// reingestDrop re-ingests one category directory after a watched drop.
func reingestDrop(ctx context.Context, app *app, caseID string, cat artifact.Category, catDir string) error {
	staged, err := scanStagedDir(filepath.Dir(catDir))
	if err != nil {
		return err
	}
	paths := staged[cat]
	if len(paths) == 0 {
		return fmt.Errorf("no files in %s", catDir)
	}
	summary, err := app.pipeline.Ingest(ctx, caseID, "", map[artifact.Category][]string{cat: paths})
	if err != nil {
		return err
	}
	if cs := summary.Categories[cat]; cs.Err != nil {
		return cs.Err
	}
	return nil
}
