package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	searchCategories []string
	searchLimit      int
)

var searchCmd = &cobra.Command{
	Use:   "search <case-id> <query>",
	Short: "Full-text search across a case's artifacts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.facade.SearchArtifacts(cmd.Context(), args[0], args[1], searchCategories, searchLimit)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var (
	timelineStart      string
	timelineEnd        string
	timelineCategories []string
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <case-id>",
	Short: "Build a chronological artifact timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		start, err := parseTimeFlag(timelineStart)
		if err != nil {
			return err
		}
		end, err := parseTimeFlag(timelineEnd)
		if err != nil {
			return err
		}

		res, err := app.facade.GetTimeline(cmd.Context(), args[0], start, end, timelineCategories)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <case-id>",
	Short: "Show per-category record counts and routing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.facade.GetCaseStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var suspiciousCmd = &cobra.Command{
	Use:   "suspicious <case-id>",
	Short: "Scan a case for suspicious activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.facade.FindSuspiciousActivity(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchCategories, "categories", nil, "restrict to these categories")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum records to return")

	timelineCmd.Flags().StringVar(&timelineStart, "start", "", "RFC3339 lower bound")
	timelineCmd.Flags().StringVar(&timelineEnd, "end", "", "RFC3339 upper bound")
	timelineCmd.Flags().StringSliceVar(&timelineCategories, "categories", nil, "restrict to these categories")
}

func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q (expected RFC3339): %w", s, err)
	}
	u := t.UTC()
	return &u, nil
}
