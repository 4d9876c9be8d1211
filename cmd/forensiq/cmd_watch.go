package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"forensiq/internal/collector"
	"forensiq/internal/logging"
)

var watchDir string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a drop directory and ingest artifacts as they arrive",
	Long: `Watch monitors a directory laid out as <dir>/<case-id>/<category>/ and
re-ingests a case's category whenever a dropped file settles. Runs until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		dir := watchDir
		if dir == "" {
			dir = cfg.Collector.StagingDir
		}

		w, err := collector.NewWatcher(dir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			for drop := range w.Drops() {
				catDir := filepath.Dir(drop.Path)
				if err := reingestDrop(ctx, app, drop.CaseID, drop.Category, catDir); err != nil {
					logging.Loader("watch ingest %s/%s: %v", drop.CaseID, drop.Category, err)
					continue
				}
				fmt.Printf("ingested %s/%s after drop of %s\n",
					drop.CaseID, drop.Category, filepath.Base(drop.Path))
			}
		}()

		fmt.Printf("watching %s (ctrl-c to stop)\n", dir)
		err = w.Run(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "drop directory (defaults to the staging directory)")
}
