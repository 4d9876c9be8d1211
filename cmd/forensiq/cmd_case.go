package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"forensiq/internal/store"
)

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Manage forensic cases",
}

var caseCreateImage string

var caseCreateCmd = &cobra.Command{
	Use:   "create <case-id>",
	Short: "Register a new case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		info := store.CaseInfo{ID: args[0], ImagePath: caseCreateImage}
		if err := app.sqlite.EnsureCase(cmd.Context(), info); err != nil {
			return err
		}
		fmt.Printf("case %s registered\n", args[0])
		return nil
	},
}

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered cases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		cases, err := app.sqlite.ListCases(cmd.Context())
		if err != nil {
			return err
		}
		if len(cases) == 0 {
			fmt.Println("no cases registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CASE\tSTATUS\tROUTING\tCREATED\tIMAGE")
		for _, c := range cases {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.Status, c.Routing, c.CreatedAt.Format("2006-01-02 15:04"), c.ImagePath)
		}
		return w.Flush()
	},
}

var caseDeleteCmd = &cobra.Command{
	Use:   "delete <case-id>",
	Short: "Delete a case and all its loaded records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		caseID := args[0]
		st, _, err := app.router.ForCase(ctx, caseID)
		if err != nil {
			return err
		}
		if err := st.DeleteCase(ctx, caseID); err != nil {
			return err
		}
		if err := app.sqlite.DeleteCaseInfo(ctx, caseID); err != nil {
			return err
		}
		fmt.Printf("case %s deleted\n", caseID)
		return nil
	},
}

func init() {
	caseCreateCmd.Flags().StringVar(&caseCreateImage, "image", "", "disk image path associated with the case")
	caseCmd.AddCommand(caseCreateCmd)
	caseCmd.AddCommand(caseListCmd)
	caseCmd.AddCommand(caseDeleteCmd)
}

// printJSON renders command output as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
