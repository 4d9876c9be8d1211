package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"forensiq/internal/agent"
)

var investigateCmd = &cobra.Command{
	Use:   "investigate <case-id> <question>",
	Short: "Ask the investigation agent a question about a case",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		caseID, question := args[0], args[1]
		if _, err := app.sqlite.GetCase(cmd.Context(), caseID); err != nil {
			return err
		}

		loop, err := newAgentLoop(app.facade, caseID)
		if err != nil {
			return err
		}

		outcome, err := loop.Run(cmd.Context(), question)
		var budget *agent.BudgetExceededError
		if errors.As(err, &budget) {
			fmt.Println(outcome.Answer)
			fmt.Printf("\n[%d rounds, %d tool calls, budget exhausted]\n", outcome.Rounds, outcome.ToolCalls)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Println(outcome.Answer)
		fmt.Printf("\n[%d rounds, %d tool calls, %d/%d tokens]\n",
			outcome.Rounds, outcome.ToolCalls, outcome.TokensIn, outcome.TokensOut)
		return nil
	},
}
