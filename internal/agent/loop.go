package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"forensiq/internal/logging"
)

// Loop states.
const (
	StateAwaitingModel     = "awaiting_model"
	StateToolCallRequested = "tool_call_requested"
	StateExecutingTools    = "executing_tools"
	StateFinalAnswer       = "final_answer"
	StateBudgetExceeded    = "budget_exceeded"
)

// BudgetExceededError reports an investigation that hit its round
// budget before the model produced a final answer. Partial holds the
// best-effort answer assembled from what the model said so far.
type BudgetExceededError struct {
	Rounds  int
	Partial string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("investigation budget of %d rounds exhausted", e.Rounds)
}

// LoopOptions bounds one investigation.
type LoopOptions struct {
	MaxRounds     int
	HistoryWindow int
	ToolTimeout   time.Duration
	MaxTokens     int
	System        string
}

// RoundRecord is the audit entry for one tool round.
type RoundRecord struct {
	Round   int
	Results []ToolResult
}

// Outcome is the result of a completed investigation.
type Outcome struct {
	Answer    string
	State     string
	Rounds    int
	ToolCalls int
	Records   []RoundRecord
	TokensIn  int
	TokensOut int
}

// Loop drives model rounds and tool execution for one case.
type Loop struct {
	client   *Client
	registry *Registry
	opts     LoopOptions
}

// NewLoop builds a loop. Unset options get safe bounds.
func NewLoop(client *Client, registry *Registry, opts LoopOptions) *Loop {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 40
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 5 * time.Minute
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Loop{client: client, registry: registry, opts: opts}
}

// Run asks the model the question and alternates model rounds with tool
// execution until the model answers without requesting tools, the round
// budget runs out, or the context is cancelled. Budget exhaustion
// returns a BudgetExceededError alongside a partial outcome.
func (l *Loop) Run(ctx context.Context, question string) (*Outcome, error) {
	history := []Message{{Role: "user", Content: []ContentBlock{TextBlock(question)}}}
	tools := l.registry.Definitions()
	outcome := &Outcome{State: StateAwaitingModel}

	var partial []string

	for round := 1; round <= l.opts.MaxRounds; round++ {
		outcome.Rounds = round
		outcome.State = StateAwaitingModel

		resp, err := l.client.CreateMessage(ctx, &MessagesRequest{
			MaxTokens: l.opts.MaxTokens,
			System:    l.opts.System,
			Messages:  trimHistory(history, l.opts.HistoryWindow),
			Tools:     tools,
		})
		if err != nil {
			return outcome, fmt.Errorf("model round %d: %w", round, err)
		}
		outcome.TokensIn += resp.Usage.InputTokens
		outcome.TokensOut += resp.Usage.OutputTokens

		if text := resp.Text(); text != "" {
			partial = append(partial, text)
		}

		uses := resp.ToolUses()
		if resp.StopReason != "tool_use" || len(uses) == 0 {
			outcome.State = StateFinalAnswer
			outcome.Answer = resp.Text()
			logging.Agent("investigation finished after %d rounds, %d tool calls", round, outcome.ToolCalls)
			return outcome, nil
		}

		outcome.State = StateToolCallRequested
		history = append(history, Message{Role: "assistant", Content: resp.Content})

		outcome.State = StateExecutingTools
		results, err := l.executeRound(ctx, uses)
		if err != nil {
			return outcome, err
		}
		outcome.ToolCalls += len(uses)
		record := RoundRecord{Round: round}
		blocks := make([]ContentBlock, 0, len(uses))
		for i, use := range uses {
			res := results[i]
			record.Results = append(record.Results, res)
			blocks = append(blocks, ToolResultBlock(use.ID, res.Output, res.IsError))
			logging.AgentDebug("round %d tool %s: error=%v %dms", round, res.Tool, res.IsError, res.DurationMs)
		}
		outcome.Records = append(outcome.Records, record)
		history = append(history, Message{Role: "user", Content: blocks})
	}

	outcome.State = StateBudgetExceeded
	outcome.Answer = partialAnswer(partial, l.opts.MaxRounds)
	logging.Agent("investigation hit round budget %d with %d tool calls", l.opts.MaxRounds, outcome.ToolCalls)
	return outcome, &BudgetExceededError{Rounds: l.opts.MaxRounds, Partial: outcome.Answer}
}

// executeRound runs all requested tools concurrently. Result order
// matches the request order so tool_use_id attribution stays intact.
func (l *Loop) executeRound(ctx context.Context, uses []ContentBlock) ([]ToolResult, error) {
	results := make([]ToolResult, len(uses))
	g, gctx := errgroup.WithContext(ctx)
	for i, use := range uses {
		i, use := i, use
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = l.registry.Execute(gctx, use.Name, use.Input, l.opts.ToolTimeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// trimHistory keeps the first message plus the most recent window,
// never splitting an assistant tool_use turn from the tool_result turn
// that answers it.
func trimHistory(history []Message, window int) []Message {
	if len(history) <= window {
		return history
	}
	start := len(history) - (window - 1)
	// A user turn holding tool_result blocks must stay with the
	// assistant turn before it.
	for start < len(history) && startsWithToolResult(&history[start]) {
		start++
	}
	trimmed := make([]Message, 0, 1+len(history)-start)
	trimmed = append(trimmed, history[0])
	trimmed = append(trimmed, history[start:]...)
	return trimmed
}

func startsWithToolResult(m *Message) bool {
	return m.Role == "user" && len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

func partialAnswer(texts []string, rounds int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigation stopped after reaching the %d-round budget. Partial findings:\n", rounds)
	if len(texts) == 0 {
		b.WriteString("(no intermediate analysis was produced)")
		return b.String()
	}
	for _, t := range texts {
		b.WriteString("\n")
		b.WriteString(t)
	}
	return b.String()
}
