package parser

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"forensiq/internal/logging"
)

// Runner invokes external parsing tools as subprocesses with a bounded
// lifetime. Tool output is captured from stdout; stderr is kept for error
// reporting.
type Runner struct {
	// Timeout applies when the caller's context carries no deadline.
	Timeout time.Duration

	// OKExitCodes are tool exit statuses that mean "no artifacts found"
	// rather than failure. Zero is always accepted.
	OKExitCodes []int
}

// NewRunner creates a runner with the given default timeout.
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{Timeout: timeout}
}

// Run executes the tool and returns its stdout. Classification:
// missing/non-executable binary, timeout, and unexpected exit codes all
// become ToolInvocationError.
func (r *Runner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(tool); err != nil {
		return nil, &ToolInvocationError{Tool: tool, Err: err}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryParser, "run "+tool)
	defer timer.StopWithThreshold(time.Minute)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		logging.ParserDebug("%s produced %d bytes", tool, stdout.Len())
		return stdout.Bytes(), nil
	}

	if ctx.Err() != nil {
		// Timeout or cancellation killed the process.
		return nil, &ToolInvocationError{Tool: tool, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		for _, ok := range r.OKExitCodes {
			if code == ok {
				logging.ParserDebug("%s exited %d (no artifacts)", tool, code)
				return stdout.Bytes(), nil
			}
		}
	}

	return nil, &ToolInvocationError{
		Tool:   tool,
		Stderr: artifactStderr(stderr.Bytes()),
		Err:    err,
	}
}

// artifactStderr trims stderr for error messages; tools can be chatty.
func artifactStderr(b []byte) string {
	const max = 512
	s := string(bytes.TrimSpace(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}
