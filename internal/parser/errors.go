package parser

import (
	"errors"
	"fmt"
)

// ToolInvocationError reports that an external parsing tool could not be
// run: missing binary, non-executable, timeout, or a non-zero exit that
// does not mean "no artifacts found".
type ToolInvocationError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tool %s failed: %v: %s", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ParseFormatError reports that tool output could not be read as the
// expected structured format (malformed header, wrong shape). Individual
// malformed rows are recovered by skipping, not by this error.
type ParseFormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unreadable tool output %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("unreadable tool output %s: %s", e.Path, e.Reason)
}

func (e *ParseFormatError) Unwrap() error { return e.Err }

// IsToolInvocation reports whether err is a ToolInvocationError.
func IsToolInvocation(err error) bool {
	var t *ToolInvocationError
	return errors.As(err, &t)
}

// IsParseFormat reports whether err is a ParseFormatError.
func IsParseFormat(err error) bool {
	var p *ParseFormatError
	return errors.As(err, &p)
}
