package probe

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds reported by Sample. Use errors.Is to classify a failure.
var (
	ErrToolFailed  = errors.New("tool invocation failed")
	ErrUnparseable = errors.New("tool output unparseable")
	ErrFieldAbsent = errors.New("expected field absent")
)

// SampleError describes the step of a sampling cycle that failed.
type SampleError struct {
	Kind   error
	Tool   string
	Device string // empty for the sensors tool
	Err    error
}

func (e *SampleError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	if e.Device != "" {
		b.WriteString(" ")
		b.WriteString(e.Device)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SampleError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName is a short label for the failure kind, used as a metric attribute.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrToolFailed):
		return "tool_failed"
	case errors.Is(err, ErrUnparseable):
		return "unparseable"
	case errors.Is(err, ErrFieldAbsent):
		return "field_absent"
	default:
		return "other"
	}
}

// ToolError is returned by ExecRunner when a command cannot be started or
// exits with a non-zero status.
type ToolError struct {
	Command  string
	ExitCode int // -1 if the process never exited normally
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }
