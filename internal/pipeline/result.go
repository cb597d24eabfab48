package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepResult struct {
	Name   string
	Status StepStatus
	// Executed counts commands that ran, including a failing one.
	Executed int
	Duration time.Duration
}

// StepFailure identifies the command that stopped a run.
type StepFailure struct {
	Step         string
	StepIndex    int
	CommandIndex int
	Command      string
	ExitCode     int
	Stdout       string
	Stderr       string
	TimedOut     bool
	// Upload marks a failed file copy. CommandIndex then counts uploads.
	Upload bool
	// Cause is set when the command never produced an exit status.
	Cause error
}

func (f *StepFailure) Error() string {
	kind := "command"
	if f.Upload {
		kind = "upload"
	}
	var b strings.Builder
	switch {
	case f.TimedOut:
		fmt.Fprintf(&b, "step %q: %s %d timed out: %s", f.Step, kind, f.CommandIndex+1, f.Command)
	case f.Cause != nil:
		fmt.Fprintf(&b, "step %q: %s %d: %v: %s", f.Step, kind, f.CommandIndex+1, f.Cause, f.Command)
	default:
		fmt.Fprintf(&b, "step %q: %s %d exited %d: %s", f.Step, kind, f.CommandIndex+1, f.ExitCode, f.Command)
	}
	if out := f.CapturedOutput(); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (f *StepFailure) Unwrap() error { return f.Cause }

// CapturedOutput joins stdout and stderr of the failing command.
func (f *StepFailure) CapturedOutput() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimRight(f.Stdout, "\n"); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimRight(f.Stderr, "\n"); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// Result is the per-step outcome of a run. It is for reporting only.
type Result struct {
	Steps   []StepResult
	Failure *StepFailure
}

func (r Result) OK() bool { return r.Failure == nil }

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
