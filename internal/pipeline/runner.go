package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Hooks observe step boundaries. Either may be nil.
type Hooks struct {
	StepStarted  func(index int, step Step)
	StepFinished func(index int, res StepResult)
}

// Runner executes steps strictly in order over one session.
type Runner struct {
	Session Session
	// DefaultTimeout bounds each command when neither the command nor its
	// step sets one. Zero means no limit.
	DefaultTimeout time.Duration
	Hooks          Hooks
}

// Run executes steps in declaration order and stops at the first failing
// command. A command that exits non-zero or times out is recorded in
// Result.Failure and Run returns a nil error. A non-nil error means the
// session itself broke or ctx was cancelled; Result still describes how far
// the run got.
func (r *Runner) Run(ctx context.Context, steps []Step) (Result, error) {
	res := Result{Steps: make([]StepResult, 0, len(steps))}
	for i, step := range steps {
		if res.Failure != nil {
			res.Steps = append(res.Steps, StepResult{Name: step.Name, Status: StepSkipped})
			continue
		}
		if r.Hooks.StepStarted != nil {
			r.Hooks.StepStarted(i, step)
		}
		log.Info().Str("step", step.Name).Int("commands", len(step.Commands)).Msg("===> running step")

		sr, failure, err := r.runStep(ctx, i, step)
		res.Steps = append(res.Steps, sr)
		res.Failure = failure
		if r.Hooks.StepFinished != nil {
			r.Hooks.StepFinished(i, sr)
		}
		if err != nil {
			for _, rest := range steps[i+1:] {
				res.Steps = append(res.Steps, StepResult{Name: rest.Name, Status: StepSkipped})
			}
			return res, err
		}
		if failure != nil {
			log.Error().
				Str("step", step.Name).
				Int("command", failure.CommandIndex+1).
				Int("exit_code", failure.ExitCode).
				Bool("timed_out", failure.TimedOut).
				Msg("step failed")
		}
	}
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, index int, step Step) (StepResult, *StepFailure, error) {
	start := time.Now()
	sr := StepResult{Name: step.Name, Status: StepSucceeded}
	finish := func(f *StepFailure, err error) (StepResult, *StepFailure, error) {
		if f != nil {
			sr.Status = StepFailed
		}
		sr.Duration = time.Since(start)
		return sr, f, err
	}

	for j, up := range step.Uploads {
		if err := ctx.Err(); err != nil {
			return finish(nil, fmt.Errorf("step %q: %w", step.Name, err))
		}
		label := fmt.Sprintf("upload %s -> %s", up.Source, up.Destination)
		uploader, ok := r.Session.(Uploader)
		if !ok {
			return finish(&StepFailure{Step: step.Name, StepIndex: index, CommandIndex: j, Command: label,
				Upload: true, ExitCode: -1, Cause: errors.New("session does not support uploads")}, nil)
		}
		log.Debug().Str("step", step.Name).Str("source", up.Source).Str("destination", up.Destination).Msg("uploading")
		if err := uploader.Upload(ctx, up.Source, up.Destination, up.Mode); err != nil {
			if ctx.Err() != nil {
				return finish(nil, fmt.Errorf("step %q: %w", step.Name, ctx.Err()))
			}
			return finish(&StepFailure{Step: step.Name, StepIndex: index, CommandIndex: j, Command: label,
				Upload: true, ExitCode: -1, Cause: err}, nil)
		}
	}

	for j, cmd := range step.Commands {
		if err := ctx.Err(); err != nil {
			return finish(nil, fmt.Errorf("step %q: %w", step.Name, err))
		}
		sr.Executed++
		out, timedOut, err := r.runCommand(ctx, step, cmd)
		failure := &StepFailure{
			Step:         step.Name,
			StepIndex:    index,
			CommandIndex: j,
			Command:      cmd.Run,
			ExitCode:     out.ExitCode,
			Stdout:       out.Stdout,
			Stderr:       out.Stderr,
		}
		switch {
		case timedOut:
			failure.TimedOut = true
			failure.ExitCode = -1
			return finish(failure, nil)
		case err != nil:
			failure.ExitCode = -1
			failure.Cause = err
			return finish(failure, fmt.Errorf("step %q command %d: %w", step.Name, j+1, err))
		case out.ExitCode != 0:
			return finish(failure, nil)
		}
	}
	return finish(nil, nil)
}

// runCommand applies the effective timeout. timedOut is true only when that
// timeout, not the caller's context, ended the command.
func (r *Runner) runCommand(ctx context.Context, step Step, cmd Command) (Output, bool, error) {
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = step.Timeout
	}
	if timeout == 0 {
		timeout = r.DefaultTimeout
	}
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log.Debug().Str("step", step.Name).Bool("pty", cmd.PTY).Dur("timeout", timeout).Msg(cmd.Run)
	out, err := r.Session.Run(cctx, cmd.Run, cmd.PTY)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return out, true, nil
	}
	return out, false, err
}
