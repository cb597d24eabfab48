// Package pipeline runs an ordered list of named steps, each an ordered list
// of shell commands, over a single remote session. The first command that
// exits non-zero stops the whole run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Command is one shell invocation on the remote host. Zero exit status is
// success; anything else fails the step.
type Command struct {
	Run string
	// PTY requests an interactive pseudo-terminal for the command.
	PTY bool
	// Timeout overrides the step and pipeline defaults when non-zero.
	Timeout time.Duration
}

// Cmd is a command that runs with a PTY, as interactive installers expect.
func Cmd(run string) Command { return Command{Run: run, PTY: true} }

// Upload copies a local file to the node before the step's commands run.
type Upload struct {
	Source      string
	Destination string
	Mode        os.FileMode
}

type Step struct {
	Name     string
	Uploads  []Upload
	Commands []Command
	// Timeout is the default per-command timeout within this step.
	Timeout time.Duration
}

// NewStep builds a step from its commands.
func NewStep(name string, cmds ...Command) Step {
	return Step{Name: name, Commands: cmds}
}

// Pipeline is the full declaration for one run. BeforeDestroy steps are not
// part of the main sequence; they run right before the node is destroyed.
type Pipeline struct {
	Name          string
	Steps         []Step
	BeforeDestroy []Step
}

// Validate checks that the declaration can be executed.
func (p Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("pipeline has no steps")
	}
	if err := validateSteps(p.Steps); err != nil {
		return err
	}
	return validateSteps(p.BeforeDestroy)
}

func validateSteps(steps []Step) error {
	seen := map[string]bool{}
	for i, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if len(s.Commands) == 0 && len(s.Uploads) == 0 {
			return fmt.Errorf("step %q has nothing to do", s.Name)
		}
		for j, c := range s.Commands {
			if c.Run == "" {
				return fmt.Errorf("step %q command %d is empty", s.Name, j)
			}
		}
		for j, u := range s.Uploads {
			if u.Source == "" || u.Destination == "" {
				return fmt.Errorf("step %q upload %d needs source and destination", s.Name, j)
			}
		}
	}
	return nil
}

// Output is what a remote command produced.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session executes commands on a connected host. A non-zero exit status is
// reported in Output, not as an error; errors mean the command could not be
// run or its completion could not be observed.
type Session interface {
	Run(ctx context.Context, command string, pty bool) (Output, error)
}

// Uploader is implemented by sessions that can copy files to the host.
type Uploader interface {
	Upload(ctx context.Context, source, destination string, mode os.FileMode) error
}
