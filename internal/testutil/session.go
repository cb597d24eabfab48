// Package testutil holds in-memory fakes for the provider and remote
// session interfaces.
package testutil

import (
	"context"
	"os"
	"sync"

	"github.com/3cpo-dev/frigg/internal/pipeline"
)

// Reply scripts the outcome of one command.
type Reply struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	// Block makes the command wait until its context ends.
	Block bool
	Panic any
}

// Upload records one file copy.
type Upload struct {
	Source      string
	Destination string
	Mode        os.FileMode
}

// FakeSession is a scripted pipeline.Session. Commands without a scripted
// reply succeed with empty output.
type FakeSession struct {
	mu        sync.Mutex
	replies   map[string]Reply
	commands  []string
	ptys      []bool
	uploads   []Upload
	UploadErr error
	Closed    bool
}

func NewFakeSession() *FakeSession {
	return &FakeSession{replies: map[string]Reply{}}
}

// On scripts the reply for command.
func (s *FakeSession) On(command string, r Reply) *FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[command] = r
	return s
}

func (s *FakeSession) Run(ctx context.Context, command string, pty bool) (pipeline.Output, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.ptys = append(s.ptys, pty)
	r, ok := s.replies[command]
	s.mu.Unlock()

	if !ok {
		return pipeline.Output{}, nil
	}
	if r.Panic != nil {
		panic(r.Panic)
	}
	if r.Block {
		<-ctx.Done()
		return pipeline.Output{ExitCode: -1, Stdout: r.Stdout}, ctx.Err()
	}
	if r.Err != nil {
		return pipeline.Output{}, r.Err
	}
	return pipeline.Output{ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr}, nil
}

func (s *FakeSession) Upload(_ context.Context, source, destination string, mode os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UploadErr != nil {
		return s.UploadErr
	}
	s.uploads = append(s.uploads, Upload{Source: source, Destination: destination, Mode: mode})
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Commands returns every command run so far, in order.
func (s *FakeSession) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// PTYs reports the pty flag of each command, aligned with Commands.
func (s *FakeSession) PTYs() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.ptys...)
}

func (s *FakeSession) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}
