// Package ssh connects to provisioned nodes, runs commands on them and
// copies files over SFTP.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3cpo-dev/frigg/internal/pipeline"
)

// Connector opens sessions to freshly booted nodes. Dialing is retried
// because sshd usually comes up some time after the provider reports the
// node as running. Commands are never retried.
type Connector struct {
	Signer   xssh.Signer
	HostKeys xssh.HostKeyCallback
	// DialTimeout bounds TCP connect plus handshake for one attempt.
	DialTimeout time.Duration
	Retries     int
	Backoff     time.Duration
	// Echo, when set, receives a copy of every command's stdout.
	Echo io.Writer
}

func (c *Connector) clientConfig(user string) (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	hostKeys := c.HostKeys
	if hostKeys == nil {
		log.Warn().Msg("ssh: no known_hosts configured, host keys are not verified")
		hostKeys = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            user,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.DialTimeout,
	}, nil
}

// Connect dials host:port as user, retrying with linear backoff. A host key
// mismatch is not retried.
func (c *Connector) Connect(ctx context.Context, host, user string, port int) (*Session, error) {
	cfg, err := c.clientConfig(user)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dial(ctx, addr, cfg)
		if err == nil {
			log.Debug().Str("addr", addr).Str("user", user).Int("attempt", attempt+1).Msg("ssh connected")
			return &Session{client: cli, Host: host, echo: c.Echo}, nil
		}
		lastErr = err
		if ctx.Err() != nil || isKeyMismatch(err) {
			break
		}
		if attempt < retries {
			log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt+1).Msg("ssh dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("ssh %s: %w", addr, lastErr)
}

func dial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(c, chans, reqs), nil
}

func isKeyMismatch(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) > 0
}

// Session is one authenticated connection to a node. Each command gets its
// own SSH channel.
type Session struct {
	client *xssh.Client
	Host   string
	echo   io.Writer
}

// Run executes command and waits for it. A non-zero exit status is returned
// in Output with a nil error. When ctx ends first the remote process is
// killed and ctx.Err() is returned together with the output gathered so far.
func (s *Session) Run(ctx context.Context, command string, pty bool) (pipeline.Output, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return pipeline.Output{ExitCode: -1}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr syncBuffer
	sess.Stdout = &stdout
	if s.echo != nil {
		sess.Stdout = io.MultiWriter(&stdout, s.echo)
	}
	sess.Stderr = &stderr
	if pty {
		modes := xssh.TerminalModes{
			xssh.ECHO:          0,
			xssh.TTY_OP_ISPEED: 14400,
			xssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 40, 120, modes); err != nil {
			return pipeline.Output{ExitCode: -1}, fmt.Errorf("request pty: %w", err)
		}
	}
	if err := sess.Start(command); err != nil {
		return pipeline.Output{ExitCode: -1}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(xssh.SIGKILL)
		_ = sess.Close()
		return pipeline.Output{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err := <-done:
		out := pipeline.Output{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return out, nil
		}
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		out.ExitCode = -1
		return out, fmt.Errorf("wait: %w", err)
	}
}

func (s *Session) Close() error { return s.client.Close() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
