package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

// testServer is a minimal sshd: it authenticates one key, answers a few
// canned commands and serves SFTP from the local filesystem.
type testServer struct {
	ln      net.Listener
	hostKey xssh.PublicKey
	ptys    atomic.Int32
}

func newSigner(t *testing.T) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := xssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func startServer(t *testing.T, authorized xssh.PublicKey) *testServer {
	t.Helper()
	host := newSigner(t)
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(host)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &testServer{ln: ln, hostKey: host.PublicKey()}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(nc, cfg)
		}
	}()
	return srv
}

func (s *testServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *testServer) serveConn(nc net.Conn, cfg *xssh.ServerConfig) {
	_, chans, reqs, err := xssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go xssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(xssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, creqs)
	}
}

func (s *testServer) serveSession(ch xssh.Channel, reqs <-chan *xssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			s.ptys.Add(1)
			_ = req.Reply(true, nil)
		case "exec":
			var p struct{ Command string }
			_ = xssh.Unmarshal(req.Payload, &p)
			_ = req.Reply(true, nil)
			go func() {
				status := s.exec(p.Command, ch)
				_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{status}))
				_ = ch.Close()
			}()
		case "subsystem":
			var p struct{ Name string }
			_ = xssh.Unmarshal(req.Payload, &p)
			if p.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err == nil {
					_ = server.Serve()
				}
				_ = ch.Close()
			}()
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *testServer) exec(command string, ch xssh.Channel) uint32 {
	switch command {
	case "echo hello":
		_, _ = io.WriteString(ch, "hello\n")
		return 0
	case "fail":
		_, _ = io.WriteString(ch.Stderr(), "boom\n")
		return 3
	case "hang":
		_, _ = io.Copy(io.Discard, ch)
		return 0
	default:
		_, _ = fmt.Fprintf(ch.Stderr(), "%s: command not found\n", command)
		return 127
	}
}

func testConnector(t *testing.T) (*Connector, *testServer) {
	t.Helper()
	client := newSigner(t)
	srv := startServer(t, client.PublicKey())
	return &Connector{
		Signer:      client,
		HostKeys:    xssh.FixedHostKey(srv.hostKey),
		DialTimeout: 2 * time.Second,
	}, srv
}

func TestSessionRun(t *testing.T) {
	c, srv := testConnector(t)
	ctx := context.Background()
	sess, err := c.Connect(ctx, "127.0.0.1", "root", srv.port())
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.Run(ctx, "echo hello", false)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, int32(0), srv.ptys.Load())

	out, err = sess.Run(ctx, "fail", true)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "boom\n", out.Stderr)
	assert.Equal(t, int32(1), srv.ptys.Load())
}

func TestSessionRunHonoursContext(t *testing.T) {
	c, srv := testConnector(t)
	sess, err := c.Connect(context.Background(), "127.0.0.1", "root", srv.port())
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	out, err := sess.Run(ctx, "hang", true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, out.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	// the connection survives a killed command
	out, err = sess.Run(context.Background(), "echo hello", false)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
}

func TestConnectRejectsWrongHostKey(t *testing.T) {
	c, srv := testConnector(t)
	kh := filepath.Join(t.TempDir(), "known_hosts")
	stale := string(xssh.MarshalAuthorizedKey(newSigner(t).PublicKey()))
	require.NoError(t, AppendKnownHost(kh, net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port())), stale))

	cb, err := TrustOnFirstUse(kh)
	require.NoError(t, err)
	c.HostKeys = cb
	c.Retries = 3
	c.Backoff = 50 * time.Millisecond
	_, err = c.Connect(context.Background(), "127.0.0.1", "root", srv.port())
	require.Error(t, err)
}

func TestConnectTrustsNewHost(t *testing.T) {
	c, srv := testConnector(t)
	kh := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := TrustOnFirstUse(kh)
	require.NoError(t, err)
	c.HostKeys = cb

	sess, err := c.Connect(context.Background(), "127.0.0.1", "root", srv.port())
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	data, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("[127.0.0.1]:%d ssh-ed25519 ", srv.port()))
}

func TestConnectRetriesThenGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := &Connector{Signer: newSigner(t), DialTimeout: 200 * time.Millisecond, Retries: 2, Backoff: time.Millisecond}
	_, err = c.Connect(context.Background(), "127.0.0.1", "root", port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))

	_, err = (&Connector{}).Connect(context.Background(), "127.0.0.1", "root", port)
	assert.EqualError(t, err, "ssh: signer required")
}

func TestSessionUpload(t *testing.T) {
	c, srv := testConnector(t)
	ctx := context.Background()
	sess, err := c.Connect(ctx, "127.0.0.1", "root", srv.port())
	require.NoError(t, err)
	defer sess.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "payload.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho ok\n"), 0o644))
	dst := filepath.Join(dir, "remote", "bin", "payload.sh")

	require.NoError(t, sess.Upload(ctx, src, dst, 0o755))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho ok\n", string(data))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	assert.Error(t, sess.Upload(ctx, filepath.Join(dir, "missing"), dst, 0))
}
