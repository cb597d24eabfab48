package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// Upload copies a local file to destination over SFTP, applies mode and
// verifies the remote copy by checksum. A mismatching copy is removed.
func (s *Session) Upload(ctx context.Context, source, destination string, mode os.FileMode) error {
	want, err := fileChecksum(source)
	if err != nil {
		return fmt.Errorf("checksum local file: %w", err)
	}

	sf, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(path.Dir(destination)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(destination)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, ctxReader{ctx: ctx, r: src}); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	if mode != 0 {
		if err := sf.Chmod(destination, mode); err != nil {
			return fmt.Errorf("chmod remote: %w", err)
		}
	}

	got, err := remoteChecksum(sf, destination)
	if err != nil {
		return fmt.Errorf("checksum remote file: %w", err)
	}
	if got != want {
		_ = sf.Remove(destination)
		return fmt.Errorf("checksum mismatch for %s: local %s, remote %s", destination, want, got)
	}
	return nil
}

func fileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func remoteChecksum(sf *sftp.Client, p string) (string, error) {
	f, err := sf.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
