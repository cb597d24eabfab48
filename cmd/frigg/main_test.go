package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionAndProviders(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "frigg "+version)

	out, err = execute(t, "providers")
	require.NoError(t, err)
	for _, want := range []string{"provider: hetzner", "provider: localssh", "provider: vultr", "pipeline: aegir-apt", "pipeline: aegir-source"} {
		assert.Contains(t, out, want)
	}
}

func TestInitThenCheck(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("VULTR_TOKEN", "")

	out, err := execute(t, "init")
	require.NoError(t, err)
	dir := filepath.Join(xdg, "frigg")
	assert.Contains(t, out, "generated "+filepath.Join(dir, "id_ed25519"))
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "id_ed25519.pub"))
	assert.FileExists(t, filepath.Join(dir, "known_hosts"))

	out, err = execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	// The starter profile needs a Vultr token.
	_, err = execute(t, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vultr")
}

func TestLocalProfile(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	_, err := execute(t, "init")
	require.NoError(t, err)

	dir := filepath.Join(xdg, "frigg")
	cfg := filepath.Join(dir, "local.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`
default_profile: lab
profiles:
  lab:
    provider: localssh
    image: bench
    size: existing
    public_key: %s
providers:
  localssh:
    hosts:
      - {name: bench, ip: 192.0.2.20}
      - {name: spare, ip: 192.0.2.21}
`, filepath.Join(dir, "id_ed25519.pub"))), 0o600))

	out, err := execute(t, "--config", cfg, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "profile lab ok")

	out, err = execute(t, "--config", cfg, "images")
	require.NoError(t, err)
	assert.Contains(t, out, "bench 192.0.2.20")
	assert.Contains(t, out, "spare 192.0.2.21")

	out, err = execute(t, "--config", cfg, "images", "--match", "spare")
	require.NoError(t, err)
	assert.NotContains(t, out, "bench")

	out, err = execute(t, "--config", cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")

	_, err = execute(t, "--config", cfg, "--profile", "nope", "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}
