package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/provision"
)

func TestLoadConfig(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("VULTR_TOKEN", "")
	t.Setenv("HCLOUD_TOKEN", "from-env")

	dir := filepath.Join(xdg, "frigg")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
default_profile: nightly
profiles:
  nightly:
    provider: vultr
    image: Debian
    size: 2c
    pipeline: aegir-source
providers:
  vultr:
    region: ewr
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte(`
# tokens
export VULTR_TOKEN="from-file"
HCLOUD_TOKEN=from-file
`), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Providers.Vultr.Token)
	assert.Equal(t, "from-env", cfg.Providers.Hetzner.Token, "environment wins over secrets.env")
	assert.Equal(t, "ewr", cfg.Providers.Vultr.Region)
	assert.Equal(t, filepath.Join(dir, "known_hosts"), cfg.SSH.KnownHosts)
	assert.Equal(t, filepath.Join(dir, "frigg.db"), cfg.Store.Path)
	assert.Equal(t, 10, cfg.SSH.Retries)
	assert.Equal(t, "frigg.runs", cfg.Events.Subject)

	name, p, err := ResolveProfile(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "nightly", name)
	assert.Empty(t, p.SSHUser, "unset so the node's own user applies")
	assert.Equal(t, "aegir-source", p.Pipeline)
	assert.Equal(t, "aegir", p.NamePrefix)
	assert.Equal(t, filepath.Ext(p.PublicKey), ".pub")
	assert.Equal(t, p.PublicKey, p.PrivateKey+".pub")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestResolveProfileErrors(t *testing.T) {
	cfg, err := loadYAML(t, `
profiles:
  a: {provider: vultr}
  b: {provider: hetzner}
`)
	require.NoError(t, err)

	_, _, err = ResolveProfile(cfg, "")
	require.ErrorIs(t, err, provision.ErrConfiguration)
	assert.Contains(t, err.Error(), "a, b")

	_, _, err = ResolveProfile(cfg, "c")
	require.ErrorIs(t, err, provision.ErrConfiguration)

	name, _, err := ResolveProfile(cfg, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", name)
}

func TestResolveProfileSingle(t *testing.T) {
	cfg, err := loadYAML(t, "profiles:\n  only: {provider: localssh}\n")
	require.NoError(t, err)
	name, _, err := ResolveProfile(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "only", name)
}

func TestLoadSecretsEnvMissing(t *testing.T) {
	s, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestNodeName(t *testing.T) {
	assert.Equal(t, "aegir1234", nodeName("aegir", RunEnv{BuildID: "1234"}, "ignored"))
	assert.Equal(t, "aegir0f8fad5b", nodeName("aegir", RunEnv{}, "0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.Equal(t, "aegirrun", nodeName("aegir", RunEnv{}, "run"))
}

func TestEnvFromOS(t *testing.T) {
	t.Setenv("DIST", "")
	t.Setenv("BUILD_ID", "77")
	env := EnvFromOS()
	assert.Equal(t, "unstable", env.Dist)
	assert.Equal(t, "77", env.BuildID)
}

func loadYAML(t *testing.T, content string) (prov.Config, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return LoadConfig(path)
}
