package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/frigg/internal/pipeline"
	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/providers/localssh"
	"github.com/3cpo-dev/frigg/internal/provision"
	gssh "github.com/3cpo-dev/frigg/internal/ssh"
	"github.com/3cpo-dev/frigg/internal/testutil"
	"github.com/3cpo-dev/frigg/pkg/api"
)

const smokePipeline = `
step "prepare" {
  run = ["echo prepare"]
}

step "verify" {
  run = ["check ${var.domain}"]
}

before_destroy "cleanup" {
  run = ["cleanup"]
}
`

type fakeDialer struct {
	sess   *testutil.FakeSession
	err    error
	dials  []string
	forgot []string
	// knownHosts, when set, is edited like the real dialer does.
	knownHosts string
}

func (d *fakeDialer) Dial(_ context.Context, _ *Plan, user, host string, _ int) (RemoteSession, error) {
	d.dials = append(d.dials, user+"@"+host)
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

func (d *fakeDialer) Forget(host string, port int) error {
	d.forgot = append(d.forgot, host)
	if d.knownHosts != "" {
		return gssh.ForgetHost(d.knownHosts, host, port)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, ev api.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Event)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type harness struct {
	frigg  *Frigg
	gw     *testutil.FakeGateway
	dialer *fakeDialer
	events *recordingPublisher
}

func newHarness(t *testing.T, edit func(*prov.Profile)) *harness {
	t.Helper()
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	_, err := gssh.GenerateEd25519Keypair(key, "ci@frigg")
	require.NoError(t, err)
	pipe := filepath.Join(dir, "smoke.hcl")
	require.NoError(t, os.WriteFile(pipe, []byte(smokePipeline), 0o644))

	profile := prov.Profile{
		Provider:   "fake",
		Image:      "Debian",
		Size:       "2c",
		PublicKey:  key + ".pub",
		Pipeline:   pipe,
		NamePrefix: "aegir",
	}
	if edit != nil {
		edit(&profile)
	}
	cfg := prov.Config{DefaultProfile: "nightly", Profiles: map[string]prov.Profile{"nightly": profile}}

	gw := testutil.NewFakeGateway()
	reg := prov.NewRegistry()
	reg.Register("fake", func(prov.Config) (prov.Gateway, error) { return gw, nil })

	store, err := NewStore(filepath.Join(dir, "frigg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		gw:     gw,
		dialer: &fakeDialer{sess: testutil.NewFakeSession()},
		events: &recordingPublisher{},
	}
	h.frigg = &Frigg{
		Config:   cfg,
		Registry: reg,
		Env:      RunEnv{Dist: "unstable", BuildID: "42"},
		Store:    store,
		Events:   h.events,
		Dialer:   h.dialer,
		Resolve:  func(context.Context, string) (string, error) { return "node.example.test", nil },
		Probe:    func(context.Context, string, int) error { return nil },
	}
	return h
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t, nil)

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, api.RunSucceeded, rep.Status)
	assert.Equal(t, "nightly", rep.Profile)
	assert.Equal(t, "Debian 12 x64 (bookworm)", rep.Image)
	assert.Equal(t, "vc2-2c-4gb 4096MB 2vCPU", rep.Size)
	assert.True(t, rep.Destroyed)
	require.NotNil(t, rep.Node)
	assert.Equal(t, "node.example.test", rep.Node.Host)
	assert.Equal(t, "aegir42", rep.Node.Name)

	require.Len(t, h.gw.Created(), 1)
	assert.Equal(t, "aegir42", h.gw.Created()[0].Name)
	assert.Len(t, h.gw.Destroyed(), 1)

	assert.Equal(t, []string{"echo prepare", "check node.example.test", "cleanup"}, h.dialer.sess.Commands())
	assert.Equal(t, []string{"root@node.example.test"}, h.dialer.dials, "one session serves steps and hook")
	assert.True(t, h.dialer.sess.Closed)
	assert.Equal(t, []string{"node.example.test"}, h.dialer.forgot)

	require.Len(t, rep.Steps, 2)
	assert.Equal(t, "succeeded", rep.Steps[1].Status)
	require.Len(t, rep.BeforeDestroy, 1)

	names := h.events.names()
	require.GreaterOrEqual(t, len(names), 4)
	assert.Equal(t, []string{api.EventProvisioning, api.EventReady}, names[:2])
	assert.Equal(t, []string{api.EventDestroyed, api.EventVerified}, names[len(names)-2:])

	runs, err := h.frigg.Store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.ID, runs[0].ID)
	assert.Equal(t, api.RunSucceeded, runs[0].Status)
}

func TestRunStepFailureDestroysOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.sess.On("check node.example.test", testutil.Reply{ExitCode: 2, Stderr: "nope\n"})

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	var sf *pipeline.StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "verify", sf.Step)

	assert.Equal(t, api.RunFailed, rep.Status)
	assert.Equal(t, provision.PhaseSteps, rep.Phase)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, 2, rep.Failure.ExitCode)
	assert.Equal(t, "nope", rep.Failure.Output)
	assert.Len(t, h.gw.Destroyed(), 1)
	assert.True(t, rep.Destroyed)
	assert.NotContains(t, h.dialer.sess.Commands(), "cleanup", "hook runs on success only by default")
	assert.Equal(t, api.EventFailed, h.events.names()[len(h.events.names())-1])
}

func TestRunHookOnFailure(t *testing.T) {
	h := newHarness(t, func(p *prov.Profile) { p.TeardownHook = "on-failure" })
	h.dialer.sess.On("echo prepare", testutil.Reply{ExitCode: 1})

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"echo prepare", "cleanup"}, h.dialer.sess.Commands())
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, "skipped", rep.Steps[1].Status)
}

func TestRunConfigurationErrorCreatesNothing(t *testing.T) {
	h := newHarness(t, func(p *prov.Profile) { p.Image = "" })

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, provision.ErrConfiguration)
	assert.Equal(t, provision.PhaseConfiguration, rep.Phase)
	assert.Empty(t, h.gw.Created())
	assert.Empty(t, h.dialer.dials)
	assert.Equal(t, []string{api.EventFailed}, h.events.names())
}

func TestRunAmbiguousSelectionCreatesNothing(t *testing.T) {
	h := newHarness(t, func(p *prov.Profile) { p.Image = "x64" })

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	var amb *provision.AmbiguousSelectionError
	require.ErrorAs(t, err, &amb)
	assert.Len(t, amb.Matches, 2)
	assert.Equal(t, provision.PhaseSelection, rep.Phase)
	assert.Empty(t, h.gw.Created())
}

func TestRunTeardownFailureKeepsVerdict(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.DestroyErr = errors.New("api down")

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, api.RunSucceeded, rep.Status)
	assert.False(t, rep.Destroyed)
	assert.Contains(t, rep.TeardownWarning, "api down")
	assert.Contains(t, h.events.names(), api.EventLeaked)
	assert.Empty(t, h.dialer.forgot)

	leaked, err := h.frigg.Store.Leaked(context.Background())
	require.NoError(t, err)
	require.Len(t, leaked, 1)
	assert.Equal(t, rep.ID, leaked[0].ID)
}

func TestRunDialFailureStillDestroys(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("connection refused")

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	var pe *provision.ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provision.StageConnect, pe.Stage)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, api.RunFailed, rep.Status)
	assert.Equal(t, provision.PhaseProvisioning, rep.Phase)
	assert.Len(t, h.gw.Destroyed(), 1)
}

func TestRunCatalogFailureIsSelection(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.CatalogErr = errors.New("503 service unavailable")

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	var ce *provision.CatalogError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "image", ce.Kind)
	assert.Equal(t, provision.PhaseSelection, rep.Phase)
	assert.Empty(t, h.gw.Created())
}

func TestRunProfileUserOverridesNodeUser(t *testing.T) {
	h := newHarness(t, func(p *prov.Profile) { p.SSHUser = "admin" })

	_, err := h.frigg.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin@node.example.test"}, h.dialer.dials)
}

func TestRunAttachedHostKeepsHostKey(t *testing.T) {
	h := newHarness(t, func(p *prov.Profile) {
		p.Provider = "localssh"
		p.Image = "bench"
		p.Size = "existing"
	})
	require.NoError(t, yaml.Unmarshal([]byte("hosts:\n  - {name: bench, ip: 192.0.2.20, user: deploy}\n"),
		&h.frigg.Config.Providers.LocalSSH))
	h.frigg.Registry.Register("localssh", localssh.New)
	h.frigg.Resolve = func(context.Context, string) (string, error) { return "", errors.New("no PTR") }

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	pub, err := gssh.GenerateEd25519Keypair(filepath.Join(t.TempDir(), "host_key"), "bench")
	require.NoError(t, err)
	require.NoError(t, gssh.AppendKnownHost(knownHosts, "192.0.2.20:22", pub))
	h.dialer.knownHosts = knownHosts

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, rep.Destroyed)
	assert.Equal(t, []string{"deploy@192.0.2.20"}, h.dialer.dials)
	assert.Empty(t, h.dialer.forgot)

	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Contains(t, string(data), "192.0.2.20")
}

func TestRunPanicIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.sess.On("echo prepare", testutil.Reply{Panic: "boom"})

	require.PanicsWithValue(t, "boom", func() {
		_, _ = h.frigg.Run(context.Background(), RunOptions{})
	})
	assert.Len(t, h.gw.Destroyed(), 1)
	assert.True(t, h.dialer.sess.Closed)

	runs, err := h.frigg.Store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, api.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "unexpected fault: boom")
	assert.Equal(t, api.EventFailed, h.events.names()[len(h.events.names())-1])
}

func TestRunProvisionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.CreateErr = errors.New("quota exceeded")

	rep, err := h.frigg.Run(context.Background(), RunOptions{})
	var pe *provision.ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provision.PhaseProvisioning, rep.Phase)
	assert.Empty(t, h.gw.Destroyed())
	assert.Empty(t, h.dialer.dials)
}

func TestCatalog(t *testing.T) {
	h := newHarness(t, nil)

	images, err := h.frigg.Catalog(context.Background(), "", "images", "Ubuntu")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "2", images[0].ID)

	sizes, err := h.frigg.Catalog(context.Background(), "nightly", "sizes", "")
	require.NoError(t, err)
	assert.Len(t, sizes, 2)

	_, err = h.frigg.Catalog(context.Background(), "nightly", "regions", "")
	require.Error(t, err)
}
