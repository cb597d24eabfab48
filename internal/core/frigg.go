package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/frigg/internal/pipeline"
	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/provision"
	"github.com/3cpo-dev/frigg/internal/recipes"
	gssh "github.com/3cpo-dev/frigg/internal/ssh"
	"github.com/3cpo-dev/frigg/internal/telemetry"
	"github.com/3cpo-dev/frigg/pkg/api"
)

// RemoteSession is a connected pipeline session.
type RemoteSession interface {
	pipeline.Session
	Close() error
}

// Dialer opens sessions to ready nodes.
type Dialer interface {
	Dial(ctx context.Context, plan *Plan, user, host string, port int) (RemoteSession, error)
}

type hostForgetter interface {
	Forget(host string, port int) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev api.Event) error
}

type ReportArchiver interface {
	Upload(ctx context.Context, r api.RunReport) (string, error)
}

// Frigg runs profiles end to end. Only Config and Registry are required.
type Frigg struct {
	Config   prov.Config
	Registry *prov.Registry
	Env      RunEnv

	Store   *Store
	Metrics *telemetry.Collector
	Events  EventPublisher
	Archive ReportArchiver

	Dialer  Dialer
	Resolve provision.Resolver
	Probe   provision.Prober
}

type RunOptions struct {
	Profile string
	// Platforms and Sites enable the optional suites of recipes that have them.
	Platforms bool
	Sites     bool
	// FirewallSources limits ssh/http on the node to these addresses.
	FirewallSources []string
}

// Run executes one profile: preflight, selection, guarded provisioning and
// pipeline, teardown, reporting. The returned report is never nil; the
// error is the run verdict.
func (f *Frigg) Run(ctx context.Context, opts RunOptions) (*api.RunReport, error) {
	r := &run{
		f:      f,
		report: &api.RunReport{ID: uuid.NewString(), Profile: opts.Profile, Status: api.RunRunning, StartedAt: time.Now().UTC()},
	}
	defer func() {
		if p := recover(); p != nil {
			if !r.finished {
				r.closeSession()
				r.finish(ctx, fmt.Errorf("unexpected fault: %v", p))
			}
			panic(p)
		}
	}()
	err := r.execute(ctx, opts)
	r.finish(ctx, err)
	return r.report, err
}

type run struct {
	f      *Frigg
	report *api.RunReport
	plan   *Plan
	pipe   pipeline.Pipeline
	sess   RemoteSession

	provisionStart time.Time
	provisioned    bool
	finished       bool
}

func (r *run) execute(ctx context.Context, opts RunOptions) error {
	plan, err := Preflight(r.f.Config, r.f.Registry, opts.Profile)
	if err != nil {
		return err
	}
	r.plan = plan
	r.report.Profile = plan.ProfileName
	r.report.Provider = plan.Profile.Provider
	r.report.Pipeline = plan.Profile.Pipeline

	image, size, err := r.selectResources(ctx)
	if err != nil {
		return err
	}
	r.report.Image, r.report.Size = image.Name, size.Name

	probe := r.f.Probe
	if probe == nil {
		probe = provision.TCPProbe(5*time.Second, 5*time.Minute)
	}
	guard := &provision.Guard{
		Provisioner: &provision.Provisioner{
			Gateway:  plan.Gateway,
			Resolve:  r.f.Resolve,
			Probe:    probe,
			Observer: r.observe,
		},
		HookPolicy: plan.HookPolicy,
	}
	guard.BeforeDestroy = r.beforeDestroy

	req := provision.Request{
		Name:          nodeName(plan.Profile.NamePrefix, r.f.Env, r.report.ID),
		Image:         image,
		Size:          size,
		Region:        plan.Profile.Region,
		AuthorizedKey: plan.AuthorizedKey,
		Tags:          []string{"frigg", "run-" + r.report.ID},
	}
	out, err := guard.Run(ctx, req, func(ctx context.Context, node *provision.Node) error {
		return r.configure(ctx, node, opts)
	})
	r.closeSession()
	r.recordOutcome(out, err)
	return err
}

func (r *run) selectResources(ctx context.Context) (prov.Entry, prov.Entry, error) {
	gw := r.plan.Gateway
	images, err := gw.ListImages(ctx)
	if err != nil {
		return prov.Entry{}, prov.Entry{}, &provision.CatalogError{Kind: "image", Err: err}
	}
	image, err := provision.Select("image", images, r.plan.Profile.Image)
	if err != nil {
		return prov.Entry{}, prov.Entry{}, err
	}
	sizes, err := gw.ListSizes(ctx)
	if err != nil {
		return prov.Entry{}, prov.Entry{}, &provision.CatalogError{Kind: "size", Err: err}
	}
	size, err := provision.Select("size", sizes, r.plan.Profile.Size)
	if err != nil {
		return prov.Entry{}, prov.Entry{}, err
	}
	log.Info().Str("image", image.Name).Str("size", size.Name).Msg("selected")
	return image, size, nil
}

func (r *run) configure(ctx context.Context, node *provision.Node, opts RunOptions) error {
	ev := log.Info().Str("host", node.Address()).Str("ip", node.PublicIP())
	if node.Password != "" {
		ev = ev.Str("root_password", node.Password)
	}
	ev.Msg("provisioning complete, you can ssh as root to the node")

	params := recipes.Params{
		Domain:          node.Address(),
		NodeName:        node.Name,
		Email:           r.plan.Profile.Email,
		Dist:            r.f.Env.Dist,
		DBPassword:      r.plan.Profile.DBPassword,
		FirewallSources: opts.FirewallSources,
		Platforms:       opts.Platforms,
		Sites:           opts.Sites,
	}
	if params.DBPassword == "" {
		params.DBPassword = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	pipe, err := LoadPipeline(r.plan.Profile.Pipeline, params)
	if err != nil {
		return err
	}
	r.pipe = pipe

	sess, err := r.session(ctx, node)
	if err != nil {
		return err
	}
	runner := r.runner(sess)
	res, err := runner.Run(ctx, pipe.Steps)
	r.report.Steps = stepReports(res.Steps)
	if res.Failure != nil {
		r.report.Failure = failureReport(res.Failure)
	}
	if err != nil {
		return err
	}
	return res.Err()
}

func (r *run) beforeDestroy(ctx context.Context, node *provision.Node, _ error) error {
	if len(r.pipe.BeforeDestroy) == 0 {
		return nil
	}
	sess, err := r.session(ctx, node)
	if err != nil {
		return err
	}
	res, err := r.runner(sess).Run(ctx, r.pipe.BeforeDestroy)
	r.report.BeforeDestroy = stepReports(res.Steps)
	if err != nil {
		return err
	}
	return res.Err()
}

func (r *run) session(ctx context.Context, node *provision.Node) (RemoteSession, error) {
	if r.sess != nil {
		return r.sess, nil
	}
	dialer := r.f.Dialer
	if dialer == nil {
		dialer = &SSHDialer{Config: r.f.Config}
	}
	port := node.SSHPort
	if port == 0 {
		port = r.f.Config.SSH.Port
	}
	user := r.plan.Profile.SSHUser
	if user == "" {
		user = node.SSHUser
	}
	if user == "" {
		user = "root"
	}
	sess, err := dialer.Dial(ctx, r.plan, user, node.Address(), port)
	if err != nil {
		return nil, &provision.ProvisionError{Stage: provision.StageConnect, Node: node.Name,
			Err: fmt.Errorf("connect to %s@%s: %w", user, node.Address(), err)}
	}
	r.sess = sess
	return sess, nil
}

func (r *run) closeSession() {
	if r.sess != nil {
		_ = r.sess.Close()
		r.sess = nil
	}
}

func (r *run) runner(sess pipeline.Session) *pipeline.Runner {
	return &pipeline.Runner{
		Session:        sess,
		DefaultTimeout: r.plan.CommandTimeout,
		Hooks: pipeline.Hooks{
			StepStarted: func(_ int, s pipeline.Step) {
				r.publish(api.EventStepStarted, &api.StepReport{Name: s.Name, Status: string(api.RunRunning)})
			},
			StepFinished: func(_ int, sr pipeline.StepResult) {
				rep := stepReport(sr)
				if r.f.Metrics != nil {
					r.f.Metrics.ObserveStep(sr.Name, string(sr.Status), sr.Duration)
				}
				r.publish(api.EventStepFinished, &rep)
			},
		},
	}
}

func (r *run) observe(node *provision.Node, _, to provision.State) {
	r.report.Node = nodeInfo(node)
	switch to {
	case provision.StateProvisioning:
		r.provisionStart = time.Now()
		r.publish(api.EventProvisioning, nil)
	case provision.StateReady:
		r.provisioned = true
		if r.f.Metrics != nil {
			r.f.Metrics.ObserveProvision(r.plan.Profile.Provider, time.Since(r.provisionStart), true)
		}
		r.publish(api.EventReady, nil)
	case provision.StateDestroyed:
		r.report.Destroyed = true
		r.publish(api.EventDestroyed, nil)
	}
}

func (r *run) recordOutcome(out *provision.Outcome, err error) {
	if !r.provisioned && !r.provisionStart.IsZero() && r.f.Metrics != nil {
		r.f.Metrics.ObserveProvision(r.plan.Profile.Provider, time.Since(r.provisionStart), false)
	}
	if out == nil {
		return
	}
	if out.Node != nil {
		r.report.Node = nodeInfo(out.Node)
		if out.Node.State() == provision.StateDestroyed && !out.Node.Persistent {
			r.forgetHost(out.Node)
		}
	}
	if out.Teardown != nil {
		r.report.TeardownWarning = out.Teardown.Error()
		r.publish(api.EventLeaked, nil)
	}
	var sf *pipeline.StepFailure
	if errors.As(err, &sf) && r.report.Failure == nil {
		r.report.Failure = failureReport(sf)
	}
}

func (r *run) forgetHost(node *provision.Node) {
	f, ok := r.f.Dialer.(hostForgetter)
	if r.f.Dialer == nil {
		f, ok = &SSHDialer{Config: r.f.Config}, true
	}
	if !ok {
		return
	}
	if err := f.Forget(node.Address(), node.SSHPort); err != nil {
		log.Debug().Err(err).Msg("could not forget host key")
	}
}

// finish fills in the verdict and hands the report to every sink. Sink
// failures are logged and never change the verdict.
func (r *run) finish(ctx context.Context, err error) {
	r.finished = true
	rep := r.report
	rep.FinishedAt = time.Now().UTC()
	if err == nil {
		rep.Status = api.RunSucceeded
	} else {
		rep.Status = api.RunFailed
		rep.Phase = provision.Phase(err)
		rep.Error = err.Error()
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err == nil {
		r.publishCtx(sctx, api.EventVerified, nil, rep)
	} else {
		r.publishCtx(sctx, api.EventFailed, nil, rep)
	}
	if s := r.f.Store; s != nil {
		if serr := s.Record(sctx, *rep); serr != nil {
			log.Warn().Err(serr).Msg("could not record run")
		}
	}
	if m := r.f.Metrics; m != nil {
		m.ObserveRun(*rep)
		if perr := m.Push(sctx, rep.Profile); perr != nil {
			log.Warn().Err(perr).Msg("could not push metrics")
		}
	}
	if a := r.f.Archive; a != nil {
		if url, aerr := a.Upload(sctx, *rep); aerr != nil {
			log.Warn().Err(aerr).Msg("could not archive report")
		} else {
			log.Info().Str("url", url).Msg("report archived")
		}
	}

	logEv := log.Info()
	if err != nil {
		logEv = log.Error().Str("phase", rep.Phase)
	}
	logEv.Str("run", rep.ID).Str("status", string(rep.Status)).Dur("duration", rep.Duration()).Msg("run finished")
}

func (r *run) publish(event string, step *api.StepReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.publishCtx(ctx, event, step, nil)
}

func (r *run) publishCtx(ctx context.Context, event string, step *api.StepReport, rep *api.RunReport) {
	if r.f.Events == nil {
		return
	}
	ev := api.Event{RunID: r.report.ID, Event: event, Time: time.Now().UTC(), Node: r.report.Node, Step: step, Report: rep}
	if err := r.f.Events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("could not publish event")
	}
}

func nodeInfo(n *provision.Node) *api.NodeInfo {
	return &api.NodeInfo{ID: n.ID, Name: n.Name, Host: n.Address(), PublicIP: n.PublicIP()}
}

func stepReport(sr pipeline.StepResult) api.StepReport {
	return api.StepReport{Name: sr.Name, Status: string(sr.Status), Executed: sr.Executed, DurationMS: sr.Duration.Milliseconds()}
}

func stepReports(in []pipeline.StepResult) []api.StepReport {
	out := make([]api.StepReport, 0, len(in))
	for _, sr := range in {
		out = append(out, stepReport(sr))
	}
	return out
}

func failureReport(f *pipeline.StepFailure) *api.FailureReport {
	return &api.FailureReport{
		Step:     f.Step,
		Command:  f.Command,
		ExitCode: f.ExitCode,
		TimedOut: f.TimedOut,
		Output:   f.CapturedOutput(),
	}
}

// SSHDialer connects over SSH with the plan's key, trusting new host keys
// on first use.
type SSHDialer struct {
	Config prov.Config
}

func (d *SSHDialer) Dial(ctx context.Context, plan *Plan, user, host string, port int) (RemoteSession, error) {
	load := gssh.TrustOnFirstUse
	if d.Config.SSH.StrictHostKeys {
		load = gssh.LoadKnownHostsCallback
	}
	hostKeys, err := load(d.Config.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	c := &gssh.Connector{
		Signer:      plan.Signer,
		HostKeys:    hostKeys,
		DialTimeout: time.Duration(d.Config.SSH.TimeoutSeconds) * time.Second,
		Retries:     d.Config.SSH.Retries,
		Backoff:     2 * time.Second,
	}
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		c.Echo = log.Logger
	}
	return c.Connect(ctx, host, user, port)
}

func (d *SSHDialer) Forget(host string, port int) error {
	return gssh.ForgetHost(d.Config.SSH.KnownHosts, host, port)
}

// Catalog lists the images or sizes of a profile's provider, optionally
// filtered by a substring.
func (f *Frigg) Catalog(ctx context.Context, profile, kind, match string) ([]prov.Entry, error) {
	_, p, err := ResolveProfile(f.Config, profile)
	if err != nil {
		return nil, err
	}
	gw, err := f.Registry.Open(p.Provider, f.Config)
	if err != nil {
		return nil, err
	}
	var entries []prov.Entry
	switch kind {
	case "images":
		entries, err = gw.ListImages(ctx)
	case "sizes":
		entries, err = gw.ListSizes(ctx)
	default:
		return nil, fmt.Errorf("unknown catalog %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if match == "" {
		return entries, nil
	}
	var out []prov.Entry
	for _, e := range entries {
		if strings.Contains(e.Name, match) {
			out = append(out, e)
		}
	}
	return out, nil
}
