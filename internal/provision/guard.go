package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// HookPolicy decides when the pre-teardown hook runs.
type HookPolicy string

const (
	HookAlways    HookPolicy = "always"
	HookOnSuccess HookPolicy = "on-success"
	HookOnFailure HookPolicy = "on-failure"
	HookNever     HookPolicy = "never"
)

func ParseHookPolicy(s string) (HookPolicy, error) {
	switch p := HookPolicy(s); p {
	case "":
		return HookOnSuccess, nil
	case HookAlways, HookOnSuccess, HookOnFailure, HookNever:
		return p, nil
	default:
		return "", &ConfigurationError{Field: "teardown_hook", Reason: fmt.Sprintf("unknown policy %q", s)}
	}
}

func (p HookPolicy) applies(runErr error) bool {
	switch p {
	case HookAlways:
		return true
	case HookOnFailure:
		return runErr != nil
	case HookNever:
		return false
	default:
		return runErr == nil
	}
}

// Work is the configuration run against a ready node.
type Work func(ctx context.Context, node *Node) error

// Hook runs right before destruction. runErr is the outcome of Work.
type Hook func(ctx context.Context, node *Node, runErr error) error

// Outcome describes one guarded run.
type Outcome struct {
	// Node is nil when provisioning failed before anything was created.
	Node *Node
	// Err is the run verdict. Teardown problems never change it.
	Err      error
	HookRan  bool
	HookErr  error
	Teardown *TeardownWarning
}

// Guard pairs node acquisition with a destroy that runs exactly once on
// every exit path, including panics inside Work.
type Guard struct {
	Provisioner   *Provisioner
	BeforeDestroy Hook
	HookPolicy    HookPolicy
	// DestroyTimeout bounds the destroy call, which runs even after ctx is
	// cancelled. Zero means five minutes.
	DestroyTimeout time.Duration
}

// Run provisions a node and runs work on it. A node that Provision returns
// together with an error, such as one created but never reachable, is still
// destroyed.
func (g *Guard) Run(ctx context.Context, req Request, work Work) (*Outcome, error) {
	node, err := g.Provisioner.Provision(ctx, req)
	out := &Outcome{Node: node, Err: err}
	if node == nil {
		return out, err
	}

	released := false
	defer func() {
		if released {
			return
		}
		r := recover()
		out.Err = fmt.Errorf("unexpected fault: %v", r)
		g.release(ctx, node, out)
		if r != nil {
			panic(r)
		}
	}()

	if out.Err == nil {
		out.Err = g.configure(ctx, node, work)
		g.runHook(ctx, node, out)
	}
	released = true
	g.release(ctx, node, out)
	return out, out.Err
}

func (g *Guard) configure(ctx context.Context, node *Node, work Work) error {
	if err := node.transition(StateConfiguring); err != nil {
		return err
	}
	err := work(ctx, node)
	next := StateVerified
	if err != nil {
		next = StateFailed
	}
	if terr := node.transition(next); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

func (g *Guard) runHook(ctx context.Context, node *Node, out *Outcome) {
	if g.BeforeDestroy == nil || !g.HookPolicy.applies(out.Err) {
		return
	}
	out.HookRan = true
	log.Info().Str("node", node.Name).Msg("===> running pre-teardown steps")
	if err := g.BeforeDestroy(ctx, node, out.Err); err != nil {
		out.HookErr = err
		log.Error().Err(err).Str("node", node.Name).Msg("pre-teardown steps failed")
		if out.Err == nil {
			out.Err = &HookError{Err: err}
		}
	}
}

func (g *Guard) release(ctx context.Context, node *Node, out *Outcome) {
	if err := node.transition(StateDestroying); err != nil {
		log.Warn().Err(err).Msg("unexpected node state before destroy")
	}
	timeout := g.DestroyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	gw := g.Provisioner.Gateway
	log.Info().Str("id", node.ID).Str("name", node.Name).Msg("===> destroying node")
	if err := gw.DestroyNode(dctx, node.Node); err != nil {
		out.Teardown = &TeardownWarning{Provider: gw.Name(), NodeID: node.ID, NodeName: node.Name, Err: err}
		log.Error().
			Err(err).
			Str("provider", gw.Name()).
			Str("id", node.ID).
			Str("name", node.Name).
			Str("ip", node.PublicIP()).
			Msg("NODE NOT DESTROYED: destroy it by hand to stop billing")
		return
	}
	if err := node.transition(StateDestroyed); err != nil {
		log.Warn().Err(err).Msg("unexpected node state after destroy")
	}
}
