package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/frigg/internal/pipeline"
)

// ErrConfiguration is matched by every error that is raised before any
// billable resource exists because the run is misconfigured.
var ErrConfiguration = errors.New("configuration error")

type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// AmbiguousSelectionError reports a criterion that matched zero or several
// catalog entries.
type AmbiguousSelectionError struct {
	Kind      string
	Criterion string
	Matches   []string
}

func (e *AmbiguousSelectionError) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("%s %q matches nothing", e.Kind, e.Criterion)
	}
	return fmt.Sprintf("%s %q matches %d entries: %s", e.Kind, e.Criterion, len(e.Matches), strings.Join(e.Matches, ", "))
}

func (e *AmbiguousSelectionError) Unwrap() error { return ErrConfiguration }

// CatalogError means the provider could not list the images or sizes to
// select from.
type CatalogError struct {
	Kind string
	Err  error
}

func (e *CatalogError) Error() string { return fmt.Sprintf("list %ss: %v", e.Kind, e.Err) }
func (e *CatalogError) Unwrap() error { return e.Err }

// Provisioning stages.
const (
	StageCreate  = "create"
	StageAddress = "address"
	StageReach   = "reachability"
	StageConnect = "connect"
)

// ProvisionError means the node could not be brought to Ready.
type ProvisionError struct {
	Stage string
	Node  string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s (%s): %v", e.Node, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TeardownWarning means a node that was created could not be destroyed and
// may still be billing.
type TeardownWarning struct {
	Provider string
	NodeID   string
	NodeName string
	Err      error
}

func (w *TeardownWarning) Error() string {
	return fmt.Sprintf("destroy %s node %s (%s) failed, it may still be running: %v", w.Provider, w.NodeName, w.NodeID, w.Err)
}

func (w *TeardownWarning) Unwrap() error { return w.Err }

// HookError wraps a failure of the pre-teardown steps.
type HookError struct{ Err error }

func (e *HookError) Error() string { return "before destroy: " + e.Err.Error() }
func (e *HookError) Unwrap() error { return e.Err }

const (
	PhaseConfiguration = "configuration"
	PhaseSelection     = "selection"
	PhaseProvisioning  = "provisioning"
	PhaseSteps         = "step execution"
	PhaseTeardownHook  = "pre-teardown"
	PhaseTeardown      = "teardown"
	PhaseUnknown       = "run"
)

// Phase names the part of the run err came from.
func Phase(err error) string {
	var (
		sel  *AmbiguousSelectionError
		cat  *CatalogError
		prov *ProvisionError
		step *pipeline.StepFailure
		hook *HookError
		td   *TeardownWarning
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sel), errors.As(err, &cat):
		return PhaseSelection
	case errors.Is(err, ErrConfiguration):
		return PhaseConfiguration
	case errors.As(err, &prov):
		return PhaseProvisioning
	case errors.As(err, &hook):
		return PhaseTeardownHook
	case errors.As(err, &step):
		return PhaseSteps
	case errors.As(err, &td):
		return PhaseTeardown
	default:
		return PhaseUnknown
	}
}
