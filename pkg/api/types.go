package api

import "time"

// v0 contains the public run report format.

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Lifecycle event names, published as <subject>.<event>.
const (
	EventProvisioning = "provisioning"
	EventReady        = "ready"
	EventStepStarted  = "step.started"
	EventStepFinished = "step.finished"
	EventFailed       = "failed"
	EventVerified     = "verified"
	EventDestroyed    = "destroyed"
	EventLeaked       = "leaked"
)

type NodeInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	PublicIP string `json:"public_ip"`
}

type StepReport struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Executed   int    `json:"executed"`
	DurationMS int64  `json:"duration_ms"`
}

type FailureReport struct {
	Step     string `json:"step"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Output   string `json:"output,omitempty"`
}

// RunReport is the record of one run, written to every configured sink.
type RunReport struct {
	ID       string    `json:"id"`
	Profile  string    `json:"profile"`
	Provider string    `json:"provider"`
	Pipeline string    `json:"pipeline"`
	Image    string    `json:"image,omitempty"`
	Size     string    `json:"size,omitempty"`
	Node     *NodeInfo `json:"node,omitempty"`
	Status   RunStatus `json:"status"`
	// Phase names where a failed run stopped.
	Phase           string         `json:"phase,omitempty"`
	Error           string         `json:"error,omitempty"`
	Failure         *FailureReport `json:"failure,omitempty"`
	Steps           []StepReport   `json:"steps,omitempty"`
	BeforeDestroy   []StepReport   `json:"before_destroy,omitempty"`
	Destroyed       bool           `json:"destroyed"`
	TeardownWarning string         `json:"teardown_warning,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

func (r RunReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Event is the payload of a lifecycle notification.
type Event struct {
	RunID  string      `json:"run_id"`
	Event  string      `json:"event"`
	Time   time.Time   `json:"time"`
	Node   *NodeInfo   `json:"node,omitempty"`
	Step   *StepReport `json:"step,omitempty"`
	Report *RunReport  `json:"report,omitempty"`
}
