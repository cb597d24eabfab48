// Package provision acquires a node for one run and guarantees its release.
package provision

import (
	"fmt"

	"github.com/3cpo-dev/frigg/internal/providers"
)

type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateConfiguring  State = "configuring"
	StateVerified     State = "verified"
	StateFailed       State = "failed"
	StateDestroying   State = "destroying"
	StateDestroyed    State = "destroyed"
)

var transitions = map[State][]State{
	StateRequested:    {StateProvisioning},
	StateProvisioning: {StateReady, StateDestroying},
	StateReady:        {StateConfiguring, StateFailed, StateDestroying},
	StateConfiguring:  {StateVerified, StateFailed, StateDestroying},
	StateVerified:     {StateDestroying},
	StateFailed:       {StateDestroying},
	StateDestroying:   {StateDestroyed},
}

// Observer is told about every state change of a node.
type Observer func(n *Node, from, to State)

// Node is a machine owned by exactly one run.
type Node struct {
	providers.Node
	// Host is the address sessions connect to. Set once, before Ready.
	Host string

	state    State
	history  []State
	observer Observer
}

func newNode(name string, observer Observer) *Node {
	n := &Node{state: StateRequested, history: []State{StateRequested}, observer: observer}
	n.Name = name
	return n
}

func (n *Node) State() State { return n.state }

// History lists every state the node has been in, oldest first.
func (n *Node) History() []State { return append([]State(nil), n.history...) }

func (n *Node) transition(to State) error {
	from := n.state
	for _, allowed := range transitions[from] {
		if allowed == to {
			n.state = to
			n.history = append(n.history, to)
			if n.observer != nil {
				n.observer(n, from, to)
			}
			return nil
		}
	}
	return fmt.Errorf("node %s: invalid transition %s -> %s", n.Name, from, to)
}

// Address returns the host sessions connect to.
func (n *Node) Address() string {
	if n.Host != "" {
		return n.Host
	}
	return n.PublicIP()
}
