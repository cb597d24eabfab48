package providers

import "context"

// Entry is one item of a provider catalog (an image or a size).
type Entry struct {
	ID   string
	Name string
}

// Node is what a provider reports about a machine it created.
type Node struct {
	ID        string
	Name      string
	PublicIPs []string
	// Password is the initial root password when the provider issues one.
	Password string
	SSHUser  string
	SSHPort  int
	// Persistent nodes outlive the run, so their host keys are kept.
	Persistent bool
	// Extra carries provider bookkeeping needed at destroy time.
	Extra map[string]string
}

// PublicIP returns the first public address or "".
func (n Node) PublicIP() string {
	if len(n.PublicIPs) == 0 {
		return ""
	}
	return n.PublicIPs[0]
}

type CreateNodeRequest struct {
	Name   string
	Image  Entry
	Size   Entry
	Region string
	// AuthorizedKey is installed as a trusted login key by the provider's own
	// deployment mechanism. It is the only deployment action done that way.
	AuthorizedKey string
	Tags          []string
}

// Gateway is the capability a cloud provider exposes to a run.
type Gateway interface {
	Name() string
	ListImages(ctx context.Context) ([]Entry, error)
	ListSizes(ctx context.Context) ([]Entry, error)
	// CreateNode blocks until the provider reports the node provisioned.
	CreateNode(ctx context.Context, req CreateNodeRequest) (*Node, error)
	DestroyNode(ctx context.Context, node Node) error
}
