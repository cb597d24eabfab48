package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/3cpo-dev/frigg/internal/providers"
)

// FakeGateway is an in-memory providers.Gateway that records calls.
type FakeGateway struct {
	mu sync.Mutex

	Images []providers.Entry
	Sizes  []providers.Entry

	CatalogErr error
	// CreateErr fails CreateNode. With PartialOnError the node handle is
	// returned alongside the error, as a provider does when the node was
	// created but never became usable.
	CreateErr      error
	PartialOnError bool
	DestroyErr     error
	// IPs assigned to created nodes. Defaults to 192.0.2.10.
	IPs []string

	created   []providers.CreateNodeRequest
	destroyed []providers.Node
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Images: []providers.Entry{
			{ID: "1", Name: "Debian 12 x64 (bookworm)"},
			{ID: "2", Name: "Ubuntu 24.04 LTS x64"},
		},
		Sizes: []providers.Entry{
			{ID: "vc2-1c-1gb", Name: "vc2-1c-1gb 1024MB 1vCPU"},
			{ID: "vc2-2c-4gb", Name: "vc2-2c-4gb 4096MB 2vCPU"},
		},
	}
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) ListImages(context.Context) ([]providers.Entry, error) {
	if g.CatalogErr != nil {
		return nil, g.CatalogErr
	}
	return g.Images, nil
}

func (g *FakeGateway) ListSizes(context.Context) ([]providers.Entry, error) {
	if g.CatalogErr != nil {
		return nil, g.CatalogErr
	}
	return g.Sizes, nil
}

func (g *FakeGateway) CreateNode(_ context.Context, req providers.CreateNodeRequest) (*providers.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	ips := g.IPs
	if len(ips) == 0 {
		ips = []string{"192.0.2.10"}
	}
	node := &providers.Node{
		ID:        fmt.Sprintf("node-%d", len(g.created)),
		Name:      req.Name,
		PublicIPs: ips,
		Password:  "root-password",
		SSHUser:   "root",
		SSHPort:   22,
	}
	if g.CreateErr != nil {
		if g.PartialOnError {
			return node, g.CreateErr
		}
		return nil, g.CreateErr
	}
	return node, nil
}

func (g *FakeGateway) DestroyNode(_ context.Context, node providers.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = append(g.destroyed, node)
	return g.DestroyErr
}

func (g *FakeGateway) Created() []providers.CreateNodeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]providers.CreateNodeRequest(nil), g.created...)
}

func (g *FakeGateway) Destroyed() []providers.Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]providers.Node(nil), g.destroyed...)
}
