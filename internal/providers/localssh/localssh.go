package localssh

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/frigg/internal/providers"
)

// Provider attaches to hosts that already exist. Each configured host is
// offered as an image; there is a single size. Nothing is billed, so destroy
// only logs.
type Provider struct {
	cfg providers.Config
}

// New is the registry factory for localssh.
func New(cfg providers.Config) (providers.Gateway, error) {
	if len(cfg.Providers.LocalSSH.Hosts) == 0 {
		return nil, fmt.Errorf("localssh: no hosts configured")
	}
	return &Provider{cfg: cfg}, nil
}

func (p *Provider) Name() string { return "localssh" }

func (p *Provider) ListImages(ctx context.Context) ([]providers.Entry, error) {
	_ = ctx
	var out []providers.Entry
	for _, h := range p.cfg.Providers.LocalSSH.Hosts {
		out = append(out, providers.Entry{ID: h.Name, Name: h.Name + " " + h.IP})
	}
	return out, nil
}

func (p *Provider) ListSizes(ctx context.Context) ([]providers.Entry, error) {
	_ = ctx
	return []providers.Entry{{ID: "existing", Name: "existing"}}, nil
}

func (p *Provider) CreateNode(ctx context.Context, req providers.CreateNodeRequest) (*providers.Node, error) {
	_ = ctx
	for _, h := range p.cfg.Providers.LocalSSH.Hosts {
		if h.Name != req.Image.ID {
			continue
		}
		user := h.User
		if user == "" {
			user = "root"
		}
		port := h.Port
		if port == 0 {
			port = 22
		}
		return &providers.Node{
			ID:         fmt.Sprintf("local-%s", h.Name),
			Name:       h.Name,
			PublicIPs:  []string{h.IP},
			SSHUser:    user,
			SSHPort:    port,
			Persistent: true,
		}, nil
	}
	return nil, fmt.Errorf("localssh: host %q not configured", req.Image.ID)
}

func (p *Provider) DestroyNode(ctx context.Context, node providers.Node) error {
	_ = ctx
	log.Info().Str("node", node.Name).Msg("localssh host detached; nothing to destroy")
	return nil
}
