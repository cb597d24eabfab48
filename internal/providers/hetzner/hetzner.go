// Package hetzner implements the provider gateway on top of the Hetzner Cloud API.
//
// The caller's public key is registered as an SSH key resource for the run and
// attached at server creation; it is removed again when the node is destroyed.
package hetzner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	prov "github.com/3cpo-dev/frigg/internal/providers"
)

const (
	extraSSHKeyID = "ssh_key_id"
	managedLabel  = "managed-by"
)

type Provider struct {
	client   *hcloud.Client
	location string
}

// New is the registry factory for hetzner.
func New(cfg prov.Config) (prov.Gateway, error) {
	c := cfg.Providers.Hetzner
	if c.Token == "" {
		return nil, fmt.Errorf("hetzner token missing; set providers.hetzner.token or HCLOUD_TOKEN")
	}
	return NewWithClient(hcloud.NewClient(hcloud.WithToken(c.Token), hcloud.WithApplication("frigg", "")), c.Location), nil
}

// NewWithClient wraps an existing hcloud client.
func NewWithClient(client *hcloud.Client, location string) *Provider {
	return &Provider{client: client, location: location}
}

func (p *Provider) Name() string { return "hetzner" }

func (p *Provider) ListImages(ctx context.Context) ([]prov.Entry, error) {
	images, err := p.client.Image.AllWithOpts(ctx, hcloud.ImageListOpts{
		Type: []hcloud.ImageType{hcloud.ImageTypeSystem},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	out := make([]prov.Entry, 0, len(images))
	for _, img := range images {
		out = append(out, prov.Entry{ID: strconv.FormatInt(img.ID, 10), Name: entryName(img.Name, img.Description)})
	}
	return out, nil
}

func (p *Provider) ListSizes(ctx context.Context) ([]prov.Entry, error) {
	types, err := p.client.ServerType.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list server types: %w", err)
	}
	out := make([]prov.Entry, 0, len(types))
	for _, st := range types {
		out = append(out, prov.Entry{ID: strconv.FormatInt(st.ID, 10), Name: entryName(st.Name, st.Description)})
	}
	return out, nil
}

func (p *Provider) CreateNode(ctx context.Context, req prov.CreateNodeRequest) (*prov.Node, error) {
	imageID, err := strconv.ParseInt(req.Image.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid image id: %s", req.Image.ID)
	}
	typeID, err := strconv.ParseInt(req.Size.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid server type id: %s", req.Size.ID)
	}

	key, owned, err := p.ensureSSHKey(ctx, req.Name, req.AuthorizedKey)
	if err != nil {
		return nil, err
	}

	opts := hcloud.ServerCreateOpts{
		Name:       req.Name,
		ServerType: &hcloud.ServerType{ID: typeID},
		Image:      &hcloud.Image{ID: imageID},
		SSHKeys:    []*hcloud.SSHKey{key},
		Labels:     map[string]string{managedLabel: "frigg"},
	}
	location := req.Region
	if location == "" {
		location = p.location
	}
	if location != "" {
		opts.Location = &hcloud.Location{Name: location}
	}

	res, _, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		if owned {
			if _, derr := p.client.SSHKey.Delete(ctx, key); derr != nil {
				log.Warn().Err(derr).Int64("ssh_key_id", key.ID).Msg("failed to remove ssh key after create failure")
			}
		}
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	node := &prov.Node{
		ID:       strconv.FormatInt(res.Server.ID, 10),
		Name:     res.Server.Name,
		Password: res.RootPassword,
		SSHUser:  "root",
		SSHPort:  22,
		Extra:    map[string]string{},
	}
	if owned {
		node.Extra[extraSSHKeyID] = strconv.FormatInt(key.ID, 10)
	}

	actions := append([]*hcloud.Action{res.Action}, res.NextActions...)
	if err := p.client.Action.WaitFor(ctx, actions...); err != nil {
		return node, fmt.Errorf("failed to wait for server creation: %w", err)
	}

	server, _, err := p.client.Server.GetByID(ctx, res.Server.ID)
	if err != nil {
		return node, fmt.Errorf("failed to get server: %w", err)
	}
	if server != nil {
		if ip := server.PublicNet.IPv4.IP; ip != nil {
			node.PublicIPs = append(node.PublicIPs, ip.String())
		}
		if ip := server.PublicNet.IPv6.IP; ip != nil && server.PublicNet.IPv4.IP == nil {
			// IPv6-only servers get a network; the host is ::1 of it.
			node.PublicIPs = append(node.PublicIPs, ip.String()+"1")
		}
	}
	return node, nil
}

func (p *Provider) DestroyNode(ctx context.Context, node prov.Node) error {
	id, err := strconv.ParseInt(node.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid server id: %s", node.ID)
	}
	res, _, err := p.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil {
		return fmt.Errorf("failed to delete server %d: %w", id, err)
	}
	if res != nil && res.Action != nil {
		if err := p.client.Action.WaitFor(ctx, res.Action); err != nil {
			return fmt.Errorf("failed to wait for server deletion: %w", err)
		}
	}
	if raw := node.Extra[extraSSHKeyID]; raw != "" {
		keyID, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			if _, err := p.client.SSHKey.Delete(ctx, &hcloud.SSHKey{ID: keyID}); err != nil {
				// The server is gone; a stray key costs nothing.
				log.Warn().Err(err).Int64("ssh_key_id", keyID).Msg("failed to delete ssh key")
			}
		}
	}
	return nil
}

// ensureSSHKey registers the public key, reusing an existing key with the same
// fingerprint. owned reports whether this run created it.
func (p *Provider) ensureSSHKey(ctx context.Context, name, authorizedKey string) (*hcloud.SSHKey, bool, error) {
	pub, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return nil, false, fmt.Errorf("parse public key: %w", err)
	}
	fingerprint := xssh.FingerprintLegacyMD5(pub)
	existing, _, err := p.client.SSHKey.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up ssh key: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	key, _, err := p.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: strings.TrimSpace(authorizedKey),
		Labels:    map[string]string{managedLabel: "frigg"},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create ssh key: %w", err)
	}
	return key, true, nil
}

func entryName(name, description string) string {
	if description == "" || description == name {
		return name
	}
	return name + " (" + description + ")"
}
