package provision

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/frigg/internal/providers"
)

// Resolver maps a public IP to the host name sessions should use.
type Resolver func(ctx context.Context, ip string) (string, error)

// Prober returns nil once host accepts connections on port.
type Prober func(ctx context.Context, host string, port int) error

// Request describes the node a run needs.
type Request struct {
	Name          string
	Image         providers.Entry
	Size          providers.Entry
	Region        string
	AuthorizedKey string
	Tags          []string
}

type Provisioner struct {
	Gateway  providers.Gateway
	Resolve  Resolver
	Probe    Prober
	Observer Observer
}

// Provision creates the node and waits until it is reachable. When the
// provider created a node but it never became usable, the node is returned
// together with the error so that it can still be destroyed. A nil node
// means nothing was created.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Node, error) {
	node := newNode(req.Name, p.Observer)
	if err := node.transition(StateProvisioning); err != nil {
		return nil, err
	}
	log.Info().Str("provider", p.Gateway.Name()).Str("name", req.Name).
		Str("image", req.Image.Name).Str("size", req.Size.Name).Msg("===> creating node")

	created, err := p.Gateway.CreateNode(ctx, providers.CreateNodeRequest{
		Name:          req.Name,
		Image:         req.Image,
		Size:          req.Size,
		Region:        req.Region,
		AuthorizedKey: req.AuthorizedKey,
		Tags:          req.Tags,
	})
	if created == nil {
		if err == nil {
			err = errors.New("provider returned no node")
		}
		return nil, &ProvisionError{Stage: StageCreate, Node: req.Name, Err: err}
	}
	node.Node = *created
	if node.Name == "" {
		node.Name = req.Name
	}
	if err != nil {
		return node, &ProvisionError{Stage: StageCreate, Node: req.Name, Err: err}
	}

	ip := node.PublicIP()
	if ip == "" {
		return node, &ProvisionError{Stage: StageAddress, Node: req.Name, Err: errors.New("node has no public address")}
	}
	resolve := p.Resolve
	if resolve == nil {
		resolve = ReverseLookup
	}
	host, err := resolve(ctx, ip)
	if err != nil || host == "" {
		log.Debug().Err(err).Str("ip", ip).Msg("no usable host name, using the address")
		host = ip
	}
	node.Host = host

	port := node.SSHPort
	if port == 0 {
		port = 22
	}
	if p.Probe != nil {
		if err := p.Probe(ctx, host, port); err != nil {
			return node, &ProvisionError{Stage: StageReach, Node: req.Name, Err: err}
		}
	}
	if err := node.transition(StateReady); err != nil {
		return node, err
	}
	log.Info().Str("id", node.ID).Str("host", node.Host).Str("ip", ip).Msg("node ready")
	return node, nil
}

// ReverseLookup resolves ip to its fully qualified name, keeping the name
// only if it resolves back to ip.
func ReverseLookup(ctx context.Context, ip string) (string, error) {
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		addrs, err := net.DefaultResolver.LookupHost(ctx, name)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a == ip {
				return name, nil
			}
		}
	}
	return "", errors.New("no forward-confirmed name")
}

// TCPProbe polls host:port until a TCP connection succeeds.
func TCPProbe(interval, timeout time.Duration) Prober {
	return func(ctx context.Context, host string, port int) error {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		return providers.PollUntil(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
			d := net.Dialer{Timeout: interval}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				log.Debug().Err(err).Str("addr", addr).Msg("waiting for node")
				return false, nil
			}
			_ = conn.Close()
			return true, nil
		})
	}
}
