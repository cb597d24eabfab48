package vultr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/frigg/internal/providers"
)

const defaultAPI = "https://api.vultr.com/v2"

type Provider struct {
	token   string
	region  string
	tags    []string
	baseURL string
	client  *prov.RetryableHTTPClient

	PollInterval  time.Duration
	CreateTimeout time.Duration
}

// New is the registry factory for vultr.
func New(cfg prov.Config) (prov.Gateway, error) {
	c := cfg.Providers.Vultr
	if c.Token == "" {
		return nil, fmt.Errorf("vultr token missing; set providers.vultr.token or VULTR_TOKEN")
	}
	base := c.BaseURL
	if base == "" {
		base = defaultAPI
	}
	return &Provider{
		token:         c.Token,
		region:        c.Region,
		tags:          c.Tags,
		baseURL:       base,
		client:        prov.NewRetryableHTTPClient(30*time.Second, 5),
		PollInterval:  5 * time.Second,
		CreateTimeout: 10 * time.Minute,
	}, nil
}

func (p *Provider) Name() string { return "vultr" }

type vultrOS struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Family string `json:"family"`
}

type vultrPlan struct {
	ID   string `json:"id"`
	VCPU int    `json:"vcpu_count"`
	RAM  int    `json:"ram"`
	Disk int    `json:"disk"`
}

type vultrInstance struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	MainIP          string `json:"main_ip"`
	Status          string `json:"status"`
	PowerStatus     string `json:"power_status"`
	DefaultPassword string `json:"default_password"`
}

type vultrCreateReq struct {
	Region   string   `json:"region"`
	Plan     string   `json:"plan"`
	OSID     int      `json:"os_id"`
	Label    string   `json:"label"`
	Hostname string   `json:"hostname"`
	UserData string   `json:"user_data"`
	Tags     []string `json:"tags,omitempty"`
}

type instanceEnvelope struct {
	Instance vultrInstance `json:"instance"`
}

func (p *Provider) ListImages(ctx context.Context) ([]prov.Entry, error) {
	var resp struct {
		OS []vultrOS `json:"os"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/os?per_page=500", nil, &resp); err != nil {
		return nil, fmt.Errorf("list os: %w", err)
	}
	out := make([]prov.Entry, 0, len(resp.OS))
	for _, o := range resp.OS {
		out = append(out, prov.Entry{ID: strconv.Itoa(o.ID), Name: o.Name})
	}
	return out, nil
}

func (p *Provider) ListSizes(ctx context.Context) ([]prov.Entry, error) {
	var resp struct {
		Plans []vultrPlan `json:"plans"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/plans?per_page=500", nil, &resp); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make([]prov.Entry, 0, len(resp.Plans))
	for _, pl := range resp.Plans {
		out = append(out, prov.Entry{
			ID:   pl.ID,
			Name: fmt.Sprintf("%s %dMB %dvCPU", pl.ID, pl.RAM, pl.VCPU),
		})
	}
	return out, nil
}

func (p *Provider) CreateNode(ctx context.Context, req prov.CreateNodeRequest) (*prov.Node, error) {
	osID, err := strconv.Atoi(req.Image.ID)
	if err != nil {
		return nil, fmt.Errorf("vultr image id %q is not numeric", req.Image.ID)
	}
	region := req.Region
	if region == "" {
		region = p.region
	}
	userData, err := prov.BootstrapUserData(req.AuthorizedKey)
	if err != nil {
		return nil, fmt.Errorf("render user data: %w", err)
	}
	payload := vultrCreateReq{
		Region:   region,
		Plan:     req.Size.ID,
		OSID:     osID,
		Label:    req.Name,
		Hostname: req.Name,
		UserData: base64.StdEncoding.EncodeToString([]byte(userData)),
		Tags:     append(append([]string{}, p.tags...), req.Tags...),
	}
	var created instanceEnvelope
	if err := p.doJSON(ctx, http.MethodPost, "/instances", payload, &created); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	// The password is only returned by the create call.
	password := created.Instance.DefaultPassword
	id := created.Instance.ID
	log.Debug().Str("id", id).Str("label", req.Name).Msg("vultr instance requested")

	var cur vultrInstance
	err = prov.PollUntil(ctx, p.PollInterval, p.CreateTimeout, func(ctx context.Context) (bool, error) {
		var env instanceEnvelope
		if err := p.doJSON(ctx, http.MethodGet, "/instances/"+id, nil, &env); err != nil {
			log.Debug().Err(err).Str("id", id).Msg("poll instance")
			return false, nil
		}
		cur = env.Instance
		return cur.Status == "active" && cur.MainIP != "" && cur.MainIP != "0.0.0.0", nil
	})
	if err != nil {
		// The instance exists; hand back what we know so it can be destroyed.
		return &prov.Node{ID: id, Name: req.Name}, fmt.Errorf("wait for instance %s: %w", id, err)
	}
	return &prov.Node{
		ID:        cur.ID,
		Name:      cur.Label,
		PublicIPs: []string{cur.MainIP},
		Password:  password,
		SSHUser:   "root",
		SSHPort:   22,
	}, nil
}

func (p *Provider) DestroyNode(ctx context.Context, node prov.Node) error {
	if node.ID == "" {
		return fmt.Errorf("vultr destroy: node id is empty")
	}
	if err := p.doJSON(ctx, http.MethodDelete, "/instances/"+node.ID, nil, nil); err != nil {
		return fmt.Errorf("delete instance %s: %w", node.ID, err)
	}
	return nil
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var req *http.Request
	var err error
	if body != nil {
		buf, e := json.Marshal(body)
		if e != nil {
			return e
		}
		req, err = http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(buf))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vultr api status %d: %s", resp.StatusCode, string(errorBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
