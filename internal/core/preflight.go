package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/frigg/internal/pipeline"
	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/provision"
	"github.com/3cpo-dev/frigg/internal/recipes"
	gssh "github.com/3cpo-dev/frigg/internal/ssh"
)

// Plan is everything a run needs that can be checked before any billable
// resource exists.
type Plan struct {
	ProfileName    string
	Profile        prov.Profile
	Gateway        prov.Gateway
	Signer         xssh.Signer
	AuthorizedKey  string
	HookPolicy     provision.HookPolicy
	CommandTimeout time.Duration
}

// Preflight validates the profile and loads the local credentials. Every
// failure is a *provision.ConfigurationError.
func Preflight(cfg prov.Config, reg *prov.Registry, profileName string) (*Plan, error) {
	name, p, err := ResolveProfile(cfg, profileName)
	if err != nil {
		return nil, err
	}
	plan := &Plan{ProfileName: name, Profile: p}

	if p.Provider == "" {
		return nil, &provision.ConfigurationError{Field: "provider", Reason: "not set"}
	}
	if !reg.Has(p.Provider) {
		return nil, &provision.ConfigurationError{Field: "provider",
			Reason: fmt.Sprintf("unknown provider %q, available: %s", p.Provider, strings.Join(reg.Names(), ", "))}
	}
	if strings.TrimSpace(p.Image) == "" {
		return nil, &provision.ConfigurationError{Field: "image", Reason: "no image criterion"}
	}
	if strings.TrimSpace(p.Size) == "" {
		return nil, &provision.ConfigurationError{Field: "size", Reason: "no size criterion"}
	}
	if p.CommandTimeoutSeconds < 0 {
		return nil, &provision.ConfigurationError{Field: "command_timeout_seconds", Reason: "must not be negative"}
	}
	plan.CommandTimeout = time.Duration(p.CommandTimeoutSeconds) * time.Second

	if plan.HookPolicy, err = provision.ParseHookPolicy(p.TeardownHook); err != nil {
		return nil, err
	}

	if _, err := os.Stat(p.PublicKey); err != nil {
		return nil, &provision.ConfigurationError{Field: "public_key",
			Reason: fmt.Sprintf("you need a public key at %s", p.PublicKey)}
	}
	if plan.AuthorizedKey, err = gssh.ReadAuthorizedKey(p.PublicKey); err != nil {
		return nil, &provision.ConfigurationError{Field: "public_key", Reason: err.Error()}
	}
	if plan.Signer, err = gssh.LoadPrivateKeySigner(p.PrivateKey); err != nil {
		return nil, &provision.ConfigurationError{Field: "private_key",
			Reason: fmt.Sprintf("cannot run remote commands without a usable private key: %v", err)}
	}
	if !samePublicKey(plan.Signer.PublicKey(), plan.AuthorizedKey) {
		return nil, &provision.ConfigurationError{Field: "private_key",
			Reason: fmt.Sprintf("%s does not belong to %s", p.PrivateKey, p.PublicKey)}
	}

	if _, err := LoadPipeline(p.Pipeline, recipes.Params{Domain: "node.invalid", NodeName: "preflight"}); err != nil {
		return nil, &provision.ConfigurationError{Field: "pipeline", Reason: err.Error()}
	}

	if plan.Gateway, err = reg.Open(p.Provider, cfg); err != nil {
		var ce *provision.ConfigurationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &provision.ConfigurationError{Field: "providers." + p.Provider, Reason: err.Error()}
	}
	return plan, nil
}

func samePublicKey(key xssh.PublicKey, authorized string) bool {
	parsed, _, _, _, err := xssh.ParseAuthorizedKey([]byte(authorized))
	if err != nil {
		return false
	}
	return string(parsed.Marshal()) == string(key.Marshal())
}

// LoadPipeline builds a built-in recipe or reads an HCL pipeline file.
func LoadPipeline(ref string, params recipes.Params) (pipeline.Pipeline, error) {
	if r, ok := recipes.Lookup(ref); ok {
		p := r.Build(params)
		return p, p.Validate()
	}
	if strings.HasSuffix(ref, ".hcl") {
		return pipeline.LoadHCL(expandHome(ref), params.Variables())
	}
	return pipeline.Pipeline{}, fmt.Errorf("unknown pipeline %q, use one of %s or a .hcl file",
		ref, strings.Join(recipes.Names(), ", "))
}
