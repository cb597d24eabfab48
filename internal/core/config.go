package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/frigg/internal/events"
	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/provision"
)

const appName = "frigg"

// ConfigDir resolves $XDG_CONFIG_HOME/frigg or ~/.config/frigg.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName)
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves config.yaml in ConfigDir. Tokens come from secrets.env next to the
// config file and from the environment, never from the YAML itself.
func LoadConfig(path string) (prov.Config, error) {
	var cfg prov.Config
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	applySecrets(&cfg, mergeEnv(secrets))
	applyDefaults(&cfg)
	return cfg, nil
}

func applySecrets(cfg *prov.Config, secrets map[string]string) {
	if t := secrets["VULTR_TOKEN"]; t != "" {
		cfg.Providers.Vultr.Token = t
	}
	if t := secrets["HCLOUD_TOKEN"]; t != "" {
		cfg.Providers.Hetzner.Token = t
	}
	if t := secrets["AWS_ACCESS_KEY_ID"]; t != "" {
		cfg.Report.AccessKey = t
	}
	if t := secrets["AWS_SECRET_ACCESS_KEY"]; t != "" {
		cfg.Report.SecretKey = t
	}
}

func applyDefaults(cfg *prov.Config) {
	dir := ConfigDir()
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	}
	if cfg.SSH.Retries == 0 {
		cfg.SSH.Retries = 10
	}
	if cfg.SSH.TimeoutSeconds == 0 {
		cfg.SSH.TimeoutSeconds = 15
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(dir, "frigg.db")
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = events.DefaultSubject
	}
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	cfg.Store.Path = expandHome(cfg.Store.Path)
}

// ResolveProfile picks the named profile, the configured default, or the
// only profile there is, and fills in its defaults.
func ResolveProfile(cfg prov.Config, name string) (string, prov.Profile, error) {
	if name == "" {
		name = cfg.DefaultProfile
	}
	if name == "" && len(cfg.Profiles) == 1 {
		for n := range cfg.Profiles {
			name = n
		}
	}
	if name == "" {
		return "", prov.Profile{}, &provision.ConfigurationError{Field: "profile",
			Reason: fmt.Sprintf("no profile selected, choose one of %s", strings.Join(profileNames(cfg), ", "))}
	}
	p, ok := cfg.Profiles[name]
	if !ok {
		return "", prov.Profile{}, &provision.ConfigurationError{Field: "profile", Reason: fmt.Sprintf("unknown profile %q", name)}
	}
	if p.Pipeline == "" {
		p.Pipeline = "aegir-apt"
	}
	if p.NamePrefix == "" {
		p.NamePrefix = "aegir"
	}
	if p.PublicKey == "" {
		p.PublicKey = "~/.ssh/id_rsa.pub"
	}
	p.PublicKey = expandHome(p.PublicKey)
	if p.PrivateKey == "" {
		p.PrivateKey = strings.TrimSuffix(p.PublicKey, ".pub")
	}
	p.PrivateKey = expandHome(p.PrivateKey)
	return name, p, nil
}

func profileNames(cfg prov.Config) []string {
	names := make([]string, 0, len(cfg.Profiles))
	for n := range cfg.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// RunEnv carries values taken from the process environment of a run.
type RunEnv struct {
	// Dist is the distribution channel, from DIST. Defaults to unstable.
	Dist string
	// BuildID suffixes the node name, from BUILD_ID.
	BuildID string
}

func EnvFromOS() RunEnv {
	env := RunEnv{Dist: os.Getenv("DIST"), BuildID: os.Getenv("BUILD_ID")}
	if env.Dist == "" {
		env.Dist = "unstable"
	}
	return env
}

// nodeName is prefix+BUILD_ID, or prefix+a short run id.
func nodeName(prefix string, env RunEnv, runID string) string {
	suffix := env.BuildID
	if suffix == "" {
		if id, err := uuid.Parse(runID); err == nil {
			suffix = strings.ReplaceAll(id.String(), "-", "")[:8]
		} else {
			suffix = runID
		}
	}
	return prefix + suffix
}
