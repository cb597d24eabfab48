package providers

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

type cloudConfig struct {
	DisableRoot       bool     `yaml:"disable_root"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// BootstrapUserData returns a cloud-init document whose only job is to trust
// the caller's public key for root logins. Everything else is configured over
// SSH afterwards.
func BootstrapUserData(authorizedKey string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	doc := cloudConfig{SSHAuthorizedKeys: []string{strings.TrimSpace(authorizedKey)}}
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
