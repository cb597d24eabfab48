// Package recipes holds the built-in pipeline declarations.
package recipes

import (
	"sort"
	"strings"

	"github.com/3cpo-dev/frigg/internal/pipeline"
)

// Params are the run values a recipe is built from.
type Params struct {
	// Domain is the resolved host name of the node.
	Domain     string
	NodeName   string
	Email      string
	Dist       string
	DBPassword string
	// FirewallSources may reach ssh and http. Empty opens both to everyone.
	FirewallSources []string
	// SiteSuffix names test sites <platform>.<suffix>. Defaults to Domain.
	SiteSuffix string
	Platforms  bool
	Sites      bool
}

// Variables exposes the params to pipeline files.
func (p Params) Variables() pipeline.Variables {
	return pipeline.Variables{
		"domain":      p.Domain,
		"node_name":   p.NodeName,
		"email":       p.Email,
		"dist":        p.Dist,
		"db_password": p.DBPassword,
	}
}

type Recipe struct {
	Name        string
	Description string
	Build       func(Params) pipeline.Pipeline
}

var builtin = map[string]Recipe{}

func register(r Recipe) { builtin[r.Name] = r }

func Lookup(name string) (Recipe, bool) {
	r, ok := builtin[name]
	return r, ok
}

func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// asUser runs command through a login shell of a system user.
func asUser(user, command string) pipeline.Command {
	return pipeline.Cmd("su - -s /bin/sh " + user + " -c " + shellQuote(command))
}
