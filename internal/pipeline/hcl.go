package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Variables are exposed to pipeline files as var.<name>.
type Variables map[string]string

type fileRoot struct {
	Name          string      `hcl:"name,optional"`
	Steps         []*stepBody `hcl:"step,block"`
	BeforeDestroy []*stepBody `hcl:"before_destroy,block"`
}

type stepBody struct {
	Name     string         `hcl:"name,label"`
	Timeout  string         `hcl:"timeout,optional"`
	Run      []string       `hcl:"run,optional"`
	Commands []*commandBody `hcl:"command,block"`
	Uploads  []*uploadBody  `hcl:"upload,block"`
}

type commandBody struct {
	Run     string `hcl:"run"`
	PTY     *bool  `hcl:"pty,optional"`
	Timeout string `hcl:"timeout,optional"`
}

type uploadBody struct {
	Source      string `hcl:"source"`
	Destination string `hcl:"destination"`
	Mode        string `hcl:"mode,optional"`
}

// LoadHCL reads a pipeline file. Relative upload sources resolve against
// the file's directory.
func LoadHCL(path string, vars Variables) (Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := ParseHCL(src, path, vars)
	if err != nil {
		return Pipeline{}, err
	}
	dir := filepath.Dir(path)
	for _, steps := range [][]Step{p.Steps, p.BeforeDestroy} {
		for i := range steps {
			for j, up := range steps[i].Uploads {
				if !filepath.IsAbs(up.Source) {
					steps[i].Uploads[j].Source = filepath.Join(dir, up.Source)
				}
			}
		}
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// ParseHCL decodes a pipeline from source. filename is used in diagnostics.
func ParseHCL(src []byte, filename string, vars Variables) (Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Pipeline{}, fmt.Errorf("failed to parse pipeline %s: %w", filename, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, evalContext(vars), &root)
	if diags.HasErrors() {
		return Pipeline{}, fmt.Errorf("failed to decode pipeline %s: %w", filename, diags)
	}

	p := Pipeline{Name: root.Name}
	var err error
	if p.Steps, err = convertSteps(root.Steps); err != nil {
		return Pipeline{}, fmt.Errorf("%s: %w", filename, err)
	}
	if p.BeforeDestroy, err = convertSteps(root.BeforeDestroy); err != nil {
		return Pipeline{}, fmt.Errorf("%s: %w", filename, err)
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, fmt.Errorf("%s: %w", filename, err)
	}
	return p, nil
}

func evalContext(vars Variables) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		values[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
	}
}

func convertSteps(bodies []*stepBody) ([]Step, error) {
	steps := make([]Step, 0, len(bodies))
	for _, b := range bodies {
		if len(b.Run) > 0 && len(b.Commands) > 0 {
			return nil, fmt.Errorf("step %q: use either run or command blocks, not both", b.Name)
		}
		step := Step{Name: b.Name}
		var err error
		if step.Timeout, err = parseTimeout(b.Timeout); err != nil {
			return nil, fmt.Errorf("step %q: %w", b.Name, err)
		}
		for _, run := range b.Run {
			step.Commands = append(step.Commands, Cmd(run))
		}
		for _, c := range b.Commands {
			cmd := Cmd(c.Run)
			if c.PTY != nil {
				cmd.PTY = *c.PTY
			}
			if cmd.Timeout, err = parseTimeout(c.Timeout); err != nil {
				return nil, fmt.Errorf("step %q: %w", b.Name, err)
			}
			step.Commands = append(step.Commands, cmd)
		}
		for _, u := range b.Uploads {
			mode := os.FileMode(0o644)
			if u.Mode != "" {
				m, err := strconv.ParseUint(u.Mode, 8, 32)
				if err != nil {
					return nil, fmt.Errorf("step %q: invalid mode %q", b.Name, u.Mode)
				}
				mode = os.FileMode(m)
			}
			step.Uploads = append(step.Uploads, Upload{Source: u.Source, Destination: u.Destination, Mode: mode})
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return d, nil
}
