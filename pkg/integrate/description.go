package integrate

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// DescriptionFileName is the build description a dependency ships at the
// root of its source tree.
const DescriptionFileName = "depfetch.hcl"

// descriptionFile is the top-level structure of a build description.
// Target bodies are kept raw and decoded once the evaluation context is
// known.
type descriptionFile struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Targets   []*targetBlock   `hcl:"target,block"`
	Exports   []*exportBlock   `hcl:"export,block"`
}

type variableBlock struct {
	Name    string         `hcl:"name,label"`
	Default hcl.Expression `hcl:"default,optional"`
}

type targetBlock struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type exportBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

type targetSpec struct {
	Kind      string   `hcl:"kind,optional"`
	Sources   []string `hcl:"sources,optional"`
	Deps      []string `hcl:"deps,optional"`
	OutputDir string   `hcl:"output_dir,optional"`
	Test      bool     `hcl:"test,optional"`
	Enabled   *bool    `hcl:"enabled,optional"`
}

func parseDescription(path string) (*descriptionFile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, diags
	}

	var desc descriptionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &desc); diags.HasErrors() {
		return nil, diags
	}

	seen := make(map[string]bool)
	for _, t := range desc.Targets {
		if !identRE.MatchString(t.Name) {
			return nil, fmt.Errorf("target %q: name is not a valid identifier", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("target %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	return &desc, nil
}

// defaults evaluates variable defaults. Defaults are literals; they cannot
// reference other variables.
func (d *descriptionFile) defaults() (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(d.Variables))
	for _, v := range d.Variables {
		if _, dup := vars[v.Name]; dup {
			return nil, fmt.Errorf("variable %q declared twice", v.Name)
		}
		val, diags := v.Default.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("variable %q: %w", v.Name, diags)
		}
		vars[v.Name] = val
	}
	return vars, nil
}

func decodeTarget(b *targetBlock, ctx *hcl.EvalContext) (targetSpec, error) {
	var spec targetSpec
	if diags := gohcl.DecodeBody(b.Body, ctx, &spec); diags.HasErrors() {
		return targetSpec{}, fmt.Errorf("target %q: %w", b.Name, diags)
	}
	return spec, nil
}

func decodeExport(e *exportBlock, ctx *hcl.EvalContext) (string, error) {
	var s string
	if diags := gohcl.DecodeExpression(e.Value, ctx, &s); diags.HasErrors() {
		return "", fmt.Errorf("export %q: %w", e.Name, diags)
	}
	return s, nil
}

func stringMap(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

func objectOf(m map[string]cty.Value) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(m)
}
