// Package integrate splices a populated dependency into the host build
// graph. It reads the build description the dependency ships, evaluates it
// against the host's variables and the dependency's own directories, and
// returns the resulting targets and bindings as a graph.Batch.
package integrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/graph"
)

// Error is a missing or unusable build description.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e *Error) Unwrap() []error { return []error{deperr.ErrMalformed, e.Err} }

// Exported is the published result of integrating one dependency. It must
// not be modified once returned.
type Exported struct {
	Name      string
	Namespace string
	Targets   []string
	Variables map[string]string
	SourceDir string
	BinaryDir string
}

type Integrator struct {
	// FileName overrides DescriptionFileName.
	FileName string
	// BinaryDir maps a dependency name to its build output directory.
	BinaryDir func(name string) string

	mu        sync.Mutex
	published map[string]*Exported
}

func New(binaryDir func(name string) string) *Integrator {
	return &Integrator{BinaryDir: binaryDir, published: make(map[string]*Exported)}
}

// Integrate evaluates the build description under dir for name. When name
// was already published in this pass it returns the published set and a nil
// batch.
func (i *Integrator) Integrate(ctx context.Context, name, dir string, opts Options, host graph.Graph) (*Exported, *graph.Batch, error) {
	if e, ok := i.Lookup(name); ok {
		return e, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", deperr.ErrMalformed, err)
	}

	logger := log.FromContext(ctx).With("dep", name)

	fileName := i.FileName
	if fileName == "" {
		fileName = DescriptionFileName
	}
	descDir := dir
	if opts.SourceSubdir != "" {
		descDir = filepath.Join(dir, opts.SourceSubdir)
	}
	path := filepath.Join(descDir, fileName)

	desc, err := parseDescription(path)
	if err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}

	binaryDir := i.binaryDir(name, dir)
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating binary dir: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = name
	}

	evalCtx, flags, err := evalContext(desc, name, dir, binaryDir, opts, host)
	if err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}

	batch := &graph.Batch{Origin: name}
	exported := &Exported{
		Name:      name,
		Namespace: namespace,
		Variables: make(map[string]string),
		SourceDir: dir,
		BinaryDir: binaryDir,
	}

	targets, err := buildTargets(desc, evalCtx, namespace, descDir, binaryDir, flags)
	if err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}
	for _, t := range targets {
		batch.AddTarget(t)
		exported.Targets = append(exported.Targets, t.Handle)
	}

	prefix := bindingPrefix(name)
	bind := func(suffix, value string) bool {
		key := prefix + "_" + suffix
		if _, taken := exported.Variables[key]; taken {
			return false
		}
		batch.Bind(key, value)
		exported.Variables[key] = value
		return true
	}
	bind("SOURCE_DIR", dir)
	bind("BINARY_DIR", binaryDir)
	bind("POPULATED", "TRUE")
	for _, e := range desc.Exports {
		value, err := decodeExport(e, evalCtx)
		if err != nil {
			return nil, nil, &Error{Path: path, Err: err}
		}
		if !bind(bindingPrefix(e.Name), value) {
			return nil, nil, &Error{Path: path, Err: fmt.Errorf("export %q: %s_%s is already bound", e.Name, prefix, bindingPrefix(e.Name))}
		}
	}

	logger.Debug("integrated", "targets", len(exported.Targets), "namespace", namespace)
	return exported, batch, nil
}

// Publish marks e as the integrated set for its name for the rest of the pass.
func (i *Integrator) Publish(e *Exported) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.published == nil {
		i.published = make(map[string]*Exported)
	}
	i.published[e.Name] = e
}

func (i *Integrator) Lookup(name string) (*Exported, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.published[name]
	return e, ok
}

// Reset discards every published set. Called at the start of a pass.
func (i *Integrator) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.published = make(map[string]*Exported)
}

func (i *Integrator) binaryDir(name, dir string) string {
	if i.BinaryDir != nil {
		return i.BinaryDir(name)
	}
	return filepath.Join(filepath.Dir(dir), name+"-build")
}

// flags are the boolean options in effect for one integration.
type flags struct {
	shared         bool
	skipTests      bool
	excludeFromAll bool
}

func evalContext(desc *descriptionFile, name, dir, binaryDir string, opts Options, host graph.Graph) (*hcl.EvalContext, flags, error) {
	vars, err := desc.defaults()
	if err != nil {
		return nil, flags{}, err
	}

	// An override replaces the description's default; otherwise the default
	// stands, and an undeclared option reads as false.
	overlay := func(key string, override *bool) (bool, error) {
		if override != nil {
			vars[key] = cty.BoolVal(*override)
			return *override, nil
		}
		v, ok := vars[key]
		if !ok || v.IsNull() {
			vars[key] = cty.False
			return false, nil
		}
		if !v.IsKnown() || !v.Type().Equals(cty.Bool) {
			return false, fmt.Errorf("variable %q must default to a bool", key)
		}
		return v.True(), nil
	}
	var f flags
	if f.shared, err = overlay("shared", opts.Shared); err != nil {
		return nil, flags{}, err
	}
	if f.skipTests, err = overlay("skip_tests", opts.SkipTests); err != nil {
		return nil, flags{}, err
	}
	if f.excludeFromAll, err = overlay("exclude_from_all", opts.ExcludeFromAll); err != nil {
		return nil, flags{}, err
	}

	var hostVars map[string]string
	if host != nil {
		hostVars = host.Variables()
	}

	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"var":  objectOf(vars),
		"host": stringMap(hostVars),
		"dep": cty.ObjectVal(map[string]cty.Value{
			"name":       cty.StringVal(name),
			"source_dir": cty.StringVal(dir),
			"binary_dir": cty.StringVal(binaryDir),
		}),
	}}, f, nil
}

func buildTargets(desc *descriptionFile, ctx *hcl.EvalContext, namespace, srcDir, binaryDir string, opts flags) ([]graph.Target, error) {
	specs := make(map[string]targetSpec, len(desc.Targets))
	kept := make(map[string]bool, len(desc.Targets))
	for _, b := range desc.Targets {
		spec, err := decodeTarget(b, ctx)
		if err != nil {
			return nil, err
		}
		specs[b.Name] = spec
		kept[b.Name] = !(spec.Enabled != nil && !*spec.Enabled) && !(spec.Test && opts.skipTests)
	}

	var out []graph.Target
	for _, b := range desc.Targets {
		if !kept[b.Name] {
			continue
		}
		spec := specs[b.Name]

		kind := graph.TargetKind(spec.Kind)
		if kind == "" {
			kind = graph.KindLibrary
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("target %q: unknown kind %q", b.Name, spec.Kind)
		}

		deps := make([]string, 0, len(spec.Deps))
		for _, d := range spec.Deps {
			if strings.Contains(d, "::") {
				deps = append(deps, d)
				continue
			}
			if _, declared := specs[d]; !declared {
				return nil, fmt.Errorf("target %q depends on undeclared target %q", b.Name, d)
			}
			if !kept[d] {
				return nil, fmt.Errorf("target %q depends on excluded target %q", b.Name, d)
			}
			deps = append(deps, handle(namespace, d))
		}

		sources := make([]string, len(spec.Sources))
		for j, s := range spec.Sources {
			sources[j] = under(srcDir, s)
		}

		outputDir := binaryDir
		if spec.OutputDir != "" {
			outputDir = under(binaryDir, spec.OutputDir)
		}

		out = append(out, graph.Target{
			Handle:         handle(namespace, b.Name),
			Kind:           kind,
			Sources:        sources,
			Deps:           deps,
			OutputDir:      outputDir,
			Shared:         kind == graph.KindLibrary && opts.shared,
			ExcludeFromAll: opts.excludeFromAll,
		})
	}
	return out, nil
}

func handle(namespace, target string) string { return namespace + "::" + target }

func under(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// bindingPrefix upper-cases s and replaces anything outside [A-Z0-9_].
func bindingPrefix(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
