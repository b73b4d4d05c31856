// Package graph is the host build graph the engine appends to. Integration
// never mutates a Graph directly: it describes what it wants added as a
// Batch, and the orchestrator applies batches once the whole pass succeeds.
package graph

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

var (
	ErrDuplicateTarget   = errors.New("target already defined")
	ErrDuplicateVariable = errors.New("variable already bound")
)

type TargetKind string

const (
	KindLibrary    TargetKind = "library"
	KindExecutable TargetKind = "executable"
	KindInterface  TargetKind = "interface"
	KindCustom     TargetKind = "custom"
)

func (k TargetKind) Valid() bool {
	switch k {
	case KindLibrary, KindExecutable, KindInterface, KindCustom:
		return true
	}
	return false
}

// Target is one node of the host graph. Handle is globally unique, usually
// "<namespace>::<name>".
type Target struct {
	Handle         string
	Kind           TargetKind
	Sources        []string
	Deps           []string
	OutputDir      string
	Shared         bool
	ExcludeFromAll bool
	// Origin is the dependency that contributed the target, empty for host targets.
	Origin string
}

type Binding struct {
	Name  string
	Value string
}

// Graph is the host's target graph. It is append-only: adding a target or
// variable that already exists is an error. Implementations must be safe for
// concurrent readers while a single writer appends.
type Graph interface {
	AddTarget(t Target) error
	AddVariable(name, value string) error
	Resolve(handle string) (Target, bool)
	Variables() map[string]string
}

// Batch is the set of additions one dependency wants to make.
type Batch struct {
	Origin   string
	Targets  []Target
	Bindings []Binding
}

func (b *Batch) AddTarget(t Target) {
	if t.Origin == "" {
		t.Origin = b.Origin
	}
	b.Targets = append(b.Targets, t)
}

func (b *Batch) Bind(name, value string) {
	b.Bindings = append(b.Bindings, Binding{Name: name, Value: value})
}

func (b *Batch) Handles() []string {
	out := make([]string, len(b.Targets))
	for i, t := range b.Targets {
		out[i] = t.Handle
	}
	return out
}

// CollisionError is a target handle or variable name a batch wants to add
// that is already taken, either by the graph (Other is empty) or by another
// batch.
type CollisionError struct {
	Origin string
	// Handle is the target handle, or the variable name when Variable is set.
	Handle   string
	Variable bool
	Other    string
}

func (e *CollisionError) Error() string {
	what := "target"
	if e.Variable {
		what = "variable"
	}
	if e.Other == "" {
		return fmt.Sprintf("%s: %s %q: %v", e.Origin, what, e.Handle, e.Unwrap())
	}
	return fmt.Sprintf("%s: %s %q also contributed by %s: %v", e.Origin, what, e.Handle, e.Other, e.Unwrap())
}

func (e *CollisionError) Unwrap() error {
	if e.Variable {
		return ErrDuplicateVariable
	}
	return ErrDuplicateTarget
}

// Check reports every target handle and variable name in batches that is
// already defined in g or is defined twice across the batches themselves. It
// does not touch g. The returned error joins one *CollisionError per clash.
func Check(g Graph, batches ...*Batch) error {
	var errs []error
	targets := make(map[string]string)
	vars := make(map[string]string)
	bound := g.Variables()
	for _, b := range batches {
		if b == nil {
			continue
		}
		for _, t := range b.Targets {
			if _, ok := g.Resolve(t.Handle); ok {
				errs = append(errs, &CollisionError{Origin: b.Origin, Handle: t.Handle})
				continue
			}
			if prev, ok := targets[t.Handle]; ok {
				errs = append(errs, &CollisionError{Origin: b.Origin, Handle: t.Handle, Other: prev})
				continue
			}
			targets[t.Handle] = b.Origin
		}
		for _, v := range b.Bindings {
			if _, ok := bound[v.Name]; ok {
				errs = append(errs, &CollisionError{Origin: b.Origin, Handle: v.Name, Variable: true})
				continue
			}
			if prev, ok := vars[v.Name]; ok {
				errs = append(errs, &CollisionError{Origin: b.Origin, Handle: v.Name, Variable: true, Other: prev})
				continue
			}
			vars[v.Name] = b.Origin
		}
	}
	return errors.Join(errs...)
}

// Collisions unpacks the errors returned by Check.
func Collisions(err error) []*CollisionError {
	var out []*CollisionError
	if err == nil {
		return out
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Collisions(e)...)
		}
		return out
	}
	var ce *CollisionError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}

// Apply appends b to g, targets first. Callers are expected to Check first;
// Apply stops at the first error and does not roll back.
func Apply(g Graph, b *Batch) error {
	if b == nil {
		return nil
	}
	for _, t := range b.Targets {
		if err := g.AddTarget(t); err != nil {
			return err
		}
	}
	for _, v := range b.Bindings {
		if err := g.AddVariable(v.Name, v.Value); err != nil {
			return err
		}
	}
	return nil
}

// Memory is an in-memory Graph.
type Memory struct {
	mu      sync.RWMutex
	targets map[string]Target
	order   []string
	vars    map[string]string
}

var _ Graph = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		targets: make(map[string]Target),
		vars:    make(map[string]string),
	}
}

func (m *Memory) AddTarget(t Target) error {
	if t.Handle == "" {
		return errors.New("target handle must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[t.Handle]; ok {
		return fmt.Errorf("%q: %w", t.Handle, ErrDuplicateTarget)
	}
	m.targets[t.Handle] = t
	m.order = append(m.order, t.Handle)
	return nil
}

func (m *Memory) AddVariable(name, value string) error {
	if name == "" {
		return errors.New("variable name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vars[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrDuplicateVariable)
	}
	m.vars[name] = value
	return nil
}

func (m *Memory) Resolve(handle string) (Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[handle]
	return t, ok
}

func (m *Memory) Variables() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.vars)
}

// Targets returns every target in insertion order.
func (m *Memory) Targets() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Target, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, m.targets[h])
	}
	return out
}

// VariableNames returns the bound variable names sorted.
func (m *Memory) VariableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.vars))
	for n := range m.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
