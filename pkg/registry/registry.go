// Package registry holds the declarations of one configuration pass: the
// first locator declared for a name wins and every later declaration must
// match it exactly.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/locator"
)

type Entry struct {
	Name        string
	Locator     locator.Locator
	Fingerprint locator.Fingerprint
	DeclaredAt  time.Time
}

// ConflictError reports a second declaration of Name whose payload differs
// from the accepted one.
type ConflictError struct {
	Name      string
	Existing  locator.Locator
	Requested locator.Locator
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%q already declared as %s %s, cannot redeclare as %s %s",
		e.Name, e.Existing.Kind(), e.Existing, e.Requested.Kind(), e.Requested)
}

func (e *ConflictError) Unwrap() error { return deperr.ErrConflictingDeclaration }

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	now     func() time.Time
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Declare records loc for name. Re-declaring an identical locator returns
// the original entry. A different locator returns *ConflictError and leaves
// the accepted entry unchanged.
func (r *Registry) Declare(name string, loc locator.Locator) (Entry, error) {
	if name == "" {
		return Entry{}, errors.New("declaration name must not be empty")
	}
	if loc == nil {
		return Entry{}, fmt.Errorf("declaration %q has no locator", name)
	}
	if err := loc.Validate(); err != nil {
		return Entry{}, fmt.Errorf("declaration %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		if locator.Equal(existing.Locator, loc) {
			return existing, nil
		}
		return existing, &ConflictError{Name: name, Existing: existing.Locator, Requested: loc}
	}

	e := Entry{
		Name:        name,
		Locator:     loc,
		Fingerprint: locator.FingerprintOf(name, loc),
		DeclaredAt:  r.now(),
	}
	r.entries[name] = e
	r.order = append(r.order, name)
	return e, nil
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns the accepted declarations in declaration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Reset forgets every declaration. Called at the start of a pass.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Entry)
	r.order = nil
}
