package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depfetch/depfetch/pkg/cache"
	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/graph"
	"github.com/depfetch/depfetch/pkg/integrate"
	"github.com/depfetch/depfetch/pkg/locator"
)

// fakePopulator serves pre-built source trees and scripted failures.
type fakePopulator struct {
	root string

	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
	seen  map[string]locator.Locator
	// block makes the named dependency wait for cancellation.
	block map[string]bool
}

func newFake(t *testing.T) *fakePopulator {
	t.Helper()
	return &fakePopulator{
		root:  t.TempDir(),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
		seen:  make(map[string]locator.Locator),
		block: make(map[string]bool),
	}
}

// tree writes a build description declaring one target named after the dependency.
func (f *fakePopulator) tree(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(f.root, name+"-src")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	desc := fmt.Sprintf("target %q {\n  sources = [\"%s.c\"]\n}\n", name, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, integrate.DescriptionFileName), []byte(desc), 0o644))
	return dir
}

func (f *fakePopulator) Populate(ctx context.Context, name string, loc locator.Locator) (cache.Result, error) {
	f.mu.Lock()
	f.calls[name]++
	f.seen[name] = loc
	var err error
	if q := f.errs[name]; len(q) > 0 {
		err, f.errs[name] = q[0], q[1:]
	}
	block := f.block[name]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return cache.Result{}, ctx.Err()
	}
	if err != nil {
		return cache.Result{}, err
	}
	if l, ok := loc.(locator.LocalPath); ok {
		return cache.Result{LocalPath: l.Path, AlreadyCached: true}, nil
	}
	return cache.Result{LocalPath: filepath.Join(f.root, name+"-src"), Fingerprint: locator.FingerprintOf(name, loc)}, nil
}

func (f *fakePopulator) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func vcs(ref string) locator.Locator {
	return locator.VCSRef{RepositoryURL: "https://example.com/dep.git", Ref: ref}
}

func newOrchestrator(t *testing.T, p Populator, g graph.Graph, cfg Config) *Orchestrator {
	t.Helper()
	bin := t.TempDir()
	in := integrate.New(func(name string) string { return filepath.Join(bin, name+"-build") })
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return New(p, in, g, cfg)
}

func TestRunPublishes(t *testing.T) {
	f := newFake(t)
	f.tree(t, "zlib")
	f.tree(t, "fmt")
	g := graph.NewMemory()
	o := newOrchestrator(t, f, g, Config{Workers: 2})

	report, err := o.Run(context.Background(), []Request{
		{Name: "zlib", Locator: vcs("v1.3")},
		{Name: "fmt", Locator: vcs("10.2.1"), Options: integrate.Options{Namespace: "fmtlib"}},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Failures)

	require.Len(t, report.Exported, 2)
	assert.Equal(t, "zlib", report.Exported[0].Name)
	assert.Equal(t, "fmt", report.Exported[1].Name)

	var handles []string
	for _, tgt := range g.Targets() {
		handles = append(handles, tgt.Handle)
	}
	assert.Equal(t, []string{"zlib::zlib", "fmtlib::fmt"}, handles, "batches apply in declaration order")
	assert.Equal(t, "TRUE", g.Variables()["FMT_POPULATED"])

	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Equal(t, 1, r.Attempts)
		e, ok := o.Registry().Lookup(r.Name)
		require.True(t, ok)
		assert.Equal(t, e.Fingerprint, r.Fingerprint)
	}
}

func TestRunAllOrNothing(t *testing.T) {
	for _, mode := range []Mode{FailFast, CollectAll} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFake(t)
			f.tree(t, "good")
			f.errs["bad"] = []error{fmt.Errorf("fetching: %w", deperr.ErrNotFound)}
			g := graph.NewMemory()
			require.NoError(t, g.AddTarget(graph.Target{Handle: "app"}))
			o := newOrchestrator(t, f, g, Config{Mode: mode, Workers: 1})

			report, err := o.Run(context.Background(), []Request{
				{Name: "good", Locator: vcs("v1")},
				{Name: "bad", Locator: vcs("v1")},
			})

			var pe *deperr.PassError
			require.ErrorAs(t, err, &pe)
			require.Len(t, pe.Failures, 1)
			assert.Equal(t, "bad", pe.Failures[0].Name)
			assert.Equal(t, deperr.KindNotFound, pe.Failures[0].Kind)

			assert.Empty(t, report.Exported)
			assert.Len(t, g.Targets(), 1, "nothing from the pass reaches the graph")
			assert.NotContains(t, g.Variables(), "GOOD_POPULATED")
		})
	}
}

func TestRunFailFastCancelsOthers(t *testing.T) {
	f := newFake(t)
	f.block["slow"] = true
	f.errs["bad"] = []error{deperr.ErrDigestMismatch}
	o := newOrchestrator(t, f, graph.NewMemory(), Config{Mode: FailFast, Workers: 2})

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = o.Run(context.Background(), []Request{
			{Name: "slow", Locator: vcs("v1")},
			{Name: "bad", Locator: vcs("v1")},
		})
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("fail-fast pass did not cancel the blocked dependency")
	}

	var pe *deperr.PassError
	require.ErrorAs(t, err, &pe)
	require.Len(t, pe.Failures, 1, "collateral cancellations are not reported")
	assert.Equal(t, "bad", pe.Failures[0].Name)
	assert.Equal(t, deperr.KindDigest, pe.Failures[0].Kind)
}

func TestRunCollectAllReportsEveryFailure(t *testing.T) {
	f := newFake(t)
	f.tree(t, "ok")
	f.errs["a"] = []error{deperr.ErrRefNotFound}
	f.errs["c"] = []error{deperr.ErrDigestMismatch}
	o := newOrchestrator(t, f, graph.NewMemory(), Config{Mode: CollectAll, Workers: 1})

	report, err := o.Run(context.Background(), []Request{
		{Name: "c", Locator: vcs("v1")},
		{Name: "ok", Locator: vcs("v1")},
		{Name: "a", Locator: vcs("v1")},
	})

	var pe *deperr.PassError
	require.ErrorAs(t, err, &pe)
	require.Len(t, pe.Failures, 2)
	assert.Equal(t, "c", pe.Failures[0].Name, "failures keep declaration order")
	assert.Equal(t, "a", pe.Failures[1].Name)

	require.Len(t, report.Results, 1)
	assert.Equal(t, "ok", report.Results[0].Name)
	assert.Equal(t, 1, f.callsFor("ok"))
}

func TestRunConflictingDeclarations(t *testing.T) {
	tests := map[string]struct {
		mode          Mode
		wantLib1Calls int
	}{
		"fail fast stops before population": {mode: FailFast, wantLib1Calls: 0},
		"collect all populates the rest":    {mode: CollectAll, wantLib1Calls: 1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFake(t)
			f.tree(t, "lib1")
			f.tree(t, "fmt")
			g := graph.NewMemory()
			o := newOrchestrator(t, f, g, Config{Mode: tc.mode})

			_, err := o.Run(context.Background(), []Request{
				{Name: "fmt", Locator: vcs("10.2.1")},
				{Name: "lib1", Locator: vcs("v1")},
				{Name: "fmt", Locator: vcs("11.0.0")},
			})

			require.ErrorIs(t, err, deperr.ErrConflictingDeclaration)
			var pe *deperr.PassError
			require.ErrorAs(t, err, &pe)
			require.Len(t, pe.Failures, 1)
			assert.Equal(t, "fmt", pe.Failures[0].Name)
			assert.Equal(t, deperr.KindConflict, pe.Failures[0].Kind)

			assert.Equal(t, 0, f.callsFor("fmt"), "an ambiguous dependency is never populated")
			assert.Equal(t, tc.wantLib1Calls, f.callsFor("lib1"))
			assert.Empty(t, g.Targets())

			// The accepted declaration is untouched.
			e, ok := o.Registry().Lookup("fmt")
			require.True(t, ok)
			assert.True(t, locator.Equal(vcs("10.2.1"), e.Locator))
		})
	}
}

func TestRunMergesIdenticalDeclarations(t *testing.T) {
	f := newFake(t)
	f.tree(t, "zlib")
	g := graph.NewMemory()
	o := newOrchestrator(t, f, g, Config{})

	report, err := o.Run(context.Background(), []Request{
		{Name: "zlib", Locator: vcs("v1.3")},
		{Name: "zlib", Locator: vcs("v1.3")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.callsFor("zlib"))
	assert.Len(t, report.Exported, 1)
	assert.Len(t, g.Targets(), 1)
}

func TestRunRetriesNetworkErrors(t *testing.T) {
	netErr := fmt.Errorf("dial tcp: %w", deperr.ErrNetwork)

	tests := map[string]struct {
		errs         []error
		retries      int
		wantErr      error
		wantAttempts int
	}{
		"recovers within budget":  {errs: []error{netErr, netErr}, retries: 2, wantAttempts: 3},
		"budget exhausted":        {errs: []error{netErr, netErr}, retries: 1, wantErr: deperr.ErrNetwork, wantAttempts: 2},
		"digest never retried":    {errs: []error{deperr.ErrDigestMismatch}, retries: 3, wantErr: deperr.ErrDigestMismatch, wantAttempts: 1},
		"not found never retried": {errs: []error{deperr.ErrNotFound}, retries: 3, wantErr: deperr.ErrNotFound, wantAttempts: 1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFake(t)
			f.tree(t, "dep")
			f.errs["dep"] = tc.errs
			o := newOrchestrator(t, f, graph.NewMemory(), Config{NetworkRetries: tc.retries})

			report, err := o.Run(context.Background(), []Request{{Name: "dep", Locator: vcs("v1")}})
			assert.Equal(t, tc.wantAttempts, f.callsFor("dep"))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAttempts, report.Results[0].Attempts)
		})
	}
}

func TestRunCancelDuringBackoff(t *testing.T) {
	f := newFake(t)
	f.tree(t, "dep")
	f.errs["dep"] = []error{fmt.Errorf("dial tcp: %w", deperr.ErrNetwork)}
	o := newOrchestrator(t, f, graph.NewMemory(), Config{NetworkRetries: 3, RetryBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for f.callsFor("dep") == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	_, err := o.Run(ctx, []Request{{Name: "dep", Locator: vcs("v1")}})
	require.ErrorIs(t, err, deperr.ErrCancelled)
	assert.Less(t, time.Since(start), time.Minute, "the backoff wait honours cancellation")
	assert.Equal(t, 1, f.callsFor("dep"))
}

func TestRunHandleCollision(t *testing.T) {
	f := newFake(t)
	f.tree(t, "lib1")
	f.tree(t, "zlib")
	g := graph.NewMemory()
	require.NoError(t, g.AddTarget(graph.Target{Handle: "lib1::lib1"}))
	o := newOrchestrator(t, f, g, Config{})

	report, err := o.Run(context.Background(), []Request{
		{Name: "zlib", Locator: vcs("v1")},
		{Name: "lib1", Locator: vcs("v1")},
	})

	var pe *deperr.PassError
	require.ErrorAs(t, err, &pe)
	require.Len(t, pe.Failures, 1)
	assert.Equal(t, "lib1", pe.Failures[0].Name)
	require.ErrorIs(t, err, graph.ErrDuplicateTarget)
	assert.Equal(t, deperr.KindMalformed, pe.Failures[0].Kind)

	assert.Len(t, report.Results, 2, "both populated")
	assert.Len(t, g.Targets(), 1, "zlib is not published either")
}

func TestRunVariableCollision(t *testing.T) {
	f := newFake(t)
	f.tree(t, "foo-bar")
	f.tree(t, "foo_bar")
	g := graph.NewMemory()
	require.NoError(t, g.AddVariable("FOO_BAR_SOURCE_DIR", "/host/own/value"))
	o := newOrchestrator(t, f, g, Config{})

	_, err := o.Run(context.Background(), []Request{
		{Name: "foo-bar", Locator: vcs("v1")},
		{Name: "foo_bar", Locator: vcs("v1")},
	})

	var pe *deperr.PassError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, graph.ErrDuplicateVariable)
	require.Len(t, pe.Failures, 2)
	for _, fail := range pe.Failures {
		assert.Equal(t, deperr.KindMalformed, fail.Kind)
	}
	assert.Equal(t, "/host/own/value", g.Variables()["FOO_BAR_SOURCE_DIR"])
	assert.Empty(t, g.Targets())
}

func TestRunSourceDirOverride(t *testing.T) {
	f := newFake(t)
	override := filepath.Join(t.TempDir(), "fmt-checkout")
	require.NoError(t, os.MkdirAll(override, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(override, integrate.DescriptionFileName), []byte(`target "fmt" {}`), 0o644))
	g := graph.NewMemory()
	o := newOrchestrator(t, f, g, Config{})

	declared := vcs("10.2.1")
	report, err := o.Run(context.Background(), []Request{{Name: "fmt", Locator: declared, SourceDir: override}})
	require.NoError(t, err)

	assert.Equal(t, locator.LocalPath{Path: override}, f.seen["fmt"], "population bypasses the declared locator")
	e, ok := o.Registry().Lookup("fmt")
	require.True(t, ok)
	assert.True(t, locator.Equal(declared, e.Locator), "the declaration keeps the declared locator")

	r := report.Results[0]
	assert.True(t, r.Overridden)
	assert.Equal(t, override, r.LocalPath)
	assert.Equal(t, locator.FingerprintOf("fmt", declared), r.Fingerprint)
	assert.Equal(t, override, g.Variables()["FMT_SOURCE_DIR"])
}

func TestRunMalformedDescription(t *testing.T) {
	f := newFake(t)
	dir := filepath.Join(f.root, "bad-src")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	o := newOrchestrator(t, f, graph.NewMemory(), Config{NetworkRetries: 3})

	_, err := o.Run(context.Background(), []Request{{Name: "bad", Locator: vcs("v1")}})
	require.ErrorIs(t, err, deperr.ErrMalformed)
	assert.Equal(t, 1, f.callsFor("bad"))
}

func TestRunCancelled(t *testing.T) {
	f := newFake(t)
	f.tree(t, "zlib")
	g := graph.NewMemory()
	o := newOrchestrator(t, f, g, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, []Request{{Name: "zlib", Locator: vcs("v1")}})

	require.ErrorIs(t, err, deperr.ErrCancelled)
	var pe *deperr.PassError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, deperr.KindCancelled, pe.Failures[0].Kind)
	assert.Empty(t, g.Targets())
}

func TestRunResetsBetweenPasses(t *testing.T) {
	f := newFake(t)
	f.tree(t, "fmt")
	o := newOrchestrator(t, f, graph.NewMemory(), Config{})

	_, err := o.Run(context.Background(), []Request{{Name: "fmt", Locator: vcs("10.2.1")}})
	require.NoError(t, err)

	// A new pass may pin a different version and a fresh graph.
	o.graph = graph.NewMemory()
	report, err := o.Run(context.Background(), []Request{{Name: "fmt", Locator: vcs("11.0.0")}})
	require.NoError(t, err)
	require.Len(t, report.Exported, 1)
}
