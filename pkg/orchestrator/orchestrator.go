// Package orchestrator runs a configuration pass: every requested
// dependency is declared, populated and integrated, and the resulting graph
// additions are published only if every dependency succeeded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/depfetch/depfetch/pkg/cache"
	"github.com/depfetch/depfetch/pkg/config"
	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/graph"
	"github.com/depfetch/depfetch/pkg/integrate"
	"github.com/depfetch/depfetch/pkg/locator"
	"github.com/depfetch/depfetch/pkg/registry"
)

const defaultRetryBackoff = 500 * time.Millisecond

type Mode int

const (
	// FailFast cancels outstanding work at the first failure.
	FailFast Mode = iota
	// CollectAll keeps going and reports every failure.
	CollectAll
)

func (m Mode) String() string {
	if m == CollectAll {
		return "collect-all"
	}
	return "fail-fast"
}

type Config struct {
	Workers        int
	Mode           Mode
	NetworkRetries int
	RetryBackoff   time.Duration
}

// Populator is the part of cache.Cache the orchestrator drives.
type Populator interface {
	Populate(ctx context.Context, name string, loc locator.Locator) (cache.Result, error)
}

type Request struct {
	Name    string
	Locator locator.Locator
	Options integrate.Options
	// SourceDir, when set, is used in place of fetching Locator.
	SourceDir string
}

type Result struct {
	Name          string
	Fingerprint   locator.Fingerprint
	LocalPath     string
	AlreadyCached bool
	Unverified    bool
	Commit        string
	Overridden    bool
	Attempts      int
	Duration      time.Duration
}

type Report struct {
	// Exported is in declaration order and empty unless the pass published.
	Exported []*integrate.Exported
	Results  []Result
	Failures []*deperr.Error
}

type Orchestrator struct {
	cache      Populator
	integrator *integrate.Integrator
	graph      graph.Graph
	registry   *registry.Registry
	cfg        Config

	// writer serializes integration and every mutation of graph.
	writer sync.Mutex
}

func New(p Populator, in *integrate.Integrator, g graph.Graph, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultWorkers
	}
	if cfg.NetworkRetries < 0 {
		cfg.NetworkRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Orchestrator{cache: p, integrator: in, graph: g, registry: registry.New(), cfg: cfg}
}

// Registry exposes the declarations of the most recent pass.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// job is one distinct declared name.
type job struct {
	req   Request
	entry registry.Entry

	result   Result
	exported *integrate.Exported
	batch    *graph.Batch
	err      error
	done     bool
}

// Run executes one pass over reqs. The returned error is a *deperr.PassError
// when any dependency failed, in which case nothing was added to the graph.
func (o *Orchestrator) Run(ctx context.Context, reqs []Request) (*Report, error) {
	logger := log.FromContext(ctx)
	o.registry.Reset()
	o.integrator.Reset()

	jobs, failures := o.declare(reqs)
	report := &Report{}

	if len(failures) > 0 && o.cfg.Mode == FailFast {
		report.Failures = failures
		return report, &deperr.PassError{Failures: failures}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				j.err = err
				return nil
			}
			j.err = o.process(gctx, j)
			j.done = j.err == nil
			if j.err != nil {
				logger.Error("dependency failed", "dep", j.req.Name, "err", j.err)
				if o.cfg.Mode == FailFast {
					return j.err
				}
			}
			return nil
		})
	}
	firstErr := g.Wait()

	for _, j := range jobs {
		switch {
		case j.done:
			report.Results = append(report.Results, j.result)
		case ctx.Err() != nil && isCancel(j.err):
			failures = append(failures, deperr.New(j.req.Name, fmt.Errorf("%w: %w", deperr.ErrCancelled, ctx.Err())))
		case firstErr != nil && j.err != firstErr && isCancel(j.err):
			// cancelled by another dependency's failure
		default:
			failures = append(failures, deperr.New(j.req.Name, j.err))
		}
	}
	failures = inDeclarationOrder(failures, reqs)

	if len(failures) == 0 {
		failures = o.publish(ctx, jobs, report)
	}
	if len(failures) > 0 {
		report.Failures = failures
		report.Exported = nil
		return report, &deperr.PassError{Failures: failures}
	}

	logger.Info("configuration pass complete", "dependencies", len(jobs))
	return report, nil
}

// declare registers every request. Identical duplicates collapse into the
// first; a conflicting name fails and is not populated at all.
func (o *Orchestrator) declare(reqs []Request) ([]*job, []*deperr.Error) {
	var jobs []*job
	byName := make(map[string]*job)
	failed := make(map[string]bool)
	var failures []*deperr.Error

	for _, req := range reqs {
		entry, err := o.registry.Declare(req.Name, req.Locator)
		if err != nil {
			if !failed[req.Name] {
				failures = append(failures, deperr.New(req.Name, err))
				failed[req.Name] = true
			}
			continue
		}
		if _, dup := byName[req.Name]; dup {
			continue
		}
		j := &job{req: req, entry: entry}
		byName[req.Name] = j
		jobs = append(jobs, j)
	}

	kept := jobs[:0]
	for _, j := range jobs {
		if !failed[j.req.Name] {
			kept = append(kept, j)
		}
	}
	return kept, failures
}

func (o *Orchestrator) process(ctx context.Context, j *job) error {
	start := time.Now()
	loc := j.entry.Locator
	if j.req.SourceDir != "" {
		loc = locator.LocalPath{Path: j.req.SourceDir}
	}

	res, attempts, err := o.populate(ctx, j.req.Name, loc)
	j.result = Result{
		Name:          j.req.Name,
		Fingerprint:   j.entry.Fingerprint,
		LocalPath:     res.LocalPath,
		AlreadyCached: res.AlreadyCached,
		Unverified:    res.Unverified,
		Commit:        res.Commit,
		Overridden:    j.req.SourceDir != "",
		Attempts:      attempts,
	}
	if err != nil {
		return err
	}

	o.writer.Lock()
	j.exported, j.batch, err = o.integrator.Integrate(ctx, j.req.Name, res.LocalPath, j.req.Options, o.graph)
	o.writer.Unlock()
	j.result.Duration = time.Since(start)
	return err
}

// populate retries transient network failures with exponential backoff.
func (o *Orchestrator) populate(ctx context.Context, name string, loc locator.Locator) (cache.Result, int, error) {
	logger := log.FromContext(ctx).With("dep", name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.NetworkRetries)), ctx)

	var (
		res      cache.Result
		attempts int
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		var err error
		res, err = o.cache.Populate(ctx, name, loc)
		if err != nil && !deperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		logger.Warn("retrying after network error", "attempt", attempts, "backoff", next, "err", err)
	})
	return res, attempts, err
}

// publish checks every batch against the graph and applies them in
// declaration order. Handle collisions fail the owning names and nothing is
// applied.
func (o *Orchestrator) publish(ctx context.Context, jobs []*job, report *Report) []*deperr.Error {
	o.writer.Lock()
	defer o.writer.Unlock()

	batches := make([]*graph.Batch, 0, len(jobs))
	for _, j := range jobs {
		batches = append(batches, j.batch)
	}

	if err := graph.Check(o.graph, batches...); err != nil {
		byOrigin := make(map[string][]error)
		var order []string
		for _, c := range graph.Collisions(err) {
			if _, ok := byOrigin[c.Origin]; !ok {
				order = append(order, c.Origin)
			}
			byOrigin[c.Origin] = append(byOrigin[c.Origin], c)
		}
		failures := make([]*deperr.Error, 0, len(order))
		for _, name := range order {
			failures = append(failures, deperr.New(name, fmt.Errorf("%w: %w", deperr.ErrMalformed, errors.Join(byOrigin[name]...))))
		}
		return failures
	}

	for _, j := range jobs {
		if err := graph.Apply(o.graph, j.batch); err != nil {
			return []*deperr.Error{deperr.New(j.req.Name, err)}
		}
		o.integrator.Publish(j.exported)
		report.Exported = append(report.Exported, j.exported)
		log.FromContext(ctx).Debug("published", "dep", j.req.Name, "targets", len(j.exported.Targets))
	}
	return nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func inDeclarationOrder(failures []*deperr.Error, reqs []Request) []*deperr.Error {
	rank := make(map[string]int, len(reqs))
	for i, r := range reqs {
		if _, ok := rank[r.Name]; !ok {
			rank[r.Name] = i
		}
	}
	sort.SliceStable(failures, func(i, k int) bool {
		return rank[failures[i].Name] < rank[failures[k].Name]
	})
	return failures
}
