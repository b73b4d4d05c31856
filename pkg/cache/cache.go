// Package cache turns a (name, Locator) declaration into local content at
// most once per pin, across goroutines and across processes sharing one
// cache root.
//
// Each name has a persisted population record (see store.Record). Readers
// of a populated record take no lock; every transition out of empty, failed,
// or a stale fetching state happens under the per-name file lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/depfetch/depfetch/pkg/config"
	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/integrity"
	"github.com/depfetch/depfetch/pkg/locator"
	"github.com/depfetch/depfetch/pkg/source"
	"github.com/depfetch/depfetch/pkg/store"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultStaleAfter   = time.Hour
	defaultMemoSize     = 256
)

type Options struct {
	Store   store.Store
	Fetcher source.Fetcher
	// Resolver re-checks mutable refs. Defaults to Fetcher when it also
	// implements source.Resolver.
	Resolver source.Resolver

	// LockTimeout bounds the wait for another holder of a name's lock.
	LockTimeout  time.Duration
	PollInterval time.Duration
	// StaleAfter is how old a fetching record must be before it is
	// reclaimed, whatever its owner's state.
	StaleAfter time.Duration
	// Liveness overrides the owner check for fetching records.
	Liveness LivenessFunc

	// Refresh is config.RefreshAlways or config.RefreshExplicit.
	Refresh string
	// RefreshRequested forces mutable refs to be re-resolved under the
	// explicit policy.
	RefreshRequested bool
	// Offline forbids network access; only populated records are usable.
	Offline bool

	MemoSize int
}

type Result struct {
	LocalPath     string
	AlreadyCached bool
	Unverified    bool
	Commit        string
	Fingerprint   locator.Fingerprint
}

type Cache struct {
	opts  Options
	group singleflight.Group
	memo  *lru.Cache[locator.Fingerprint, Result]
	host  string
	pid   int
}

func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("cache: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("cache: fetcher is required")
	}
	if opts.Resolver == nil {
		if r, ok := opts.Fetcher.(source.Resolver); ok {
			opts.Resolver = r
		}
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = config.DefaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Refresh == "" {
		opts.Refresh = config.RefreshAlways
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = defaultMemoSize
	}

	memo, err := lru.New[locator.Fingerprint, Result](opts.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("cache: creating memo: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Cache{opts: opts, memo: memo, host: host, pid: os.Getpid()}, nil
}

// Store returns the store the cache populates.
func (c *Cache) Store() store.Store { return c.opts.Store }

// Evict removes everything stored for name. It waits for the name's lock so
// an in-flight fetch is never removed from under its writer.
func (c *Cache) Evict(ctx context.Context, name string) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	st := c.opts.Store
	if err := st.EnsureMeta(name); err != nil {
		return err
	}
	fl, err := lockName(ctx, st.LockPath(name), c.opts.LockTimeout, c.opts.PollInterval)
	if err != nil {
		return err
	}
	defer unlock(fl)

	if err := st.Remove(name); err != nil {
		return err
	}
	c.memo.Purge()
	log.FromContext(ctx).Debug("evicted", "dep", name)
	return nil
}

// Populate makes the content for (name, loc) available locally and returns
// where it is. Concurrent calls for the same pin fetch once; later callers
// observe AlreadyCached.
func (c *Cache) Populate(ctx context.Context, name string, loc locator.Locator) (Result, error) {
	if err := store.ValidateName(name); err != nil {
		return Result{}, err
	}
	if err := loc.Validate(); err != nil {
		return Result{}, err
	}
	fp := locator.FingerprintOf(name, loc)

	if local, ok := loc.(locator.LocalPath); ok {
		fetched, err := c.opts.Fetcher.Fetch(ctx, local, "")
		if err != nil {
			return Result{}, err
		}
		return Result{LocalPath: fetched.Dir, AlreadyCached: true, Fingerprint: fp}, nil
	}

	if res, ok := c.memo.Get(fp); ok {
		if isDir(res.LocalPath) {
			res.AlreadyCached = true
			return res, nil
		}
		c.memo.Remove(fp)
	}

	leader := false
	v, err, _ := c.group.Do(string(fp), func() (any, error) {
		leader = true
		a := &attempt{c: c, name: name, loc: loc, fp: fp, log: log.FromContext(ctx).With("dep", name)}
		return a.run(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if !leader {
		res.AlreadyCached = true
	}
	return res, nil
}

// attempt is one population of one pin.
type attempt struct {
	c    *Cache
	name string
	loc  locator.Locator
	fp   locator.Fingerprint
	log  *log.Logger

	// resolution memoises the remote lookup for a mutable ref.
	resolution *source.Resolution
}

func (a *attempt) run(ctx context.Context) (Result, error) {
	st := a.c.opts.Store

	rec, err := st.ReadRecord(a.name)
	if err != nil {
		return Result{}, err
	}
	if res, ok, err := a.reuse(ctx, rec); err != nil || ok {
		return res, err
	}
	if a.c.opts.Offline {
		return Result{}, fmt.Errorf("%s is not populated and offline mode is on: %w", a.name, deperr.ErrNetwork)
	}

	if err := st.EnsureMeta(a.name); err != nil {
		return Result{}, err
	}

	deadline := time.Now().Add(a.c.opts.LockTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{}, fmt.Errorf("%s is being fetched by another process: %w", a.name, deperr.ErrLockTimeout)
		}
		fl, err := lockName(ctx, st.LockPath(a.name), remaining, a.c.opts.PollInterval)
		if err != nil {
			return Result{}, err
		}

		res, retry, err := a.locked(ctx)
		unlock(fl)
		if !retry {
			return res, err
		}
		if err := sleepCtx(ctx, a.c.opts.PollInterval); err != nil {
			return Result{}, err
		}
	}
}

// locked runs with the name's lock held. retry is true when another live
// process owns an in-flight fetch the lock failed to exclude.
func (a *attempt) locked(ctx context.Context) (res Result, retry bool, err error) {
	st := a.c.opts.Store

	rec, err := st.ReadRecord(a.name)
	if err != nil {
		return Result{}, false, err
	}
	// The loser of a cross-process race lands here.
	if res, ok, err := a.reuse(ctx, rec); err != nil || ok {
		return res, false, err
	}

	if rec != nil && rec.State == store.StateFetching {
		if a.c.ownerAlive(ctx, rec.Owner) {
			a.log.Debug("waiting for in-flight fetch", "owner_pid", rec.Owner.PID, "owner_host", rec.Owner.Host)
			return Result{}, true, nil
		}
		a.log.Warn("stale fetch reclaimed", "owner", rec.Owner)
		failed, terr := rec.Transition(store.StateFailed)
		if terr != nil {
			return Result{}, false, terr
		}
		failed.LastError = "stale fetch reclaimed"
		failed.ErrorKind = string(deperr.KindUnknown)
		if err := st.WriteRecord(a.name, failed); err != nil {
			return Result{}, false, err
		}
		rec = failed
	}

	res, err = a.fetch(ctx, rec)
	return res, false, err
}

// reuse reports whether rec already satisfies the requested pin.
func (a *attempt) reuse(ctx context.Context, rec *store.Record) (Result, bool, error) {
	if rec == nil || rec.State != store.StatePopulated || rec.Fingerprint != string(a.fp) {
		return Result{}, false, nil
	}
	if !isDir(a.c.opts.Store.SourceDir(a.name)) {
		// Content removed behind the record's back; fetch it again.
		return Result{}, false, nil
	}

	hit := Result{
		LocalPath:     a.c.opts.Store.SourceDir(a.name),
		AlreadyCached: true,
		Unverified:    rec.Unverified,
		Commit:        rec.ResolvedCommit,
		Fingerprint:   a.fp,
	}

	if !rec.Mutable {
		a.c.memo.Add(a.fp, hit)
		return hit, true, nil
	}
	if a.c.opts.Offline || (a.c.opts.Refresh == config.RefreshExplicit && !a.c.opts.RefreshRequested) {
		return hit, true, nil
	}

	res, err := a.resolve(ctx)
	if err != nil {
		return Result{}, false, err
	}
	if res.Commit != rec.ResolvedCommit {
		a.log.Debug("mutable ref moved", "from", rec.ResolvedCommit, "to", res.Commit)
		return Result{}, false, nil
	}
	return hit, true, nil
}

func (a *attempt) resolve(ctx context.Context) (source.Resolution, error) {
	if a.resolution != nil {
		return *a.resolution, nil
	}
	ref, ok := a.loc.(locator.VCSRef)
	if !ok || a.c.opts.Resolver == nil {
		return source.Resolution{}, fmt.Errorf("cannot re-check %s", a.loc)
	}
	res, err := a.c.opts.Resolver.Resolve(ctx, ref.RepositoryURL, ref.Ref)
	if err != nil {
		return source.Resolution{}, err
	}
	a.resolution = &res
	return res, nil
}

// fetch populates a fresh pin under the lock. prev is the current record,
// never in the fetching state.
func (a *attempt) fetch(ctx context.Context, prev *store.Record) (Result, error) {
	st := a.c.opts.Store

	rec, err := prev.Transition(store.StateFetching)
	if err != nil {
		return Result{}, err
	}
	rec.Fingerprint = string(a.fp)
	rec.Locator = a.loc.String()
	rec.ResolvedCommit = ""
	rec.Mutable = false
	rec.Owner = &store.Owner{PID: a.c.pid, Host: a.c.host, StartedAt: time.Now().UTC()}
	if err := st.WriteRecord(a.name, rec); err != nil {
		return Result{}, err
	}
	a.log.Debug("fetching", "locator", a.loc.String(), "fingerprint", a.fp.Short())

	fetched, err := a.transfer(ctx)
	if err != nil {
		return Result{}, a.fail(rec, err)
	}

	done, err := rec.Transition(store.StatePopulated)
	if err != nil {
		return Result{}, a.fail(rec, err)
	}
	done.LocalPath = st.SourceDir(a.name)
	done.Unverified = fetched.Unverified
	done.ResolvedCommit = fetched.Commit
	done.Mutable = fetched.Mutable
	done.Integrity = fetched.integrity
	if err := st.WriteRecord(a.name, done); err != nil {
		return Result{}, a.fail(rec, err)
	}
	a.log.Debug("populated", "path", done.LocalPath, "commit", done.ResolvedCommit)

	res := Result{
		LocalPath:   done.LocalPath,
		Unverified:  done.Unverified,
		Commit:      done.ResolvedCommit,
		Fingerprint: a.fp,
	}
	if !done.Mutable {
		a.c.memo.Add(a.fp, res)
	}
	return res, nil
}

type transferred struct {
	*source.Fetched
	integrity string
}

// transfer fetches into a fresh staging dir and promotes it. Partial
// content from earlier attempts is discarded first and never reused.
func (a *attempt) transfer(ctx context.Context) (*transferred, error) {
	st := a.c.opts.Store

	if err := st.DiscardStaging(a.name); err != nil {
		return nil, fmt.Errorf("discarding staging for %s: %w", a.name, err)
	}
	staging, err := st.NewStaging(a.name)
	if err != nil {
		return nil, err
	}

	fetched, err := a.c.opts.Fetcher.Fetch(ctx, a.loc, staging)
	if err == nil {
		// A fetch that raced a cancellation may still have succeeded; the
		// pass is being torn down either way.
		err = ctx.Err()
	}
	if err != nil {
		_ = st.DiscardStaging(a.name)
		return nil, err
	}

	if err := st.Promote(a.name, staging); err != nil {
		_ = st.DiscardStaging(a.name)
		return nil, err
	}
	sum, err := integrity.HashDir(st.SourceDir(a.name))
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", a.name, err)
	}
	return &transferred{Fetched: fetched, integrity: sum}, nil
}

// fail records the failure and returns err. The record write does not
// depend on ctx so a cancelled pass still leaves a failed record.
func (a *attempt) fail(rec *store.Record, err error) error {
	failed, terr := rec.Transition(store.StateFailed)
	if terr != nil {
		return errors.Join(err, terr)
	}
	failed.LastError = err.Error()
	failed.ErrorKind = string(deperr.KindOf(err))
	if werr := a.c.opts.Store.WriteRecord(a.name, failed); werr != nil {
		return errors.Join(err, werr)
	}
	a.log.Debug("fetch failed", "kind", failed.ErrorKind, "err", err)
	return err
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
