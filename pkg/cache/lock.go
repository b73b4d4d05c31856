package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/store"
)

// lockName takes the per-name file lock, retrying every poll until ctx is
// done or timeout elapses.
func lockName(ctx context.Context, path string, timeout, poll time.Duration) (*flock.Flock, error) {
	fl := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, poll)
	if ok {
		return fl, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return nil, fmt.Errorf("waited %s for %s: %w", timeout, path, deperr.ErrLockTimeout)
}

func unlock(fl *flock.Flock) {
	// Closing the descriptor releases the lock even if Unlock fails.
	_ = fl.Unlock()
	_ = fl.Close()
}

// LivenessFunc reports whether the process that wrote a fetching record
// may still be working on it.
type LivenessFunc func(ctx context.Context, owner store.Owner) bool

// pidStartSlack absorbs the rounding in process start times.
const pidStartSlack = time.Second

// ownerAlive checks the PID on this host. A live process that started after
// the record was written has reused the PID and is not the owner. Owners on
// other hosts cannot be checked, and any record older than staleAfter is
// reclaimed.
func (c *Cache) ownerAlive(ctx context.Context, owner *store.Owner) bool {
	if owner == nil {
		return false
	}
	if c.opts.Liveness != nil {
		return c.opts.Liveness(ctx, *owner)
	}
	if time.Since(owner.StartedAt) >= c.opts.StaleAfter {
		return false
	}
	if owner.Host != c.host {
		return true
	}
	if owner.PID == c.pid {
		// We hold the lock, so a fetch we started earlier is no longer running.
		return false
	}

	p, err := process.NewProcessWithContext(ctx, int32(owner.PID))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false
	}
	if err != nil {
		return true
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return true
	}
	return !time.UnixMilli(created).After(owner.StartedAt.Add(pidStartSlack))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
