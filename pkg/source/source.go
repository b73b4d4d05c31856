// Package source transfers dependency content to local disk. Each locator
// kind has a Fetcher; Dispatcher routes a Locator to the right one.
package source

import (
	"context"
	"fmt"

	"github.com/depfetch/depfetch/pkg/locator"
)

type Fetcher interface {
	// Fetch retrieves the content for loc into dest, an empty directory the
	// caller owns. Local locators ignore dest and report the existing tree.
	Fetch(ctx context.Context, loc locator.Locator, dest string) (*Fetched, error)
}

// Resolver asks a remote which commit a ref currently names without
// transferring content.
type Resolver interface {
	Resolve(ctx context.Context, repoURL, ref string) (Resolution, error)
}

type Fetched struct {
	Dir        string // Path to the content on disk
	Commit     string // Resolved commit hash (vcs only)
	Mutable    bool   // Ref was a branch and may move (vcs only)
	Unverified bool   // Archive had no digest to check against
	Digest     string // Verified archive digest, "" when unverified
}

type Resolution struct {
	Commit  string
	Mutable bool
}

// Dispatcher implements Fetcher and Resolver by delegating per locator kind.
type Dispatcher struct {
	Git     *GitFetcher
	Archive *ArchiveFetcher
	Local   *LocalFetcher
}

var (
	_ Fetcher  = &Dispatcher{}
	_ Resolver = &Dispatcher{}
)

// NewDispatcher returns a Dispatcher with default fetchers. s3 may be nil,
// in which case s3:// archives fail.
func NewDispatcher(s3 ObjectGetter) *Dispatcher {
	return &Dispatcher{
		Git:     &GitFetcher{},
		Archive: &ArchiveFetcher{S3: s3},
		Local:   &LocalFetcher{},
	}
}

func (d *Dispatcher) Fetch(ctx context.Context, loc locator.Locator, dest string) (*Fetched, error) {
	switch l := loc.(type) {
	case locator.VCSRef:
		return d.Git.Fetch(ctx, l, dest)
	case locator.Archive:
		return d.Archive.Fetch(ctx, l, dest)
	case locator.LocalPath:
		return d.Local.Fetch(ctx, l)
	default:
		return nil, fmt.Errorf("unsupported locator %T", loc)
	}
}

func (d *Dispatcher) Resolve(ctx context.Context, repoURL, ref string) (Resolution, error) {
	return d.Git.Resolve(ctx, repoURL, ref)
}
