package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/locator"
)

const (
	headsPrefix = "refs/heads/"
	tagsPrefix  = "refs/tags/"
	peelSuffix  = "^{}"
)

// GitFetcher clones repositories with the git executable.
type GitFetcher struct {
	// Binary is the git executable. Defaults to "git" on PATH.
	Binary string
}

func (g *GitFetcher) Fetch(ctx context.Context, ref locator.VCSRef, dest string) (*Fetched, error) {
	res, err := g.Resolve(ctx, ref.RepositoryURL, ref.Ref)
	if err != nil {
		return nil, err
	}

	log.FromContext(ctx).Debug("cloning", "repo", ref.RepositoryURL, "ref", ref.Ref, "commit", res.Commit)
	if err := g.clone(ctx, ref, dest, res.Commit); err != nil {
		return nil, fmt.Errorf("cloning %s: %w", ref.RepositoryURL, err)
	}

	return &Fetched{
		Dir:     dest,
		Commit:  res.Commit,
		Mutable: res.Mutable,
	}, nil
}

// Resolve resolves ref to a full 40-char commit hash.
// Full commit hashes are returned as-is. Short commit hashes are prefix
// matched against every advertised ref. Branch and tag names are resolved
// via ls-remote; only refs/heads/ matches are mutable.
func (g *GitFetcher) Resolve(ctx context.Context, repoURL, ref string) (Resolution, error) {
	if locator.IsCommitHash(ref) {
		return Resolution{Commit: strings.ToLower(ref)}, nil
	}

	if locator.IsShortCommitHash(ref) {
		commit, err := g.resolveShortHash(ctx, repoURL, ref)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Commit: commit}, nil
	}

	out, err := g.run(ctx, "ls-remote", repoURL, ref, ref+peelSuffix)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolving ref %q: %w", ref, err)
	}

	refs := parseLsRemote(out)
	// A branch wins over a tag of the same name, matching git clone --branch.
	if commit, ok := refs[headsPrefix+ref]; ok {
		return Resolution{Commit: commit, Mutable: true}, nil
	}
	// For annotated tags, prefer the dereferenced entry (^{})
	// which points to the underlying commit.
	if commit, ok := refs[tagsPrefix+ref+peelSuffix]; ok {
		return Resolution{Commit: commit}, nil
	}
	if commit, ok := refs[tagsPrefix+ref]; ok {
		return Resolution{Commit: commit}, nil
	}
	// Fully qualified or symbolic refs such as HEAD can move, unless they
	// name a tag.
	mutable := !strings.HasPrefix(ref, tagsPrefix)
	if commit, ok := refs[ref+peelSuffix]; ok {
		return Resolution{Commit: commit, Mutable: mutable}, nil
	}
	if commit, ok := refs[ref]; ok {
		return Resolution{Commit: commit, Mutable: mutable}, nil
	}

	return Resolution{}, fmt.Errorf("ref %q not found in %s: %w", ref, repoURL, deperr.ErrRefNotFound)
}

// resolveShortHash expands a short commit hash to the full 40-char hash
// by listing all refs and prefix-matching their commit hashes.
func (g *GitFetcher) resolveShortHash(ctx context.Context, repoURL, ref string) (string, error) {
	out, err := g.run(ctx, "ls-remote", repoURL)
	if err != nil {
		return "", fmt.Errorf("resolving short hash %q: %w", ref, err)
	}

	prefix := strings.ToLower(ref)
	var match string
	for _, hash := range parseLsRemote(out) {
		if !strings.HasPrefix(hash, prefix) {
			continue
		}
		if match != "" && match != hash {
			return "", fmt.Errorf("short hash %q is ambiguous in %s: %w", ref, repoURL, deperr.ErrRefNotFound)
		}
		match = hash
	}

	if match == "" {
		return "", fmt.Errorf("short hash %q not found in %s: %w", ref, repoURL, deperr.ErrRefNotFound)
	}
	return match, nil
}

// clone performs a shallow clone of the repository into dest.
// Uses --branch for short branch/tag names, and init+fetch of the resolved
// commit for hashes and for qualified or symbolic refs, which --branch
// does not accept.
func (g *GitFetcher) clone(ctx context.Context, ref locator.VCSRef, dest, commit string) error {
	if locator.IsHexString(ref.Ref) || qualifiedRef(ref.Ref) {
		return g.cloneCommit(ctx, ref.RepositoryURL, dest, commit)
	}
	_, err := g.run(ctx, "clone", "--quiet", "--depth", "1", "--branch", ref.Ref, ref.RepositoryURL, dest)
	return err
}

func qualifiedRef(ref string) bool {
	return ref == "HEAD" || strings.HasPrefix(ref, "refs/")
}

// cloneCommit fetches a single commit by SHA. Requires the server to support
// uploadpack.allowReachableSHA1InWant (GitHub, GitLab, and Bitbucket do).
func (g *GitFetcher) cloneCommit(ctx context.Context, repoURL, dest, commit string) error {
	for _, args := range [][]string{
		{"init", "--quiet", dest},
		{"-C", dest, "remote", "add", "origin", repoURL},
		{"-C", dest, "fetch", "--quiet", "--depth", "1", "origin", commit},
		{"-C", dest, "checkout", "--quiet", "FETCH_HEAD"},
	} {
		if _, err := g.run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitFetcher) run(ctx context.Context, args ...string) ([]byte, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	// Never block on a credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, execError(err)
	}
	return out, nil
}

// parseLsRemote maps refname to lowercase commit hash.
func parseLsRemote(out []byte) map[string]string {
	refs := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		refs[fields[1]] = strings.ToLower(fields[0])
	}
	return refs
}

var (
	notFoundMarkers = []string{
		"does not appear to be a git repository",
		"repository not found",
		"not found",
		"no such file or directory",
	}
	refMarkers = []string{
		"remote branch",
		"couldn't find remote ref",
		"not our ref",
		"unadvertised object",
	}
)

// execError attaches git's stderr and classifies the failure. Unknown
// failures are treated as transient network errors.
func execError(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("git executable not available: %w", err)
		}
		return fmt.Errorf("%w: %w", deperr.ErrNetwork, err)
	}

	stderr := strings.TrimSpace(string(exitErr.Stderr))
	lower := strings.ToLower(stderr)

	kind := deperr.ErrNetwork
	switch {
	case containsAny(lower, refMarkers):
		kind = deperr.ErrRefNotFound
	case containsAny(lower, notFoundMarkers):
		kind = deperr.ErrNotFound
	}
	if stderr == "" {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return fmt.Errorf("%w: %w: %s", kind, err, stderr)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
