package locator

import (
	"fmt"

	"github.com/depfetch/depfetch/pkg/config"
)

// FromConfig converts a manifest entry into a Locator. Relative local paths
// are resolved against baseDir, the directory holding the manifest.
func FromConfig(dep config.Dependency, baseDir string) (Locator, error) {
	var loc Locator
	set := 0
	if dep.Git != "" {
		loc = VCSRef{RepositoryURL: dep.Git, Ref: dep.Ref}
		set++
	}
	if dep.URL != "" {
		loc = Archive{URL: dep.URL, Digest: dep.Digest}
		set++
	}
	if dep.Path != "" {
		loc = AbsLocal(LocalPath{Path: dep.Path}, baseDir)
		set++
	}

	if set != 1 {
		return nil, fmt.Errorf("exactly one of git, url or path must be set, got %d", set)
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return loc, nil
}

// ToConfig is the inverse of FromConfig, used when writing manifests.
func ToConfig(loc Locator) config.Dependency {
	switch l := loc.(type) {
	case VCSRef:
		return config.Dependency{Git: l.RepositoryURL, Ref: l.Ref}
	case Archive:
		return config.Dependency{URL: l.URL, Digest: l.Digest}
	case LocalPath:
		return config.Dependency{Path: l.Path}
	default:
		return config.Dependency{}
	}
}
