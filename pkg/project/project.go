package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/depfetch/depfetch/pkg/config"
	"github.com/depfetch/depfetch/pkg/integrate"
	"github.com/depfetch/depfetch/pkg/locator"
	"github.com/depfetch/depfetch/pkg/orchestrator"
)

const ManifestFile = config.ManifestFileName

// InferName derives a project name from the given directory path.
func InferName(dir string) string {
	return filepath.Base(dir)
}

// Init creates a depfetch.toml manifest in dir with the given project name.
// Returns an error if the manifest already exists.
func Init(dir, name string) error {
	path := filepath.Join(dir, ManifestFile)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", ManifestFile)
	}

	cfg := &config.Config{
		Project:      config.ProjectConfig{Name: name},
		Dependencies: map[string]config.Dependency{},
	}
	if err := config.SaveFile(path, cfg); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// GitignoreEntries are the paths a project should not commit: the cache
// root, local settings and the .env file that may hold credentials.
func GitignoreEntries(settings *config.Settings, dir string) []string {
	entries := []string{config.LocalSettingsFile, ".env"}
	root := settings.ResolveCacheRoot(dir)
	if rel, err := filepath.Rel(dir, root); err == nil && filepath.IsLocal(rel) {
		entries = append([]string{filepath.ToSlash(rel) + "/"}, entries...)
	}
	return entries
}

// EnsureGitignore ensures that each entry appears somewhere in the .gitignore
// file within dir. Only entries not already present are appended. Returns the
// list of entries that were actually added.
func EnsureGitignore(dir string, entries []string) ([]string, error) {
	path := filepath.Join(dir, ".gitignore")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		line = strings.TrimSpace(line)
		present[line] = true
		present[strings.TrimSuffix(line, "/")+"/"] = true
	}

	var toAdd []string
	for _, entry := range entries {
		if !present[entry] {
			toAdd = append(toAdd, entry)
			present[entry] = true
		}
	}
	if len(toAdd) == 0 {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		b.WriteByte('\n')
	}
	for _, entry := range toAdd {
		b.WriteString(entry + "\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return nil, err
	}
	return toAdd, nil
}

// Project is a loaded manifest and the directory it lives in.
type Project struct {
	Dir      string
	Manifest *config.Config
}

// Load reads and validates the manifest in dir.
func Load(dir string) (*Project, error) {
	cfg, err := config.LoadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Project{Dir: dir, Manifest: cfg}, nil
}

// Requests converts the manifest into orchestrator requests in manifest
// name order. With names set, only those are returned and every name must
// be declared. sourceDirs holds per-dependency local overrides.
func (p *Project) Requests(names []string, sourceDirs map[string]string) ([]orchestrator.Request, error) {
	selected := p.Manifest.Names()
	if len(names) > 0 {
		for _, n := range names {
			if _, ok := p.Manifest.Dependencies[n]; !ok {
				return nil, fmt.Errorf("dependency %q is not declared in %s", n, ManifestFile)
			}
		}
		selected = names
	}

	var errs []error
	reqs := make([]orchestrator.Request, 0, len(selected))
	for _, name := range selected {
		dep := p.Manifest.Dependencies[name]
		loc, err := locator.FromConfig(dep, p.Dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency %q: %w", name, err))
			continue
		}
		opts, err := integrate.ParseOptions(dep.Options)
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency %q: %w", name, err))
			continue
		}

		req := orchestrator.Request{Name: name, Locator: loc, Options: opts}
		// Settings keys arrive lowercased from viper.
		dir, ok := sourceDirs[name]
		if !ok {
			dir = sourceDirs[strings.ToLower(name)]
		}
		if dir != "" {
			req.SourceDir = locator.AbsLocal(locator.LocalPath{Path: dir}, p.Dir).Path
		}
		reqs = append(reqs, req)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reqs, nil
}
