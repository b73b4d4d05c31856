package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/depfetch/depfetch/pkg/integrity"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	srcSuffix   = "-src"
	metaSuffix  = "-meta"
	buildSuffix = "-build"

	recordFileName = "record.toml"
	lockFileName   = "lock"
	stagingPrefix  = "staging-"
	downloadPrefix = "download-"
)

// Store is the on-disk layout under one cache root:
//
//	{root}/{name}-src/    populated content
//	{root}/{name}-meta/   record.toml, lock, staging dirs and partial downloads
//	{root}/{name}-build/  binary dir handed to integration
type Store interface {
	// Root returns the absolute cache root.
	Root() string
	// Path returns the absolute filesystem path for the given segments
	// joined under the store root. Does not create or verify the path.
	Path(segments ...string) string
	// Exists reports whether the path at the given segments exists.
	Exists(segments ...string) (bool, error)
	// SourceDir, MetaDir and BuildDir return the per-name directories.
	SourceDir(name string) string
	MetaDir(name string) string
	BuildDir(name string) string
	// LockPath returns the per-name lock file path. Its parent exists after EnsureMeta.
	LockPath(name string) string
	// EnsureMeta creates the per-name meta directory.
	EnsureMeta(name string) error
	// ReadRecord returns the population record for name, or nil if none exists.
	ReadRecord(name string) (*Record, error)
	// WriteRecord replaces the record for name atomically.
	WriteRecord(name string, rec *Record) error
	// NewStaging creates an empty directory to fetch into. Staging dirs live
	// inside the meta dir so promotion is a same-filesystem rename.
	NewStaging(name string) (string, error)
	// DiscardStaging removes every staging dir and partial download for name.
	DiscardStaging(name string) error
	// Promote replaces the source dir for name with the staging dir.
	Promote(name, staging string) error
	// Remove deletes the src, meta and build trees for name.
	Remove(name string) error
	// Names lists every name with a meta directory, sorted.
	Names() ([]string, error)
	// HashDir computes the content hash of the directory at segments.
	HashDir(segments ...string) (string, error)
}

func New(root string) Store {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &store{root: abs}
}

type store struct {
	root string
}

var _ Store = &store{}

func (s *store) Root() string { return s.root }

func (s *store) Path(segments ...string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *store) Exists(segments ...string) (bool, error) {
	_, err := os.Stat(s.Path(segments...))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *store) SourceDir(name string) string { return s.Path(name + srcSuffix) }
func (s *store) MetaDir(name string) string   { return s.Path(name + metaSuffix) }
func (s *store) BuildDir(name string) string  { return s.Path(name + buildSuffix) }

func (s *store) LockPath(name string) string {
	return filepath.Join(s.MetaDir(name), lockFileName)
}

func (s *store) EnsureMeta(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.MetaDir(name), dirPerm); err != nil {
		return fmt.Errorf("creating meta dir for %q: %w", name, err)
	}
	return nil
}

func (s *store) ReadRecord(name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.MetaDir(name), recordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading record for %q: %w", name, err)
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, fmt.Errorf("parsing record for %q: %w", name, err)
	}
	return rec, nil
}

func (s *store) WriteRecord(name string, rec *Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling record for %q: %w", name, err)
	}
	if err := s.EnsureMeta(name); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.MetaDir(name), recordFileName), data, filePerm)
}

func (s *store) NewStaging(name string) (string, error) {
	if err := s.EnsureMeta(name); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(s.MetaDir(name), stagingPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("creating staging dir for %q: %w", name, err)
	}
	return dir, nil
}

func (s *store) DiscardStaging(name string) error {
	entries, err := os.ReadDir(s.MetaDir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs error
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) || strings.HasPrefix(e.Name(), downloadPrefix) {
			errs = errors.Join(errs, os.RemoveAll(filepath.Join(s.MetaDir(name), e.Name())))
		}
	}
	return errs
}

func (s *store) Promote(name, staging string) error {
	src := s.SourceDir(name)
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("removing previous content for %q: %w", name, err)
	}
	if err := os.Rename(staging, src); err != nil {
		return fmt.Errorf("promoting staging dir for %q: %w", name, err)
	}
	return nil
}

func (s *store) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return errors.Join(
		os.RemoveAll(s.SourceDir(name)),
		os.RemoveAll(s.BuildDir(name)),
		os.RemoveAll(s.MetaDir(name)),
	)
}

func (s *store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), metaSuffix); ok && e.IsDir() && name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *store) HashDir(segments ...string) (string, error) {
	return integrity.HashDir(s.Path(segments...))
}

// ValidateName rejects names that would escape the cache root or collide
// with the directory suffixes.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("dependency name must not be empty")
	case name == "." || name == "..":
		return fmt.Errorf("invalid dependency name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("dependency name %q must not contain path separators", name)
	}
	return nil
}

// DownloadPrefix is the file name prefix for partial downloads placed in a
// meta dir; DiscardStaging removes them.
func DownloadPrefix() string { return downloadPrefix }

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path, so readers observe either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
