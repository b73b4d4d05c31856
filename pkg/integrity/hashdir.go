package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DirPrefix prefixes directory content hashes.
const DirPrefix = "sha256:"

// HashDir computes a "sha256:<hex>" hash over all file paths and contents
// under dir, walking in sorted order for determinism. Symlinks contribute
// their target, not the content they point at. VCS metadata
// directories are skipped so a checkout hashes the same as its archive.
func HashDir(dir string) (string, error) {
	h := sha256.New()

	var files []string
	links := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			links[rel] = target
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(files)

	for _, f := range files {
		if target, ok := links[f]; ok {
			h.Write([]byte(f))
			h.Write([]byte("->" + target))
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return "", err
		}
		h.Write([]byte(f))
		h.Write(data)
	}

	return DirPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
