package source

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type format int

const (
	formatUnknown format = iota
	formatTar
	formatTarGzip
	formatTarZstd
	formatZip
)

// formatFor picks a format from the URL path suffix.
func formatFor(path string) format {
	p := strings.ToLower(path)
	switch {
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return formatTarGzip
	case strings.HasSuffix(p, ".tar.zst"), strings.HasSuffix(p, ".tzst"):
		return formatTarZstd
	case strings.HasSuffix(p, ".tar"):
		return formatTar
	case strings.HasSuffix(p, ".zip"):
		return formatZip
	}
	return formatUnknown
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	zipMagic  = []byte("PK\x03\x04")
	tarMagic  = []byte("ustar")
)

// sniff identifies the format from the leading bytes of the file.
func sniff(path string) (format, error) {
	f, err := os.Open(path)
	if err != nil {
		return formatUnknown, err
	}
	defer func() {
		// Read-only handle.
		_ = f.Close()
	}()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return formatUnknown, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return formatTarGzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		return formatTarZstd, nil
	case bytes.HasPrefix(head, zipMagic):
		return formatZip, nil
	case len(head) >= 262 && bytes.Equal(head[257:262], tarMagic):
		return formatTar, nil
	}
	return formatUnknown, nil
}

// extract unpacks the archive at path into dest and strips a single
// top-level directory if the archive has one. Every write goes through an
// os.Root on dest, so no entry lands outside it even through a chain of
// symlinks the archive itself created.
func extract(path string, f format, dest string) error {
	if f == formatUnknown {
		sniffed, err := sniff(path)
		if err != nil {
			return err
		}
		if sniffed == formatUnknown {
			return fmt.Errorf("unrecognized archive format")
		}
		f = sniffed
	}

	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(realDest)
	if err != nil {
		return err
	}
	defer func() {
		_ = root.Close()
	}()

	x := &extractor{root: root, dest: realDest}
	switch f {
	case formatZip:
		err = x.zip(path)
	default:
		err = x.tar(path, f)
	}
	if err != nil {
		return err
	}
	if err := stripTopDir(realDest); err != nil {
		return err
	}
	// Hoisting can change where a relative link points.
	return checkLinks(realDest)
}

type extractor struct {
	root *os.Root
	// dest is the symlink-free path root was opened on.
	dest string
}

func (x *extractor) tar(path string, f format) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// Read-only handle.
		_ = file.Close()
	}()

	var r io.Reader = file
	switch f {
	case formatTarGzip:
		gz, gzErr := gzip.NewReader(file)
		if gzErr != nil {
			return fmt.Errorf("creating gzip reader: %w", gzErr)
		}
		defer func() {
			_ = gz.Close()
		}()
		r = gz
	case formatTarZstd:
		zr, zErr := zstd.NewReader(file)
		if zErr != nil {
			return fmt.Errorf("creating zstd reader: %w", zErr)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}
		if nextErr != nil {
			return fmt.Errorf("reading tar entry: %w", nextErr)
		}

		name, ok, nameErr := entryName(hdr.Name)
		if nameErr != nil {
			return nameErr
		}
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := x.root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := x.writeEntry(name, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := x.writeSymlink(name, hdr.Linkname); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		default:
			// Hard links, devices and fifos are not part of source trees.
		}
	}
}

func (x *extractor) zip(path string) (err error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer func() {
		if closeErr := zr.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for _, file := range zr.File {
		name, ok, nameErr := entryName(file.Name)
		if nameErr != nil {
			return nameErr
		}
		if !ok {
			continue
		}

		if file.FileInfo().IsDir() {
			if err := x.root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("extracting %s: %w", file.Name, err)
			}
			continue
		}
		if err := x.writeZipFile(file, name); err != nil {
			return fmt.Errorf("extracting %s: %w", file.Name, err)
		}
	}
	return nil
}

func (x *extractor) writeZipFile(file *zip.File, name string) (err error) {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return x.writeEntry(name, rc, file.Mode().Perm())
}

// entryName cleans an archive entry name into a path relative to dest. ok is
// false for entries naming dest itself. Entries escaping dest are an error.
func entryName(name string) (clean string, ok bool, err error) {
	clean = filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", false, nil
	}
	if !filepath.IsLocal(clean) {
		return "", false, fmt.Errorf("invalid path in archive: %s", name)
	}
	return clean, true, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (x *extractor) writeEntry(name string, r io.Reader, perm os.FileMode) (err error) {
	if err := x.mkParent(name); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := x.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	//nolint:gosec // G110: archive content is verified or explicitly unverified by the declaration
	_, err = io.Copy(out, r)
	return err
}

func (x *extractor) mkParent(name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	return x.root.MkdirAll(dir, 0o755)
}

// writeSymlink creates name -> linkname after checking that the link, as
// the filesystem resolves it right now, stays inside dest.
func (x *extractor) writeSymlink(name, linkname string) error {
	if err := x.mkParent(name); err != nil {
		return err
	}
	if err := checkLink(x.dest, name, linkname); err != nil {
		return err
	}
	return x.root.Symlink(linkname, name)
}

// checkLink reports an error if the link at rel (relative to dest) with
// text linkname resolves outside dest.
func checkLink(dest, rel, linkname string) error {
	errEscape := fmt.Errorf("symlink %s -> %s escapes destination", rel, linkname)
	if filepath.IsAbs(linkname) {
		return errEscape
	}
	parent, err := resolve(dest, filepath.Dir(rel))
	if err != nil {
		return fmt.Errorf("symlink %s: %w", rel, err)
	}
	target, err := resolve(parent, linkname)
	if err != nil {
		return fmt.Errorf("symlink %s: %w", rel, err)
	}
	if !within(dest, target) {
		return errEscape
	}
	return nil
}

// checkLinks verifies every symlink under dest.
func checkLinks(dest string) error {
	return filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		linkname, err := os.Readlink(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dest, p)
		if err != nil {
			return err
		}
		return checkLink(dest, rel, linkname)
	})
}

// resolve walks rel from base one component at a time, following symlinks
// the way the kernel would. ".." is applied to the resolved path, not the
// text. base must be free of symlinks. Components that do not exist yet are
// taken literally.
func resolve(base, rel string) (string, error) {
	cur := base
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		next := filepath.Join(cur, part)
		real, err := filepath.EvalSymlinks(next)
		switch {
		case err == nil:
			cur = real
		case errors.Is(err, fs.ErrNotExist):
			if _, lerr := os.Lstat(next); lerr == nil {
				return "", fmt.Errorf("%s is a dangling symlink", next)
			}
			cur = next
		default:
			return "", err
		}
	}
	return cur, nil
}

func within(dest, p string) bool {
	rel, err := filepath.Rel(dest, p)
	return err == nil && !escapes(rel)
}

// stripTopDir hoists the children of a lone top-level directory into dest.
func stripTopDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	// Move the lone dir aside first so a child with the same name can land in dest.
	top, err := os.MkdirTemp(dest, ".strip-")
	if err != nil {
		return err
	}
	if err := os.Remove(top); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(dest, entries[0].Name()), top); err != nil {
		return err
	}

	children, err := os.ReadDir(top)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(top, c.Name()), filepath.Join(dest, c.Name())); err != nil {
			return err
		}
	}
	return os.Remove(top)
}
