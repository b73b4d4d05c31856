// Package locator describes where one dependency's content comes from.
//
// A Locator is one of VCSRef, Archive or LocalPath. The interface is sealed,
// so a value always carries exactly one variant.
package locator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Kind identifies a Locator variant.
type Kind int

const (
	KindVCS Kind = iota + 1
	KindArchive
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindVCS:
		return "vcs"
	case KindArchive:
		return "archive"
	case KindLocal:
		return "local"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Locator interface {
	// Kind returns the variant tag.
	Kind() Kind
	// Validate reports whether the payload is usable.
	Validate() error
	// String renders the locator for messages.
	String() string

	// payload returns the variant fields in a fixed order for equality and
	// fingerprinting.
	payload() []string
}

// VCSRef is a git repository and a branch, tag or commit id.
type VCSRef struct {
	RepositoryURL string
	Ref           string
}

// Archive is a downloadable archive, optionally pinned by digest.
type Archive struct {
	URL    string
	Digest string
}

// LocalPath is an already-present source tree.
type LocalPath struct {
	Path string
}

var (
	_ Locator = VCSRef{}
	_ Locator = Archive{}
	_ Locator = LocalPath{}
)

func (VCSRef) Kind() Kind    { return KindVCS }
func (Archive) Kind() Kind   { return KindArchive }
func (LocalPath) Kind() Kind { return KindLocal }

func (v VCSRef) payload() []string    { return []string{v.RepositoryURL, v.Ref} }
func (a Archive) payload() []string   { return []string{a.URL, a.Digest} }
func (l LocalPath) payload() []string { return []string{l.Path} }

func (v VCSRef) String() string { return v.RepositoryURL + "@" + v.Ref }

func (a Archive) String() string {
	if a.Digest == "" {
		return a.URL
	}
	return a.URL + "#" + a.Digest
}

func (l LocalPath) String() string { return l.Path }

func (v VCSRef) Validate() error {
	if strings.TrimSpace(v.RepositoryURL) == "" {
		return fmt.Errorf("vcs locator: repository url is required")
	}
	if strings.TrimSpace(v.Ref) == "" {
		return fmt.Errorf("vcs locator %s: ref is required", v.RepositoryURL)
	}
	return nil
}

func (a Archive) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("archive locator: url is required")
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return fmt.Errorf("archive locator: parsing url %q: %w", a.URL, err)
	}
	switch u.Scheme {
	case "http", "https", "file", "s3":
	default:
		return fmt.Errorf("archive locator: unsupported url scheme %q", u.Scheme)
	}
	return nil
}

func (l LocalPath) Validate() error {
	if strings.TrimSpace(l.Path) == "" {
		return fmt.Errorf("local locator: path is required")
	}
	return nil
}

// IsPinnedCommit reports whether the ref is a full 40-character commit id,
// the only ref form that is content-addressable without asking the remote.
func (v VCSRef) IsPinnedCommit() bool {
	return IsCommitHash(v.Ref)
}

// Equal reports whether a and b are the same variant with the same payload.
func Equal(a, b Locator) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	pa, pb := a.payload(), b.payload()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

// Fingerprint is the stable cache key for one (name, Locator) pairing.
type Fingerprint string

const fingerprintVersion = "depfetch-fp-v1"

// FingerprintOf hashes the name, the variant tag and the full payload.
// Fields are NUL-separated so ("ab", "c") and ("a", "bc") never collide.
func FingerprintOf(name string, loc Locator) Fingerprint {
	h := sha256.New()
	fields := append([]string{fingerprintVersion, name, loc.Kind().String()}, loc.payload()...)
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Short returns an abbreviated fingerprint for display.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// IsCommitHash reports whether s is a full 40-character hex SHA-1 hash.
func IsCommitHash(s string) bool {
	return len(s) == 40 && IsHexString(s)
}

// IsShortCommitHash reports whether s looks like an abbreviated commit hash (7-39 hex chars).
func IsShortCommitHash(s string) bool {
	return len(s) >= 7 && len(s) < 40 && IsHexString(s)
}

// IsHexString reports whether s is non-empty and contains only hexadecimal characters.
func IsHexString(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// AbsLocal returns l with its path made absolute relative to base when it
// is relative. Fingerprints of local paths are taken after this step so the
// same tree declared from different working directories matches.
func AbsLocal(l LocalPath, base string) LocalPath {
	if filepath.IsAbs(l.Path) {
		return LocalPath{Path: filepath.Clean(l.Path)}
	}
	return LocalPath{Path: filepath.Join(base, l.Path)}
}
