// Package integrity verifies fetched content against declared digests.
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/depfetch/depfetch/pkg/deperr"
)

const (
	SHA256 = "sha256"
	SHA512 = "sha512"
)

type (
	// Digest is a hash algorithm and the expected sum.
	Digest struct {
		Algorithm string
		Sum       []byte
	}

	// MismatchError provides details about a verification failure. It wraps
	// deperr.ErrDigestMismatch so callers can use errors.Is for classification.
	MismatchError struct {
		Subject  string
		Expected Digest
		Got      Digest
	}
)

func (e *MismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected %s, got %s", e.Subject, e.Expected, e.Got)
}

func (e *MismatchError) Unwrap() error { return deperr.ErrDigestMismatch }

// ParseDigest accepts "<alg>:<hex>" and subresource-integrity "<alg>-<base64>".
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if alg, sum, ok := strings.Cut(s, ":"); ok {
		raw, err := hex.DecodeString(sum)
		if err != nil {
			return Digest{}, fmt.Errorf("invalid hex digest %q: %w", s, err)
		}
		return newDigest(alg, raw)
	}
	if alg, sum, ok := strings.Cut(s, "-"); ok {
		raw, err := base64.StdEncoding.DecodeString(sum)
		if err != nil {
			return Digest{}, fmt.Errorf("invalid subresource integrity %q: %w", s, err)
		}
		return newDigest(alg, raw)
	}
	return Digest{}, fmt.Errorf("digest %q must look like sha256:<hex> or sha256-<base64>", s)
}

func newDigest(alg string, sum []byte) (Digest, error) {
	alg = strings.ToLower(alg)
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	if len(sum) != h.Size() {
		return Digest{}, fmt.Errorf("%s digest must be %d bytes, got %d", alg, h.Size(), len(sum))
	}
	return Digest{Algorithm: alg, Sum: sum}, nil
}

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// String renders the digest in "<alg>:<hex>" form.
func (d Digest) String() string {
	return d.Algorithm + ":" + hex.EncodeToString(d.Sum)
}

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && len(d.Sum) == 0
}

// Compute hashes everything read from r with alg.
func Compute(r io.Reader, alg string) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("hashing content: %w", err)
	}
	return Digest{Algorithm: alg, Sum: h.Sum(nil)}, nil
}

// VerifyReader hashes r and compares against expected. The comparison takes
// the same time wherever the sums differ.
func VerifyReader(r io.Reader, subject string, expected Digest) error {
	got, err := Compute(r, expected.Algorithm)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got.Sum, expected.Sum) != 1 {
		return &MismatchError{Subject: subject, Expected: expected, Got: got}
	}
	return nil
}

// VerifyFile streams the file at path through the expected algorithm.
func VerifyFile(path string, expected Digest) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// Read-only handle.
		_ = f.Close()
	}()

	return VerifyReader(f, path, expected)
}
