package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/integrity"
	"github.com/depfetch/depfetch/pkg/locator"
	"github.com/depfetch/depfetch/pkg/store"
)

// ArchiveFetcher downloads an archive beside dest, verifies it when a digest
// is declared, then extracts it into dest.
type ArchiveFetcher struct {
	// Client is used for http and https URLs. Defaults to a client that
	// honors the proxy environment.
	Client *http.Client
	// S3 serves s3:// URLs. Nil disables them.
	S3 ObjectGetter
}

var defaultClient = &http.Client{
	Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
}

func (a *ArchiveFetcher) Fetch(ctx context.Context, arc locator.Archive, dest string) (*Fetched, error) {
	var expected integrity.Digest
	if arc.Digest != "" {
		d, err := integrity.ParseDigest(arc.Digest)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", arc.URL, err)
		}
		expected = d
	}

	u, err := url.Parse(arc.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing archive url %q: %w", arc.URL, err)
	}

	tmp, err := a.download(ctx, u, filepath.Dir(dest))
	if err != nil {
		return nil, err
	}
	defer func() {
		// Best-effort removal of the downloaded archive.
		_ = os.Remove(tmp)
	}()

	fetched := &Fetched{Dir: dest}
	if expected.IsZero() {
		log.FromContext(ctx).Warn("archive has no digest; content is unverified", "url", arc.URL)
		fetched.Unverified = true
	} else {
		if err := verifyDownload(tmp, arc.URL, expected); err != nil {
			return nil, err
		}
		fetched.Digest = expected.String()
	}

	if err := extract(tmp, formatFor(u.Path), dest); err != nil {
		return nil, fmt.Errorf("extracting %s: %w", arc.URL, err)
	}
	return fetched, nil
}

func verifyDownload(path, subject string, expected integrity.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// Read-only handle.
		_ = f.Close()
	}()
	return integrity.VerifyReader(f, subject, expected)
}

// download writes the archive to a temp file in dir and returns its path.
// On error no file is left behind.
func (a *ArchiveFetcher) download(ctx context.Context, u *url.URL, dir string) (_ string, err error) {
	tmp, err := os.CreateTemp(dir, store.DownloadPrefix()+"*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if closeErr := tmp.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			// Best-effort removal of partially written temp file.
			_ = os.Remove(tmp.Name())
		}
	}()

	switch u.Scheme {
	case "http", "https":
		err = a.downloadHTTP(ctx, u, tmp)
	case "file":
		err = copyLocalFile(u, tmp)
	case "s3":
		if a.S3 == nil {
			return "", fmt.Errorf("s3 url %s: no s3 endpoint configured", u)
		}
		err = a.S3.GetObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), tmp)
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

func (a *ArchiveFetcher) downloadHTTP(ctx context.Context, u *url.URL, w io.Writer) (err error) {
	client := a.Client
	if client == nil {
		client = defaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("downloading %s: %w: %w", u, deperr.ErrNetwork, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("downloading %s: %s: %w", u, resp.Status, deperr.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("downloading %s: %s: %w", u, resp.Status, deperr.ErrNetwork)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("downloading %s: %w: %w", u, deperr.ErrNetwork, err)
	}
	return nil
}

func copyLocalFile(u *url.URL, w io.Writer) error {
	path := filepath.FromSlash(u.Path)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("archive %s: %w", path, deperr.ErrNotFound)
		}
		return fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer func() {
		// Read-only handle.
		_ = f.Close()
	}()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copying archive %s: %w", path, err)
	}
	return nil
}
