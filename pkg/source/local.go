package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/locator"
)

// LocalFetcher validates an already-present source tree. Nothing is copied.
type LocalFetcher struct{}

func (l *LocalFetcher) Fetch(ctx context.Context, loc locator.LocalPath) (*Fetched, error) {
	absPath, err := filepath.Abs(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path for %q: %w", loc.Path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local source path does not exist: %s: %w", absPath, deperr.ErrNotFound)
		}
		return nil, fmt.Errorf("checking local source path %s: %w", absPath, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("local source path is not a directory: %s: %w", absPath, deperr.ErrNotFound)
	}

	return &Fetched{Dir: absPath}, nil
}
