package cmd

import (
	"fmt"

	"github.com/depfetch/depfetch/pkg/cache"
	"github.com/depfetch/depfetch/pkg/config"
	"github.com/depfetch/depfetch/pkg/graph"
	"github.com/depfetch/depfetch/pkg/integrate"
	"github.com/depfetch/depfetch/pkg/orchestrator"
	"github.com/depfetch/depfetch/pkg/source"
	"github.com/depfetch/depfetch/pkg/store"
)

// engine is everything one configuration pass needs, wired from settings.
type engine struct {
	store        store.Store
	cache        *cache.Cache
	graph        *graph.Memory
	orchestrator *orchestrator.Orchestrator
}

func newStore(s *config.Settings, projectDir string) store.Store {
	return store.New(s.ResolveCacheRoot(projectDir))
}

func newCache(s *config.Settings, st store.Store, refresh bool) (*cache.Cache, error) {
	var objects source.ObjectGetter
	if s.S3.Enabled() {
		client, err := source.NewS3Client(source.S3Config{
			Endpoint:  s.S3.Endpoint,
			Region:    s.S3.Region,
			AccessKey: s.S3.AccessKey,
			SecretKey: s.S3.SecretKey,
			UseSSL:    s.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 client: %w", err)
		}
		objects = client
	}

	return cache.New(cache.Options{
		Store:            st,
		Fetcher:          source.NewDispatcher(objects),
		LockTimeout:      s.LockTimeout,
		Refresh:          s.Refresh,
		RefreshRequested: refresh,
		Offline:          s.Offline,
	})
}

func newEngine(s *config.Settings, projectDir string, refresh bool) (*engine, error) {
	st := newStore(s, projectDir)
	c, err := newCache(s, st, refresh)
	if err != nil {
		return nil, err
	}

	mode := orchestrator.CollectAll
	if s.FailFast {
		mode = orchestrator.FailFast
	}
	retries := s.NetworkRetries
	if s.Offline {
		retries = 0
	}

	g := graph.NewMemory()
	o := orchestrator.New(c, integrate.New(st.BuildDir), g, orchestrator.Config{
		Workers:        s.Workers,
		Mode:           mode,
		NetworkRetries: retries,
	})
	return &engine{store: st, cache: c, graph: g, orchestrator: o}, nil
}
