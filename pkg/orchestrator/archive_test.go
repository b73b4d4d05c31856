package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depfetch/depfetch/pkg/cache"
	"github.com/depfetch/depfetch/pkg/deperr"
	"github.com/depfetch/depfetch/pkg/graph"
	"github.com/depfetch/depfetch/pkg/integrate"
	"github.com/depfetch/depfetch/pkg/locator"
	"github.com/depfetch/depfetch/pkg/source"
	"github.com/depfetch/depfetch/pkg/store"
)

const lib1HCL = `
target "lib1" {
  kind    = "library"
  sources = ["src/lib1.c"]
}

export "include_dir" {
  value = "${dep.source_dir}/include"
}
`

func lib1Archive(t *testing.T) []byte {
	t.Helper()
	files := []struct{ name, body string }{
		{"lib1-1.0/depfetch.hcl", lib1HCL},
		{"lib1-1.0/src/lib1.c", "int lib1(void) { return 1; }\n"},
		{"lib1-1.0/include/lib1.h", "int lib1(void);\n"},
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return gz.Bytes()
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// pass runs one configuration pass with a fresh cache instance over root,
// the way two separate engine invocations would.
func pass(t *testing.T, root string, reqs []Request) (*Report, *graph.Memory, error) {
	t.Helper()
	st := store.New(root)
	c, err := cache.New(cache.Options{Store: st, Fetcher: source.NewDispatcher(nil)})
	require.NoError(t, err)
	g := graph.NewMemory()
	o := New(c, integrate.New(st.BuildDir), g, Config{Workers: 2})
	report, err := o.Run(context.Background(), reqs)
	return report, g, err
}

func TestLib1ArchiveAcrossInvocations(t *testing.T) {
	data := lib1Archive(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	reqs := []Request{{
		Name:    "lib1",
		Locator: locator.Archive{URL: srv.URL + "/lib1-1.0.tar.gz", Digest: digestOf(data)},
	}}

	report, g, err := pass(t, root, reqs)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	first := report.Results[0]
	assert.False(t, first.AlreadyCached)
	assert.False(t, first.Unverified)

	srcDir := filepath.Join(root, "lib1-src")
	assert.Equal(t, srcDir, first.LocalPath)
	assert.FileExists(t, filepath.Join(srcDir, "include", "lib1.h"))

	tgt, ok := g.Resolve("lib1::lib1")
	require.True(t, ok)
	assert.Equal(t, []string{filepath.Join(srcDir, "src", "lib1.c")}, tgt.Sources)
	assert.Equal(t, filepath.Join(root, "lib1-build"), tgt.OutputDir)
	assert.Equal(t, srcDir+"/include", g.Variables()["LIB1_INCLUDE_DIR"])

	rec, err := store.New(root).ReadRecord("lib1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePopulated, rec.State)
	assert.NotEmpty(t, rec.Integrity)

	// A second invocation reuses the populated content without a download.
	report, g, err = pass(t, root, reqs)
	require.NoError(t, err)
	assert.True(t, report.Results[0].AlreadyCached)
	assert.Equal(t, first.Fingerprint, report.Results[0].Fingerprint)
	assert.Equal(t, int32(1), hits.Load())
	_, ok = g.Resolve("lib1::lib1")
	assert.True(t, ok)
}

func TestLib1ArchiveDigestMismatch(t *testing.T) {
	data := lib1Archive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	wrong := digestOf([]byte("something else"))
	report, g, err := pass(t, root, []Request{{
		Name:    "lib1",
		Locator: locator.Archive{URL: srv.URL + "/lib1-1.0.tar.gz", Digest: wrong},
	}})

	require.ErrorIs(t, err, deperr.ErrDigestMismatch)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, deperr.KindDigest, report.Failures[0].Kind)
	assert.Empty(t, g.Targets())

	_, statErr := os.Stat(filepath.Join(root, "lib1-src"))
	assert.True(t, os.IsNotExist(statErr), "unverified bytes are never promoted")

	rec, err := store.New(root).ReadRecord("lib1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, rec.State)
	assert.Equal(t, string(deperr.KindDigest), rec.ErrorKind)
}
