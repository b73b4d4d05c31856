package store

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLayout(t *testing.T) {
	root := "/tmp/cache-root"
	s := New(root)

	tests := map[string]struct {
		got  string
		want string
	}{
		"source dir": {
			got:  s.SourceDir("lib1"),
			want: filepath.Join(root, "lib1-src"),
		},
		"meta dir": {
			got:  s.MetaDir("lib1"),
			want: filepath.Join(root, "lib1-meta"),
		},
		"build dir": {
			got:  s.BuildDir("lib1"),
			want: filepath.Join(root, "lib1-build"),
		},
		"lock path": {
			got:  s.LockPath("lib1"),
			want: filepath.Join(root, "lib1-meta", "lock"),
		},
		"path segments": {
			got:  s.Path("a", "b"),
			want: filepath.Join(root, "a", "b"),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}

func TestNewRelativeRoot(t *testing.T) {
	s := New("_deps")
	if !filepath.IsAbs(s.Root()) {
		t.Errorf("Root() = %q, want absolute path", s.Root())
	}
}

func TestExists(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	os.MkdirAll(filepath.Join(root, "existing-dir"), 0o755)
	os.WriteFile(filepath.Join(root, "existing-file.txt"), []byte("hello"), 0o644)

	tests := map[string]struct {
		segments []string
		want     bool
	}{
		"existing directory": {
			segments: []string{"existing-dir"},
			want:     true,
		},
		"existing file": {
			segments: []string{"existing-file.txt"},
			want:     true,
		},
		"non-existent path": {
			segments: []string{"does-not-exist"},
			want:     false,
		},
		"nested non-existent path": {
			segments: []string{"a", "b", "c"},
			want:     false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := s.Exists(tc.segments...)
			if err != nil {
				t.Fatalf("Exists(%v) returned unexpected error: %v", tc.segments, err)
			}
			if got != tc.want {
				t.Errorf("Exists(%v) = %v, want %v", tc.segments, got, tc.want)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := map[string]struct {
		name    string
		wantErr bool
	}{
		"plain":          {name: "lib1"},
		"dotted":         {name: "fmt.v10"},
		"empty":          {name: "", wantErr: true},
		"dot":            {name: ".", wantErr: true},
		"dot dot":        {name: "..", wantErr: true},
		"slash":          {name: "a/b", wantErr: true},
		"backslash":      {name: `a\b`, wantErr: true},
		"escaping slash": {name: "../x", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateName(tc.name)
			if tc.wantErr && err == nil {
				t.Fatalf("ValidateName(%q) expected error, got nil", tc.name)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("ValidateName(%q) unexpected error: %v", tc.name, err)
			}
		})
	}
}

func TestWriteReadRecord(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := map[string]struct {
		rec *Record
	}{
		"populated": {
			rec: &Record{
				Fingerprint: "abc",
				State:       StatePopulated,
				LocalPath:   "/cache/lib1-src",
				Integrity:   "sha256:00",
				Unverified:  true,
				UpdatedAt:   started,
			},
		},
		"fetching with owner": {
			rec: &Record{
				Fingerprint: "def",
				State:       StateFetching,
				Owner:       &Owner{PID: 42, Host: "build-1", StartedAt: started},
				UpdatedAt:   started,
			},
		},
		"failed mutable": {
			rec: &Record{
				Fingerprint:    "ghi",
				State:          StateFailed,
				LastError:      "network unreachable",
				ErrorKind:      "FetchError.Network",
				Mutable:        true,
				ResolvedCommit: strings.Repeat("a", 40),
				UpdatedAt:      started,
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := New(t.TempDir())

			if err := s.WriteRecord("dep", tc.rec); err != nil {
				t.Fatalf("WriteRecord() error: %v", err)
			}
			got, err := s.ReadRecord("dep")
			if err != nil {
				t.Fatalf("ReadRecord() error: %v", err)
			}
			if !got.UpdatedAt.Equal(tc.rec.UpdatedAt) {
				t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, tc.rec.UpdatedAt)
			}
			if tc.rec.Owner != nil {
				if got.Owner == nil || !got.Owner.StartedAt.Equal(tc.rec.Owner.StartedAt) {
					t.Fatalf("Owner = %+v, want %+v", got.Owner, tc.rec.Owner)
				}
				got.Owner.StartedAt = tc.rec.Owner.StartedAt
			}
			got.UpdatedAt = tc.rec.UpdatedAt
			if !reflect.DeepEqual(got, tc.rec) {
				t.Errorf("ReadRecord() = %+v, want %+v", got, tc.rec)
			}
		})
	}
}

func TestReadRecordMissing(t *testing.T) {
	s := New(t.TempDir())

	rec, err := s.ReadRecord("ghost")
	if err != nil {
		t.Fatalf("ReadRecord() error: %v", err)
	}
	if rec != nil {
		t.Errorf("ReadRecord() = %+v, want nil", rec)
	}
}

func TestReadRecordCorrupt(t *testing.T) {
	s := New(t.TempDir())
	s.EnsureMeta("dep")
	os.WriteFile(filepath.Join(s.MetaDir("dep"), "record.toml"), []byte(`state = "exploded"`), 0o644)

	if _, err := s.ReadRecord("dep"); err == nil {
		t.Fatal("expected error for unknown state, got nil")
	}
}

func TestWriteRecordLeavesNoTempFiles(t *testing.T) {
	s := New(t.TempDir())

	for i := 0; i < 3; i++ {
		if err := s.WriteRecord("dep", &Record{State: StatePopulated}); err != nil {
			t.Fatalf("WriteRecord() error: %v", err)
		}
	}

	entries, err := os.ReadDir(s.MetaDir("dep"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "record.toml" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("meta dir contains %v, want only record.toml", names)
	}
}

func TestStagingPromote(t *testing.T) {
	s := New(t.TempDir())

	// previous content must be replaced, not merged
	os.MkdirAll(s.SourceDir("dep"), 0o755)
	os.WriteFile(filepath.Join(s.SourceDir("dep"), "old.txt"), []byte("old"), 0o644)

	staging, err := s.NewStaging("dep")
	if err != nil {
		t.Fatalf("NewStaging() error: %v", err)
	}
	if !strings.HasPrefix(staging, s.MetaDir("dep")) {
		t.Errorf("staging %q not inside meta dir", staging)
	}
	os.WriteFile(filepath.Join(staging, "new.txt"), []byte("new"), 0o644)

	if err := s.Promote("dep", staging); err != nil {
		t.Fatalf("Promote() error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.SourceDir("dep"), "new.txt")); err != nil {
		t.Errorf("new.txt missing after promote: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.SourceDir("dep"), "old.txt")); !os.IsNotExist(err) {
		t.Error("old.txt still present after promote")
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging dir still present after promote")
	}
}

func TestDiscardStaging(t *testing.T) {
	s := New(t.TempDir())

	a, _ := s.NewStaging("dep")
	b, _ := s.NewStaging("dep")
	download := filepath.Join(s.MetaDir("dep"), DownloadPrefix()+"123")
	os.WriteFile(download, []byte("partial"), 0o644)
	s.WriteRecord("dep", &Record{State: StateFailed})

	if err := s.DiscardStaging("dep"); err != nil {
		t.Fatalf("DiscardStaging() error: %v", err)
	}

	for _, p := range []string{a, b, download} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still present", p)
		}
	}
	if rec, _ := s.ReadRecord("dep"); rec == nil {
		t.Error("record removed by DiscardStaging")
	}
}

func TestDiscardStagingNoMeta(t *testing.T) {
	s := New(t.TempDir())
	if err := s.DiscardStaging("ghost"); err != nil {
		t.Errorf("DiscardStaging() error: %v", err)
	}
}

func TestRemoveAndNames(t *testing.T) {
	s := New(t.TempDir())

	for _, name := range []string{"zlib", "fmt", "lib1"} {
		s.EnsureMeta(name)
		os.MkdirAll(s.SourceDir(name), 0o755)
		os.MkdirAll(s.BuildDir(name), 0o755)
	}
	// stray directories without a meta dir are not names
	os.MkdirAll(s.Path("other-src"), 0o755)

	names, err := s.Names()
	if err != nil {
		t.Fatalf("Names() error: %v", err)
	}
	if want := []string{"fmt", "lib1", "zlib"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Names() = %v, want %v", names, want)
	}

	if err := s.Remove("fmt"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	for _, dir := range []string{s.SourceDir("fmt"), s.MetaDir("fmt"), s.BuildDir("fmt")} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s still present after Remove", dir)
		}
	}
	if _, err := os.Stat(s.SourceDir("lib1")); err != nil {
		t.Errorf("Remove touched another name: %v", err)
	}
}

func TestNamesMissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"))
	names, err := s.Names()
	if err != nil {
		t.Fatalf("Names() error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Names() = %v, want empty", names)
	}
}

func TestHashDir(t *testing.T) {
	s := New(t.TempDir())
	os.MkdirAll(s.SourceDir("dep"), 0o755)
	os.WriteFile(filepath.Join(s.SourceDir("dep"), "a.txt"), []byte("alpha"), 0o644)

	got, err := s.HashDir("dep-src")
	if err != nil {
		t.Fatalf("HashDir() error: %v", err)
	}
	if !strings.HasPrefix(got, "sha256:") {
		t.Errorf("HashDir() = %q, want sha256: prefix", got)
	}
}

func TestStateCanTransition(t *testing.T) {
	tests := map[string]struct {
		from State
		to   State
		want bool
	}{
		"empty to fetching":      {from: StateEmpty, to: StateFetching, want: true},
		"unset to fetching":      {from: "", to: StateFetching, want: true},
		"failed to fetching":     {from: StateFailed, to: StateFetching, want: true},
		"fetching to populated":  {from: StateFetching, to: StatePopulated, want: true},
		"fetching to failed":     {from: StateFetching, to: StateFailed, want: true},
		"populated to fetching":  {from: StatePopulated, to: StateFetching, want: true},
		"empty to populated":     {from: StateEmpty, to: StatePopulated},
		"failed to populated":    {from: StateFailed, to: StatePopulated},
		"populated to failed":    {from: StatePopulated, to: StateFailed},
		"fetching to fetching":   {from: StateFetching, to: StateFetching},
		"populated to populated": {from: StatePopulated, to: StatePopulated},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tc.from.CanTransition(tc.to); got != tc.want {
				t.Errorf("%q.CanTransition(%q) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestRecordTransition(t *testing.T) {
	prev := &Record{
		Fingerprint:    "fp",
		State:          StateFailed,
		LastError:      "boom",
		ErrorKind:      "FetchError.Network",
		ResolvedCommit: "abc",
		Mutable:        true,
	}

	next, err := prev.Transition(StateFetching)
	if err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if next.State != StateFetching || next.Fingerprint != "fp" || next.ResolvedCommit != "abc" || !next.Mutable {
		t.Errorf("Transition() = %+v, want identity fields carried over", next)
	}
	if next.LastError != "" || next.ErrorKind != "" {
		t.Errorf("Transition() kept error fields: %+v", next)
	}
	if prev.State != StateFailed {
		t.Error("Transition() mutated the receiver")
	}

	if _, err := prev.Transition(StatePopulated); err == nil {
		t.Error("expected error for failed -> populated")
	}

	var none *Record
	if _, err := none.Transition(StateFetching); err != nil {
		t.Errorf("nil record -> fetching: %v", err)
	}
}
