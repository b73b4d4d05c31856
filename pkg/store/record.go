package store

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// State is the population state of one name in the cache root.
type State string

const (
	StateEmpty     State = "empty"
	StateFetching  State = "fetching"
	StatePopulated State = "populated"
	StateFailed    State = "failed"
)

func (s State) Valid() bool {
	switch s {
	case StateEmpty, StateFetching, StatePopulated, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
// populated -> fetching is only legal for a new pin; callers decide that.
func (s State) CanTransition(next State) bool {
	switch s {
	case "", StateEmpty, StateFailed:
		return next == StateFetching
	case StateFetching:
		return next == StatePopulated || next == StateFailed
	case StatePopulated:
		return next == StateFetching
	}
	return false
}

// Owner identifies the process that wrote a fetching record.
type Owner struct {
	PID       int       `toml:"pid"`
	Host      string    `toml:"host"`
	StartedAt time.Time `toml:"started_at"`
}

// Record is the persisted population record for one name.
type Record struct {
	Fingerprint    string    `toml:"fingerprint"`
	State          State     `toml:"state"`
	Locator        string    `toml:"locator,omitempty"`
	LocalPath      string    `toml:"local_path,omitempty"`
	LastError      string    `toml:"last_error,omitempty"`
	ErrorKind      string    `toml:"error_kind,omitempty"`
	Owner          *Owner    `toml:"owner,omitempty"`
	Unverified     bool      `toml:"unverified,omitempty"`
	ResolvedCommit string    `toml:"resolved_commit,omitempty"`
	Mutable        bool      `toml:"mutable,omitempty"`
	Integrity      string    `toml:"integrity,omitempty"`
	UpdatedAt      time.Time `toml:"updated_at"`
}

// Transition returns a copy of r moved to next, or an error if the move is
// not allowed. Fields belonging to the old state are cleared.
func (r *Record) Transition(next State) (*Record, error) {
	cur := StateEmpty
	if r != nil {
		cur = r.State
	}
	if !cur.CanTransition(next) {
		return nil, fmt.Errorf("invalid record transition %s -> %s", cur, next)
	}
	out := &Record{State: next, UpdatedAt: time.Now().UTC()}
	if r != nil {
		out.Fingerprint = r.Fingerprint
		out.Locator = r.Locator
		out.ResolvedCommit = r.ResolvedCommit
		out.Mutable = r.Mutable
	}
	return out, nil
}

func (r *Record) Marshal() ([]byte, error) {
	return toml.Marshal(r)
}

func UnmarshalRecord(data []byte) (*Record, error) {
	rec := &Record{}
	if err := toml.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	if rec.State == "" {
		rec.State = StateEmpty
	}
	if !rec.State.Valid() {
		return nil, fmt.Errorf("unknown record state %q", rec.State)
	}
	return rec, nil
}
