package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the mutable record of one live session.
//
// Counters are atomics so they can be read without waiting for an in-flight
// upload; they are only modified while mu is held.
type State struct {
	id         string
	dir        string
	configPath string
	dataPath   string
	createdAt  time.Time

	mu           sync.Mutex
	nextChunk    atomic.Int64
	size         atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds
	closed       atomic.Bool
}

// Info is a point-in-time copy of a session's state.
type Info struct {
	ID           string    `json:"contestId"`
	NextUpload   int64     `json:"nextUpload"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func newState(id string, layout Layout, now time.Time) *State {
	s := &State{
		id:         id,
		dir:        layout.Dir(id),
		configPath: layout.ConfigPath(id),
		dataPath:   layout.DataPath(id),
		createdAt:  now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *State) ID() string { return s.id }

// Dir returns the session directory.
func (s *State) Dir() string { return s.dir }

// ConfigPath returns the path of the persisted configuration.
func (s *State) ConfigPath() string { return s.configPath }

// DataPath returns the path of the data file.
func (s *State) DataPath() string { return s.dataPath }

// CreatedAt returns the creation time.
func (s *State) CreatedAt() time.Time { return s.createdAt }

// NextChunk returns the sequence number expected for the next upload.
func (s *State) NextChunk() int64 { return s.nextChunk.Load() }

// Size returns the committed length of the data file.
func (s *State) Size() int64 { return s.size.Load() }

// LastActivity returns the time of the last accepted chunk or processing run.
func (s *State) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Closed reports whether the session has been torn down.
func (s *State) Closed() bool { return s.closed.Load() }

// Snapshot returns a copy of the session's counters.
func (s *State) Snapshot() Info {
	return Info{
		ID:           s.id,
		NextUpload:   s.NextChunk(),
		Size:         s.Size(),
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
	}
}

// WithLock runs fn while holding the session's exclusive lock. It fails with
// ErrNotFound, without running fn, if the session was torn down while the
// caller waited.
func (s *State) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return notFound(s.id)
	}
	return fn()
}

// Touch records activity at now. Callers must hold the lock.
func (s *State) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// advance commits an appended chunk of written bytes. Callers must hold the lock.
func (s *State) advance(written int64, now time.Time) int64 {
	s.size.Add(written)
	s.Touch(now)
	return s.nextChunk.Add(1)
}

// close marks the session finalized. Callers must hold the lock.
func (s *State) close() {
	s.closed.Store(true)
}
