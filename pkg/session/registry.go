package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "tally.session"

// ProvisionFunc populates a freshly created session directory, typically by
// writing the configuration file. A failure aborts creation.
type ProvisionFunc func(dir, id string) error

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Root     string           // directory holding one subdirectory per session
	Ledger   *Ledger          // optional, enables Recover
	Notifier Notifier         // optional lifecycle event sink
	Logger   zerolog.Logger   // component logger
	Now      func() time.Time // clock, defaults to time.Now
}

// Registry maps session IDs to live sessions. It is owned by the daemon for
// the lifetime of the process.
type Registry struct {
	layout   Layout
	ledger   *Ledger
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*State
}

// NewRegistry creates a registry rooted at cfg.Root, creating the directory if needed.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Root == "" {
		return nil, fmt.Errorf("contest root directory is required")
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create contest root directory: %w", err)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		layout:   Layout{Root: cfg.Root},
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With().Str("component", "session_registry").Logger(),
		now:      cfg.Now,
		sessions: make(map[string]*State),
	}

	r.logger.Info().Str("root", cfg.Root).Msg("Session registry initialized")
	return r, nil
}

// Layout returns the registry's path layout.
func (r *Registry) Layout() Layout {
	return r.layout
}

// Notify forwards a lifecycle event to the configured notifier.
func (r *Registry) Notify(event string, data interface{}) {
	r.notifier.Publish(event, data)
}

// Create allocates a new session: identifier, directory, provisioned files
// and registry entry. Either all of them exist afterwards or none do.
func (r *Registry) Create(ctx context.Context, provision ProvisionFunc) (st *State, err error) {
	id := uuid.NewString()
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.create", attribute.String("session_id", id))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	dir := r.layout.Dir(id)
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, &StorageError{Op: "create", Path: dir, Err: err}
	}

	if provision != nil {
		if err := provision(dir, id); err != nil {
			r.discard(dir, logger)
			if !errors.Is(err, ErrStorage) {
				err = &StorageError{Op: "provision", Path: dir, Err: err}
			}
			return nil, err
		}
	}

	st = newState(id, r.layout, r.now())

	if r.ledger != nil {
		if err := r.ledger.Record(ctx, st.record()); err != nil {
			r.discard(dir, logger)
			return nil, &StorageError{Op: "record", Path: dir, Err: err}
		}
	}

	r.mu.Lock()
	r.sessions[id] = st
	count := len(r.sessions)
	r.mu.Unlock()

	observability.RecordSessionCreated()
	observability.SetActiveSessions(count)
	r.notifier.Publish(EventSessionCreated, st.Snapshot())

	logger.Info().Str("dir", dir).Msg("Contest session created")
	return st, nil
}

// discard removes a partially created session directory.
func (r *Registry) discard(dir string, logger zerolog.Logger) {
	if err := removeTree(dir); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("Failed to remove partially created session")
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*State, error) {
	r.mu.RLock()
	st, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, notFound(id)
	}
	return st, nil
}

// Remove unregisters id and returns its state. Removing an absent id is ErrNotFound.
func (r *Registry) Remove(id string) (*State, error) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return nil, notFound(id)
	}

	observability.SetActiveSessions(count)
	return st, nil
}

// List returns the live sessions ordered by creation time.
func (r *Registry) List() []*State {
	r.mu.RLock()
	states := make([]*State, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].createdAt.Before(states[j].createdAt)
	})
	return states
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Recover re-registers the sessions recorded in the ledger whose directories
// still exist. Data files are truncated to their committed size, dropping any
// bytes from an append that never committed. Rows without a directory are
// forgotten. A session whose data file cannot be brought back to its
// committed size is discarded and recovery moves on; only a ledger read
// failure is returned. It returns the number of sessions restored.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.ledger == nil {
		return 0, nil
	}

	records, err := r.ledger.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list ledger: %w", err)
	}

	restored := 0
	for _, rec := range records {
		logger := r.logger.With().Str("session_id", rec.ID).Logger()

		if _, err := r.Get(rec.ID); err == nil {
			continue
		}

		dir := r.layout.Dir(rec.ID)
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				logger.Warn().Str("dir", dir).Msg("Session directory missing, forgetting ledger entry")
				r.forget(ctx, rec.ID, logger)
				continue
			}
			logger.Error().Err(err).Str("dir", dir).Msg("Cannot inspect session directory, skipping")
			continue
		}

		st := newState(rec.ID, r.layout, rec.CreatedAt)
		st.nextChunk.Store(rec.NextChunk)
		st.size.Store(rec.Size)
		st.Touch(rec.UpdatedAt)

		if err := truncateTail(st.dataPath, rec.Size); err != nil {
			logger.Error().
				Err(err).
				Int64("size", rec.Size).
				Msg("Session data does not match ledger, discarding session")
			r.discard(dir, logger)
			r.forget(ctx, rec.ID, logger)
			continue
		}

		r.mu.Lock()
		r.sessions[rec.ID] = st
		r.mu.Unlock()
		restored++

		logger.Info().
			Int64("next_chunk", rec.NextChunk).
			Int64("size", rec.Size).
			Msg("Contest session recovered")
	}

	observability.SetActiveSessions(r.Len())
	return restored, nil
}

func (r *Registry) forget(ctx context.Context, id string, logger zerolog.Logger) {
	if err := r.ledger.Forget(ctx, id); err != nil {
		logger.Error().Err(err).Msg("Failed to forget ledger entry")
	}
}

// truncateTail cuts path back to size if it is longer. A missing file is
// fine for an empty session.
func truncateTail(path string, size int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && size == 0 {
			return nil
		}
		return err
	}
	if info.Size() < size {
		return fmt.Errorf("data file is %d bytes, ledger committed %d", info.Size(), size)
	}
	if info.Size() == size {
		return nil
	}
	return os.Truncate(path, size)
}
