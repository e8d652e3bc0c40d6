package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// TeardownManager finalizes sessions and deletes their storage.
type TeardownManager struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewTeardownManager creates a teardown manager over registry.
func NewTeardownManager(registry *Registry) *TeardownManager {
	return &TeardownManager{
		registry: registry,
		logger:   registry.logger.With().Str("component", "session_teardown").Logger(),
	}
}

// Teardown unregisters session id, waits for any in-flight work on it, and
// deletes its directory. The session is gone from the registry even when
// deletion fails; the returned *StorageError lists what was left behind.
func (m *TeardownManager) Teardown(ctx context.Context, id string) (err error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.teardown", attribute.String("session_id", id))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	st, err := m.registry.Remove(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.close()
	rmErr := removeTree(st.dir)
	st.mu.Unlock()

	return m.finish(ctx, st, rmErr, logger)
}

// TeardownIdle tears session id down only if it has had no activity since
// cutoff, judged while holding the session lock so an upload or tabulation
// that finished after the caller looked is not undone. It reports whether the
// session was torn down.
func (m *TeardownManager) TeardownIdle(ctx context.Context, id string, cutoff time.Time) (reaped bool, err error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.teardown_idle", attribute.String("session_id", id))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	st, err := m.registry.Get(id)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	if st.closed.Load() {
		st.mu.Unlock()
		return false, notFound(id)
	}
	if !st.LastActivity().Before(cutoff) {
		st.mu.Unlock()
		return false, nil
	}
	if _, err := m.registry.Remove(id); err != nil {
		st.mu.Unlock()
		return false, err
	}
	st.close()
	rmErr := removeTree(st.dir)
	st.mu.Unlock()

	return true, m.finish(ctx, st, rmErr, logger)
}

// finish forgets the ledger row and reports the outcome of a teardown.
func (m *TeardownManager) finish(ctx context.Context, st *State, rmErr error, logger zerolog.Logger) error {
	if m.registry.ledger != nil {
		if err := m.registry.ledger.Forget(context.WithoutCancel(ctx), st.id); err != nil {
			logger.Error().Err(err).Msg("Failed to forget session in ledger")
		}
	}

	if rmErr != nil {
		observability.RecordTeardown(false)
		logger.Error().Err(rmErr).Str("dir", st.dir).Msg("Failed to delete session storage")
		return &StorageError{Op: "delete", Path: st.dir, Err: rmErr}
	}

	observability.RecordTeardown(true)
	m.registry.notifier.Publish(EventSessionCleared, map[string]interface{}{
		"contestId": st.id,
		"size":      st.Size(),
	})
	logger.Info().Int64("size", st.Size()).Msg("Contest session cleared")
	return nil
}

// removeTree deletes dir post-order. Every entry is attempted; failures are
// joined. Symlinks are removed, never followed. A missing dir is not an error.
func removeTree(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return os.Remove(dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var errs []error
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := removeTree(path); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
