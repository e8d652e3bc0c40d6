package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const copyBufferSize = 64 * 1024

var copyBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// Coordinator accepts sequenced chunks and appends them to session data files.
type Coordinator struct {
	registry *Registry
}

// NewCoordinator creates an upload coordinator over registry.
func NewCoordinator(registry *Registry) *Coordinator {
	return &Coordinator{registry: registry}
}

// Upload appends the payload read from r to session id if chunk is the
// sequence number the session expects next. It returns the new expected
// sequence number.
//
// A mismatched chunk returns *UnexpectedChunkError and nothing is written.
// A failed append returns *StorageError; the data file is cut back to its
// committed size and the counter is unchanged, so the same chunk may be
// retried.
func (c *Coordinator) Upload(ctx context.Context, id string, chunk int64, r io.Reader) (next int64, err error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.upload",
		attribute.String("session_id", id),
		attribute.Int64("chunk", chunk),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, c.registry.logger)

	st, err := c.registry.Get(id)
	if err != nil {
		observability.RecordChunkRejected("not_found")
		return 0, err
	}

	start := time.Now()
	var written int64

	err = st.WithLock(func() error {
		expected := st.NextChunk()
		if chunk != expected {
			return &UnexpectedChunkError{Sent: chunk, Expected: expected}
		}

		n, err := appendChunk(st.dataPath, st.Size(), r)
		if err != nil {
			return err
		}
		written = n
		next = st.advance(n, c.registry.now())

		if c.registry.ledger != nil {
			commitCtx := context.WithoutCancel(ctx)
			if err := c.registry.ledger.Commit(commitCtx, id, next, st.Size(), st.LastActivity()); err != nil {
				logger.Error().Err(err).Int64("chunk", chunk).Msg("Failed to commit chunk to ledger")
			}
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnexpectedChunk):
			observability.RecordChunkRejected("unexpected_chunk")
			logger.Debug().Err(err).Msg("Chunk rejected")
		case errors.Is(err, ErrNotFound):
			observability.RecordChunkRejected("not_found")
		default:
			observability.RecordChunkRejected("storage")
			logger.Error().Err(err).Int64("chunk", chunk).Msg("Failed to append chunk")
		}
		return 0, err
	}

	observability.RecordChunkAccepted(written, time.Since(start))
	c.registry.notifier.Publish(EventChunkAccepted, map[string]interface{}{
		"contestId":  id,
		"chunk":      chunk,
		"bytes":      written,
		"nextUpload": next,
	})

	logger.Debug().
		Int64("chunk", chunk).
		Int64("bytes", written).
		Int64("next_chunk", next).
		Msg("Chunk accepted")
	return next, nil
}

// appendChunk copies r onto the end of path and syncs it. committed is the
// length the file must have before the append; on failure the file is
// truncated back to it.
func appendChunk(path string, committed int64, r io.Reader) (n int64, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return 0, &StorageError{Op: "append", Path: path, Err: err}
	}

	defer func() {
		if err != nil {
			if terr := f.Truncate(committed); terr != nil {
				err = &StorageError{Op: "append", Path: path, Err: errors.Join(err, fmt.Errorf("truncate: %w", terr))}
			}
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &StorageError{Op: "append", Path: path, Err: cerr}
		}
	}()

	// Drop any tail left by an earlier append that never committed.
	if err := f.Truncate(committed); err != nil {
		return 0, &StorageError{Op: "append", Path: path, Err: err}
	}
	if _, err := f.Seek(committed, io.SeekStart); err != nil {
		return 0, &StorageError{Op: "append", Path: path, Err: err}
	}

	bufp := copyBufferPool.Get().(*[]byte)
	defer copyBufferPool.Put(bufp)

	// Hide ReadFrom/WriteTo so the copy stays within the pooled buffer.
	n, err = io.CopyBuffer(struct{ io.Writer }{f}, struct{ io.Reader }{r}, *bufp)
	if err != nil {
		return 0, &StorageError{Op: "append", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return 0, &StorageError{Op: "append", Path: path, Err: err}
	}
	return n, nil
}
