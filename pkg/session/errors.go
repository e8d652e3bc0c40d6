package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session ID is not registered
	ErrNotFound = errors.New("no such contest")

	// ErrUnexpectedChunk is matched by *UnexpectedChunkError
	ErrUnexpectedChunk = errors.New("unexpected chunk")

	// ErrStorage is matched by *StorageError
	ErrStorage = errors.New("contest storage failure")
)

// UnexpectedChunkError reports a chunk whose sequence number is not the one
// the session expects next. Nothing was written.
type UnexpectedChunkError struct {
	Sent     int64
	Expected int64
}

func (e *UnexpectedChunkError) Error() string {
	return fmt.Sprintf("sent chunk %d, expecting %d", e.Sent, e.Expected)
}

// Is reports whether target is ErrUnexpectedChunk.
func (e *UnexpectedChunkError) Is(target error) bool {
	return target == ErrUnexpectedChunk
}

// StorageError wraps an I/O failure on session storage.
type StorageError struct {
	Op   string // create, provision, record, append, delete
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
