package store

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates the key has no record.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create (Write with ResourceVersion 0)
	// collided with an existing record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionGone indicates a watch bookmark is older than the store's
	// retained event backlog; the watcher must fall back to a full list.
	ErrVersionGone = errors.New("resource version too old")
)

// ConflictError is returned when a conditional write or delete supplies a
// stale resource version. It signals the caller's view of the record is out
// of date, not a terminal failure.
type ConflictError struct {
	Key      Key
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.Key, e.Expected, e.Actual)
}

// IsConflict reports whether err is (or wraps) a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Watcher is a live change-notification stream for one kind.
type Watcher interface {
	// Events returns the event channel. The channel closes when the watch
	// is stopped or the store can no longer guarantee delivery (a slow
	// consumer); consumers treat closure as a disconnect and re-watch from
	// their last-seen version.
	Events() <-chan Event

	// Stop terminates the stream and releases its resources.
	Stop()
}

// Client is the engine's view of the external watchable key-value store.
// The store's consensus and durability internals are out of scope; the
// engine only relies on the conditional-write and watch primitives below.
type Client interface {
	// Get returns the current record for the key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// List returns all records of a kind.
	List(ctx context.Context, kind string) ([]*Record, error)

	// Write creates the record when rec.ResourceVersion is zero
	// (ErrAlreadyExists if present) and otherwise performs a conditional
	// update against that version (ConflictError when stale). The returned
	// record carries the newly assigned version.
	Write(ctx context.Context, rec *Record) (*Record, error)

	// Delete removes the record. With live finalizers the delete is
	// two-phase: the record is soft-deleted (DeletionTimestamp set,
	// Modified event) and purged only once a Write clears the last
	// finalizer. expectedVersion of zero skips the version check.
	Delete(ctx context.Context, key Key, expectedVersion int64) error

	// Watch streams change events for a kind. sinceVersion of zero streams
	// from the current point; a non-zero bookmark replays retained events
	// after it, or fails with ErrVersionGone when the backlog no longer
	// reaches back that far.
	Watch(ctx context.Context, kind string, sinceVersion int64) (Watcher, error)
}
