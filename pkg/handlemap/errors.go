package handlemap

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a local handle has no entry.
	ErrNotFound = errors.New("handle not found")

	// ErrAlreadyExists is returned when a local handle is already mapped to
	// a different remote handle.
	ErrAlreadyExists = errors.New("handle already mapped to a different remote handle")

	// ErrStoreFull is returned when a shard holds max_entries_per_shard entries.
	ErrStoreFull = errors.New("handle map shard is full")

	// ErrIO wraps storage failures.
	ErrIO = errors.New("handle map I/O error")

	// ErrCorrupt marks an entry that failed verification when loaded.
	ErrCorrupt = fmt.Errorf("%w: entry failed checksum", ErrIO)

	// ErrInvalidHandle is returned for handles of the wrong size.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("handle map closed")
)

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}
