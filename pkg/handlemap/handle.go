package handlemap

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// LocalHandleSize is the size of handles given to clients.
	LocalHandleSize = 16

	// MaxRemoteHandleSize is NFS4_FHSIZE.
	MaxRemoteHandleSize = 128

	handleKeySize = 32
)

// LocalHandle identifies an entry. It is what clients see.
type LocalHandle [LocalHandleSize]byte

// ParseLocalHandle copies b into a LocalHandle.
func ParseLocalHandle(b []byte) (LocalHandle, error) {
	var h LocalHandle
	if len(b) != LocalHandleSize {
		return h, fmt.Errorf("%w: local handle is %d bytes, want %d", ErrInvalidHandle, len(b), LocalHandleSize)
	}
	copy(h[:], b)
	return h, nil
}

// ParseLocalHandleHex parses the hex form printed by String.
func ParseLocalHandleHex(s string) (LocalHandle, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return LocalHandle{}, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	return ParseLocalHandle(b)
}

// Bytes returns the handle as a new slice.
func (h LocalHandle) Bytes() []byte {
	b := make([]byte, LocalHandleSize)
	copy(b, h[:])
	return b
}

func (h LocalHandle) String() string { return hex.EncodeToString(h[:]) }

// RemoteHandle is an opaque backend file handle. Values stored in the map
// are never modified in place.
type RemoteHandle []byte

func (r RemoteHandle) String() string { return hex.EncodeToString(r) }

func (r RemoteHandle) validate() error {
	if len(r) == 0 || len(r) > MaxRemoteHandleSize {
		return fmt.Errorf("%w: remote handle is %d bytes, want 1..%d", ErrInvalidHandle, len(r), MaxRemoteHandleSize)
	}
	return nil
}

// deriveLocal computes the local handle Export assigns to remote: a keyed
// BLAKE2b digest, so the same remote handle always maps to the same local
// handle for a given store.
func deriveLocal(key []byte, remote RemoteHandle) (LocalHandle, error) {
	var h LocalHandle
	d, err := blake2b.New(LocalHandleSize, key)
	if err != nil {
		return h, fmt.Errorf("derive local handle: %w", err)
	}
	d.Write(remote)
	copy(h[:], d.Sum(nil))
	return h, nil
}
