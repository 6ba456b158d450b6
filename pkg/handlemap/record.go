package handlemap

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Badger layout:
//
//	key:   "h:" + local handle (16 bytes)
//	value: version(1) | last access unix nanos(8) | remote length(2) | remote | xxhash64(key|preceding value bytes)(8)
const (
	keyPrefix     = "h:"
	recordVersion = 1
	recordFixed   = 1 + 8 + 2
	checksumSize  = 8
)

func entryKey(h LocalHandle) []byte {
	k := make([]byte, 0, len(keyPrefix)+LocalHandleSize)
	k = append(k, keyPrefix...)
	return append(k, h[:]...)
}

func parseEntryKey(k []byte) (LocalHandle, bool) {
	if len(k) != len(keyPrefix)+LocalHandleSize || string(k[:len(keyPrefix)]) != keyPrefix {
		return LocalHandle{}, false
	}
	var h LocalHandle
	copy(h[:], k[len(keyPrefix):])
	return h, true
}

func encodeRecord(key []byte, remote RemoteHandle, accessed int64) []byte {
	v := make([]byte, recordFixed+len(remote), recordFixed+len(remote)+checksumSize)
	v[0] = recordVersion
	binary.BigEndian.PutUint64(v[1:9], uint64(accessed))
	binary.BigEndian.PutUint16(v[9:11], uint16(len(remote)))
	copy(v[recordFixed:], remote)
	return binary.BigEndian.AppendUint64(v, recordChecksum(key, v))
}

func recordChecksum(key, body []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(key)
	_, _ = d.Write(body)
	return d.Sum64()
}

// decodeRecord verifies and parses a value. The returned remote handle is a
// copy that does not alias val.
func decodeRecord(key, val []byte) (RemoteHandle, int64, error) {
	if len(val) < recordFixed+checksumSize {
		return nil, 0, fmt.Errorf("%w: record is %d bytes", ErrCorrupt, len(val))
	}
	body, sum := val[:len(val)-checksumSize], val[len(val)-checksumSize:]
	if recordChecksum(key, body) != binary.BigEndian.Uint64(sum) {
		return nil, 0, ErrCorrupt
	}
	if body[0] != recordVersion {
		return nil, 0, fmt.Errorf("%w: record version %d", ErrCorrupt, body[0])
	}
	n := int(binary.BigEndian.Uint16(body[9:11]))
	if n == 0 || n > MaxRemoteHandleSize || recordFixed+n != len(body) {
		return nil, 0, fmt.Errorf("%w: remote handle length %d", ErrCorrupt, n)
	}
	remote := make(RemoteHandle, n)
	copy(remote, body[recordFixed:])
	return remote, int64(binary.BigEndian.Uint64(body[1:9])), nil
}
