package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const maxOpaqueLength = 1 << 20

// decodeOpaque reads a variable-length XDR opaque, skipping its padding.
func decodeOpaque(r io.Reader) ([]byte, error) {
	length, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxOpaqueLength {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, maxOpaqueLength)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	if padding := (4 - length%4) % 4; padding > 0 {
		var pad [3]byte
		if _, err := io.ReadFull(r, pad[:padding]); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}
	return data, nil
}

func decodeUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// writeOpaque appends a variable-length XDR opaque with zero padding.
func writeOpaque(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
	if padding := (4 - len(data)%4) % 4; padding > 0 {
		var pad [3]byte
		buf.Write(pad[:padding])
	}
}
