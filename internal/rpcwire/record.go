package rpcwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/nfsproxy/pkg/bufpool"
)

// ErrRecordTooLarge is returned when a reassembled record exceeds the limit.
var ErrRecordTooLarge = errors.New("rpc record exceeds maximum size")

// WriteRecord frames msg with record marking, splitting it into fragments
// of at most maxFragment bytes. The last fragment carries the high bit.
//
// All fragments are written with a single Write so concurrent writers that
// serialise on w never interleave within a record.
func WriteRecord(w io.Writer, msg []byte, maxFragment int) error {
	if maxFragment <= 0 || maxFragment > fragmentLenMask {
		maxFragment = fragmentLenMask
	}

	frags := (len(msg) + maxFragment - 1) / maxFragment
	if frags == 0 {
		frags = 1
	}
	out := bufpool.Get(len(msg) + 4*frags)
	defer bufpool.Put(out)

	pos := 0
	for off := 0; ; {
		n := min(len(msg)-off, maxFragment)
		header := uint32(n)
		if off+n == len(msg) {
			header |= lastFragmentBit
		}
		binary.BigEndian.PutUint32(out[pos:], header)
		pos += 4
		pos += copy(out[pos:], msg[off:off+n])
		off += n
		if off >= len(msg) {
			break
		}
	}

	_, err := w.Write(out)
	return err
}

// ReadRecord reads fragments until the last-fragment bit and returns the
// reassembled record. maxSize <= 0 selects MaxRecordSize.
func ReadRecord(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxRecordSize
	}

	var record []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if len(record) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		header := binary.BigEndian.Uint32(hdr[:])
		fragLen := int(header & fragmentLenMask)

		if len(record)+fragLen > maxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record)+fragLen)
		}

		start := len(record)
		record = append(record, make([]byte, fragLen)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			return nil, fmt.Errorf("read fragment: %w", err)
		}

		if header&lastFragmentBit != 0 {
			return record, nil
		}
	}
}
