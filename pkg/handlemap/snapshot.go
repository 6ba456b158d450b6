package handlemap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/internal/telemetry"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// Snapshot stream, XDR encoded:
//
//	header
//	record{kind=1, entry}...
//	record{kind=0}
//	trailer{count, xxhash64 of everything above}
const (
	snapshotMagic   uint32 = 0x4e50484d // "NPHM"
	snapshotVersion uint32 = 1

	recordEntry uint32 = 1
	recordEnd   uint32 = 0
)

// ErrBadSnapshot is returned when a snapshot stream fails to parse or verify.
var ErrBadSnapshot = errors.New("invalid handle map snapshot")

type snapshotPreamble struct {
	Magic   uint32
	Version uint32
}

type snapshotHeader struct {
	Generation    string
	ShardCount    uint32
	HashtableSize uint32
	HandleKey     []byte
	Created       int64
}

type snapshotRecord struct {
	Kind     uint32
	Local    []byte
	Accessed int64
	Remote   []byte
}

type snapshotTrailer struct {
	Count    uint64
	Checksum uint64
}

// SnapshotInfo describes a written snapshot.
type SnapshotInfo struct {
	Generation string `json:"generation"`
	Entries    int    `json:"entries"`
	Checksum   uint64 `json:"checksum"`
}

// Snapshot writes every verified entry to w. Each shard is copied under its
// read lock, so the snapshot is consistent per shard while the store keeps
// serving.
func (s *Store) Snapshot(ctx context.Context, w io.Writer) (*SnapshotInfo, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}

	g := s.gen.Load()
	ctx, span := telemetry.StartHandleMapSpan(ctx, telemetry.SpanMapSnapshot,
		telemetry.Generation(g.manifest.Generation))
	defer span.End()

	bw := bufio.NewWriter(w)
	digest := xxhash.New()
	out := io.MultiWriter(bw, digest)

	if _, err := xdr.Marshal(out, &snapshotPreamble{Magic: snapshotMagic, Version: snapshotVersion}); err != nil {
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}
	hdr := snapshotHeader{
		Generation:    g.manifest.Generation,
		ShardCount:    uint32(g.manifest.ShardCount),
		HashtableSize: uint32(g.manifest.HashtableSize),
		HandleKey:     g.manifest.HandleKey,
		Created:       g.manifest.Created.UnixNano(),
	}
	if _, err := xdr.Marshal(out, &hdr); err != nil {
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}

	count := 0
	for _, sh := range g.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, rec := range copyShard(sh) {
			if _, err := xdr.Marshal(out, &rec); err != nil {
				telemetry.RecordError(ctx, err)
				return nil, fmt.Errorf("write snapshot entry: %w", err)
			}
			count++
		}
	}

	end := snapshotRecord{Kind: recordEnd, Local: []byte{}, Remote: []byte{}}
	if _, err := xdr.Marshal(out, &end); err != nil {
		return nil, fmt.Errorf("write snapshot end: %w", err)
	}
	info := &SnapshotInfo{Generation: g.manifest.Generation, Entries: count, Checksum: digest.Sum64()}
	if _, err := xdr.Marshal(bw, &snapshotTrailer{Count: uint64(count), Checksum: info.Checksum}); err != nil {
		return nil, fmt.Errorf("write snapshot trailer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	span.SetAttributes(telemetry.Entries(count))
	logger.Info("Handle map snapshot written", logger.Generation(info.Generation), logger.Entries(count))
	return info, nil
}

func copyShard(sh *shard) []snapshotRecord {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	recs := make([]snapshotRecord, 0, sh.entries())
	sh.table.each(func(nd *node) bool {
		if !nd.corrupt {
			recs = append(recs, snapshotRecord{
				Kind:     recordEntry,
				Local:    nd.local.Bytes(),
				Accessed: nd.accessed.Load(),
				Remote:   nd.remote,
			})
		}
		return true
	})
	return recs
}

// Restore replaces the store in cfg.Dir with the contents of a snapshot.
// The handle key and layout of the snapshot are kept so local handles stay
// valid. Nothing changes on disk unless the whole stream verifies. The
// store must not be open elsewhere.
func Restore(ctx context.Context, cfg Config, r io.Reader, m metrics.HandleMapMetrics) (*RebuildResult, error) {
	s, err := Open(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	res, err := s.restore(ctx, r)
	if cerr := s.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return res, err
}

func (s *Store) restore(ctx context.Context, r io.Reader) (*RebuildResult, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	br := bufio.NewReader(r)
	digest := xxhash.New()
	in := io.TeeReader(br, digest)

	var pre snapshotPreamble
	if _, err := xdr.Unmarshal(in, &pre); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}
	if pre.Magic != snapshotMagic || pre.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrBadSnapshot)
	}
	var hdr snapshotHeader
	if _, err := xdr.Unmarshal(in, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}
	man := Manifest{
		FormatVersion: manifestFormat,
		Generation:    hdr.Generation,
		ShardCount:    int(hdr.ShardCount),
		HashtableSize: int(hdr.HashtableSize),
		HandleKey:     hdr.HandleKey,
	}
	if err := man.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	old := s.gen.Load()
	for _, sh := range old.shards {
		sh.mu.Lock()
	}
	unlock := func() {
		for _, sh := range old.shards {
			sh.mu.Unlock()
		}
	}

	start := time.Now()
	res, err := s.replace(ctx, man.ShardCount, man.HashtableSize, man.HandleKey, func(add addFunc) error {
		count := uint64(0)
		for {
			var rec snapshotRecord
			if _, err := xdr.Unmarshal(in, &rec); err != nil {
				return fmt.Errorf("%w: entry %d: %v", ErrBadSnapshot, count, err)
			}
			if rec.Kind == recordEnd {
				break
			}
			local, err := ParseLocalHandle(rec.Local)
			if err != nil {
				return fmt.Errorf("%w: entry %d: %v", ErrBadSnapshot, count, err)
			}
			remote := RemoteHandle(rec.Remote)
			if err := remote.validate(); err != nil {
				return fmt.Errorf("%w: entry %d: %v", ErrBadSnapshot, count, err)
			}
			if err := add(local, remote, rec.Accessed); err != nil {
				return err
			}
			count++
		}

		sum := digest.Sum64()
		var tr snapshotTrailer
		if _, err := xdr.Unmarshal(br, &tr); err != nil {
			return fmt.Errorf("%w: trailer: %v", ErrBadSnapshot, err)
		}
		if tr.Count != count || tr.Checksum != sum {
			return fmt.Errorf("%w: checksum mismatch", ErrBadSnapshot)
		}
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}

	s.swap(old, res.gen)
	unlock()
	s.retire(old)
	s.publish(res.gen, len(old.shards))

	result := res.result(old, time.Since(start))
	logger.Info("Handle map restored",
		logger.Generation(result.Generation),
		"snapshot_generation", hdr.Generation,
		logger.Entries(result.Kept),
	)
	return result, nil
}
