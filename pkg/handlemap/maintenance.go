package handlemap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/internal/telemetry"
)

// ============================================================================
// Access times
// ============================================================================

func (s *Store) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.adminMu.Lock()
			err := s.flushAccess()
			s.adminMu.Unlock()
			if err != nil {
				logger.Warn("Failed to persist handle access times", logger.Err(err))
			}
		}
	}
}

// flushAccess persists access times that changed since the last flush.
// Shards are read-locked so an entry cannot be deleted while its record is
// being rewritten. The caller holds adminMu.
func (s *Store) flushAccess() error {
	var errs []error
	for _, sh := range s.gen.Load().shards {
		if err := s.flushShard(sh); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", sh.idx, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) flushShard(sh *shard) error {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if sh.retired || sh.db == nil {
		return nil
	}

	type dirty struct {
		nd *node
		at int64
	}
	var pending []dirty
	sh.table.each(func(nd *node) bool {
		if at := nd.accessed.Load(); !nd.corrupt && at != nd.flushed.Load() {
			pending = append(pending, dirty{nd, at})
		}
		return true
	})
	if len(pending) == 0 {
		return nil
	}

	wb := sh.db.NewWriteBatch()
	defer wb.Cancel()
	for _, d := range pending {
		key := entryKey(d.nd.local)
		if err := wb.Set(key, encodeRecord(key, d.nd.remote, d.at)); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	for _, d := range pending {
		d.nd.flushed.Store(d.at)
	}
	logger.Debug("Persisted handle access times", logger.Shard(sh.idx), logger.Entries(len(pending)))
	return nil
}

// ============================================================================
// Garbage collection
// ============================================================================

// Collect removes entries not accessed since olderThan and returns how many
// were removed. Entries that failed verification are left for Rebuild.
func (s *Store) Collect(ctx context.Context, olderThan time.Time) (int, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, span := telemetry.StartHandleMapSpan(ctx, telemetry.SpanMapCollect)
	defer span.End()

	start := time.Now()
	cutoff := olderThan.UnixNano()
	total := 0
	for _, sh := range s.gen.Load().shards {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := collectShard(sh, cutoff)
		total += n
		if err != nil {
			telemetry.RecordError(ctx, err)
			return total, ioError(fmt.Sprintf("collect shard %d", sh.idx), err)
		}
		if s.metrics != nil && n > 0 {
			sh.mu.RLock()
			s.metrics.SetEntries(sh.idx, sh.entries())
			sh.mu.RUnlock()
		}
	}

	span.SetAttributes(telemetry.Dropped(total))
	logger.Info("Handle map garbage collection finished",
		logger.Entries(total),
		"older_than", olderThan,
		logger.DurationMs(start),
	)
	return total, nil
}

func collectShard(sh *shard, cutoff int64) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var victims []LocalHandle
	sh.table.each(func(nd *node) bool {
		if !nd.corrupt && nd.accessed.Load() < cutoff {
			victims = append(victims, nd.local)
		}
		return true
	})
	if len(victims) == 0 {
		return 0, nil
	}
	if err := sh.delete(victims...); err != nil {
		return 0, err
	}
	for _, h := range victims {
		sh.table.remove(h)
	}
	return len(victims), nil
}

// ============================================================================
// Rebuild
// ============================================================================

// RebuildOptions selects the layout of the new generation. Zero keeps the
// current value.
type RebuildOptions struct {
	DatabaseCount int
	HashtableSize int
}

// RebuildResult describes a committed rebuild or restore.
type RebuildResult struct {
	Generation    string        `json:"generation"`
	Previous      string        `json:"previous"`
	DatabaseCount int           `json:"database_count"`
	HashtableSize int           `json:"hashtable_size"`
	Kept          int           `json:"kept"`
	Dropped       int           `json:"dropped"`
	Duration      time.Duration `json:"duration"`
}

// addFunc stages one entry in the generation being built.
type addFunc func(local LocalHandle, remote RemoteHandle, accessed int64) error

// Rebuild rewrites the store into a new generation, optionally with a new
// layout, dropping entries that failed verification. It runs online:
// every shard is write-locked in index order for the duration, and
// operations that waited on a lock continue on the new generation.
//
// On failure the staged generation is removed and the store is unchanged.
func (s *Store) Rebuild(ctx context.Context, opts RebuildOptions) (*RebuildResult, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}

	old := s.gen.Load()
	shards, buckets := opts.DatabaseCount, opts.HashtableSize
	if shards == 0 {
		shards = old.manifest.ShardCount
	}
	if buckets == 0 {
		buckets = old.manifest.HashtableSize
	}
	if err := validateLayout(shards, buckets); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartHandleMapSpan(ctx, telemetry.SpanMapRebuild,
		telemetry.Generation(old.manifest.Generation))
	defer span.End()

	for _, sh := range old.shards {
		sh.mu.Lock()
	}
	unlock := func() {
		for _, sh := range old.shards {
			sh.mu.Unlock()
		}
	}

	start := time.Now()
	dropped := 0
	res, err := s.replace(ctx, shards, buckets, old.manifest.HandleKey, func(add addFunc) error {
		for _, sh := range old.shards {
			if err := ctx.Err(); err != nil {
				return err
			}
			dropped += sh.corrupt
			var err error
			sh.table.each(func(nd *node) bool {
				if nd.corrupt {
					logger.Warn("Dropping corrupt handle map entry", logger.Shard(sh.idx), logger.Handle(nd.local[:]))
					return true
				}
				err = add(nd.local, nd.remote, nd.accessed.Load())
				return err == nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		unlock()
		telemetry.RecordError(ctx, err)
		if s.metrics != nil {
			s.metrics.Rebuilt(time.Since(start), 0, 0, err)
		}
		logger.Error("Handle map rebuild failed", logger.Generation(old.manifest.Generation), logger.Err(err))
		return nil, err
	}

	res.dropped = dropped
	s.swap(old, res.gen)
	unlock()
	s.retire(old)

	result := res.result(old, time.Since(start))
	span.SetAttributes(telemetry.Entries(result.Kept), telemetry.Dropped(result.Dropped))
	if s.metrics != nil {
		s.metrics.Rebuilt(result.Duration, result.Kept, result.Dropped, nil)
	}
	s.publish(res.gen, len(old.shards))

	logger.Info("Handle map rebuilt",
		logger.Generation(result.Generation),
		"previous", result.Previous,
		logger.Entries(result.Kept),
		"dropped", result.Dropped,
		"shards", result.DatabaseCount,
		"hashtable_size", result.HashtableSize,
		logger.DurationMs(start),
	)
	return result, nil
}

// swap publishes next and marks old's shards retired. The caller holds
// every shard lock of old.
func (s *Store) swap(old, next *generation) {
	s.gen.Store(next)
	for _, sh := range old.shards {
		sh.retired = true
	}
}

// retire closes and deletes a generation that is no longer referenced.
func (s *Store) retire(old *generation) {
	for _, sh := range old.shards {
		sh.mu.Lock()
		if err := sh.close(); err != nil {
			logger.Warn("Failed to close retired shard", logger.Shard(sh.idx), logger.Err(err))
		}
		sh.mu.Unlock()
	}
	if err := os.RemoveAll(old.dir); err != nil {
		logger.Warn("Failed to remove retired generation", logger.Path(old.dir), logger.Err(err))
	}
}

// staged is a generation built by replace and committed to MANIFEST.
type staged struct {
	gen     *generation
	kept    int
	dropped int
}

func (st *staged) result(old *generation, d time.Duration) *RebuildResult {
	r := &RebuildResult{
		Generation:    st.gen.manifest.Generation,
		DatabaseCount: st.gen.manifest.ShardCount,
		HashtableSize: st.gen.manifest.HashtableSize,
		Kept:          st.kept,
		Dropped:       st.dropped,
		Duration:      d,
	}
	if old != nil {
		r.Previous = old.manifest.Generation
	}
	return r
}

// replace builds a generation from fill in TempDir, moves it into Dir and
// commits it by replacing MANIFEST. Nothing is visible to Open until the
// MANIFEST rename; any failure before it removes what was staged.
func (s *Store) replace(ctx context.Context, shards, buckets int, key []byte, fill func(addFunc) error) (*staged, error) {
	man := &Manifest{
		FormatVersion: manifestFormat,
		Generation:    uuid.NewString(),
		ShardCount:    shards,
		HashtableSize: buckets,
		HandleKey:     key,
		Created:       s.cfg.Now().UTC(),
	}
	stagingDir := filepath.Join(s.cfg.TempDir, generationPrefix+man.Generation)
	finalDir := generationDir(s.cfg.Dir, man.Generation)

	next := &generation{manifest: man, dir: finalDir}
	batches := make([]*badgerdb.WriteBatch, shards)
	committed := false
	defer func() {
		if committed {
			return
		}
		for _, wb := range batches {
			if wb != nil {
				wb.Cancel()
			}
		}
		_ = next.close()
		_ = os.RemoveAll(stagingDir)
		_ = os.RemoveAll(finalDir)
	}()

	for i := range shards {
		db, err := openDB(shardDir(stagingDir, i), i)
		if err != nil {
			return nil, ioError("create staged shard", err)
		}
		next.shards = append(next.shards, &shard{idx: i, db: db, table: newTable(buckets)})
		batches[i] = db.NewWriteBatch()
	}

	kept := 0
	add := func(local LocalHandle, remote RemoteHandle, accessed int64) error {
		sh := next.shardFor(local)
		if s.cfg.MaxEntriesPerShard > 0 && sh.entries() >= s.cfg.MaxEntriesPerShard {
			return fmt.Errorf("%w: shard %d of the new layout", ErrStoreFull, sh.idx)
		}
		k := entryKey(local)
		if err := batches[sh.idx].Set(k, encodeRecord(k, remote, accessed)); err != nil {
			return ioError("stage entry", err)
		}
		nd := &node{local: local, remote: remote}
		nd.accessed.Store(accessed)
		nd.flushed.Store(accessed)
		sh.table.put(nd)
		kept++
		return nil
	}
	if err := fill(add); err != nil {
		return nil, err
	}

	for i, wb := range batches {
		if err := wb.Flush(); err != nil {
			return nil, ioError("flush staged shard", err)
		}
		batches[i] = nil
	}
	// Closing syncs and releases the directory locks before the move.
	if err := next.close(); err != nil {
		return nil, ioError("close staged shards", err)
	}
	if err := renameDir(stagingDir, finalDir); err != nil {
		return nil, ioError("move staged generation", err)
	}
	if err := syncDir(s.cfg.Dir); err != nil {
		return nil, ioError("sync databases directory", err)
	}
	for _, sh := range next.shards {
		sh.dir = shardDir(finalDir, sh.idx)
		db, err := openDB(sh.dir, sh.idx)
		if err != nil {
			return nil, ioError("reopen shard", err)
		}
		sh.db = db
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return nil, err
		}
	}

	if err := writeManifest(s.cfg.Dir, man); err != nil {
		// A failure after the rename still committed.
		if cur, rerr := readManifest(s.cfg.Dir); rerr != nil || cur.Generation != man.Generation {
			return nil, ioError("commit manifest", err)
		}
		logger.Warn("MANIFEST replaced but directory sync failed", logger.Path(s.cfg.Dir), logger.Err(err))
	}
	committed = true
	return &staged{gen: next, kept: kept}, nil
}
