package handlemap

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/metrics"
)

// Entry is a single mapping as reported to administrators.
type Entry struct {
	Local      LocalHandle
	Remote     RemoteHandle
	Shard      int
	LastAccess time.Time
	Corrupt    bool
}

// generation is one complete on-disk layout named by MANIFEST.
type generation struct {
	manifest *Manifest
	dir      string
	shards   []*shard
}

func (g *generation) shardFor(h LocalHandle) *shard {
	return g.shards[shardIndex(h, len(g.shards))]
}

func (g *generation) close() error {
	var errs []error
	for _, sh := range g.shards {
		if err := sh.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Store is the handle translation store. All methods are safe for
// concurrent use. Lookups and updates lock a single shard; maintenance
// operations (Rebuild, Collect, Snapshot, Close) are serialized.
type Store struct {
	cfg     Config
	metrics metrics.HandleMapMetrics

	gen    atomic.Pointer[generation]
	closed atomic.Bool

	adminMu sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup

	// beforeCommit runs just before MANIFEST is replaced.
	beforeCommit func() error
}

// Open opens the store in cfg.Dir, creating it when no MANIFEST exists.
// Generations not named by MANIFEST and leftovers in cfg.TempDir come from
// interrupted rebuilds and are deleted.
func Open(ctx context.Context, cfg Config, m metrics.HandleMapMetrics) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Dir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioError("create directory", err)
		}
	}
	if err := checkSameFilesystem(cfg.Dir, cfg.TempDir); err != nil {
		if errors.Is(err, ErrCrossDevice) {
			return nil, err
		}
		return nil, ioError("check temp directory", err)
	}

	man, err := readManifest(cfg.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		man = nil
	case err != nil:
		return nil, ioError("read manifest", err)
	}

	keep := ""
	if man != nil {
		keep = man.Generation
	}
	removed, err := removeOrphans(cfg.Dir, cfg.TempDir, keep)
	if err != nil {
		return nil, ioError("remove orphaned generations", err)
	}
	for _, p := range removed {
		logger.Info("Removed leftover handle map generation", logger.Path(p))
	}

	var g *generation
	if man == nil {
		g, err = createGeneration(cfg)
	} else {
		g, err = openGeneration(cfg.Dir, man)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, metrics: m, stop: make(chan struct{})}
	s.gen.Store(g)
	s.publish(g, 0)

	corrupt := 0
	for _, sh := range g.shards {
		corrupt += sh.corrupt
	}
	if corrupt > 0 && m != nil {
		m.CorruptEntries(corrupt)
	}

	logger.Info("Handle map opened",
		logger.Path(cfg.Dir),
		logger.Generation(g.manifest.Generation),
		logger.Entries(s.Stats().Entries),
		"shards", len(g.shards),
		"corrupt", corrupt,
	)

	if cfg.AccessFlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(cfg.AccessFlushInterval)
	}
	return s, nil
}

// createGeneration initializes an empty store. Nothing existed before, so
// the generation is built in place and MANIFEST written last.
func createGeneration(cfg Config) (*generation, error) {
	key := make([]byte, handleKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate handle key: %w", err)
	}
	man := &Manifest{
		FormatVersion: manifestFormat,
		Generation:    uuid.NewString(),
		ShardCount:    cfg.DatabaseCount,
		HashtableSize: cfg.HashtableSize,
		HandleKey:     key,
		Created:       cfg.Now().UTC(),
	}

	g, err := openGeneration(cfg.Dir, man)
	if err != nil {
		return nil, err
	}
	if err := writeManifest(cfg.Dir, man); err != nil {
		_ = g.close()
		_ = os.RemoveAll(g.dir)
		return nil, ioError("write manifest", err)
	}
	return g, nil
}

func openGeneration(root string, man *Manifest) (*generation, error) {
	g := &generation{manifest: man, dir: generationDir(root, man.Generation)}
	for i := range man.ShardCount {
		sh, err := openShard(shardDir(g.dir, i), i, man.ShardCount, man.HashtableSize)
		if err != nil {
			_ = g.close()
			return nil, ioError("open shard", err)
		}
		g.shards = append(g.shards, sh)
	}
	for _, sh := range g.shards {
		for _, local := range sh.strays {
			g.shards[shardIndex(local, len(g.shards))].adoptStray(local, sh)
		}
		sh.strays = nil
	}
	return g, nil
}

// publish reports per-shard entry counts. Indexes from prev up to the new
// count are cleared when the shard count shrank.
func (s *Store) publish(g *generation, prev int) {
	if s.metrics == nil {
		return
	}
	for _, sh := range g.shards {
		sh.mu.RLock()
		n := sh.entries()
		sh.mu.RUnlock()
		s.metrics.SetEntries(sh.idx, n)
	}
	for i := len(g.shards); i < prev; i++ {
		s.metrics.SetEntries(i, 0)
	}
}

// lockShard returns the current shard for h, locked. When a rebuild
// retired the shard while the caller waited, it retries on the new
// generation.
func (s *Store) lockShard(h LocalHandle, write bool) (*shard, error) {
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		sh := s.gen.Load().shardFor(h)
		if write {
			sh.mu.Lock()
		} else {
			sh.mu.RLock()
		}
		if !sh.retired {
			return sh, nil
		}
		if write {
			sh.mu.Unlock()
		} else {
			sh.mu.RUnlock()
		}
	}
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOp(op, time.Since(start), outcomeOf(err))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "exists"
	case errors.Is(err, ErrStoreFull):
		return "full"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrInvalidHandle):
		return "invalid"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// Resolve returns the remote handle mapped to local. The returned slice
// must not be modified.
func (s *Store) Resolve(ctx context.Context, local LocalHandle) (RemoteHandle, error) {
	start := time.Now()
	remote, err := s.resolve(ctx, local)
	s.observe("resolve", start, err)
	return remote, err
}

func (s *Store) resolve(ctx context.Context, local LocalHandle) (RemoteHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.lockShard(local, false)
	if err != nil {
		return nil, err
	}
	defer sh.mu.RUnlock()

	nd := sh.table.get(local)
	if nd == nil {
		return nil, ErrNotFound
	}
	if nd.corrupt {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, local)
	}
	nd.accessed.Store(s.cfg.Now().UnixNano())
	return nd.remote, nil
}

// Lookup returns the entry for local without updating its access time.
func (s *Store) Lookup(ctx context.Context, local LocalHandle) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.lockShard(local, false)
	if err != nil {
		return nil, err
	}
	defer sh.mu.RUnlock()

	nd := sh.table.get(local)
	if nd == nil {
		return nil, ErrNotFound
	}
	return &Entry{
		Local:      local,
		Remote:     bytes.Clone(nd.remote),
		Shard:      sh.idx,
		LastAccess: time.Unix(0, nd.accessed.Load()),
		Corrupt:    nd.corrupt,
	}, nil
}

// Insert maps local to remote. Inserting an identical pair again succeeds;
// a different remote for an existing local handle fails with
// ErrAlreadyExists and leaves the entry unchanged. An entry that failed
// verification may be overwritten. The write is on disk before Insert
// returns.
func (s *Store) Insert(ctx context.Context, local LocalHandle, remote RemoteHandle) error {
	start := time.Now()
	err := s.insert(ctx, local, remote)
	s.observe("insert", start, err)
	return err
}

func (s *Store) insert(ctx context.Context, local LocalHandle, remote RemoteHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := remote.validate(); err != nil {
		return err
	}

	sh, err := s.lockShard(local, true)
	if err != nil {
		return err
	}
	defer sh.mu.Unlock()

	now := s.cfg.Now().UnixNano()
	old := sh.table.get(local)
	if old != nil && !old.corrupt {
		if bytes.Equal(old.remote, remote) {
			old.accessed.Store(now)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyExists, local)
	}
	if old == nil && s.cfg.MaxEntriesPerShard > 0 && sh.entries() >= s.cfg.MaxEntriesPerShard {
		return fmt.Errorf("%w: shard %d holds %d entries", ErrStoreFull, sh.idx, sh.entries())
	}

	stored := bytes.Clone(remote)
	if err := sh.put(local, stored, now); err != nil {
		return ioError("insert", err)
	}
	if err := sh.dropStray(old); err != nil {
		logger.Warn("Failed to remove misplaced handle map key", logger.Handle(local[:]), logger.Err(err))
	}

	nd := &node{local: local, remote: stored}
	nd.accessed.Store(now)
	nd.flushed.Store(now)
	sh.table.put(nd)
	if old != nil {
		sh.corrupt--
	}
	if s.metrics != nil {
		s.metrics.SetEntries(sh.idx, sh.entries())
	}
	return nil
}

// Invalidate removes the entry for local. Removing a missing entry
// succeeds.
func (s *Store) Invalidate(ctx context.Context, local LocalHandle) error {
	start := time.Now()
	err := s.invalidate(ctx, local)
	s.observe("invalidate", start, err)
	return err
}

func (s *Store) invalidate(ctx context.Context, local LocalHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh, err := s.lockShard(local, true)
	if err != nil {
		return err
	}
	defer sh.mu.Unlock()

	nd := sh.table.get(local)
	if nd == nil {
		return nil
	}
	if err := sh.delete(local); err != nil {
		return ioError("invalidate", err)
	}
	if err := sh.dropStray(nd); err != nil {
		return ioError("invalidate", err)
	}
	sh.table.remove(local)
	if nd.corrupt {
		sh.corrupt--
	}
	if s.metrics != nil {
		s.metrics.SetEntries(sh.idx, sh.entries())
	}
	return nil
}

// Export returns the local handle for remote, registering it if needed.
// The local handle is derived from remote with the store's key, so
// exporting the same remote handle always yields the same local handle.
func (s *Store) Export(ctx context.Context, remote RemoteHandle) (LocalHandle, error) {
	if err := remote.validate(); err != nil {
		return LocalHandle{}, err
	}
	if s.closed.Load() {
		return LocalHandle{}, ErrClosed
	}
	local, err := deriveLocal(s.gen.Load().manifest.HandleKey, remote)
	if err != nil {
		return LocalHandle{}, err
	}
	if err := s.Insert(ctx, local, remote); err != nil {
		return LocalHandle{}, err
	}
	return local, nil
}

// ShardStats describes one shard.
type ShardStats struct {
	Index   int `json:"index"`
	Entries int `json:"entries"`
	Corrupt int `json:"corrupt"`
}

// Stats describes the store.
type Stats struct {
	Generation    string       `json:"generation"`
	Created       time.Time    `json:"created"`
	Dir           string       `json:"dir"`
	DatabaseCount int          `json:"database_count"`
	HashtableSize int          `json:"hashtable_size"`
	Entries       int          `json:"entries"`
	Corrupt       int          `json:"corrupt"`
	Shards        []ShardStats `json:"shards"`
}

// Stats returns entry counts per shard. Counts of different shards are
// read at slightly different times.
func (s *Store) Stats() Stats {
	g := s.gen.Load()
	st := Stats{
		Generation:    g.manifest.Generation,
		Created:       g.manifest.Created,
		Dir:           s.cfg.Dir,
		DatabaseCount: g.manifest.ShardCount,
		HashtableSize: g.manifest.HashtableSize,
	}
	for _, sh := range g.shards {
		sh.mu.RLock()
		ss := ShardStats{Index: sh.idx, Entries: sh.entries(), Corrupt: sh.corrupt}
		sh.mu.RUnlock()
		st.Entries += ss.Entries
		st.Corrupt += ss.Corrupt
		st.Shards = append(st.Shards, ss)
	}
	return st
}

// Close flushes access times and closes every shard. Further calls return
// ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	var errs []error
	if err := s.flushAccess(); err != nil {
		errs = append(errs, err)
	}

	g := s.gen.Load()
	for _, sh := range g.shards {
		sh.mu.Lock()
		sh.retired = true
		if err := sh.close(); err != nil {
			errs = append(errs, ioError(fmt.Sprintf("close shard %d", sh.idx), err))
		}
		sh.mu.Unlock()
	}
	return errors.Join(errs...)
}
