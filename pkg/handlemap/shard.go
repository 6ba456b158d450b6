package handlemap

import (
	"fmt"
	"os"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/nfsproxy/internal/logger"
)

// shard is one partition: a lock, a hash table and a badger database.
type shard struct {
	idx int
	dir string

	mu    sync.RWMutex
	db    *badgerdb.DB
	table *table

	// corrupt counts entries that failed verification at load, including
	// those whose key could not be parsed and are therefore not in table.
	corrupt int

	// strays are keys found here that hash to another shard. openGeneration
	// hands them to their own shard as corrupt entries.
	strays []LocalHandle

	// retired is set under mu when a newer generation replaced this shard.
	retired bool
}

func badgerOptions(dir string, idx int) badgerdb.Options {
	return badgerdb.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{shard: idx}).
		WithLoggingLevel(badgerdb.WARNING).
		WithCompression(options.None).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithBlockCacheSize(16 << 20).
		WithIndexCacheSize(8 << 20)
}

func openDB(dir string, idx int) (*badgerdb.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := badgerdb.Open(badgerOptions(dir, idx))
	if err != nil {
		return nil, fmt.Errorf("failed to open shard %d at %s: %w", idx, dir, err)
	}
	return db, nil
}

// openShard opens the database in dir and loads every entry into memory.
// Entries that fail verification stay in the table flagged corrupt so that
// Resolve reports them instead of pretending they never existed.
func openShard(dir string, idx, shards, buckets int) (*shard, error) {
	db, err := openDB(dir, idx)
	if err != nil {
		return nil, err
	}
	sh := &shard{idx: idx, dir: dir, db: db, table: newTable(buckets)}

	err = db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			local, ok := parseEntryKey(key)
			if !ok {
				sh.corrupt++
				logger.Warn("Dropping unparseable handle map key", logger.Shard(idx), "key", fmt.Sprintf("%x", key))
				continue
			}
			if shardIndex(local, shards) != idx {
				sh.strays = append(sh.strays, local)
				continue
			}

			err := item.Value(func(val []byte) error {
				remote, accessed, derr := decodeRecord(key, val)
				nd := &node{local: local, remote: remote}
				if derr != nil {
					nd.remote = nil
					nd.corrupt = true
					sh.corrupt++
					logger.Warn("Handle map entry failed verification",
						logger.Shard(idx), logger.Handle(local[:]), logger.Err(derr))
				}
				nd.accessed.Store(accessed)
				nd.flushed.Store(accessed)
				sh.table.put(nd)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load shard %d: %w", idx, err)
	}
	return sh, nil
}

// put writes an entry durably. The caller holds sh.mu for writing.
func (sh *shard) put(local LocalHandle, remote RemoteHandle, accessed int64) error {
	key := entryKey(local)
	return sh.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, encodeRecord(key, remote, accessed))
	})
}

// delete removes entries durably. The caller holds sh.mu for writing.
func (sh *shard) delete(locals ...LocalHandle) error {
	wb := sh.db.NewWriteBatch()
	defer wb.Cancel()
	for _, l := range locals {
		if err := wb.Delete(entryKey(l)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// adoptStray records local, found in the database of from, as a corrupt
// entry of sh. A valid entry already in sh wins. Both shards are being
// loaded, so no locks are needed.
func (sh *shard) adoptStray(local LocalHandle, from *shard) {
	logger.Warn("Handle map key found in the wrong shard",
		logger.Shard(from.idx), logger.Handle(local[:]), "expected_shard", sh.idx)
	if sh.table.get(local) != nil {
		from.corrupt++
		return
	}
	nd := &node{local: local, corrupt: true, stray: from}
	sh.table.put(nd)
	sh.corrupt++
}

// dropStray deletes the out-of-place copy of nd's key, if any. The caller
// holds sh.mu for writing, which keeps a rebuild from closing nd.stray.
func (sh *shard) dropStray(nd *node) error {
	if nd == nil || nd.stray == nil {
		return nil
	}
	return nd.stray.delete(nd.local)
}

// entries counts table entries, corrupt ones included. The caller holds
// sh.mu.
func (sh *shard) entries() int {
	return sh.table.len()
}

func (sh *shard) close() error {
	if sh.db == nil {
		return nil
	}
	err := sh.db.Close()
	sh.db = nil
	return err
}

// badgerLogger forwards badger's log output to the process logger.
type badgerLogger struct {
	shard int
}

func (l badgerLogger) Errorf(format string, args ...any) {
	logger.Error("badger: "+trimNewline(fmt.Sprintf(format, args...)), logger.Shard(l.shard))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	logger.Warn("badger: "+trimNewline(fmt.Sprintf(format, args...)), logger.Shard(l.shard))
}

func (l badgerLogger) Infof(format string, args ...any) {
	logger.Debug("badger: "+trimNewline(fmt.Sprintf(format, args...)), logger.Shard(l.shard))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	logger.Debug("badger: "+trimNewline(fmt.Sprintf(format, args...)), logger.Shard(l.shard))
}

func trimNewline(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
