package handlemap

import (
	"fmt"
	"time"

	"github.com/marmos91/nfsproxy/pkg/config"
)

// Limits accepted for the shard layout.
const (
	MaxDatabaseCount = 16
	MaxHashtableSize = 127
)

// Config configures a Store.
type Config struct {
	// Dir holds MANIFEST and the live generation.
	Dir string

	// TempDir is where Rebuild and Restore stage a new generation. It must
	// be on the same filesystem as Dir; Open fails with ErrCrossDevice
	// otherwise.
	TempDir string

	// DatabaseCount and HashtableSize only apply when the store is created;
	// afterwards the values in MANIFEST win until the next Rebuild.
	DatabaseCount int
	HashtableSize int

	// MaxEntriesPerShard caps each shard. Zero means unlimited.
	MaxEntriesPerShard int

	// AccessFlushInterval is how often last-access times are persisted.
	// Zero disables the background flush; times are still written on Close.
	AccessFlushInterval time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// ConfigFromSettings maps the handlemap configuration block.
func ConfigFromSettings(cfg config.HandleMapConfig) Config {
	return Config{
		Dir:                 cfg.DatabasesDirectory,
		TempDir:             cfg.TempDirectory,
		DatabaseCount:       cfg.DatabaseCount,
		HashtableSize:       cfg.HashtableSize,
		MaxEntriesPerShard:  cfg.MaxEntriesPerShard,
		AccessFlushInterval: cfg.AccessFlushInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.DatabaseCount == 0 {
		c.DatabaseCount = config.DefaultDatabaseCount
	}
	if c.HashtableSize == 0 {
		c.HashtableSize = config.DefaultHashtableSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) validate() error {
	if c.Dir == "" || c.TempDir == "" {
		return fmt.Errorf("handlemap: databases and temp directories are required")
	}
	if err := validateLayout(c.DatabaseCount, c.HashtableSize); err != nil {
		return err
	}
	if c.MaxEntriesPerShard < 0 {
		return fmt.Errorf("handlemap: max entries per shard must not be negative")
	}
	return nil
}

func validateLayout(shards, buckets int) error {
	if shards < 1 || shards > MaxDatabaseCount {
		return fmt.Errorf("handlemap: database count %d out of range 1..%d", shards, MaxDatabaseCount)
	}
	if buckets < 1 || buckets > MaxHashtableSize {
		return fmt.Errorf("handlemap: hashtable size %d out of range 1..%d", buckets, MaxHashtableSize)
	}
	return nil
}
