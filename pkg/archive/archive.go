// Package archive stores handle map snapshots outside the databases
// directory, on the local filesystem or in an S3 bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/nfsproxy/internal/bytesize"
	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/internal/telemetry"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
	"github.com/marmos91/nfsproxy/pkg/metrics"
)

const (
	namePrefix = "handlemap-"
	nameSuffix = ".snap"
	timeLayout = "20060102T150405Z"
)

// ErrNotFound is returned when a named snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Object describes an archived snapshot.
type Object struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Sink is a place snapshots are archived to.
type Sink interface {
	// Put stores the content of r under name, replacing any previous object.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get opens the named snapshot. Returns ErrNotFound if absent.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns the archived snapshots, oldest first.
	List(ctx context.Context) ([]Object, error)

	// Location describes the sink for logs and CLI output.
	Location() string
}

// NewSink builds the sink selected by cfg.Destination.
func NewSink(ctx context.Context, cfg config.BackupConfig) (Sink, error) {
	switch cfg.Destination {
	case "", "file":
		if cfg.Directory == "" {
			return nil, errors.New("backup.directory is required for file destination")
		}
		return NewFileSink(cfg.Directory)
	case "s3":
		return NewS3SinkFromConfig(ctx, S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown backup destination %q", cfg.Destination)
	}
}

// SnapshotName returns the archive name of a snapshot of generation taken
// at t. Names sort chronologically.
func SnapshotName(generation string, t time.Time) string {
	return namePrefix + t.UTC().Format(timeLayout) + "-" + generation + nameSuffix
}

func isSnapshotName(name string) bool {
	return strings.HasPrefix(name, namePrefix) && strings.HasSuffix(name, nameSuffix)
}

func sortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
}

// Latest returns the name of the newest snapshot in sink.
func Latest(ctx context.Context, sink Sink) (string, error) {
	objs, err := sink.List(ctx)
	if err != nil {
		return "", err
	}
	if len(objs) == 0 {
		return "", ErrNotFound
	}
	return objs[len(objs)-1].Name, nil
}

// Snapshotter is implemented by *handlemap.Store.
type Snapshotter interface {
	Snapshot(ctx context.Context, w io.Writer) (*handlemap.SnapshotInfo, error)
}

// BackupResult describes an archived snapshot.
type BackupResult struct {
	Name     string                  `json:"name"`
	Location string                  `json:"location"`
	Size     int64                   `json:"size"`
	Snapshot *handlemap.SnapshotInfo `json:"snapshot"`
}

// Backup snapshots src into a spool file and uploads it to sink. Spooling
// keeps the shard read locks short and gives S3 a seekable body.
func Backup(ctx context.Context, src Snapshotter, sink Sink, tempDir string) (*BackupResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanArchiveUpload)
	defer span.End()
	start := time.Now()

	spool, err := os.CreateTemp(tempDir, "snapshot-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create snapshot spool: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	info, err := src.Snapshot(ctx, spool)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	size, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("snapshot spool: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("snapshot spool: %w", err)
	}

	name := SnapshotName(info.Generation, time.Now())
	if err := sink.Put(ctx, name, spool); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	telemetry.SetAttributes(ctx, telemetry.Generation(info.Generation), telemetry.Entries(info.Entries))
	logger.Info("Handle map snapshot archived",
		"name", name,
		"location", sink.Location(),
		"size", bytesize.ByteSize(size),
		logger.Entries(info.Entries),
		logger.DurationMs(start))

	return &BackupResult{Name: name, Location: sink.Location(), Size: size, Snapshot: info}, nil
}

// Restore replaces the store in cfg.Dir with the named snapshot. An empty
// name selects the newest one. The store must not be open elsewhere.
func Restore(ctx context.Context, sink Sink, name string, cfg handlemap.Config, m metrics.HandleMapMetrics) (*handlemap.RebuildResult, error) {
	if name == "" {
		latest, err := Latest(ctx, sink)
		if err != nil {
			return nil, err
		}
		name = latest
	}

	rc, err := sink.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	res, err := handlemap.Restore(ctx, cfg, rc, m)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", name, err)
	}
	logger.Info("Handle map restored from archive",
		"name", name,
		"location", sink.Location(),
		logger.Generation(res.Generation),
		logger.Entries(res.Kept))
	return res, nil
}
