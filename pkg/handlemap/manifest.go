package handlemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	manifestName   = "MANIFEST"
	manifestFormat = 1

	generationPrefix = "gen-"
)

// Manifest names the live generation and its layout.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	Generation    string    `json:"generation"`
	ShardCount    int       `json:"shard_count"`
	HashtableSize int       `json:"hashtable_size"`
	HandleKey     []byte    `json:"handle_key"`
	Created       time.Time `json:"created"`
}

func (m *Manifest) validate() error {
	if m.FormatVersion != manifestFormat {
		return fmt.Errorf("unsupported manifest format %d", m.FormatVersion)
	}
	if m.Generation == "" || strings.ContainsAny(m.Generation, `/\`) {
		return fmt.Errorf("invalid generation %q", m.Generation)
	}
	if len(m.HandleKey) != handleKeySize {
		return fmt.Errorf("handle key is %d bytes, want %d", len(m.HandleKey), handleKeySize)
	}
	return validateLayout(m.ShardCount, m.HashtableSize)
}

func generationDir(root, gen string) string {
	return filepath.Join(root, generationPrefix+gen)
}

func shardDir(genDir string, idx int) string {
	return filepath.Join(genDir, fmt.Sprintf("shard.%02d", idx))
}

// renameDir moves staged generations into place. Tests replace it.
var renameDir = os.Rename

// ErrCrossDevice is returned by Open when the temp directory cannot be
// renamed into the databases directory.
var ErrCrossDevice = errors.New("handlemap: temp and databases directories must be on the same filesystem")

// checkSameFilesystem moves an empty directory from tempDir into dir, the
// way Rebuild commits a generation. The gen- prefix lets removeOrphans
// clean up after a crash.
func checkSameFilesystem(dir, tempDir string) error {
	name := generationPrefix + "probe-" + uuid.NewString()
	src := filepath.Join(tempDir, name)
	dst := filepath.Join(dir, name)
	if err := os.Mkdir(src, 0o755); err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(src)
		_ = os.RemoveAll(dst)
	}()

	if err := renameDir(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("%w: %s and %s", ErrCrossDevice, tempDir, dir)
		}
		return err
	}
	return nil
}

// readManifest returns os.ErrNotExist when dir holds no store yet.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestName, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", manifestName, err)
	}
	return &m, nil
}

// writeManifest replaces MANIFEST: write a temp file, fsync it, rename it
// over the old one, fsync the directory.
func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, manifestName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// removeOrphans deletes generations other than keep and everything in the
// staging directory. keep may be empty.
func removeOrphans(dir, tempDir, keep string) ([]string, error) {
	var removed []string

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == manifestName+".tmp":
		case e.IsDir() && strings.HasPrefix(name, generationPrefix) && name != generationPrefix+keep:
		default:
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, filepath.Join(dir, name))
	}

	staged, err := os.ReadDir(tempDir)
	if err != nil {
		return removed, err
	}
	for _, e := range staged {
		if !strings.HasPrefix(e.Name(), generationPrefix) {
			continue
		}
		p := filepath.Join(tempDir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}
