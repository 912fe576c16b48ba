package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"logship/internal/domain"
)

// DefaultPath is the file name used when no checkpoint path is configured.
const DefaultPath = "latest_log_sent_timestamp"

const valueSize = 8

var ErrCorrupt = errors.New("checkpoint file corrupt")

// FileStore persists a single watermark. Store replaces the file atomically
// so a crash leaves either the previous or the new value on disk. A FileStore
// expects exactly one writer.
type FileStore struct {
	path string
}

func Open(path string) *FileStore {
	if path == "" {
		path = DefaultPath
	}
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns the stored watermark, or 0 when nothing was stored yet.
func (s *FileStore) Load() (domain.Timestamp, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(b) != valueSize {
		return 0, fmt.Errorf("%w: %s has %d bytes", ErrCorrupt, s.path, len(b))
	}
	return domain.Timestamp(binary.BigEndian.Uint64(b)), nil
}

func (s *FileStore) Store(ts domain.Timestamp) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var buf [valueSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	if _, err := tmp.Write(buf[:]); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}
