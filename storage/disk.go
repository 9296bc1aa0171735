package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Disk is a file-per-kind Backend, grounded on
// core/rawdb/freezer_table.go's append-only, offset-addressed file
// layout. Each FileKind gets its own file under a ".dat" subdirectory
// of root.
type Disk struct {
	dir string

	mu    sync.Mutex
	files map[FileKind]*os.File
}

// OpenDisk opens (creating if necessary) the on-disk storage directory
// rooted at root.
func OpenDisk(root string) (*Disk, error) {
	dir := filepath.Join(root, ".dat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &Disk{dir: dir, files: make(map[FileKind]*os.File)}, nil
}

func (d *Disk) Init(kind FileKind) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := filepath.Join(d.dir, kind.FileName())
	info, statErr := os.Stat(path)
	existing := statErr == nil && info.Size() > 0

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("storage: open %s: %w", path, err)
	}
	d.files[kind] = f
	return existing, nil
}

func (d *Disk) file(kind FileKind) *os.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[kind]
}

func (d *Disk) ReadAt(kind FileKind, offset int64, out []byte) (int, error) {
	f := d.file(kind)
	if f == nil {
		return 0, fmt.Errorf("storage: %s not initialized", kind)
	}
	return f.ReadAt(out, offset)
}

func (d *Disk) WriteAt(kind FileKind, offset int64, buf []byte) error {
	f := d.file(kind)
	if f == nil {
		return fmt.Errorf("storage: %s not initialized", kind)
	}
	_, err := f.WriteAt(buf, offset)
	return err
}

// Sync flushes every open file to stable storage. Fsync policy (every
// write, periodic, or on close) is the caller's to choose — Sync just
// exposes the primitive.
func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for kind, f := range d.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("storage: sync %s: %w", kind, err)
		}
	}
	return nil
}

// Close closes every open file.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
