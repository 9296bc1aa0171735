package storage

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
)

// Pebble is a bonus Backend over github.com/cockroachdb/pebble, keyed
// by kind || big-endian(offset). Every call site in Base always reads
// and writes one fixed-size, slot-aligned span (a tree slot, a
// signature slot, a bitfield page, a key/secret slot, or one block's
// data), so a flat key-value store can stand in for a byte-addressed
// file without reassembling partial ranges.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (creating if necessary) a Pebble-backed store at dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

// Close closes the underlying database.
func (p *Pebble) Close() error { return p.db.Close() }

func pebbleKey(kind FileKind, offset int64) []byte {
	key := make([]byte, 9)
	key[0] = byte(kind)
	binary.BigEndian.PutUint64(key[1:], uint64(offset))
	return key
}

func (p *Pebble) Init(kind FileKind) (bool, error) {
	lower := pebbleKey(kind, 0)
	upper := pebbleKey(kind+1, 0)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return false, fmt.Errorf("storage: pebble iter %s: %w", kind, err)
	}
	defer iter.Close()
	return iter.First(), nil
}

func (p *Pebble) ReadAt(kind FileKind, offset int64, out []byte) (int, error) {
	value, closer, err := p.db.Get(pebbleKey(kind, offset))
	if err == pebble.ErrNotFound {
		return 0, io.EOF
	}
	if err != nil {
		return 0, fmt.Errorf("storage: pebble get %s@%d: %w", kind, offset, err)
	}
	defer closer.Close()
	n := copy(out, value)
	if n < len(out) {
		return n, io.EOF
	}
	return n, nil
}

func (p *Pebble) WriteAt(kind FileKind, offset int64, buf []byte) error {
	if err := p.db.Set(pebbleKey(kind, offset), buf, pebble.Sync); err != nil {
		return fmt.Errorf("storage: pebble set %s@%d: %w", kind, offset, err)
	}
	return nil
}
