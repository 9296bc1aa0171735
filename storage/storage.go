// Package storage implements the Storage capability (spec §4.6): six
// logical files addressed by (FileKind, byte offset), the header and
// slot formats from spec §6, and the derived operations (get_node,
// get_offset, get_data, get_signature, ...) layered generically over
// three primitives any backend must supply: Init, ReadAt, WriteAt.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dat-rs/hypercore/flattree"
	"github.com/dat-rs/hypercore/merkle"
	"github.com/dat-rs/hypercore/pager"
)

// FileKind identifies one of the six logical files.
type FileKind int

const (
	Tree FileKind = iota
	Signatures
	Bitfield
	Key
	Secret
	Data
)

func (k FileKind) String() string {
	switch k {
	case Tree:
		return "tree"
	case Signatures:
		return "signatures"
	case Bitfield:
		return "bitfield"
	case Key:
		return "key"
	case Secret:
		return "secret"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("FileKind(%d)", int(k))
	}
}

// FileName returns the on-disk file name for kind, per spec §6.
func (k FileKind) FileName() string {
	switch k {
	case Tree:
		return "metadata.tree"
	case Signatures:
		return "metadata.signatures"
	case Bitfield:
		return "metadata.bitfield"
	case Key:
		return "metadata.key"
	case Secret:
		return "metadata.secret_key"
	case Data:
		return "metadata.data"
	default:
		panic("storage: unknown FileKind")
	}
}

const (
	treeSlotSize = 40
	sigSlotSize  = 64
	headerSize   = 32
)

// header returns the 32-byte header for kind, or nil if kind carries no
// header (Key, Secret, Data).
func header(k FileKind) []byte {
	h := make([]byte, headerSize)
	switch k {
	case Tree:
		copy(h, []byte{0x05, 0x02, 0x57, 0x02, 0x00, 0x00, 0x28, 0x07})
		copy(h[8:], "BLAKE2b")
	case Signatures:
		copy(h, []byte{0x05, 0x02, 0x57, 0x01, 0x00, 0x00, 0x40, 0x07})
		copy(h[8:], "Ed25519")
	case Bitfield:
		copy(h, []byte{0x05, 0x02, 0x57, 0x00, 0x00, 0x0D, 0x00, 0x00})
	default:
		return nil
	}
	return h
}

// Sentinel errors, mapped to spec §7's error kinds.
var (
	// ErrNotFound: index absent from local bitfield (Log.Get surfaces this).
	ErrNotFound = errors.New("storage: index not found")
	// ErrIntegrity: size mismatch, non-blank slot disagreement, or a bad
	// header on an existing file.
	ErrIntegrity = errors.New("storage: integrity check failed")
	// ErrSizeMismatch: PutData's length disagrees with the stored node length.
	ErrSizeMismatch = fmt.Errorf("%w: data length mismatch", ErrIntegrity)
)

// Backend is the minimal capability every storage backend must supply;
// Base layers every derived operation from spec §4.6 on top of it.
//
// ReadAt follows io.ReaderAt's contract: it may return n < len(out)
// together with io.EOF when the backend has fewer bytes than
// requested at offset (including zero, when offset is at or past the
// end of the file/keyspace).
type Backend interface {
	Init(kind FileKind) (hasExistingContent bool, err error)
	ReadAt(kind FileKind, offset int64, out []byte) (n int, err error)
	WriteAt(kind FileKind, offset int64, buf []byte) error
}

// Store is the full set of derived storage operations from spec §4.6.
// *Base implements it directly over any Backend; Cached implements it
// as a decorator over another Store.
type Store interface {
	Setup() error
	GetState() (State, error)
	GetNode(n uint64) (merkle.Node, error)
	PutNode(node merkle.Node) error
	GetOffset(n uint64) (offset uint64, length uint64, err error)
	GetData(n uint64) ([]byte, error)
	PutData(n uint64, data []byte) error
	GetSignature(b uint64) (sig [64]byte, ok bool, err error)
	PutSignature(b uint64, sig [64]byte) error
	NextSignature(b uint64) (sig [64]byte, ok bool, err error)
	GetKey() (*[32]byte, error)
	PutKey(pub [32]byte) error
	GetSecret() (*[64]byte, error)
	PutSecret(sec [64]byte) error
	PutBitfield(offset uint64, data []byte) error
	GetRoots(blocks uint64) ([]merkle.Node, error)
}

// State is what Base.GetState loads on open.
type State struct {
	BitfieldBytes []byte
	Key           *[32]byte
	Secret        *[64]byte
}

// Base implements every derived Storage operation generically over a
// Backend. Backends obtain this behavior by construction (New), rather
// than by inheritance — Go composition standing in for the trait
// default methods of the original design (spec §9).
type Base struct {
	backend Backend
	metrics *Metrics
}

// New wraps backend with the full set of derived storage operations.
// metrics may be nil to disable instrumentation.
func New(backend Backend, metrics *Metrics) *Base {
	return &Base{backend: backend, metrics: metrics}
}

// Backend returns the underlying primitive backend.
func (s *Base) Backend() Backend { return s.backend }

// Setup initializes every logical file: writes the §6 header on first
// use, or validates it against an existing file's header (the
// supplemental header check from SPEC_FULL.md §6).
func (s *Base) Setup() error {
	for _, kind := range []FileKind{Tree, Signatures, Bitfield, Key, Secret, Data} {
		existing, err := s.backend.Init(kind)
		if err != nil {
			return fmt.Errorf("storage: init %s: %w", kind, err)
		}
		h := header(kind)
		if h == nil {
			continue
		}
		if !existing {
			if err := s.backend.WriteAt(kind, 0, h); err != nil {
				return fmt.Errorf("storage: write header %s: %w", kind, err)
			}
			continue
		}
		if err := s.checkHeader(kind, h); err != nil {
			return err
		}
	}
	return nil
}

// checkHeader validates the hash-name field (bytes 8..) of an existing
// file's header against the expected one.
func (s *Base) checkHeader(kind FileKind, expected []byte) error {
	got := make([]byte, headerSize)
	n, err := s.backend.ReadAt(kind, 0, got)
	if err != nil && err != io.EOF {
		return fmt.Errorf("storage: read header %s: %w", kind, err)
	}
	if n < headerSize {
		return fmt.Errorf("%w: %s header truncated", ErrIntegrity, kind)
	}
	nameLen := int(expected[7])
	if string(got[8:8+nameLen]) != string(expected[8:8+nameLen]) {
		return fmt.Errorf("%w: %s header hash-name mismatch", ErrIntegrity, kind)
	}
	return nil
}

// GetState loads the persisted bitfield bytes and key/secret, if
// present. Bitfield pages are read sequentially from page 0 — append
// never leaves a hole, so the first short/absent page marks the end.
func (s *Base) GetState() (State, error) {
	var st State
	var bitfieldBytes []byte
	for page := int64(0); ; page++ {
		buf := make([]byte, pager.Size)
		n, err := s.backend.ReadAt(Bitfield, headerSize+page*pager.Size, buf)
		if n > 0 {
			bitfieldBytes = append(bitfieldBytes, buf[:n]...)
		}
		if err != nil || n < pager.Size {
			break
		}
	}
	if len(bitfieldBytes) > 0 {
		st.BitfieldBytes = bitfieldBytes
	}

	var keyBuf [32]byte
	if n, err := s.backend.ReadAt(Key, 0, keyBuf[:]); n == len(keyBuf) && (err == nil || err == io.EOF) {
		st.Key = &keyBuf
	}
	var secBuf [64]byte
	if n, err := s.backend.ReadAt(Secret, 0, secBuf[:]); n == len(secBuf) && (err == nil || err == io.EOF) {
		st.Secret = &secBuf
	}
	return st, nil
}

// GetNode reads the tree slot for node n. A slot with no persisted
// content (or an all-zero hash and zero length) is the "blank" value.
func (s *Base) GetNode(n uint64) (merkle.Node, error) {
	buf := make([]byte, treeSlotSize)
	_, err := s.backend.ReadAt(Tree, headerSize+treeSlotSize*int64(n), buf)
	if err != nil && err != io.EOF {
		return merkle.Node{}, fmt.Errorf("storage: get_node(%d): %w", n, err)
	}
	s.metrics.recordRead(Tree, treeSlotSize)
	var hash [32]byte
	copy(hash[:], buf[:32])
	length := binary.BigEndian.Uint64(buf[32:40])
	return merkle.Node{Index: n, Hash: hash, Length: length}, nil
}

// IsBlankNode reports whether node is the blank (never-written) value.
func IsBlankNode(node merkle.Node) bool {
	return node.Hash == [32]byte{} && node.Length == 0
}

// PutNode writes the tree slot for node.
func (s *Base) PutNode(node merkle.Node) error {
	buf := make([]byte, treeSlotSize)
	copy(buf[:32], node.Hash[:])
	binary.BigEndian.PutUint64(buf[32:40], node.Length)
	if err := s.backend.WriteAt(Tree, headerSize+treeSlotSize*int64(node.Index), buf); err != nil {
		return fmt.Errorf("storage: put_node(%d): %w", node.Index, err)
	}
	s.metrics.recordWrite(Tree, treeSlotSize)
	return nil
}

// GetOffset returns the byte offset and length of the data for leaf
// node n: the sum of the lengths of the full roots covering [0, n),
// then n's own stored length.
func (s *Base) GetOffset(n uint64) (offset uint64, length uint64, err error) {
	for _, r := range flattree.FullRoots(n) {
		node, err := s.GetNode(r)
		if err != nil {
			return 0, 0, err
		}
		offset += node.Length
	}
	leaf, err := s.GetNode(n)
	if err != nil {
		return 0, 0, err
	}
	return offset, leaf.Length, nil
}

// GetData reads the block stored at leaf node n.
func (s *Base) GetData(n uint64) ([]byte, error) {
	offset, length, err := s.GetOffset(n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := s.backend.ReadAt(Data, int64(offset), buf); err != nil && err != io.EOF {
			return nil, fmt.Errorf("storage: get_data(%d): %w", n, err)
		}
	}
	s.metrics.recordRead(Data, int(length))
	return buf, nil
}

// PutData writes data for leaf node n. It fails with ErrSizeMismatch if
// len(data) disagrees with the stored node length.
func (s *Base) PutData(n uint64, data []byte) error {
	offset, length, err := s.GetOffset(n)
	if err != nil {
		return err
	}
	if uint64(len(data)) != length {
		return fmt.Errorf("%w: put_data(%d): have %d want %d", ErrSizeMismatch, n, len(data), length)
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.backend.WriteAt(Data, int64(offset), data); err != nil {
		return fmt.Errorf("storage: put_data(%d): %w", n, err)
	}
	s.metrics.recordWrite(Data, len(data))
	return nil
}

// GetSignature reads the signature slot for block count b. ok is false
// for a blank (all-zero) slot.
func (s *Base) GetSignature(b uint64) (sig [64]byte, ok bool, err error) {
	buf := make([]byte, sigSlotSize)
	_, rerr := s.backend.ReadAt(Signatures, headerSize+sigSlotSize*int64(b), buf)
	if rerr != nil && rerr != io.EOF {
		return sig, false, fmt.Errorf("storage: get_signature(%d): %w", b, rerr)
	}
	copy(sig[:], buf)
	return sig, sig != [64]byte{}, nil
}

// PutSignature writes the signature slot for block count b.
func (s *Base) PutSignature(b uint64, sig [64]byte) error {
	if err := s.backend.WriteAt(Signatures, headerSize+sigSlotSize*int64(b), sig[:]); err != nil {
		return fmt.Errorf("storage: put_signature(%d): %w", b, err)
	}
	return nil
}

// NextSignature returns the signature at b if present, else at b+1.
func (s *Base) NextSignature(b uint64) (sig [64]byte, ok bool, err error) {
	sig, ok, err = s.GetSignature(b)
	if err != nil || ok {
		return
	}
	return s.GetSignature(b + 1)
}

// GetKey reads the 32-byte public key slot, or nil if absent.
func (s *Base) GetKey() (*[32]byte, error) {
	var buf [32]byte
	n, err := s.backend.ReadAt(Key, 0, buf[:])
	if n < len(buf) {
		return nil, nil
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return &buf, nil
}

// PutKey writes the public key slot.
func (s *Base) PutKey(pub [32]byte) error {
	return s.backend.WriteAt(Key, 0, pub[:])
}

// GetSecret reads the 64-byte secret key slot, or nil if absent.
func (s *Base) GetSecret() (*[64]byte, error) {
	var buf [64]byte
	n, err := s.backend.ReadAt(Secret, 0, buf[:])
	if n < len(buf) {
		return nil, nil
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return &buf, nil
}

// PutSecret writes the secret key slot.
func (s *Base) PutSecret(sec [64]byte) error {
	return s.backend.WriteAt(Secret, 0, sec[:])
}

// PutBitfield writes a page of bitfield bytes at the given in-file
// offset (relative to the bitfield body, i.e. after the 32-byte header).
func (s *Base) PutBitfield(offset uint64, data []byte) error {
	if err := s.backend.WriteAt(Bitfield, headerSize+int64(offset), data); err != nil {
		return fmt.Errorf("storage: put_bitfield(%d): %w", offset, err)
	}
	s.metrics.recordWrite(Bitfield, len(data))
	return nil
}

// GetRoots reads the node for every full root covering `blocks` blocks.
func (s *Base) GetRoots(blocks uint64) ([]merkle.Node, error) {
	var roots []merkle.Node
	for _, idx := range flattree.FullRoots(2 * blocks) {
		node, err := s.GetNode(idx)
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}
	return roots, nil
}
