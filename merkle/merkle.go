// Package merkle implements the incremental Merkle accumulator (spec
// §4.5): it maintains the current forest of root nodes and, on each
// inserted block, emits every newly materialized node (the new leaf
// and any parents that just collapsed) in visit order.
package merkle

import (
	"github.com/dat-rs/hypercore/flattree"
)

// HashFunc is the injected content/combining hash. The accumulator is
// generic over it so tests can swap in a stub; production code uses
// BLAKE2b-256 (golang.org/x/crypto/blake2b), per spec §1/§4.5.
type HashFunc func([]byte) [32]byte

// Node mirrors spec §3's Node entity: a flat-tree index, its combined
// byte length, content hash, and — for leaves only — the original data.
type Node struct {
	Index  uint64
	Length uint64
	Hash   [32]byte
	Data   []byte // non-nil only for leaves
}

// combine computes an internal node's hash from its two children:
// H(left.hash || right.hash).
func combine(hash HashFunc, left, right Node) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left.Hash[:]...)
	buf = append(buf, right.Hash[:]...)
	return hash(buf)
}

// Accumulator holds the current forest of root nodes and the running
// block count.
type Accumulator struct {
	hash   HashFunc
	roots  []Node
	blocks uint64
}

// New creates an empty Accumulator with the given content hash.
func New(hash HashFunc) *Accumulator {
	return &Accumulator{hash: hash}
}

// WithRoots resumes an Accumulator from a persisted set of root nodes
// (in ascending node-index order, as FullRoots produces). The block
// count is derived from the right span of the last root.
func WithRoots(hash HashFunc, roots []Node) *Accumulator {
	a := &Accumulator{hash: hash, roots: append([]Node(nil), roots...)}
	if len(roots) > 0 {
		last := roots[len(roots)-1]
		a.blocks = 1 + flattree.RightSpan(last.Index)/2
	}
	return a
}

// Blocks returns the number of blocks inserted so far.
func (a *Accumulator) Blocks() uint64 { return a.blocks }

// Roots returns the current root nodes, in ascending node-index order.
func (a *Accumulator) Roots() []Node {
	return append([]Node(nil), a.roots...)
}

// Length returns the sum of the lengths of the current roots — the
// total byte length of every block inserted so far.
func (a *Accumulator) Length() uint64 {
	var total uint64
	for _, r := range a.roots {
		total += r.Length
	}
	return total
}

// Insert appends one block's data to the log, returning every node
// that was newly materialized: the leaf, then any parents that
// collapsed as a result, in the order they were created.
func (a *Accumulator) Insert(data []byte) []Node {
	leafHash := a.hash(data)
	leaf := Node{
		Index:  2 * a.blocks,
		Length: uint64(len(data)),
		Hash:   leafHash,
		Data:   data,
	}
	a.blocks++

	emitted := []Node{leaf}
	a.roots = append(a.roots, leaf)

	for len(a.roots) >= 2 {
		n := len(a.roots)
		left, right := a.roots[n-2], a.roots[n-1]
		if flattree.Parent(left.Index) != flattree.Parent(right.Index) {
			break
		}
		a.roots = a.roots[:n-2]
		parent := Node{
			Index:  flattree.Parent(left.Index),
			Length: left.Length + right.Length,
			Hash:   combine(a.hash, left, right),
		}
		a.roots = append(a.roots, parent)
		emitted = append(emitted, parent)
	}
	return emitted
}
