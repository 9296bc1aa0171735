package bitfield

import (
	"fmt"
	"math/bits"

	"github.com/dat-rs/hypercore/flattree"
	"github.com/dat-rs/hypercore/pager"
	"golang.org/x/sync/semaphore"
)

// Fixed byte offsets and window sizes within each pager.Page, chosen so
// that one page covers an aligned region across all three views
// simultaneously (spec §3/§6).
var (
	dataView  = View{Offset: 0, Size: 1024}
	treeView  = View{Offset: 1024, Size: 2048}
	indexView = View{Offset: 3072, Size: 256}
)

// ErrBorrowed is returned by Borrow when another caller already holds
// the single mutable borrow of the underlying pager (spec §5: "a
// second borrow must fail loudly", not block).
var ErrBorrowed = fmt.Errorf("bitfield: pager already borrowed")

// Bitfield is the composite, tri-layer bitfield: one Pager shared by
// the data, tree, and index views.
type Bitfield struct {
	p      *pager.Pager
	borrow *semaphore.Weighted
}

// New creates a Bitfield over a fresh, empty Pager.
func New(metrics *pager.Metrics) *Bitfield {
	return FromPager(pager.New(metrics))
}

// FromPager wraps an existing Pager (used when resuming from persisted
// bitfield pages).
func FromPager(p *pager.Pager) *Bitfield {
	return &Bitfield{p: p, borrow: semaphore.NewWeighted(1)}
}

// Pager returns the underlying pager, e.g. so the embedder can drain
// dirty pages for write-back.
func (bf *Bitfield) Pager() *pager.Pager { return bf.p }

// Borrow attempts to take the single mutable borrow of the pager. It
// never blocks: if another borrow is outstanding it returns
// ErrBorrowed immediately.
func (bf *Bitfield) Borrow() error {
	if !bf.borrow.TryAcquire(1) {
		return ErrBorrowed
	}
	return nil
}

// Release releases a borrow taken by Borrow.
func (bf *Bitfield) Release() { bf.borrow.Release(1) }

// Get reports whether block b is locally present.
func (bf *Bitfield) Get(b uint64) bool { return dataView.Get(bf.p, b) }

// Has is an alias for Get, matching the facade's naming (spec §4.4/§4.7).
func (bf *Bitfield) Has(b uint64) bool { return bf.Get(b) }

// Set marks block b present (or absent), cascading the derived tree
// and index updates. Order is data, then tree, then index; the return
// value is true if any of the three actually changed.
//
// The tree cascade marks leaf node 2*b verified, then climbs toward
// the root for as long as the climbed-to node's sibling is also
// verified — mirroring how a node the accumulator just emitted locally
// is immediately verifiable without a remote proof. The index refresh
// recomputes the 2-bit empty/partial/full summary for the data byte
// that contains b.
func (bf *Bitfield) Set(b uint64, value bool) bool {
	changedData := dataView.Set(bf.p, b, value)
	if !changedData {
		return false
	}
	changedTree := false
	if value {
		n := 2 * b
		changedTree = treeView.Set(bf.p, n, true) || changedTree
		cur := n
		for {
			sib := flattree.Sibling(cur)
			if !treeView.Get(bf.p, sib) {
				break
			}
			parent := flattree.Parent(cur)
			changedTree = treeView.Set(bf.p, parent, true) || changedTree
			cur = parent
		}
	}
	changedIndex := bf.refreshIndexByte(b / 8)
	return changedData || changedTree || changedIndex
}

// refreshIndexByte recomputes the 2-bit summary for the data byte at
// byteIndex: 00 if all 8 blocks in the byte are absent, 11 if all are
// present, 01 otherwise.
func (bf *Bitfield) refreshIndexByte(byteIndex uint64) bool {
	b := dataView.GetByte(bf.p, byteIndex*8)
	var lo, hi bool
	switch b {
	case 0x00:
		lo, hi = false, false
	case 0xFF:
		lo, hi = true, true
	default:
		lo, hi = true, false
	}
	c1 := indexView.Set(bf.p, byteIndex*2, lo)
	c2 := indexView.Set(bf.p, byteIndex*2+1, hi)
	return c1 || c2
}

// Total returns the popcount of data bits in the half-open bit range
// [s, e).
func (bf *Bitfield) Total(s, e uint64) uint64 {
	if s >= e {
		return 0
	}
	firstByte := s / 8
	lastByte := (e - 1) / 8

	firstMask := byte(0xFF) << (s % 8)
	lastBits := e % 8
	var lastMask byte = 0xFF
	if lastBits != 0 {
		lastMask = byte(1<<lastBits) - 1
	}

	if firstByte == lastByte {
		combined := firstMask & lastMask
		return uint64(bits.OnesCount8(dataView.GetByte(bf.p, firstByte*8) & combined))
	}

	total := uint64(bits.OnesCount8(dataView.GetByte(bf.p, firstByte*8) & firstMask))
	for i := firstByte + 1; i < lastByte; i++ {
		total += uint64(bits.OnesCount8(dataView.GetByte(bf.p, i*8)))
	}
	total += uint64(bits.OnesCount8(dataView.GetByte(bf.p, lastByte*8) & lastMask))
	return total
}

// HasRange reports whether every block in [s, e) is present.
func (bf *Bitfield) HasRange(s, e uint64) bool {
	return e > s && bf.Total(s, e) == e-s
}

// Blocks returns the number of verified leaves: it climbs the parent
// chain from node 0 while the node's span still falls inside the
// tree view's current capacity, remembering the highest ancestor whose
// tree bit is set, then delegates to VerifiedBy to find the exact
// proved-prefix boundary.
func (bf *Bitfield) Blocks() uint64 {
	treeLen := treeView.Len(bf.p)
	if treeLen == 0 {
		return 0
	}
	node := uint64(0)
	highest := uint64(0)
	found := false
	for flattree.RightSpan(node) < treeLen {
		if treeView.Get(bf.p, node) {
			highest = node
			found = true
		}
		node = flattree.Parent(node)
	}
	if !found {
		return 0
	}
	vb, ok := bf.VerifiedBy(highest)
	if !ok {
		return 0
	}
	return vb / 2
}

// Roots returns the current full-root node indices: flattree.FullRoots(2*Blocks()).
func (bf *Bitfield) Roots() []uint64 {
	return flattree.FullRoots(2 * bf.Blocks())
}

func (bf *Bitfield) isRoot(n uint64) bool {
	for _, r := range bf.Roots() {
		if r == n {
			return true
		}
	}
	return false
}

// VerifiedBy returns the end (exclusive) of the contiguous prefix of
// tree nodes locally verifiable starting from n: the smallest node
// index strictly to the right of n's coverage such that every node on
// the path from n to the root, and their right-siblings, are also
// verified. It returns ok=false iff tree bit n is unset.
func (bf *Bitfield) VerifiedBy(n uint64) (uint64, bool) {
	if !treeView.Get(bf.p, n) {
		return 0, false
	}
	top := n
	depth := flattree.Depth(n)
	parent := flattree.ParentWithDepth(top, depth)
	depth++
	for treeView.Get(bf.p, parent) && treeView.Get(bf.p, flattree.Sibling(top)) {
		top = parent
		parent = flattree.ParentWithDepth(top, depth)
		depth++
	}

	// Extend right: descend from the would-be right sibling of top,
	// preferring left children while unverified.
	cursor := flattree.Sibling(top)
	for !treeView.Get(bf.p, cursor) {
		left, ok := flattree.LeftChild(cursor)
		if !ok {
			break
		}
		cursor = left
	}
	if treeView.Get(bf.p, cursor) {
		return cursor + 2, true
	}
	return cursor, true
}

// Digest returns a compact bit-packed summary of which nodes on the
// ascent path from n (and their siblings) are already verified
// locally. A digest of exactly 1 means n itself is already verified,
// so the caller needs nothing further (spec §4.4). Otherwise n is
// unverified — the interesting case, since that is precisely why a
// caller asks for proof of it — and Digest climbs from n recording
// which siblings are known, stopping as soon as it finds a known
// parent (nothing above that point needs to be advertised) or once
// the ascent runs past the tree view's current capacity. Bits
// alternate sibling/parent along the ascent; if the 64-bit window
// would overflow first, Digest returns whatever it accumulated so far
// rather than discarding it.
func (bf *Bitfield) Digest(n uint64) uint64 {
	if treeView.Get(bf.p, n) {
		return 1
	}
	var digest uint64
	var bitPos uint
	top := n
	depth := flattree.Depth(n)
	treeLen := treeView.Len(bf.p)
	for flattree.RightSpan(top) < treeLen {
		sib := flattree.Sibling(top)
		bitPos++
		if bitPos >= 63 {
			return digest
		}
		if treeView.Get(bf.p, sib) {
			digest |= 1 << bitPos
		}
		parent := flattree.ParentWithDepth(top, depth)
		depth++
		bitPos++
		if bitPos >= 63 {
			return digest
		}
		if treeView.Get(bf.p, parent) {
			digest |= 1 << bitPos
			return digest
		}
		top = parent
	}
	return digest
}

// decodeRemoteDigest replays Digest's bit layout to learn which nodes
// along the ascent from n the remote peer claims to already hold. A
// raw digest of 1 means the remote already has n itself; any other
// value is read back bit-by-bit in the same sibling/parent order
// Digest wrote them, stopping at the first zero bit beyond the
// highest one Digest set (mirroring Digest's own early return on a
// known parent).
func decodeRemoteDigest(n, remoteDigest uint64) map[uint64]bool {
	held := map[uint64]bool{}
	if remoteDigest == 0 {
		return held
	}
	if remoteDigest == 1 {
		held[n] = true
		return held
	}
	top := n
	depth := flattree.Depth(n)
	var bitPos uint
	for remoteDigest>>bitPos > 1 {
		sib := flattree.Sibling(top)
		bitPos++
		if bitPos >= 63 {
			break
		}
		if remoteDigest&(1<<bitPos) != 0 {
			held[sib] = true
		}
		parent := flattree.ParentWithDepth(top, depth)
		depth++
		bitPos++
		if bitPos >= 63 {
			break
		}
		if remoteDigest&(1<<bitPos) != 0 {
			held[parent] = true
		}
		top = parent
	}
	return held
}

// ProofOptions parameterizes Proof.
type ProofOptions struct {
	RemoteDigest   uint64
	IncludeHashOfN bool
}

// Proof computes the minimum set of tree nodes a remote peer needs in
// order to verify n, given what the peer already has (encoded in
// opts.RemoteDigest, as produced by Digest on the peer's side). It
// returns ok=false iff tree bit n is unset locally. When the ascent
// reaches a sibling that is not locally verified, Proof falls back to
// VerifiedBy of the current ascent node and returns that value as
// verifiedByCap — the caller can use it to bound how much more of the
// tree it can vouch for; verifiedByCap is 0 otherwise.
func (bf *Bitfield) Proof(n uint64, opts ProofOptions) (nodes []uint64, verifiedByCap uint64, ok bool) {
	if !treeView.Get(bf.p, n) {
		return nil, 0, false
	}
	if opts.IncludeHashOfN {
		nodes = append(nodes, n)
	}
	if opts.RemoteDigest == 1 {
		return nodes, 0, true
	}

	remote := decodeRemoteDigest(n, opts.RemoteDigest)

	top := n
	depth := flattree.Depth(n)
	for !bf.isRoot(top) && !remote[top] {
		sib := flattree.Sibling(top)
		parent := flattree.ParentWithDepth(top, depth)
		depth++

		if !treeView.Get(bf.p, sib) {
			vb, has := bf.VerifiedBy(top)
			if has {
				for _, r := range flattree.FullRoots(vb) {
					if r == top || remote[r] {
						continue
					}
					nodes = append(nodes, r)
				}
			}
			return nodes, vb, true
		}

		if !remote[sib] {
			nodes = append(nodes, sib)
		}
		top = parent
	}
	return nodes, 0, true
}

// ToVec serializes the backing pager into a flat byte slice, one
// page-size chunk per page number from 0 up to the highest allocated
// page (absent pages are encoded as all-zero chunks).
func (bf *Bitfield) ToVec() []byte {
	n := bf.p.Len()
	out := make([]byte, n*pager.Size)
	for i := 0; i < n; i++ {
		if page, ok := bf.p.Get(uint64(i)); ok {
			copy(out[i*pager.Size:(i+1)*pager.Size], page[:])
		}
	}
	return out
}

// FromBuffer reconstructs a Bitfield from bytes produced by ToVec.
func FromBuffer(buf []byte, metrics *pager.Metrics) *Bitfield {
	p := pager.New(metrics)
	for i := 0; i*pager.Size < len(buf); i++ {
		start := i * pager.Size
		end := start + pager.Size
		chunk := make([]byte, pager.Size)
		if end > len(buf) {
			end = len(buf)
		}
		copy(chunk, buf[start:end])
		p.Insert(uint64(i), chunk)
	}
	return FromPager(p)
}
