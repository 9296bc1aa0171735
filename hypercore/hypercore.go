// Package hypercore provides the Log facade (spec §4.7): it binds the
// pager, composite bitfield, merkle accumulator, storage, and
// signing key pair into the single entry point embedders use —
// open, append, get, has, has_range, downloaded, signed_roots.
package hypercore

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/dat-rs/hypercore/bitfield"
	"github.com/dat-rs/hypercore/merkle"
	"github.com/dat-rs/hypercore/pager"
	"github.com/dat-rs/hypercore/rootsig"
	"github.com/dat-rs/hypercore/storage"
	"github.com/dat-rs/hypercore/xlog"

	"github.com/prometheus/client_golang/prometheus"
)

// contentHash is the leaf/internal-node hash injected into the merkle
// accumulator: BLAKE2b-256, per spec §1/§4.5.
func contentHash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// options configures Open, following the teacher's functional-options
// idiom (das/custody_manager.go's DefaultCustodyManagerConfig()).
type options struct {
	registerer    prometheus.Registerer
	cacheCapacity int
	logger        *xlog.Logger
}

func defaultOptions() options {
	return options{
		cacheCapacity: storage.DefaultNodeCacheSize,
		logger:        xlog.Default(),
	}
}

// Option configures a Log at Open time.
type Option func(*options)

// WithRegisterer enables Prometheus instrumentation of the pager's
// dirty-page queue under the given registerer. Without it, metrics are
// disabled (nil-safe no-ops).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithNodeCacheCapacity records an LRU capacity for storage.Cached in
// the options. Open does not wrap backends on the caller's behalf and
// does not read this value; callers that want a node cache wrap their
// backend with storage.NewCached themselves.
func WithNodeCacheCapacity(n int) Option {
	return func(o *options) { o.cacheCapacity = n }
}

// WithLogger overrides the *xlog.Logger a Log logs through. Defaults to
// xlog.Default().
func WithLogger(l *xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Log is the append-only verifiable log facade.
type Log struct {
	store storage.Store
	acc   *merkle.Accumulator
	bf    *bitfield.Bitfield
	keys  *rootsig.KeyPair

	blocks uint64
	length uint64

	log *xlog.Logger
}

// Open loads (or initializes) a Log over store: it runs storage setup,
// reconstructs the bitfield and merkle accumulator from persisted
// state, and loads or generates the signing key pair (spec §4.7 step 4).
func Open(store storage.Store, opts ...Option) (*Log, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := store.Setup(); err != nil {
		return nil, fmt.Errorf("hypercore: setup: %w", err)
	}
	state, err := store.GetState()
	if err != nil {
		return nil, fmt.Errorf("hypercore: get_state: %w", err)
	}

	var pagerMetrics *pager.Metrics
	if o.registerer != nil {
		pagerMetrics = pager.NewMetrics(o.registerer, "hypercore")
	}

	var bf *bitfield.Bitfield
	if len(state.BitfieldBytes) > 0 {
		bf = bitfield.FromBuffer(state.BitfieldBytes, pagerMetrics)
	} else {
		bf = bitfield.New(pagerMetrics)
	}

	blocks := bf.Blocks()
	roots, err := store.GetRoots(blocks)
	if err != nil {
		return nil, fmt.Errorf("hypercore: get_roots: %w", err)
	}
	var length uint64
	for _, r := range roots {
		length += r.Length
	}

	l := &Log{
		store:  store,
		acc:    merkle.WithRoots(contentHash, roots),
		bf:     bf,
		blocks: blocks,
		length: length,
		log:    o.logger.Module("hypercore"),
	}

	keys, err := l.loadOrCreateKeys(state)
	if err != nil {
		return nil, err
	}
	l.keys = keys
	return l, nil
}

// loadOrCreateKeys implements spec §4.7 step 4: if a stored key pair is
// present, sanity-check it with Probe and regenerate on failure;
// otherwise generate and persist a fresh pair.
func (l *Log) loadOrCreateKeys(state storage.State) (*rootsig.KeyPair, error) {
	if state.Key != nil && state.Secret != nil {
		kp, err := rootsig.FromStoredBytes(*state.Key, *state.Secret)
		if err == nil && kp.Probe() {
			return kp, nil
		}
		l.log.Warn("stored key pair failed reconstruction or probe, regenerating")
	}

	kp, err := rootsig.Generate()
	if err != nil {
		return nil, fmt.Errorf("hypercore: generate key pair: %w", err)
	}
	if err := l.store.PutKey(kp.PublicBytes()); err != nil {
		return nil, fmt.Errorf("hypercore: put_key: %w", err)
	}
	if err := l.store.PutSecret(kp.SecretBytes()); err != nil {
		return nil, fmt.Errorf("hypercore: put_secret: %w", err)
	}
	return kp, nil
}

// Append adds one block to the log: inserts it into the merkle
// accumulator, persists every newly materialized node and the block's
// data, marks the corresponding bitfield bit and drains dirty pages,
// then signs the updated root forest. An empty block is a no-op.
func (l *Log) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	nodes := l.acc.Insert(data)
	for _, n := range nodes {
		if err := l.store.PutNode(n); err != nil {
			return fmt.Errorf("hypercore: put_node(%d): %w", n.Index, err)
		}
	}
	leaf := nodes[0]
	if err := l.store.PutData(leaf.Index, data); err != nil {
		return fmt.Errorf("hypercore: put_data(%d): %w", leaf.Index, err)
	}

	l.bf.Set(l.blocks, true)
	if err := l.drainDirtyPages(); err != nil {
		return err
	}

	l.length += uint64(len(data))
	l.blocks++

	if err := l.signRoots(); err != nil {
		return err
	}
	l.log.WithSeq(l.blocks).Debug("appended block", "node_index", leaf.Index, "length", len(data))
	return nil
}

// drainDirtyPages writes back every pending bitfield page via
// PopDirty/PutBitfield, per spec §4.2/§4.7 step 3.
func (l *Log) drainDirtyPages() error {
	p := l.bf.Pager()
	for {
		pageNumber, ok := p.PopDirty()
		if !ok {
			return nil
		}
		page, ok := p.Get(pageNumber)
		if !ok {
			continue
		}
		if err := l.store.PutBitfield(pageNumber*uint64(pager.Size), page[:]); err != nil {
			return fmt.Errorf("hypercore: put_bitfield(%d): %w", pageNumber, err)
		}
	}
}

// signRoots computes the canonical root-forest digest, signs it, and
// persists the signature at the post-append block count (spec §4.7
// step 5, §6).
func (l *Log) signRoots() error {
	sig := l.keys.SignRoots(l.acc.Roots())
	var sigArr [64]byte
	copy(sigArr[:], sig)
	if err := l.store.PutSignature(l.blocks, sigArr); err != nil {
		return fmt.Errorf("hypercore: put_signature(%d): %w", l.blocks, err)
	}
	return nil
}

// Get returns the data for block b, or storage.ErrNotFound if the
// bitfield does not have it locally.
func (l *Log) Get(b uint64) ([]byte, error) {
	if !l.bf.Has(b) {
		return nil, fmt.Errorf("%w: block %d", storage.ErrNotFound, b)
	}
	return l.store.GetData(2 * b)
}

// Has reports whether block b is locally present.
func (l *Log) Has(b uint64) bool { return l.bf.Has(b) }

// HasRange reports whether every block in [s, e) is locally present.
func (l *Log) HasRange(s, e uint64) bool { return l.bf.HasRange(s, e) }

// Downloaded returns how many bits are set in [s, e) — the number of
// locally present blocks in that range.
func (l *Log) Downloaded(s, e uint64) uint64 { return l.bf.Total(s, e) }

// Blocks returns the current block count B.
func (l *Log) Blocks() uint64 { return l.blocks }

// Length returns the total byte length L of every appended block.
func (l *Log) Length() uint64 { return l.length }

// SignedRoots returns the current root forest together with the
// signature over it, if one has been produced yet (it is absent only
// on a freshly opened, never-appended-to log).
func (l *Log) SignedRoots() (roots []merkle.Node, sig [64]byte, ok bool, err error) {
	roots = l.acc.Roots()
	sig, ok, err = l.store.GetSignature(l.blocks)
	return roots, sig, ok, err
}

// VerifiedBy delegates to the composite bitfield (spec §4.4) — the
// seam the out-of-scope wire protocol consumes to decide how much of
// the tree it can vouch for.
func (l *Log) VerifiedBy(n uint64) (uint64, bool) { return l.bf.VerifiedBy(n) }

// Digest delegates to the composite bitfield.
func (l *Log) Digest(n uint64) uint64 { return l.bf.Digest(n) }

// Proof delegates to the composite bitfield.
func (l *Log) Proof(n uint64, opts bitfield.ProofOptions) (nodes []uint64, verifiedByCap uint64, ok bool) {
	return l.bf.Proof(n, opts)
}

// PublicKey returns the log's Ed25519 public key.
func (l *Log) PublicKey() [32]byte { return l.keys.PublicBytes() }
