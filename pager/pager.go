// Package pager implements a page-addressed byte store: a mapping from
// page number to a fixed-size page, with a dirty-page queue for
// write-back. It is the sole owner of page buffers; every other
// component in the store (the sparse bitfield views) borrows pages from
// it rather than holding storage of its own.
package pager

import "github.com/prometheus/client_golang/prometheus"

// Size is the fixed page size in bytes. It is sized so that one page
// simultaneously covers the data, tree, and index bitfield windows
// described in spec §3/§6.
const Size = 3328

// Page is one fixed-size page of bytes.
type Page [Size]byte

// Metrics are optional Prometheus instruments for the pager's dirty
// queue. A zero-value Metrics (as returned by NewMetrics with a nil
// registerer) is always safe to use — every method is a no-op.
type Metrics struct {
	dirtyDepth prometheus.Gauge
}

// NewMetrics registers a dirty-queue-depth gauge with reg. If reg is
// nil, the returned Metrics is inert.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{}
	if reg == nil {
		return m
	}
	m.dirtyDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pager",
		Name:      "dirty_pages",
		Help:      "Number of pages queued for write-back.",
	})
	reg.MustRegister(m.dirtyDepth)
	return m
}

func (m *Metrics) set(n int) {
	if m != nil && m.dirtyDepth != nil {
		m.dirtyDepth.Set(float64(n))
	}
}

// Pager is a page-addressed byte store with write-back tracking.
type Pager struct {
	pages []*Page // indexed by page number: pages[i] is nil if page i is absent
	dirty []uint64
	isDirty map[uint64]bool
	metrics *Metrics
}

// New creates an empty Pager. A nil metrics is equivalent to disabling
// instrumentation.
func New(metrics *Metrics) *Pager {
	return &Pager{
		isDirty: make(map[uint64]bool),
		metrics: metrics,
	}
}

func (p *Pager) ensureCapacity(pageNumber uint64) {
	if uint64(len(p.pages)) <= pageNumber {
		grown := make([]*Page, pageNumber+1)
		copy(grown, p.pages)
		p.pages = grown
	}
}

// Get returns a read-only borrow of the page's bytes, or ok=false if
// the page has never been materialized.
func (p *Pager) Get(pageNumber uint64) (page *Page, ok bool) {
	if uint64(len(p.pages)) <= pageNumber || p.pages[pageNumber] == nil {
		return nil, false
	}
	return p.pages[pageNumber], true
}

// Set writes value at byteOffset within pageNumber's window. It
// materializes a zero-filled page on first write unless value is
// already 0, in which case it returns false without allocating. It
// also returns false (without marking the page dirty) if the byte
// already held that value.
func (p *Pager) Set(pageNumber uint64, byteOffset int, value byte) bool {
	page, ok := p.Get(pageNumber)
	if !ok {
		if value == 0 {
			return false
		}
		p.ensureCapacity(pageNumber)
		page = &Page{}
		p.pages[pageNumber] = page
	}
	if page[byteOffset] == value {
		return false
	}
	page[byteOffset] = value
	p.markDirty(pageNumber)
	return true
}

// Insert bulk-installs bytes as pageNumber's contents, used at load
// time to hydrate the pager from persisted storage. It does not mark
// the page dirty.
func (p *Pager) Insert(pageNumber uint64, bytes []byte) {
	p.ensureCapacity(pageNumber)
	page := &Page{}
	copy(page[:], bytes)
	p.pages[pageNumber] = page
}

func (p *Pager) markDirty(pageNumber uint64) {
	if p.isDirty[pageNumber] {
		return
	}
	p.isDirty[pageNumber] = true
	p.dirty = append(p.dirty, pageNumber)
	p.metrics.set(len(p.dirty))
}

// PopDirty removes and returns one dirty page number, most recently
// added first, and whether any was present.
func (p *Pager) PopDirty() (pageNumber uint64, ok bool) {
	if len(p.dirty) == 0 {
		return 0, false
	}
	last := len(p.dirty) - 1
	pageNumber = p.dirty[last]
	p.dirty = p.dirty[:last]
	delete(p.isDirty, pageNumber)
	p.metrics.set(len(p.dirty))
	return pageNumber, true
}

// Len returns the number of page slots allocated (including any nil
// holes from sparse growth); it is an upper bound on materialized pages.
func (p *Pager) Len() int {
	return len(p.pages)
}

// PageSize returns the fixed page size.
func (p *Pager) PageSize() int {
	return Size
}

// PageEntry pairs a page number with its bytes, yielded by Iter.
type PageEntry struct {
	PageNumber uint64
	Page       *Page
}

// Iter returns every materialized (page number, bytes) pair, in
// ascending page-number order.
func (p *Pager) Iter() []PageEntry {
	var out []PageEntry
	for i, pg := range p.pages {
		if pg != nil {
			out = append(out, PageEntry{PageNumber: uint64(i), Page: pg})
		}
	}
	return out
}
