// Package bitfield implements the sparse bitfield view over a shared
// pager (spec §4.3) and the tri-layer composite bitfield built from
// three such views (spec §4.4): data (block availability), tree
// (Merkle-node availability) and index (a 2-bit empty/partial/full
// summary used to accelerate search).
package bitfield

import "github.com/dat-rs/hypercore/pager"

// View is a window onto a Pager, parameterized by a byte offset and a
// window size (in bytes) within each page. A View carries no storage
// of its own — every call takes the Pager it should operate against,
// matching the "single owner, borrowed views" design in spec §9.
type View struct {
	Offset int // byte offset into each page
	Size   int // window length in bytes
}

func (v View) pageAndByte(bitIndex uint64) (pageNumber uint64, byteNum int) {
	bitsPerWindow := uint64(v.Size) * 8
	pageNumber = bitIndex / bitsPerWindow
	byteNum = int((bitIndex / 8) % uint64(v.Size))
	return
}

// GetByte returns the byte covering bitIndex, or 0 if its page is absent.
func (v View) GetByte(p *pager.Pager, bitIndex uint64) byte {
	pageNumber, byteNum := v.pageAndByte(bitIndex)
	page, ok := p.Get(pageNumber)
	if !ok {
		return 0
	}
	return page[v.Offset+byteNum]
}

// SetByte writes value at the byte covering bitIndex. It returns
// whether the pager's state actually changed.
func (v View) SetByte(p *pager.Pager, bitIndex uint64, value byte) bool {
	pageNumber, byteNum := v.pageAndByte(bitIndex)
	return p.Set(pageNumber, v.Offset+byteNum, value)
}

// Get reports whether the bit at bitIndex is set.
func (v View) Get(p *pager.Pager, bitIndex uint64) bool {
	b := v.GetByte(p, bitIndex)
	return b&(1<<(bitIndex%8)) != 0
}

// Set sets or clears the bit at bitIndex, returning whether it changed.
func (v View) Set(p *pager.Pager, bitIndex uint64, value bool) bool {
	b := v.GetByte(p, bitIndex)
	mask := byte(1) << (bitIndex % 8)
	var next byte
	if value {
		next = b | mask
	} else {
		next = b &^ mask
	}
	return v.SetByte(p, bitIndex, next)
}

// Pages returns the number of pager pages backing this view (shared
// across all views of one composite bitfield).
func (v View) Pages(p *pager.Pager) uint64 {
	return uint64(p.Len())
}

// Len returns the bit capacity of this view: pages * page-size-in-bits.
func (v View) Len(p *pager.Pager) uint64 {
	return v.Pages(p) * uint64(pager.Size) * 8
}
