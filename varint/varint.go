// Package varint implements the LEB128 variable-length integer encoding
// as a standalone helper; no other package in this module uses it. Rather than
// hand-rolling the shift-and-mask loop, it wraps protobuf's wire-format
// varint codec, which is byte-compatible with LEB128.
package varint

import "google.golang.org/protobuf/encoding/protowire"

// Encode returns the LEB128 encoding of v.
func Encode(v uint64) []byte {
	return protowire.AppendVarint(nil, v)
}

// AppendTo appends the LEB128 encoding of v to buf and returns the result.
func AppendTo(buf []byte, v uint64) []byte {
	return protowire.AppendVarint(buf, v)
}

// Decode reads a LEB128-encoded value from the front of buf, returning
// the value and the number of bytes consumed. n is 0 on malformed input.
func Decode(buf []byte) (v uint64, n int) {
	v, n = protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, 0
	}
	return v, n
}

// Length returns the number of bytes Encode(v) would produce.
func Length(v uint64) int {
	return protowire.SizeVarint(v)
}
