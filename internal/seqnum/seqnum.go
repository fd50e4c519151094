// Package seqnum implements wraparound-safe ordering of fixed-width sequence counters.
//
// A value v is before a reference r when the modular distance from v to r is non-zero
// and strictly less than half of the counter range. Every other non-equal value is
// considered after r. The classification is stable under adding the same amount to
// both values, which makes it safe across counter wraparound.
package seqnum

import "fmt"

// Space describes a counter of a given bit width.
type Space struct {
	bits uint
	mask uint64
	half uint64
}

// Seq32 is the space of TCP-like 32 bit sequence numbers.
var Seq32 = New(32)

// New returns the sequence space for counters of the given width (1 to 64 bits).
func New(bits uint) Space {
	if bits == 0 || bits > 64 {
		panic(fmt.Sprintf("seqnum: invalid counter width %d", bits))
	}
	mask := ^uint64(0)
	if bits < 64 {
		mask = (uint64(1) << bits) - 1
	}
	return Space{
		bits: bits,
		mask: mask,
		half: uint64(1) << (bits - 1),
	}
}

// Bits returns the counter width.
func (s Space) Bits() uint { return s.bits }

// Max returns the largest counter value.
func (s Space) Max() uint64 { return s.mask }

// Half returns half of the counter range.
func (s Space) Half() uint64 { return s.half }

// Add returns v+n modulo the counter range.
func (s Space) Add(v, n uint64) uint64 {
	return (v + n) & s.mask
}

// Distance returns how far to is ahead of from, modulo the counter range.
func (s Space) Distance(from, to uint64) uint64 {
	return (to - from) & s.mask
}

// Before reports whether v comes strictly before ref.
func (s Space) Before(v, ref uint64) bool {
	d := s.Distance(v, ref)
	return d != 0 && d < s.half
}

// Compare returns -1 if v is before ref, 0 if they are equal and +1 otherwise.
func (s Space) Compare(v, ref uint64) int {
	switch {
	case v&s.mask == ref&s.mask:
		return 0
	case s.Before(v, ref):
		return -1
	default:
		return 1
	}
}

// Before32 reports whether a comes strictly before ref in Seq32.
func Before32(a, ref uint32) bool {
	return Seq32.Before(uint64(a), uint64(ref))
}

// AfterOrEqual32 reports whether a is at or after ref in the 32 bit space.
func AfterOrEqual32(a, ref uint32) bool {
	return !Before32(a, ref)
}
