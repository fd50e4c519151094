// Package core defines core types with zero external dependencies.
package core

// Direction of a packet relative to the connection that owns it.
type Direction int

const (
	DirForward Direction = iota
	DirReverse

	// DirCount is the number of directions, used to size per-direction arrays.
	DirCount = 2
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirForward {
		return DirReverse
	}
	return DirForward
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirForward || d == DirReverse
}

func (d Direction) String() string {
	switch d {
	case DirForward:
		return "fwd"
	case DirReverse:
		return "rev"
	default:
		return "unknown"
	}
}
