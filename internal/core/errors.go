// Package core defines sentinel errors and small shared types.
package core

import "errors"

// Sentinel errors following ADR-021 error handling pattern.
// Callers wrap them with context and test with errors.Is.
var (
	// ErrInvalidInput marks a unit (fragment, segment, layer) whose geometry makes it
	// unprocessable. The unit is dropped; sibling state is untouched.
	ErrInvalidInput = errors.New("reasm: invalid input")

	// ErrNoResource is returned when an allocation limit is reached.
	ErrNoResource = errors.New("reasm: resource exhausted")

	// ErrInternal marks an internal invariant violation, e.g. a trim that would underflow.
	ErrInternal = errors.New("reasm: internal invariant violated")

	// ErrStop is returned by a handler to end the current delivery chain early.
	// It is not a failure.
	ErrStop = errors.New("reasm: stop processing")

	// Pool errors
	ErrPoolClosed      = errors.New("reasm: pool closed")
	ErrAlreadyReleased = errors.New("reasm: already released")

	// Protocol errors
	ErrDependencyNotFound = errors.New("reasm: protocol dependency not found")
	ErrProtoExists        = errors.New("reasm: protocol already registered")

	// Stream errors
	ErrStreamClosed = errors.New("reasm: stream closed")
	ErrReentrant    = errors.New("reasm: re-entrant stream processing")

	// Configuration errors
	ErrConfigInvalid = errors.New("reasm: invalid configuration")
)

// IsStop reports whether err asks to stop the current chain.
func IsStop(err error) bool {
	return errors.Is(err, ErrStop)
}
