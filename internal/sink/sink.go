// Package sink defines the destination of the lines extracted from reassembled
// streams.
package sink

import (
	"net/netip"
	"time"

	"firestige.xyz/reassembly/internal/core"
)

// LineEvent is one line read from one direction of a TCP connection.
type LineEvent struct {
	Timestamp time.Time
	Worker    int
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Direction core.Direction
	Line      string
	// Partial marks bytes left without a terminator when the connection ended.
	Partial bool
}

// Sink consumes line events. Implementations must be safe for concurrent use:
// every worker emits to the same sink.
type Sink interface {
	Name() string
	Emit(ev *LineEvent) error
	Close() error
}
