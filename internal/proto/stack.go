package proto

import (
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/packet"
)

// MaxDepth is the maximum number of protocol layers in a stack.
const MaxDepth = 16

// Layer is one protocol slot of a processing stack.
type Layer struct {
	Proto     *Protocol
	Payload   []byte
	Direction core.Direction
	Info      *packet.Info
	Conn      any
}

// Stack is the ordered list of protocol layers of one packet being processed.
type Stack struct {
	layers [MaxDepth]Layer
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

// Layer returns slot i, or nil when i is out of range.
func (s *Stack) Layer(i int) *Layer {
	if i < 0 || i >= MaxDepth {
		return nil
	}
	return &s.layers[i]
}

// Depth returns the number of filled slots from the bottom.
func (s *Stack) Depth() int {
	for i := range s.layers {
		if s.layers[i].Proto == nil {
			return i
		}
	}
	return MaxDepth
}

// Backup copies slots 0..index so the stack can be replayed after the packet it
// was built for is gone. Payloads that alias orig's buffer are rebased onto clone's
// buffer and other payloads are copied. Every layer info is re-acquired from its
// pool and its values copied.
func (s *Stack) Backup(orig, clone *packet.Packet, index int) (*Stack, error) {
	if index < 0 || index >= MaxDepth {
		return nil, fmt.Errorf("backup stack at index %d: %w", index, core.ErrInvalidInput)
	}

	b := &Stack{}
	for i := 0; i <= index; i++ {
		src := &s.layers[i]
		dst := &b.layers[i]
		dst.Proto = src.Proto
		dst.Direction = src.Direction
		dst.Conn = src.Conn
		dst.Payload = rebase(src.Payload, orig.Bytes(), clone.Bytes())

		if src.Info == nil {
			continue
		}
		info, err := src.Info.Pool().Get()
		if err != nil {
			b.Release()
			return nil, err
		}
		dst.Info = info
		if err := info.CopyFrom(src.Info); err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

// rebase maps payload, when it is a subslice of orig, to the same range of clone.
func rebase(payload, orig, clone []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	off := cap(orig) - cap(payload)
	if off >= 0 && off+len(payload) <= len(orig) && off+len(payload) <= len(clone) && &orig[off] == &payload[0] {
		return clone[off : off+len(payload)]
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp
}

// Release returns every layer info to its pool and clears the stack.
func (s *Stack) Release() {
	for i := range s.layers {
		l := &s.layers[i]
		if l.Info != nil {
			if err := l.Info.Pool().Release(l.Info); err != nil && !errors.Is(err, core.ErrAlreadyReleased) {
				slog.Warn("failed to release packet info", "layer", i, "error", err)
			}
		}
		*l = Layer{}
	}
}

// Processor is the general processing entry point re-entered with reassembled or
// reordered payloads.
type Processor interface {
	Process(p *packet.Packet, s *Stack, index int) error
}

// Chain is the default Processor. It runs the dissector of each layer from index
// upward until a dissector leaves the next slot empty.
//
// The result follows the outcome rules of the engine: ErrStop ends the chain and is
// reported as success, every other error ends the chain and is returned.
type Chain struct{}

// Process implements Processor.
func (Chain) Process(p *packet.Packet, s *Stack, index int) error {
	for i := index; i < MaxDepth; i++ {
		l := &s.layers[i]
		if l.Proto == nil || l.Proto.Dissector == nil {
			return nil
		}
		if l.Info == nil && len(l.Proto.Fields) > 0 {
			info, err := l.Proto.InfoPool().Get()
			if err != nil {
				return fmt.Errorf("%s info: %w", l.Proto.Name, err)
			}
			l.Info = info
		}
		if i+1 < MaxDepth {
			next := &s.layers[i+1]
			if next.Info != nil {
				_ = next.Info.Pool().Release(next.Info)
			}
			*next = Layer{Direction: l.Direction}
		}

		err := l.Proto.Dissector.Process(p, s, i)
		if err != nil {
			if core.IsStop(err) {
				return nil
			}
			return fmt.Errorf("%s: %w", l.Proto.Name, err)
		}
	}
	return nil
}
