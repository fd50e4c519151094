package packet

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/metrics"
)

// Pool recycles Packet slots. The live and free sets are guarded by one mutex which is
// held only while the sets are mutated, never across input I/O.
type Pool struct {
	mu        sync.Mutex
	live      map[*Packet]struct{}
	free      []*Packet
	max       int
	allocated int
	closed    bool
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Live      int
	Free      int
	Allocated int
}

// NewPool creates a packet pool. maxLive bounds the number of live packets,
// 0 means unlimited.
func NewPool(maxLive int) *Pool {
	return &Pool{
		live: make(map[*Packet]struct{}),
		max:  maxLive,
	}
}

// Get returns a reset packet with a reference count of 1.
func (pl *Pool) Get() (*Packet, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.closed {
		return nil, core.ErrPoolClosed
	}
	if pl.max > 0 && len(pl.live) >= pl.max {
		return nil, fmt.Errorf("packet pool limit %d reached: %w", pl.max, core.ErrNoResource)
	}

	var p *Packet
	if n := len(pl.free); n > 0 {
		p = pl.free[n-1]
		pl.free[n-1] = nil
		pl.free = pl.free[:n-1]
		metrics.PoolAllocationsTotal.WithLabelValues("packet", "recycled").Inc()
	} else {
		p = &Packet{pool: pl}
		pl.allocated++
		metrics.PoolAllocationsTotal.WithLabelValues("packet", "fresh").Inc()
	}

	p.reset()
	p.refs.Store(1)
	pl.live[p] = struct{}{}
	metrics.PoolPacketsLive.Inc()

	return p, nil
}

// Clone returns a packet the caller may hold independently of p.
//
// When p borrows its buffer from a capture input and flags do not include
// FlagNoCopy, the input buffer cannot be retained, so a private deep copy is made.
// Otherwise the same packet is returned with its reference count incremented.
func (pl *Pool) Clone(p *Packet, flags CloneFlags) (*Packet, error) {
	if flags&FlagNoCopy == 0 && p.input != nil {
		dst, err := pl.Get()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, len(p.buf))
		copy(buf, p.buf)
		dst.buf = buf
		dst.ts = p.ts
		dst.linkType = p.linkType
		dst.source = p.source
		metrics.PacketClonesTotal.WithLabelValues("copy").Inc()
		return dst, nil
	}

	p.refs.Add(1)
	metrics.PacketClonesTotal.WithLabelValues("shared").Inc()
	return p, nil
}

// Release drops one reference to p.
//
// Any attachment is detached and cleaned up on every call, whatever the remaining
// reference count. When the count reaches zero the slot returns to the free list and,
// outside the lock, a borrowed buffer is handed back to its input. An owned buffer is
// simply dropped. p must not be used by the caller after Release.
func (pl *Pool) Release(p *Packet) error {
	pl.mu.Lock()
	att := p.attachment
	p.attachment = nil

	refs := p.refs.Add(-1)
	if refs < 0 {
		p.refs.Store(0)
		pl.mu.Unlock()
		return core.ErrAlreadyReleased
	}
	if refs > 0 {
		pl.mu.Unlock()
		if att != nil {
			return att.Cleanup()
		}
		return nil
	}

	in, buf := p.input, p.buf
	if _, ok := pl.live[p]; ok {
		delete(pl.live, p)
		metrics.PoolPacketsLive.Dec()
	}
	p.reset()
	if !pl.closed {
		pl.free = append(pl.free, p)
	}
	pl.mu.Unlock()

	var errs error
	if att != nil {
		errs = att.Cleanup()
	}
	if in != nil {
		if err := in.ReleaseBuffer(buf); err != nil {
			slog.Error("error while releasing packet buffer to its input", "input", in.Name(), "error", err)
			errs = errors.Join(errs, fmt.Errorf("release buffer to input %s: %w", in.Name(), err))
		}
	}
	return errs
}

// Cleanup frees every slot. Packets still live are logged as leaks and force-freed.
func (pl *Pool) Cleanup() {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for p := range pl.live {
		slog.Warn("a packet was not released", "refcount", p.refs.Load(), "len", len(p.buf), "source", p.source)
		metrics.PoolLeaksTotal.WithLabelValues("packet").Inc()
		metrics.PoolPacketsLive.Dec()
		p.reset()
	}
	pl.live = make(map[*Packet]struct{})
	pl.free = nil
	pl.closed = true
}

// Stats returns the current occupancy.
func (pl *Pool) Stats() Stats {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return Stats{
		Live:      len(pl.live),
		Free:      len(pl.free),
		Allocated: pl.allocated,
	}
}
