// Package packet implements the pooled, reference counted packet containers and the
// per-protocol packet info pools.
package packet

import (
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
)

// Input is a capture input that lends its buffers to packets. A borrowed buffer must be
// handed back with ReleaseBuffer as soon as the last holder releases the packet.
type Input interface {
	Name() string
	ReleaseBuffer(buf []byte) error
}

// Attachment is state a packet is transiently responsible for, such as the multipart
// reassembly that produced it. It is torn down by the first Release call on the
// packet, independent of the reference count.
type Attachment interface {
	Cleanup() error
}

// CloneFlags control how Clone shares or copies a packet.
type CloneFlags uint

const (
	// FlagNoCopy forces sharing even when the buffer is borrowed from an input.
	FlagNoCopy CloneFlags = 1 << iota
)

// Packet is a captured buffer plus its capture metadata.
type Packet struct {
	buf      []byte
	ts       time.Time
	linkType layers.LinkType
	input    Input  // non-nil while buf is borrowed
	source   string // name of the input the bytes came from, bookkeeping only

	refs atomic.Int32
	pool *Pool

	// guarded by pool.mu
	attachment Attachment
}

// Bytes returns the packet buffer.
func (p *Packet) Bytes() []byte { return p.buf }

// Len returns the buffer length.
func (p *Packet) Len() int { return len(p.buf) }

// Timestamp returns the capture timestamp.
func (p *Packet) Timestamp() time.Time { return p.ts }

// LinkType returns the link-layer type of the buffer.
func (p *Packet) LinkType() layers.LinkType { return p.linkType }

// Source returns the name of the input the packet was read from.
func (p *Packet) Source() string { return p.source }

// Borrowed reports whether the buffer belongs to a capture input.
func (p *Packet) Borrowed() bool { return p.input != nil }

// Refs returns the current reference count.
func (p *Packet) Refs() int32 { return p.refs.Load() }

// SetTimestamp sets the capture timestamp.
func (p *Packet) SetTimestamp(ts time.Time) { p.ts = ts }

// SetLinkType sets the link-layer type.
func (p *Packet) SetLinkType(lt layers.LinkType) { p.linkType = lt }

// SetBuffer gives the packet ownership of buf.
func (p *Packet) SetBuffer(buf []byte) {
	p.buf = buf
	p.input = nil
}

// SetInputBuffer makes the packet borrow buf from in.
func (p *Packet) SetInputBuffer(in Input, buf []byte) {
	p.buf = buf
	p.input = in
	p.source = in.Name()
}

// Attach makes the packet responsible for a. Any previous attachment is returned
// so the caller can dispose of it.
func (p *Packet) Attach(a Attachment) Attachment {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	prev := p.attachment
	p.attachment = a
	return prev
}

func (p *Packet) reset() {
	p.buf = nil
	p.ts = time.Time{}
	p.linkType = 0
	p.input = nil
	p.source = ""
	p.attachment = nil
	p.refs.Store(0)
}
