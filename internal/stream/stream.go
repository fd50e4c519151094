// Package stream reorders the segments of a sequenced byte stream, in one or both
// directions, and hands them to a handler strictly in order.
//
// The handler runs while the stream lock is held. It must never feed the same
// stream again, directly or through another component, or it deadlocks. Set
// FlagReentrancyCheck to turn that mistake into ErrReentrant while debugging.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/proto"
	"firestige.xyz/reassembly/internal/seqnum"
)

// Flags configure a stream.
type Flags uint

const (
	// FlagBidirectional holds a segment back while its ack covers bytes of the other
	// direction that have not been delivered yet.
	FlagBidirectional Flags = 1 << iota
	// FlagNoCopy queues borrowed packets without copying their buffer.
	FlagNoCopy
	// FlagReentrancyCheck fails re-entrant calls made from the handler. The stream
	// must then be driven by one goroutine: the check is stream-wide, so a call from
	// another goroutine during a delivery fails with core.ErrReentrant as well.
	FlagReentrancyCheck
)

// Handler receives in-order segments. The segment payload is s.Layer(index).Payload.
// Returning core.ErrStop ends the current delivery run without error.
type Handler interface {
	Deliver(p *packet.Packet, s *proto.Stack, index int) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(p *packet.Packet, s *proto.Stack, index int) error

func (f HandlerFunc) Deliver(p *packet.Packet, s *proto.Stack, index int) error {
	return f(p, s, index)
}

// Stats is a snapshot of stream counters.
type Stats struct {
	Delivered      uint64
	DeliveredBytes uint64
	Queued         uint64
	Discarded      uint64
	TrimmedBytes   uint64
	Forced         uint64
	SkippedBytes   uint64
	Buffered       uint32
}

// Segment is a dequeued segment. The caller owns it and must call Release.
type Segment struct {
	Packet    *packet.Packet
	Stack     *proto.Stack
	Index     int
	Seq       uint32
	Ack       uint32
	Direction core.Direction

	length uint32
	pool   *packet.Pool
}

// Payload returns the segment bytes.
func (seg *Segment) Payload() []byte { return seg.Stack.Layer(seg.Index).Payload }

// Release returns the segment packet and its stack infos to their pools.
func (seg *Segment) Release() {
	seg.Stack.Release()
	if err := seg.pool.Release(seg.Packet); err != nil {
		slog.Warn("failed to release queued stream packet", "error", err)
	}
}

// Stream is the reassembly state of one connection.
type Stream struct {
	mu          sync.Mutex
	pool        *packet.Pool
	handler     Handler
	flags       Flags
	maxBuffered uint32

	curSeq   [core.DirCount]uint32
	curAck   [core.DirCount]uint32
	queues   [core.DirCount][]*Segment // ordered by Seq
	buffered uint32
	closed   bool
	stats    Stats

	delivering atomic.Bool
}

// New creates a stream whose first expected sequence number in direction dir is
// initSeq. The reverse direction expects initAck and has acknowledged initSeq.
// maxBuffered bounds the bytes held in both pending queues, 0 means unbounded.
func New(initSeq, initAck uint32, dir core.Direction, maxBuffered uint32, flags Flags, handler Handler, pool *packet.Pool) (*Stream, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("stream direction %d: %w", dir, core.ErrInvalidInput)
	}
	if handler == nil || pool == nil {
		return nil, fmt.Errorf("stream without handler or pool: %w", core.ErrInvalidInput)
	}
	st := &Stream{
		pool:        pool,
		handler:     handler,
		flags:       flags,
		maxBuffered: maxBuffered,
	}
	st.curSeq[dir] = initSeq
	st.curAck[dir] = initAck
	st.curSeq[dir.Reverse()] = initAck
	st.curAck[dir.Reverse()] = initSeq
	return st, nil
}

// Cursor returns the next expected sequence number and the last acknowledgment
// seen in direction dir.
func (st *Stream) Cursor(dir core.Direction) (seq, ack uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.curSeq[dir], st.curAck[dir]
}

// Stats returns a snapshot of the stream counters.
func (st *Stream) Stats() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.stats
	s.Buffered = st.buffered
	return s
}

func (st *Stream) checkReentry() error {
	if st.flags&FlagReentrancyCheck != 0 && st.delivering.Load() {
		return core.ErrReentrant
	}
	return nil
}

// ProcessSegment feeds one segment. Its payload is s.Layer(index).Payload and its
// direction s.Layer(index).Direction. The segment is discarded when already
// delivered, trimmed when it partly is, delivered when it is the next one expected,
// and queued otherwise. Queued copies are made, so p and s remain the caller's.
func (st *Stream) ProcessSegment(p *packet.Packet, s *proto.Stack, index int, seq, ack uint32) error {
	if err := st.checkReentry(); err != nil {
		return err
	}
	l := s.Layer(index)
	if l == nil || !l.Direction.Valid() {
		return fmt.Errorf("stream segment at stack index %d: %w", index, core.ErrInvalidInput)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return core.ErrStreamClosed
	}

	dir := l.Direction
	cur := st.curSeq[dir]
	length := uint32(len(l.Payload))

	if length == 0 {
		// Bare acknowledgments carry no bytes, only the next one expected is passed on.
		// One held back by the ack check is discarded, not queued.
		if !st.isNext(dir, seq, ack) {
			st.discard(dir, seq, ack)
			return nil
		}
		return st.deliverAndDrain(p, s, index, dir, seq, ack)
	}

	if seq != cur {
		if isOld(seq, length, cur) {
			st.discard(dir, seq, ack)
			return nil
		}
		if seqnum.Before32(seq, cur) {
			dupe := cur - seq
			if dupe > length {
				return fmt.Errorf("trim %d duplicate bytes off %d byte segment: %w", dupe, length, core.ErrInternal)
			}
			l.Payload = l.Payload[dupe:]
			seq = cur
			length -= dupe
			st.stats.TrimmedBytes += uint64(dupe)
			metrics.StreamSegmentsTotal.WithLabelValues("trimmed").Inc()
		}
	}

	if st.isNext(dir, seq, ack) {
		return st.deliverAndDrain(p, s, index, dir, seq, ack)
	}

	if err := st.enqueue(p, s, index, dir, seq, ack, length); err != nil {
		return err
	}
	if st.full() {
		return st.drain(dir)
	}
	return nil
}

// isOld reports whether [seq, seq+length) ends at or before cur.
func isOld(seq, length, cur uint32) bool {
	end := seq + length
	return end == cur || seqnum.Before32(end, cur)
}

func (st *Stream) isNext(dir core.Direction, seq, ack uint32) bool {
	if seq != st.curSeq[dir] {
		return false
	}
	if st.flags&FlagBidirectional != 0 && seqnum.Before32(st.curSeq[dir.Reverse()], ack) {
		return false
	}
	return true
}

func (st *Stream) full() bool {
	return st.maxBuffered > 0 && st.buffered >= st.maxBuffered
}

func (st *Stream) discard(dir core.Direction, seq, ack uint32) {
	st.stats.Discarded++
	metrics.StreamSegmentsTotal.WithLabelValues("discarded").Inc()
	slog.Debug("stream segment discarded", "dir", dir, "seq", seq, "ack", ack, "cur_seq", st.curSeq[dir])
}

func (st *Stream) deliver(p *packet.Packet, s *proto.Stack, index int, dir core.Direction, seq, ack uint32) error {
	length := uint32(len(s.Layer(index).Payload))
	st.curSeq[dir] = seq + length
	st.curAck[dir] = ack
	st.stats.Delivered++
	st.stats.DeliveredBytes += uint64(length)
	metrics.StreamSegmentsTotal.WithLabelValues("delivered").Inc()

	st.delivering.Store(true)
	err := st.handler.Deliver(p, s, index)
	st.delivering.Store(false)
	return err
}

func (st *Stream) deliverAndDrain(p *packet.Packet, s *proto.Stack, index int, dir core.Direction, seq, ack uint32) error {
	if err := st.deliver(p, s, index, dir, seq, ack); err != nil {
		if core.IsStop(err) {
			return nil
		}
		return err
	}
	return st.drain(dir)
}

// drain delivers queued segments until neither queue head qualifies.
func (st *Stream) drain(dir core.Direction) error {
	for {
		seg, err := st.next(dir)
		if err != nil {
			return err
		}
		if seg == nil {
			return nil
		}
		dir = seg.Direction
		err = st.deliver(seg.Packet, seg.Stack, seg.Index, seg.Direction, seg.Seq, seg.Ack)
		seg.Release()
		if err != nil {
			if core.IsStop(err) {
				return nil
			}
			return err
		}
	}
}

func (st *Stream) enqueue(p *packet.Packet, s *proto.Stack, index int, dir core.Direction, seq, ack, length uint32) error {
	var cf packet.CloneFlags
	if st.flags&FlagNoCopy != 0 {
		cf = packet.FlagNoCopy
	}
	clone, err := st.pool.Clone(p, cf)
	if err != nil {
		return fmt.Errorf("clone stream packet: %w", err)
	}
	backup, err := s.Backup(p, clone, index)
	if err != nil {
		_ = st.pool.Release(clone)
		return fmt.Errorf("backup stream stack: %w", err)
	}

	seg := &Segment{
		Packet:    clone,
		Stack:     backup,
		Index:     index,
		Seq:       seq,
		Ack:       ack,
		Direction: dir,
		length:    length,
		pool:      st.pool,
	}

	q := st.queues[dir]
	pos := len(q)
	for pos > 0 && seqnum.Before32(seq, q[pos-1].Seq) {
		pos--
	}
	q = append(q, nil)
	copy(q[pos+1:], q[pos:])
	q[pos] = seg
	st.queues[dir] = q

	st.buffered += length
	st.stats.Queued++
	metrics.StreamSegmentsTotal.WithLabelValues("queued").Inc()
	metrics.StreamBufferedBytes.Add(float64(length))
	slog.Debug("stream segment queued", "dir", dir, "seq", seq, "len", length, "cur_seq", st.curSeq[dir], "buffered", st.buffered)
	return nil
}

func (st *Stream) dequeue(dir core.Direction) *Segment {
	q := st.queues[dir]
	seg := q[0]
	q[0] = nil
	st.queues[dir] = q[1:]
	st.buffered -= seg.length
	metrics.StreamBufferedBytes.Sub(float64(seg.length))
	return seg
}

// next dequeues the first deliverable head, looking at dir first and then at the
// other direction. Old heads are dropped and straddling heads trimmed on the way.
// When the buffer is full the head is taken even if bytes before it are missing:
// the cursor jumps to it and the skipped bytes are accounted for.
func (st *Stream) next(dir core.Direction) (*Segment, error) {
	for _, d := range [core.DirCount]core.Direction{dir, dir.Reverse()} {
		for len(st.queues[d]) > 0 {
			seg := st.queues[d][0]
			cur := st.curSeq[d]

			if isOld(seg.Seq, seg.length, cur) {
				st.dequeue(d).Release()
				st.discard(d, seg.Seq, seg.Ack)
				continue
			}
			if seqnum.Before32(seg.Seq, cur) {
				dupe := cur - seg.Seq
				if dupe > seg.length {
					return nil, fmt.Errorf("trim %d duplicate bytes off %d byte queued segment: %w", dupe, seg.length, core.ErrInternal)
				}
				l := seg.Stack.Layer(seg.Index)
				l.Payload = l.Payload[dupe:]
				seg.Seq = cur
				seg.length -= dupe
				st.buffered -= dupe
				metrics.StreamBufferedBytes.Sub(float64(dupe))
				st.stats.TrimmedBytes += uint64(dupe)
				metrics.StreamSegmentsTotal.WithLabelValues("trimmed").Inc()
			}

			if st.full() {
				if seg.Seq != cur {
					skipped := seg.Seq - cur
					st.curSeq[d] = seg.Seq
					st.stats.SkippedBytes += uint64(skipped)
					metrics.StreamSkippedBytesTotal.Add(float64(skipped))
					slog.Debug("stream buffer full, skipping missing bytes",
						"dir", d, "from", cur, "to", seg.Seq, "skipped", skipped, "buffered", st.buffered)
				}
				st.stats.Forced++
				metrics.StreamSegmentsTotal.WithLabelValues("forced").Inc()
				return st.dequeue(d), nil
			}

			if st.isNext(d, seg.Seq, seg.Ack) {
				return st.dequeue(d), nil
			}
			break
		}
	}
	return nil, nil
}

// GetNext dequeues the next deliverable queued segment, preferring direction dir,
// and advances the cursor past it as if it had been delivered. It returns nil when
// no queued segment qualifies. The caller owns the returned segment.
func (st *Stream) GetNext(dir core.Direction) (*Segment, error) {
	if err := st.checkReentry(); err != nil {
		return nil, err
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("stream direction %d: %w", dir, core.ErrInvalidInput)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, core.ErrStreamClosed
	}
	seg, err := st.next(dir)
	if err != nil || seg == nil {
		return nil, err
	}
	st.curSeq[seg.Direction] = seg.Seq + seg.length
	st.curAck[seg.Direction] = seg.Ack
	return seg, nil
}

// Cleanup drops every queued segment. Later calls to ProcessSegment fail with
// core.ErrStreamClosed.
func (st *Stream) Cleanup() error {
	if err := st.checkReentry(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	st.closed = true

	var errs error
	for d := range st.queues {
		for _, seg := range st.queues[d] {
			seg.Stack.Release()
			if err := st.pool.Release(seg.Packet); err != nil {
				errs = errors.Join(errs, err)
			}
		}
		st.queues[d] = nil
	}
	metrics.StreamBufferedBytes.Sub(float64(st.buffered))
	st.buffered = 0
	return errs
}
