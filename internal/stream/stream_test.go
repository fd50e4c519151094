package stream

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/proto"
)

type delivery struct {
	dir     core.Direction
	payload []byte
}

type recorder struct {
	got []delivery
	err error
}

func (r *recorder) Deliver(p *packet.Packet, s *proto.Stack, index int) error {
	l := s.Layer(index)
	r.got = append(r.got, delivery{dir: l.Direction, payload: append([]byte(nil), l.Payload...)})
	return r.err
}

func (r *recorder) bytes(dir core.Direction) []byte {
	var out []byte
	for _, d := range r.got {
		if d.dir == dir {
			out = append(out, d.payload...)
		}
	}
	return out
}

type borrowInput struct{ released int }

func (in *borrowInput) Name() string { return "test" }
func (in *borrowInput) ReleaseBuffer(buf []byte) error {
	in.released++
	return nil
}

// feed builds a packet carrying payload behind a short header and feeds it.
func feed(t *testing.T, st *Stream, pool *packet.Pool, dir core.Direction, seq, ack uint32, payload []byte) error {
	t.Helper()
	p, err := pool.Get()
	require.NoError(t, err)
	p.SetBuffer(append([]byte("HDR"), payload...))
	s := proto.NewStack()
	s.Layer(0).Payload = p.Bytes()
	s.Layer(1).Payload = p.Bytes()[3:]
	s.Layer(1).Direction = dir
	err = st.ProcessSegment(p, s, 1, seq, ack)
	require.NoError(t, pool.Release(p))
	return err
}

func payloadOf(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestNew_InitialCursors(t *testing.T) {
	st, err := New(1000, 5000, core.DirReverse, 0, 0, &recorder{}, packet.NewPool(0))
	require.NoError(t, err)

	seq, ack := st.Cursor(core.DirReverse)
	assert.Equal(t, uint32(1000), seq)
	assert.Equal(t, uint32(5000), ack)
	seq, ack = st.Cursor(core.DirForward)
	assert.Equal(t, uint32(5000), seq)
	assert.Equal(t, uint32(1000), ack)

	_, err = New(0, 0, core.Direction(7), 0, 0, &recorder{}, packet.NewPool(0))
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, err = New(0, 0, core.DirForward, 0, 0, nil, packet.NewPool(0))
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestProcessSegment_InOrderAndDrain(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(1000, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirForward, 1000, 0, payloadOf(50, 'a')))
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(1050), seq)

	require.NoError(t, feed(t, st, pool, core.DirForward, 1200, 0, payloadOf(10, 'c')))
	assert.Len(t, rec.got, 1)
	assert.Equal(t, uint32(10), st.Stats().Buffered)

	require.NoError(t, feed(t, st, pool, core.DirForward, 1050, 0, payloadOf(150, 'b')))
	seq, _ = st.Cursor(core.DirForward)
	assert.Equal(t, uint32(1210), seq)

	require.Len(t, rec.got, 3)
	assert.Equal(t, payloadOf(50, 'a'), rec.got[0].payload)
	assert.Equal(t, payloadOf(150, 'b'), rec.got[1].payload)
	assert.Equal(t, payloadOf(10, 'c'), rec.got[2].payload)

	stats := st.Stats()
	assert.Equal(t, uint64(3), stats.Delivered)
	assert.Equal(t, uint64(210), stats.DeliveredBytes)
	assert.Equal(t, uint64(1), stats.Queued)
	assert.Equal(t, uint32(0), stats.Buffered)
	assert.Equal(t, 0, pool.Stats().Live)
}

func TestProcessSegment_OldDiscarded(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(1000, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirForward, 900, 0, payloadOf(50, 'x')))
	require.NoError(t, feed(t, st, pool, core.DirForward, 950, 0, payloadOf(50, 'x')))
	assert.Empty(t, rec.got)
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(1000), seq)
	assert.Equal(t, uint64(2), st.Stats().Discarded)
}

func TestProcessSegment_Trimmed(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(1000, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	data := append(payloadOf(20, 'o'), payloadOf(20, 'n')...)
	require.NoError(t, feed(t, st, pool, core.DirForward, 980, 0, data))

	require.Len(t, rec.got, 1)
	assert.Equal(t, payloadOf(20, 'n'), rec.got[0].payload)
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(1020), seq)
	assert.Equal(t, uint64(20), st.Stats().TrimmedBytes)
}

func TestProcessSegment_Wraparound(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	start := uint32(0xFFFFFFF0)
	st, err := New(start, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	// Second half first: it lies after the wrap point.
	require.NoError(t, feed(t, st, pool, core.DirForward, 0x00000000, 0, payloadOf(16, 'b')))
	assert.Empty(t, rec.got)
	require.NoError(t, feed(t, st, pool, core.DirForward, start, 0, payloadOf(16, 'a')))

	assert.Equal(t, append(payloadOf(16, 'a'), payloadOf(16, 'b')...), rec.bytes(core.DirForward))
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(16), seq)

	// Straddling the wrap and fully before it.
	require.NoError(t, feed(t, st, pool, core.DirForward, 0xFFFFFFF8, 0, payloadOf(8, 'z')))
	require.NoError(t, feed(t, st, pool, core.DirForward, 0xFFFFFFF8, 0, payloadOf(30, 'c')))
	assert.Equal(t, payloadOf(6, 'c'), rec.got[len(rec.got)-1].payload)
	seq, _ = st.Cursor(core.DirForward)
	assert.Equal(t, uint32(22), seq)
}

func TestProcessSegment_ZeroLength(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(100, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirForward, 100, 77, nil))
	require.Len(t, rec.got, 1)
	_, ack := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(77), ack)

	require.NoError(t, feed(t, st, pool, core.DirForward, 150, 78, nil))
	assert.Len(t, rec.got, 1)
	assert.Equal(t, uint32(0), st.Stats().Buffered)
}

func TestProcessSegment_Bidirectional(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	// Client ISN 100, server ISN 500.
	st, err := New(100, 500, core.DirForward, 0, FlagBidirectional, rec, pool)
	require.NoError(t, err)

	// The client acknowledges 10 server bytes that were not seen yet.
	require.NoError(t, feed(t, st, pool, core.DirForward, 100, 510, []byte("request")))
	assert.Empty(t, rec.got)

	// The server bytes unblock the client segment.
	require.NoError(t, feed(t, st, pool, core.DirReverse, 500, 100, []byte("greeting!!")))
	require.Len(t, rec.got, 2)
	assert.Equal(t, core.DirReverse, rec.got[0].dir)
	assert.Equal(t, []byte("greeting!!"), rec.got[0].payload)
	assert.Equal(t, core.DirForward, rec.got[1].dir)
	assert.Equal(t, []byte("request"), rec.got[1].payload)
	assert.Equal(t, 0, pool.Stats().Live)
}

func TestProcessSegment_BidirectionalZeroLength(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(100, 500, core.DirForward, 0, FlagBidirectional, rec, pool)
	require.NoError(t, err)

	// A bare ack covering server bytes not yet seen is not passed on.
	require.NoError(t, feed(t, st, pool, core.DirForward, 100, 600, nil))
	assert.Empty(t, rec.got)
	_, ack := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(500), ack)
	assert.Equal(t, uint64(1), st.Stats().Discarded)
	assert.Equal(t, uint32(0), st.Stats().Buffered)

	require.NoError(t, feed(t, st, pool, core.DirForward, 100, 500, nil))
	require.Len(t, rec.got, 1)
	assert.Equal(t, core.DirForward, rec.got[0].dir)
	assert.Empty(t, rec.got[0].payload)
	assert.Equal(t, 0, pool.Stats().Live)
}

func TestProcessSegment_StopEndsDrain(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(0, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirForward, 10, 0, payloadOf(10, 'b')))
	rec.err = core.ErrStop
	require.NoError(t, feed(t, st, pool, core.DirForward, 0, 0, payloadOf(10, 'a')))
	require.Len(t, rec.got, 1)
	assert.Equal(t, uint32(10), st.Stats().Buffered)

	// The next delivery drains what is left.
	rec.err = nil
	require.NoError(t, feed(t, st, pool, core.DirForward, 10, 0, nil))
	assert.Equal(t, append(payloadOf(10, 'a'), payloadOf(10, 'b')...), rec.bytes(core.DirForward))
	assert.Equal(t, uint32(0), st.Stats().Buffered)
}

func TestProcessSegment_HandlerError(t *testing.T) {
	pool := packet.NewPool(0)
	boom := errors.New("boom")
	st, err := New(0, 0, core.DirForward, 0, 0, &recorder{err: boom}, pool)
	require.NoError(t, err)
	assert.ErrorIs(t, feed(t, st, pool, core.DirForward, 0, 0, []byte("x")), boom)
}

func TestProcessSegment_BufferFullForcesDelivery(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(0, 0, core.DirForward, 25, 0, rec, pool)
	require.NoError(t, err)

	// Bytes 0..10 never arrive.
	require.NoError(t, feed(t, st, pool, core.DirForward, 20, 0, payloadOf(10, 'c')))
	require.NoError(t, feed(t, st, pool, core.DirForward, 40, 0, payloadOf(10, 'e')))
	assert.Empty(t, rec.got)
	assert.Equal(t, uint32(20), st.Stats().Buffered)

	// Reaching the cap releases the oldest segment, then the ones now in order.
	require.NoError(t, feed(t, st, pool, core.DirForward, 30, 0, payloadOf(10, 'd')))
	require.Len(t, rec.got, 3)
	assert.Equal(t, append(append(payloadOf(10, 'c'), payloadOf(10, 'd')...), payloadOf(10, 'e')...), rec.bytes(core.DirForward))

	stats := st.Stats()
	assert.Equal(t, uint64(20), stats.SkippedBytes)
	assert.Equal(t, uint64(1), stats.Forced)
	assert.Equal(t, uint32(0), stats.Buffered)
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(50), seq)

	// Late bytes of the skipped range are old now.
	require.NoError(t, feed(t, st, pool, core.DirForward, 0, 0, payloadOf(20, 'a')))
	assert.Len(t, rec.got, 3)
	assert.Equal(t, 0, pool.Stats().Live)
}

func TestProcessSegment_QueuedBorrowedPacketIsCopied(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(0, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	in := &borrowInput{}
	p, err := pool.Get()
	require.NoError(t, err)
	buf := []byte("..later")
	p.SetInputBuffer(in, buf)
	s := proto.NewStack()
	s.Layer(0).Payload = p.Bytes()[2:]
	require.NoError(t, st.ProcessSegment(p, s, 0, 5, 0))
	require.NoError(t, pool.Release(p))
	assert.Equal(t, 1, in.released)
	copy(buf, "XXXXXXX")

	require.NoError(t, feed(t, st, pool, core.DirForward, 0, 0, []byte("early")))
	assert.Equal(t, []byte("earlylater"), rec.bytes(core.DirForward))
}

func TestProcessSegment_Reentrancy(t *testing.T) {
	pool := packet.NewPool(0)
	var st *Stream
	var inner error
	reenter := true
	h := HandlerFunc(func(p *packet.Packet, s *proto.Stack, index int) error {
		if reenter {
			inner = st.ProcessSegment(p, s, index, 0, 0)
		}
		return nil
	})
	var err error
	st, err = New(0, 0, core.DirForward, 0, FlagReentrancyCheck, h, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirForward, 0, 0, []byte("abc")))
	assert.ErrorIs(t, inner, core.ErrReentrant)

	// Once the handler has returned the stream accepts calls again.
	reenter = false
	require.NoError(t, feed(t, st, pool, core.DirForward, 3, 0, []byte("def")))
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(6), seq)
}

func TestGetNext(t *testing.T) {
	pool := packet.NewPool(0)
	rec := &recorder{}
	st, err := New(0, 0, core.DirForward, 0, 0, rec, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirReverse, 5, 0, []byte("later")))
	seg, err := st.GetNext(core.DirForward)
	require.NoError(t, err)
	assert.Nil(t, seg)

	require.NoError(t, feed(t, st, pool, core.DirReverse, 0, 0, []byte("early")))
	assert.Equal(t, []byte("earlylater"), rec.bytes(core.DirReverse))

	// A stop leaves the now deliverable segment queued.
	require.NoError(t, feed(t, st, pool, core.DirForward, 3, 0, []byte("def")))
	rec.err = core.ErrStop
	require.NoError(t, feed(t, st, pool, core.DirForward, 0, 0, []byte("abc")))

	seg, err = st.GetNext(core.DirReverse)
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, core.DirForward, seg.Direction)
	assert.Equal(t, []byte("def"), seg.Payload())
	seq, _ := st.Cursor(core.DirForward)
	assert.Equal(t, uint32(6), seq)
	seg.Release()
	assert.Equal(t, 0, pool.Stats().Live)
}

func TestCleanup(t *testing.T) {
	pool := packet.NewPool(0)
	st, err := New(0, 0, core.DirForward, 0, 0, &recorder{}, pool)
	require.NoError(t, err)

	require.NoError(t, feed(t, st, pool, core.DirForward, 100, 0, []byte("queued")))
	require.NoError(t, feed(t, st, pool, core.DirReverse, 100, 0, []byte("queued")))
	assert.Equal(t, 2, pool.Stats().Live)

	require.NoError(t, st.Cleanup())
	assert.Equal(t, 0, pool.Stats().Live)
	assert.Equal(t, uint32(0), st.Stats().Buffered)
	require.NoError(t, st.Cleanup())

	assert.ErrorIs(t, feed(t, st, pool, core.DirForward, 0, 0, []byte("x")), core.ErrStreamClosed)
	_, err = st.GetNext(core.DirForward)
	assert.ErrorIs(t, err, core.ErrStreamClosed)
}

// Every byte is delivered exactly once and in order, whatever the arrival order,
// duplication or overlap of the segments.
func TestProcessSegment_RandomArrival(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		data := make([]byte, 2000)
		rng.Read(data)
		isn := rng.Uint32()

		type seg struct{ off, n int }
		var segs []seg
		for off := 0; off < len(data); {
			n := 1 + rng.Intn(120)
			if off+n > len(data) {
				n = len(data) - off
			}
			segs = append(segs, seg{off, n})
			// Retransmissions that overlap the neighbours.
			if rng.Intn(4) == 0 {
				start := off - rng.Intn(30)
				if start < 0 {
					start = 0
				}
				end := off + n + rng.Intn(30)
				if end > len(data) {
					end = len(data)
				}
				segs = append(segs, seg{start, end - start})
			}
			off += n
		}
		rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

		pool := packet.NewPool(0)
		rec := &recorder{}
		st, err := New(isn, 0, core.DirForward, 0, 0, rec, pool)
		require.NoError(t, err)
		for _, sg := range segs {
			require.NoError(t, feed(t, st, pool, core.DirForward, isn+uint32(sg.off), 0, data[sg.off:sg.off+sg.n]))
		}

		require.Equal(t, data, rec.bytes(core.DirForward), "round %d", round)
		require.NoError(t, st.Cleanup())
		assert.Equal(t, 0, pool.Stats().Live, "round %d", round)
	}
}
