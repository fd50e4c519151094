package engine

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/sink"
)

var (
	client = netip.MustParseAddrPort("10.0.0.1:40000")
	server = netip.MustParseAddrPort("10.0.0.2:80")
)

type memSink struct {
	mu     sync.Mutex
	events []sink.LineEvent
}

func (m *memSink) Name() string { return "mem" }
func (m *memSink) Close() error { return nil }

func (m *memSink) Emit(ev *sink.LineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memSink) lines(dir core.Direction) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.Direction == dir && !ev.Partial {
			out = append(out, ev.Line)
		}
	}
	return out
}

func (m *memSink) partials() []sink.LineEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sink.LineEvent
	for _, ev := range m.events {
		if ev.Partial {
			out = append(out, ev)
		}
	}
	return out
}

type tcpSeg struct {
	src, dst            netip.AddrPort
	seq, ack            uint32
	syn, ackf, fin, rst bool
	payload             string
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func ethLayer() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func ipLayer(src, dst netip.Addr) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
}

func tcpLayer(seg tcpSeg) *layers.TCP {
	return &layers.TCP{
		SrcPort: layers.TCPPort(seg.src.Port()),
		DstPort: layers.TCPPort(seg.dst.Port()),
		Seq:     seg.seq,
		Ack:     seg.ack,
		SYN:     seg.syn,
		ACK:     seg.ackf,
		FIN:     seg.fin,
		RST:     seg.rst,
		Window:  65535,
	}
}

func frame(t *testing.T, seg tcpSeg, withEthernet bool) []byte {
	t.Helper()
	ip := ipLayer(seg.src.Addr(), seg.dst.Addr())
	tcp := tcpLayer(seg)
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	ls := []gopacket.SerializableLayer{ip, tcp, gopacket.Payload(seg.payload)}
	if withEthernet {
		ls = append([]gopacket.SerializableLayer{ethLayer()}, ls...)
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

// fragments splits the IPv4 datagram carrying seg into Ethernet frames with
// chunk bytes of IP payload each.
func fragments(t *testing.T, seg tcpSeg, id uint16, chunk int) [][]byte {
	t.Helper()
	ip := ipLayer(seg.src.Addr(), seg.dst.Addr())
	tcp := tcpLayer(seg)
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ip, tcp, gopacket.Payload(seg.payload)))
	body := buf.Bytes()[20:]

	var out [][]byte
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		fip := ipLayer(seg.src.Addr(), seg.dst.Addr())
		fip.Id = id
		fip.FragOffset = uint16(off / 8)
		if end < len(body) {
			fip.Flags = layers.IPv4MoreFragments
		}
		fb := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(fb, serializeOpts, ethLayer(), fip, gopacket.Payload(body[off:end])))
		out = append(out, append([]byte(nil), fb.Bytes()...))
	}
	return out
}

type harness struct {
	t    *testing.T
	pool *packet.Pool
	eng  *Engine
	out  *memSink
	ts   time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		pool: packet.NewPool(0),
		out:  &memSink{},
		ts:   time.Unix(1700000000, 0),
	}
	eng, err := New(cfg, h.pool, h.out)
	require.NoError(t, err)
	h.eng = eng
	return h
}

func (h *harness) feed(data []byte, lt layers.LinkType) error {
	p, err := h.pool.Get()
	require.NoError(h.t, err)
	p.SetBuffer(data)
	p.SetLinkType(lt)
	h.ts = h.ts.Add(time.Millisecond)
	p.SetTimestamp(h.ts)
	err = h.eng.Process(p)
	require.NoError(h.t, h.pool.Release(p))
	return err
}

func (h *harness) send(seg tcpSeg) {
	h.t.Helper()
	require.NoError(h.t, h.feed(frame(h.t, seg, true), layers.LinkTypeEthernet))
}

func (h *harness) handshake() {
	h.send(tcpSeg{src: client, dst: server, seq: 1000, syn: true})
	h.send(tcpSeg{src: server, dst: client, seq: 5000, ack: 1001, syn: true, ackf: true})
	h.send(tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true})
}

func (h *harness) close() {
	require.NoError(h.t, h.eng.Close())
	assert.Equal(h.t, 0, h.pool.Stats().Live)
}

func TestEngine_LinesInOrderAndReordered(t *testing.T) {
	h := newHarness(t, Config{Worker: 3})
	h.handshake()
	assert.Equal(t, 1, h.eng.Stats().Conns)

	part1 := "GET / HTTP/1.1\r\nHo"
	part2 := "st: x\r\n\r\n"
	h.send(tcpSeg{src: client, dst: server, seq: 1001 + uint32(len(part1)), ack: 5001, ackf: true, payload: part2})
	assert.Empty(t, h.out.lines(core.DirForward))

	h.send(tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: part1})
	assert.Equal(t, []string{"GET / HTTP/1.1", "Host: x", ""}, h.out.lines(core.DirForward))

	// Retransmission is not delivered twice.
	h.send(tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: part1})
	assert.Len(t, h.out.lines(core.DirForward), 3)

	next := 1001 + uint32(len(part1)+len(part2))
	h.send(tcpSeg{src: server, dst: client, seq: 5001, ack: next, ackf: true, payload: "HTTP/1.1 200 OK\r\n"})
	assert.Equal(t, []string{"HTTP/1.1 200 OK"}, h.out.lines(core.DirReverse))

	first := h.out.events[0]
	assert.Equal(t, client, first.Src)
	assert.Equal(t, server, first.Dst)
	assert.Equal(t, 3, first.Worker)
	last := h.out.events[len(h.out.events)-1]
	assert.Equal(t, server, last.Src)
	assert.Equal(t, core.DirReverse, last.Direction)

	assert.Equal(t, uint64(4), h.eng.Stats().Lines)
	h.close()
}

func TestEngine_BothFinsCloseConnection(t *testing.T) {
	h := newHarness(t, Config{})
	h.handshake()

	h.send(tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: "QUIT"})
	h.send(tcpSeg{src: client, dst: server, seq: 1005, ack: 5001, ackf: true, fin: true})
	assert.Equal(t, 1, h.eng.Stats().Conns)
	h.send(tcpSeg{src: server, dst: client, seq: 5001, ack: 1006, ackf: true, fin: true})
	assert.Equal(t, 0, h.eng.Stats().Conns)

	partials := h.out.partials()
	require.Len(t, partials, 1)
	assert.Equal(t, "QUIT", partials[0].Line)
	assert.Equal(t, core.DirForward, partials[0].Direction)
	h.close()
}

func TestEngine_ResetClosesConnection(t *testing.T) {
	h := newHarness(t, Config{})
	h.handshake()
	// Out of order data stays queued until the reset.
	h.send(tcpSeg{src: client, dst: server, seq: 1100, ack: 5001, ackf: true, payload: "later\n"})
	h.send(tcpSeg{src: server, dst: client, seq: 5001, rst: true})
	assert.Equal(t, 0, h.eng.Stats().Conns)
	assert.Empty(t, h.out.events)
	assert.Equal(t, 0, h.pool.Stats().Live)
	h.close()
}

func TestEngine_CloseFlushesPartialLines(t *testing.T) {
	h := newHarness(t, Config{})
	h.handshake()
	h.send(tcpSeg{src: server, dst: client, seq: 5001, ack: 1001, ackf: true, payload: "220 ready\r\npartial"})
	assert.Equal(t, []string{"220 ready"}, h.out.lines(core.DirReverse))

	h.close()
	partials := h.out.partials()
	require.Len(t, partials, 1)
	assert.Equal(t, "partial", partials[0].Line)
	assert.Equal(t, server, partials[0].Src)
	assert.Equal(t, 0, h.eng.Stats().Conns)

	assert.ErrorIs(t, h.feed(frame(t, tcpSeg{src: client, dst: server, seq: 1}, true), layers.LinkTypeEthernet), core.ErrStreamClosed)
}

func TestEngine_IdleConnectionsExpire(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Millisecond})
	h.handshake()
	h.send(tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: "half"})

	time.Sleep(30 * time.Millisecond)
	h.eng.Expire()
	assert.Equal(t, 0, h.eng.Stats().Conns)
	require.Len(t, h.out.partials(), 1)
	assert.Equal(t, "half", h.out.partials()[0].Line)
	h.close()
}

func TestEngine_FragmentedSegment(t *testing.T) {
	h := newHarness(t, Config{})
	h.handshake()

	seg := tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: "USER alice\r\nPASS secret\r\n"}
	frags := fragments(t, seg, 77, 16)
	require.Len(t, frags, 3)

	for _, i := range []int{2, 0} {
		require.NoError(t, h.feed(frags[i], layers.LinkTypeEthernet))
		assert.Empty(t, h.out.events)
	}
	assert.Equal(t, 1, h.eng.Stats().Datagrams)
	assert.Equal(t, 1, h.eng.Registry().DependencyRefs(ProtoTCP))

	require.NoError(t, h.feed(frags[1], layers.LinkTypeEthernet))
	assert.Equal(t, []string{"USER alice", "PASS secret"}, h.out.lines(core.DirForward))
	assert.Equal(t, 0, h.eng.Stats().Datagrams)
	assert.Equal(t, 0, h.eng.Registry().DependencyRefs(ProtoTCP))
	h.close()
}

func TestEngine_FragmentedOutOfOrderSegment(t *testing.T) {
	h := newHarness(t, Config{})
	h.handshake()

	h.send(tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: "EHLO"})
	// The reassembled datagram is queued by the stream and outlives its fragments.
	seg := tcpSeg{src: client, dst: server, seq: 1009, ack: 5001, ackf: true, payload: "MAIL FROM:<a@b>\r\n"}
	for _, f := range fragments(t, seg, 78, 24) {
		require.NoError(t, h.feed(f, layers.LinkTypeEthernet))
	}
	assert.Empty(t, h.out.lines(core.DirForward))

	h.send(tcpSeg{src: client, dst: server, seq: 1005, ack: 5001, ackf: true, payload: " x\r\n"})
	assert.Equal(t, []string{"EHLO x", "MAIL FROM:<a@b>"}, h.out.lines(core.DirForward))
	h.close()
}

func TestEngine_FragmentTimeout(t *testing.T) {
	h := newHarness(t, Config{FragmentTimeout: 10 * time.Millisecond})
	seg := tcpSeg{src: client, dst: server, seq: 1, ack: 1, ackf: true, payload: "never completed\n"}
	frags := fragments(t, seg, 9, 16)
	require.NoError(t, h.feed(frags[0], layers.LinkTypeEthernet))
	assert.Equal(t, 1, h.eng.Stats().Datagrams)
	assert.Equal(t, 1, h.pool.Stats().Live)

	time.Sleep(30 * time.Millisecond)
	h.eng.Expire()
	assert.Equal(t, 0, h.eng.Stats().Datagrams)
	assert.Equal(t, 0, h.pool.Stats().Live)
	assert.Equal(t, 0, h.eng.Registry().DependencyRefs(ProtoTCP))
	h.close()
}

func TestEngine_RawIPv4(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.feed(frame(t, tcpSeg{src: client, dst: server, seq: 1000, syn: true}, false), layers.LinkTypeRaw))
	assert.Equal(t, 1, h.eng.Stats().Conns)
	h.close()
}

func TestEngine_SkipsOtherTraffic(t *testing.T) {
	h := newHarness(t, Config{})

	eth := ethLayer()
	eth.EthernetType = layers.EthernetTypeARP
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, eth, gopacket.Payload(make([]byte, 28))))
	assert.NoError(t, h.feed(buf.Bytes(), layers.LinkTypeEthernet))
	assert.NoError(t, h.feed([]byte{0, 0, 0, 2}, layers.LinkTypeNull))

	assert.Empty(t, h.out.events)
	assert.Equal(t, 0, h.eng.Stats().Conns)
	h.close()
}

func TestEngine_InvalidPacket(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.feed([]byte{1, 2, 3}, layers.LinkTypeEthernet)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.Equal(t, uint64(1), h.eng.Stats().Invalid)
	h.close()
}

func TestConnKey_IsSymmetric(t *testing.T) {
	assert.Equal(t, connKey(client, server), connKey(server, client))
	other := netip.MustParseAddrPort("10.0.0.1:40001")
	assert.NotEqual(t, connKey(client, server), connKey(other, server))
}

func TestEngine_FragmentRateLimit(t *testing.T) {
	h := newHarness(t, Config{FragmentsPerSource: 2, FragmentWindow: time.Hour})
	h.handshake()

	seg := tcpSeg{src: client, dst: server, seq: 1001, ack: 5001, ackf: true, payload: "limited fragments\n"}
	frags := fragments(t, seg, 11, 16)
	require.Greater(t, len(frags), 2)
	for _, f := range frags {
		require.NoError(t, h.feed(f, layers.LinkTypeEthernet))
	}
	// The datagram never completes: fragments past the cap were dropped.
	assert.Empty(t, h.out.lines(core.DirForward))
	assert.Equal(t, 1, h.eng.Stats().Datagrams)
	assert.Equal(t, uint64(len(frags)-2), h.eng.Stats().FragmentsLimited)
	h.close()
}

func TestEngine_StaleConnectionClosedBeforeReuse(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Millisecond})
	h.handshake()
	h.send(tcpSeg{src: client, dst: server, seq: 1100, ack: 5001, ackf: true, payload: "queued\n"})
	assert.Equal(t, 1, h.pool.Stats().Live, "out of order segment is held")

	// No Expire between the timeout and the next packet of the same flow.
	time.Sleep(30 * time.Millisecond)
	h.send(tcpSeg{src: client, dst: server, seq: 2000, ack: 5001, ackf: true, payload: "again\n"})

	assert.Equal(t, 0, h.pool.Stats().Live, "stale stream released its queue")
	assert.Equal(t, 1, h.eng.Stats().Conns)
	assert.Equal(t, []string{"again"}, h.out.lines(core.DirForward))
	h.close()
}

func TestEngine_StaleDatagramDroppedBeforeReuse(t *testing.T) {
	h := newHarness(t, Config{FragmentTimeout: 10 * time.Millisecond})
	seg := tcpSeg{src: client, dst: server, seq: 1, ack: 1, ackf: true, payload: "never completed\n"}
	frags := fragments(t, seg, 21, 16)
	require.NoError(t, h.feed(frags[0], layers.LinkTypeEthernet))
	assert.Equal(t, 1, h.eng.Registry().DependencyRefs(ProtoTCP))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.feed(frags[1], layers.LinkTypeEthernet))

	// Only the fragment of the new datagram is held.
	assert.Equal(t, 1, h.eng.Stats().Datagrams)
	assert.Equal(t, 1, h.pool.Stats().Live)
	assert.Equal(t, 1, h.eng.Registry().DependencyRefs(ProtoTCP))
	h.close()
	assert.Equal(t, 0, h.eng.Registry().DependencyRefs(ProtoTCP))
}
