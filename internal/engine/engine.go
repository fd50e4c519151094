// Package engine runs the dissection chain of one worker: Ethernet and IPv4
// decoding, IPv4 fragment reassembly, TCP connection tracking with in-order stream
// delivery, and line extraction into a sink.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/proto"
	"firestige.xyz/reassembly/internal/sink"
	"firestige.xyz/reassembly/internal/stream"
)

// Protocol names registered by every engine.
const (
	ProtoEthernet = "ethernet"
	ProtoIPv4     = "ipv4"
	ProtoTCP      = "tcp"
	ProtoLine     = "line"
)

// Config holds the per-worker engine settings.
type Config struct {
	Worker int

	MaxBufferBytes uint32
	StreamFlags    stream.Flags
	// NoCopy shares borrowed input buffers with queued segments and fragments
	// instead of copying them.
	NoCopy bool

	MaxLineSize int

	MaxFragments    int
	FragmentTimeout time.Duration
	// FragmentsPerSource caps the fragments accepted from one source address
	// per FragmentWindow of capture time. 0 disables the cap.
	FragmentsPerSource int
	FragmentWindow     time.Duration

	IdleTimeout time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxBufferBytes:  1 << 20,
		MaxLineSize:     8192,
		MaxFragments:    64,
		FragmentTimeout: 30 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Packets   uint64
	Invalid   uint64
	Errors    uint64
	Lines     uint64
	Conns     int
	Datagrams int
	// FragmentsLimited counts fragments refused by the per-source cap.
	FragmentsLimited uint64
}

// Engine is single threaded: Process, Expire and Close must be called from the
// goroutine that owns it. Stats may be read from anywhere.
type Engine struct {
	cfg   Config
	pool  *packet.Pool
	sink  sink.Sink
	reg   *proto.Registry
	chain proto.Chain

	ethernet *proto.Protocol
	ipv4     *proto.Protocol
	tcp      *proto.Protocol
	line     *proto.Protocol

	conns   *connTable
	frags   *fragTable
	limiter *fragLimiter

	// decoding scratch
	eth  layers.Ethernet
	ip4  layers.IPv4
	tcpL layers.TCP

	packets atomic.Uint64
	invalid atomic.Uint64
	errs    atomic.Uint64
	lines   atomic.Uint64
	closed  bool
}

// New creates an engine emitting to out. pool must be the pool the processed
// packets come from.
func New(cfg Config, pool *packet.Pool, out sink.Sink) (*Engine, error) {
	if pool == nil || out == nil {
		return nil, fmt.Errorf("engine without pool or sink: %w", core.ErrInvalidInput)
	}
	def := DefaultConfig()
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = def.MaxFragments
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = def.FragmentTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.NoCopy {
		cfg.StreamFlags |= stream.FlagNoCopy
	}

	e := &Engine{
		cfg:  cfg,
		pool: pool,
		sink: out,
		reg:  proto.NewRegistry(),
	}
	e.ethernet = &proto.Protocol{Name: ProtoEthernet, Fields: ethernetFields, Dissector: proto.DissectorFunc(e.dissectEthernet)}
	e.ipv4 = &proto.Protocol{Name: ProtoIPv4, Fields: ipv4Fields, Dissector: proto.DissectorFunc(e.dissectIPv4)}
	e.tcp = &proto.Protocol{Name: ProtoTCP, Fields: tcpFields, Dissector: proto.DissectorFunc(e.dissectTCP)}
	e.line = &proto.Protocol{Name: ProtoLine, Dissector: proto.DissectorFunc(e.dissectLine)}
	for _, p := range []*proto.Protocol{e.ethernet, e.ipv4, e.tcp, e.line} {
		if err := e.reg.Register(p); err != nil {
			return nil, err
		}
	}

	e.conns = newConnTable(cfg.Worker, cfg.IdleTimeout, e.closeConn)
	e.frags = newFragTable(cfg.FragmentTimeout)
	e.limiter = newFragLimiter(cfg.FragmentsPerSource, cfg.FragmentWindow)
	return e, nil
}

// Registry returns the protocol registry of the engine.
func (e *Engine) Registry() *proto.Registry { return e.reg }

// Process runs the chain over p. The caller keeps ownership of p and releases it
// afterwards; anything that must outlive the call holds its own reference.
func (e *Engine) Process(p *packet.Packet) error {
	if e.closed {
		return core.ErrStreamClosed
	}
	e.packets.Add(1)

	var first *proto.Protocol
	switch p.LinkType() {
	case layers.LinkTypeEthernet:
		first = e.ethernet
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = e.ipv4
	default:
		metrics.EnginePacketsTotal.WithLabelValues("unsupported").Inc()
		return nil
	}

	s := proto.NewStack()
	defer s.Release()
	l := s.Layer(0)
	l.Proto = first
	l.Payload = p.Bytes()

	err := e.chain.Process(p, s, 0)
	switch {
	case err == nil:
		metrics.EnginePacketsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, core.ErrInvalidInput):
		e.invalid.Add(1)
		metrics.EnginePacketsTotal.WithLabelValues("invalid").Inc()
		slog.Debug("invalid packet", "worker", e.cfg.Worker, "error", err)
	default:
		e.errs.Add(1)
		metrics.EnginePacketsTotal.WithLabelValues("error").Inc()
	}
	return err
}

// Expire closes idle connections and drops timed out datagrams.
func (e *Engine) Expire() {
	e.conns.expire()
	e.frags.expire()
}

// Close flushes every connection, emitting what is left of their lines, drops
// pending datagrams and releases the registry.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.conns.flush()
	e.frags.flush()
	e.reg.Cleanup()
	slog.Info("engine closed", "worker", e.cfg.Worker, "packets", e.packets.Load(), "lines", e.lines.Load())
	return nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Packets:   e.packets.Load(),
		Invalid:   e.invalid.Load(),
		Errors:    e.errs.Load(),
		Lines:     e.lines.Load(),
		Conns:     e.conns.len(),
		Datagrams: e.frags.len(),

		FragmentsLimited: e.limiter.limited(),
	}
}

func (e *Engine) emit(c *conn, dir core.Direction, ts time.Time, line []byte, partial bool) {
	ev := &sink.LineEvent{
		Timestamp: ts,
		Worker:    e.cfg.Worker,
		Src:       c.endpoints[dir],
		Dst:       c.endpoints[dir.Reverse()],
		Direction: dir,
		Line:      string(line),
		Partial:   partial,
	}
	e.lines.Add(1)
	if err := e.sink.Emit(ev); err != nil {
		slog.Warn("sink rejected line", "sink", e.sink.Name(), "conn", c.key, "error", err)
	}
}

// closeConn runs when a connection leaves the table: reset, both sides closed,
// idle timeout or engine shutdown.
func (e *Engine) closeConn(c *conn) {
	for dir := core.DirForward; dir < core.DirCount; dir++ {
		lp := c.parsers[dir]
		if lp == nil {
			continue
		}
		if part := lp.TakePartial(); len(part) > 0 {
			e.emit(c, dir, c.lastTS, part, true)
		}
		if rest := lp.GetRemaining(); len(rest) > 0 {
			e.emit(c, dir, c.lastTS, bytes.Trim(rest, "\r "), true)
		}
		lp.Cleanup()
	}
	if c.stream != nil {
		st := c.stream.Stats()
		if err := c.stream.Cleanup(); err != nil {
			slog.Warn("failed to clean up stream", "conn", c.key, "error", err)
		}
		slog.Debug("connection closed", "conn", c.key, "delivered", st.Delivered, "queued", st.Queued, "discarded", st.Discarded, "skipped_bytes", st.SkippedBytes)
	}
}
