// Package source replays capture files into pooled packets.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/reassembly/internal/packet"
)

const defaultSnapLen = 65536

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Options configures a File.
type Options struct {
	Path string
	// Filter is a tcpdump style address expression, see CompileFilter.
	Filter string
	// Buffers is the number of reusable capture buffers lent to packets. When all
	// are out, packets get a private copy instead.
	Buffers int
	SnapLen int
}

// Stats counts what a File has read.
type Stats struct {
	Read     uint64
	Filtered uint64
	Borrowed uint64
	Copied   uint64
}

// File reads a pcap or pcapng file. Packets borrow their bytes from a fixed set of
// buffers owned by the File and return them through ReleaseBuffer.
//
// ReadPacket is meant for a single reader goroutine; ReleaseBuffer may be called
// from any goroutine.
type File struct {
	path     string
	f        *os.File
	r        packetReader
	linkType layers.LinkType
	filter   *Filter
	pool     *packet.Pool
	free     chan []byte
	snapLen  int

	read     atomic.Uint64
	filtered atomic.Uint64
	borrowed atomic.Uint64
	copied   atomic.Uint64
}

// Open opens the capture file of opts. Packets are taken from pool.
func Open(opts Options, pool *packet.Pool) (*File, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("capture file path is required")
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", opts.Path, err)
	}
	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", opts.Path, err)
	}
	filter, err := CompileFilter(opts.Filter, r.LinkType())
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &File{
		path:     opts.Path,
		f:        f,
		r:        r,
		linkType: r.LinkType(),
		filter:   filter,
		pool:     pool,
		snapLen:  opts.SnapLen,
	}
	if s.snapLen <= 0 {
		s.snapLen = defaultSnapLen
	}
	s.free = make(chan []byte, opts.Buffers)
	for i := 0; i < opts.Buffers; i++ {
		s.free <- make([]byte, s.snapLen)
	}
	slog.Info("capture file opened", "path", opts.Path, "link_type", s.linkType, "filter", opts.Filter)
	return s, nil
}

// newReader detects the file format: classic pcap first, pcapng otherwise.
func newReader(f *os.File) (packetReader, error) {
	if r, err := pcapgo.NewReader(bufio.NewReader(f)); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
}

// Name implements packet.Input.
func (s *File) Name() string { return s.path }

// LinkType returns the link type of the packets in the file.
func (s *File) LinkType() layers.LinkType { return s.linkType }

// ReadPacket returns the next packet passing the filter, or io.EOF at the end of
// the file.
func (s *File) ReadPacket(ctx context.Context) (*packet.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		s.read.Add(1)
		if !s.filter.Match(data) {
			s.filtered.Add(1)
			continue
		}

		p, err := s.pool.Get()
		if err != nil {
			return nil, err
		}
		select {
		case buf := <-s.free:
			if len(data) <= cap(buf) {
				buf = buf[:len(data)]
				copy(buf, data)
				p.SetInputBuffer(s, buf)
				s.borrowed.Add(1)
				break
			}
			s.free <- buf
			p.SetBuffer(append([]byte(nil), data...))
			s.copied.Add(1)
		default:
			p.SetBuffer(append([]byte(nil), data...))
			s.copied.Add(1)
		}
		p.SetTimestamp(ci.Timestamp)
		p.SetLinkType(s.linkType)
		return p, nil
	}
}

// ReleaseBuffer implements packet.Input.
func (s *File) ReleaseBuffer(buf []byte) error {
	select {
	case s.free <- buf[:cap(buf)]:
		return nil
	default:
		return fmt.Errorf("buffer returned to %s twice", s.path)
	}
}

// Stats returns the read counters.
func (s *File) Stats() Stats {
	return Stats{
		Read:     s.read.Load(),
		Filtered: s.filtered.Load(),
		Borrowed: s.borrowed.Load(),
		Copied:   s.copied.Load(),
	}
}

// Available returns the number of capture buffers not lent to packets.
func (s *File) Available() int { return len(s.free) }

// Close closes the file.
func (s *File) Close() error {
	return s.f.Close()
}
