// Package multipart rebuilds one logical payload from fragments that may arrive
// out of order, then re-injects it into the processing stack.
package multipart

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/proto"
)

// fragment is one accepted slice, held through a clone of the packet it came from.
type fragment struct {
	offset int
	length int
	pkt    *packet.Packet
	srcOff int
}

func (f *fragment) end() int { return f.offset + f.length }

func (f *fragment) data() []byte { return f.pkt.Bytes()[f.srcOff : f.srcOff+f.length] }

// Reassembly collects the fragments of one payload. Completion is decided by the
// caller, which then calls Process.
//
// A Reassembly is not safe for concurrent use; the owning connection serialises
// access to it.
type Reassembly struct {
	reg   *proto.Registry
	dep   *proto.Dependency
	pool  *packet.Pool
	flags packet.CloneFlags
	max   int

	frags []*fragment // ordered by offset
	last  *fragment   // most recently accepted
	gaps  int
	total int

	cleanupOnce sync.Once
	cleanupErr  error
}

// New allocates a reassembly whose payload is handed to the protocol named by
// depName. maxFragments bounds the number of accepted fragments, 0 means unlimited.
func New(reg *proto.Registry, depName string, pool *packet.Pool, flags packet.CloneFlags, maxFragments int) (*Reassembly, error) {
	dep := reg.AddDependency(depName)
	if dep.Proto() == nil {
		_ = reg.RemoveDependency(dep)
		return nil, fmt.Errorf("multipart payload protocol %s: %w", depName, core.ErrDependencyNotFound)
	}
	return &Reassembly{
		reg:   reg,
		dep:   dep,
		pool:  pool,
		flags: flags,
		max:   maxFragments,
	}, nil
}

// Gaps returns the number of offset discontinuities in the fragment chain, counting
// a chain that does not start at offset 0 as one.
func (m *Reassembly) Gaps() int { return m.gaps }

// Len returns the accumulated length of accepted fragments.
func (m *Reassembly) Len() int { return m.total }

// Count returns the number of accepted fragments.
func (m *Reassembly) Count() int { return len(m.frags) }

// AddFragment records bytes src[srcOffset:srcOffset+length] as payload bytes
// [offset, offset+length). A fragment at an already known offset, or one overlapping
// its neighbours, is logged and ignored.
func (m *Reassembly) AddFragment(offset, length int, src *packet.Packet, srcOffset int) error {
	if offset < 0 || length <= 0 || srcOffset < 0 || srcOffset+length > src.Len() {
		metrics.MultipartFragmentsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("fragment offset=%d len=%d src_offset=%d src_len=%d: %w",
			offset, length, srcOffset, src.Len(), core.ErrInvalidInput)
	}
	if m.max > 0 && len(m.frags) >= m.max {
		metrics.MultipartFragmentsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("fragment count exceeded limit %d: %w", m.max, core.ErrInvalidInput)
	}

	// Scan from the tail: fragments mostly arrive in order.
	pos := len(m.frags)
	for pos > 0 && m.frags[pos-1].offset > offset {
		pos--
	}

	if pos > 0 {
		prev := m.frags[pos-1]
		if prev.offset == offset {
			if prev.length != length {
				slog.Warn("fragment length mismatch for duplicate offset",
					"proto", m.dep.Name(), "offset", offset, "len", length, "known_len", prev.length)
			}
			metrics.MultipartFragmentsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		if prev.end() > offset {
			slog.Debug("ignoring overlapping fragment", "proto", m.dep.Name(), "offset", offset, "len", length)
			metrics.MultipartFragmentsTotal.WithLabelValues("overlap").Inc()
			return nil
		}
	}
	var next *fragment
	if pos < len(m.frags) {
		next = m.frags[pos]
		if offset+length > next.offset {
			slog.Debug("ignoring overlapping fragment", "proto", m.dep.Name(), "offset", offset, "len", length)
			metrics.MultipartFragmentsTotal.WithLabelValues("overlap").Inc()
			return nil
		}
	}

	clone, err := m.pool.Clone(src, m.flags)
	if err != nil {
		return fmt.Errorf("clone fragment packet: %w", err)
	}

	f := &fragment{offset: offset, length: length, pkt: clone, srcOff: srcOffset}

	prevEnd := 0
	if pos > 0 {
		prevEnd = m.frags[pos-1].end()
	}
	before := 0
	if next != nil && prevEnd < next.offset {
		before = 1
	}
	after := 0
	if prevEnd < f.offset {
		after++
	}
	if next != nil && f.end() < next.offset {
		after++
	}
	m.gaps += after - before

	m.frags = append(m.frags, nil)
	copy(m.frags[pos+1:], m.frags[pos:])
	m.frags[pos] = f

	m.last = f
	m.total += length
	metrics.MultipartFragmentsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// Process concatenates the fragments into a fresh packet, places it at stack slot
// index with the dependency protocol and runs proc from there. The reassembly is
// cleaned up exactly once whatever the outcome and must not be used afterwards.
func (m *Reassembly) Process(s *proto.Stack, index int, proc proto.Processor) error {
	if m.gaps != 0 || len(m.frags) == 0 {
		gaps := m.gaps
		m.fail()
		return fmt.Errorf("process reassembly with %d gaps: %w", gaps, core.ErrInvalidInput)
	}
	l := s.Layer(index)
	if l == nil {
		m.fail()
		return fmt.Errorf("process reassembly at stack index %d: %w", index, core.ErrInvalidInput)
	}
	p := m.dep.Proto()
	if p == nil {
		m.fail()
		return fmt.Errorf("multipart payload protocol %s: %w", m.dep.Name(), core.ErrDependencyNotFound)
	}

	pkt, err := m.pool.Get()
	if err != nil {
		m.fail()
		return err
	}

	buf := make([]byte, 0, m.frags[len(m.frags)-1].end())
	for _, f := range m.frags {
		buf = append(buf, f.data()...)
	}
	pkt.SetBuffer(buf)
	pkt.SetTimestamp(m.last.pkt.Timestamp())
	pkt.SetLinkType(m.frags[0].pkt.LinkType())
	pkt.Attach(m)

	if l.Info != nil {
		_ = l.Info.Pool().Release(l.Info)
		l.Info = nil
	}
	l.Proto = p
	l.Payload = buf

	procErr := proc.Process(pkt, s, index)
	if procErr != nil {
		metrics.MultipartReassembliesTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.MultipartReassembliesTotal.WithLabelValues("completed").Inc()
	}

	// Releasing the packet tears down the attached reassembly.
	if err := m.pool.Release(pkt); err != nil {
		return errors.Join(procErr, err)
	}
	return procErr
}

func (m *Reassembly) fail() {
	metrics.MultipartReassembliesTotal.WithLabelValues("failed").Inc()
	if err := m.Cleanup(); err != nil {
		slog.Warn("failed to clean up multipart reassembly", "proto", m.dep.Name(), "error", err)
	}
}

// Cleanup releases every fragment and the protocol dependency. Only the first call
// has an effect.
func (m *Reassembly) Cleanup() error {
	m.cleanupOnce.Do(func() {
		var errs error
		for _, f := range m.frags {
			if err := m.pool.Release(f.pkt); err != nil {
				errs = errors.Join(errs, err)
			}
		}
		m.frags = nil
		m.last = nil
		m.gaps = 0
		m.total = 0
		if err := m.reg.RemoveDependency(m.dep); err != nil {
			errs = errors.Join(errs, err)
		}
		m.cleanupErr = errs
	})
	return m.cleanupErr
}
