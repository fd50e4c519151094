// Package lineparser frames LF terminated lines out of the in-order payloads a
// stream delivers.
package lineparser

import (
	"bytes"
	"log/slog"

	"firestige.xyz/reassembly/internal/metrics"
)

// Parser splits payload slices into lines. Lines that fit in the current slice are
// returned without copying; a line spanning slices is accumulated in an internal
// buffer.
type Parser struct {
	maxLineSize int

	data []byte // current slice, not owned
	buf  []byte // partial line carried across slices
}

// New creates a parser. maxLineSize is a soft limit: longer lines are logged, not
// truncated.
func New(maxLineSize int) *Parser {
	return &Parser{maxLineSize: maxLineSize}
}

// AddPayload sets the slice to parse next. The parser keeps a reference to it until
// it is consumed.
func (lp *Parser) AddPayload(b []byte) {
	if len(lp.data) > 0 {
		slog.Warn("payload of the previous packet was not entirely consumed", "left", len(lp.data))
	}
	lp.data = b
}

// GetLine returns the next complete line, without its terminator and with a
// trailing CR and surrounding spaces stripped. ok is false when the current slice
// holds no terminator; its bytes are then kept for the next slice.
//
// A line taken directly from the payload aliases it. A line assembled across
// payloads is handed over to the caller.
func (lp *Parser) GetLine() (line []byte, ok bool) {
	lf := bytes.IndexByte(lp.data, '\n')
	if lf < 0 {
		if len(lp.data) > 0 {
			lp.buf = append(lp.buf, lp.data...)
			lp.data = nil
			if lp.maxLineSize > 0 && len(lp.buf) > lp.maxLineSize {
				slog.Debug("line longer than max size", "len", len(lp.buf), "max", lp.maxLineSize)
			}
		}
		return nil, false
	}

	if len(lp.buf) == 0 {
		line = lp.data[:lf]
		lp.advance(lf + 1)
		metrics.LinesTotal.WithLabelValues("direct").Inc()
		return trim(line), true
	}

	line = append(lp.buf, lp.data[:lf]...)
	lp.buf = nil
	lp.advance(lf + 1)
	if lp.maxLineSize > 0 && len(line) > lp.maxLineSize {
		slog.Debug("line longer than max size", "len", len(line), "max", lp.maxLineSize)
	}
	metrics.LinesTotal.WithLabelValues("buffered").Inc()
	return trim(line), true
}

func (lp *Parser) advance(n int) {
	lp.data = lp.data[n:]
	if len(lp.data) == 0 {
		lp.data = nil
	}
}

func trim(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return bytes.Trim(line, " ")
}

// GetRemaining returns and forgets the unparsed part of the current slice.
func (lp *Parser) GetRemaining() []byte {
	rest := lp.data
	lp.data = nil
	if len(rest) > 0 {
		metrics.LinesTotal.WithLabelValues("remaining").Inc()
	}
	return rest
}

// TakePartial returns and forgets the pending partial line, trimmed like a complete
// one. It is meant for stream teardown, when no terminator will ever arrive.
func (lp *Parser) TakePartial() []byte {
	if len(lp.buf) == 0 {
		return nil
	}
	part := trim(lp.buf)
	lp.buf = nil
	metrics.LinesTotal.WithLabelValues("partial").Inc()
	return part
}

// Buffered returns the number of bytes of a pending partial line.
func (lp *Parser) Buffered() int { return len(lp.buf) }

// Cleanup drops the pending partial line and the current slice.
func (lp *Parser) Cleanup() {
	if len(lp.buf) > 0 {
		slog.Debug("dropping partial line", "len", len(lp.buf))
	}
	lp.buf = nil
	lp.data = nil
}
