// Package console implements a sink printing line events to a terminal.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/reassembly/internal/sink"
)

const Name = "console"

// Sink writes one event per line, as text or JSON.
type Sink struct {
	format string // "json" or "text"
	mu     sync.Mutex
	out    io.Writer

	emitted atomic.Uint64
}

// New creates a console sink writing to stdout.
func New(format string) (*Sink, error) {
	return NewWithWriter(format, os.Stdout)
}

// NewWithWriter creates a console sink writing to w.
func NewWithWriter(format string, w io.Writer) (*Sink, error) {
	if format == "" {
		format = "text"
	}
	if format != "json" && format != "text" {
		return nil, fmt.Errorf("invalid format %q, must be json or text", format)
	}
	return &Sink{format: format, out: w}, nil
}

// Name returns the sink name.
func (s *Sink) Name() string { return Name }

// Emit prints ev.
func (s *Sink) Emit(ev *sink.LineEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	s.emitted.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "json" {
		return s.emitJSON(ev)
	}
	return s.emitText(ev)
}

func (s *Sink) emitJSON(ev *sink.LineEvent) error {
	output := map[string]any{
		"timestamp": ev.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
		"worker":    ev.Worker,
		"src":       ev.Src.String(),
		"dst":       ev.Dst.String(),
		"direction": ev.Direction.String(),
		"line":      ev.Line,
	}
	if ev.Partial {
		output["partial"] = true
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	_, err = fmt.Fprintln(s.out, string(data))
	return err
}

func (s *Sink) emitText(ev *sink.LineEvent) error {
	marker := ""
	if ev.Partial {
		marker = " (partial)"
	}
	_, err := fmt.Fprintf(s.out, "[%s] %s -> %s %s%s: %s\n",
		ev.Timestamp.Format("15:04:05.000000"),
		ev.Src, ev.Dst,
		ev.Direction,
		marker,
		ev.Line,
	)
	return err
}

// Emitted returns the number of events received.
func (s *Sink) Emitted() uint64 { return s.emitted.Load() }

// Close logs the total and releases nothing: stdout stays open.
func (s *Sink) Close() error {
	slog.Info("console sink closed", "total_emitted", s.emitted.Load())
	return nil
}
