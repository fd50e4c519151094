// Package replay runs a capture file through the reassembly pipeline:
// source, dispatcher partitions, one engine per partition, and a line sink.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"firestige.xyz/reassembly/internal/config"
	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/dispatch"
	"firestige.xyz/reassembly/internal/engine"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/sink"
	"firestige.xyz/reassembly/internal/source"
	"firestige.xyz/reassembly/internal/stream"
)

// Options are the per-run settings given on the command line.
type Options struct {
	Path string
	// Filter overrides source.filter when not empty.
	Filter string
}

// Summary reports what a run did.
type Summary struct {
	Source   source.Stats
	Dispatch *dispatch.Stats
	Engines  []engine.Stats
	Lines    uint64
	Elapsed  time.Duration
}

// Runner owns every component of one replay.
type Runner struct {
	cfg    *config.GlobalConfig
	pool   *packet.Pool
	src    *source.File
	disp   *dispatch.Dispatcher
	out    sink.Sink
	keyer  *dispatch.FlowKeyer
	server *metrics.Server

	workers []*engineWorker
	closed  bool
}

// New opens the capture file and starts the worker partitions. out receives
// every extracted line and is closed by Close.
func New(cfg *config.GlobalConfig, opts Options, out sink.Sink) (*Runner, error) {
	if cfg == nil || out == nil {
		return nil, errors.New("replay requires a config and a sink")
	}

	r := &Runner{
		cfg:   cfg,
		pool:  packet.NewPool(cfg.Pool.MaxPackets),
		out:   out,
		keyer: dispatch.NewFlowKeyer(),
	}

	filter := cfg.Source.Filter
	if opts.Filter != "" {
		filter = opts.Filter
	}
	src, err := source.Open(source.Options{
		Path:    opts.Path,
		Filter:  filter,
		Buffers: cfg.Source.Buffers,
		SnapLen: cfg.Source.SnapLen,
	}, r.pool)
	if err != nil {
		return nil, err
	}
	r.src = src

	r.workers = make([]*engineWorker, cfg.Dispatch.Workers)
	disp, err := dispatch.New(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize,
		cfg.Conntrack.ExpireIntervalDuration, r.pool, r.newWorker)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	r.disp = disp

	if cfg.Metrics.Enabled {
		r.server = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	return r, nil
}

// EngineConfig derives the per-worker engine settings from cfg.
func EngineConfig(cfg *config.GlobalConfig, worker int) engine.Config {
	var flags stream.Flags
	if cfg.Stream.Bidirectional {
		flags |= stream.FlagBidirectional
	}
	if cfg.Stream.ReentrancyCheck {
		flags |= stream.FlagReentrancyCheck
	}
	return engine.Config{
		Worker:          worker,
		MaxBufferBytes:  uint32(cfg.Stream.MaxBufferBytes),
		StreamFlags:     flags,
		NoCopy:          cfg.Stream.NoCopy,
		MaxLineSize:     cfg.Line.MaxLineSize,
		MaxFragments:    cfg.Multipart.MaxFragments,
		FragmentTimeout: cfg.Multipart.TimeoutDuration,
		IdleTimeout:     cfg.Conntrack.IdleTimeoutDuration,

		FragmentsPerSource: cfg.Multipart.MaxPerSource,
		FragmentWindow:     cfg.Multipart.RateWindowDuration,
	}
}

func (r *Runner) newWorker(id int) (dispatch.Worker, error) {
	e, err := engine.New(EngineConfig(r.cfg, id), r.pool, r.out)
	if err != nil {
		return nil, err
	}
	w := &engineWorker{id: id, engine: e}
	r.workers[id] = w
	return w, nil
}

// Run reads the capture file to its end, or until ctx is cancelled, and then
// shuts the pipeline down. The returned summary is valid even with an error.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	if r.server != nil {
		if err := r.server.Start(ctx); err != nil {
			r.Close()
			return nil, err
		}
	}

	slog.Info("replay started", "path", r.src.Name(), "workers", len(r.workers))
	runErr := r.pump(ctx)
	closeErr := r.Close()

	sum := &Summary{
		Source:   r.src.Stats(),
		Dispatch: r.disp.Stats(),
		Elapsed:  time.Since(start),
	}
	for _, w := range r.workers {
		if w == nil {
			continue
		}
		st := w.engine.Stats()
		sum.Engines = append(sum.Engines, st)
		sum.Lines += st.Lines
	}
	slog.Info("replay finished",
		"read", sum.Source.Read,
		"filtered", sum.Source.Filtered,
		"dropped", sum.Dispatch.Dropped,
		"lines", sum.Lines,
		"elapsed", sum.Elapsed)

	return sum, errors.Join(runErr, closeErr)
}

func (r *Runner) pump(ctx context.Context) error {
	for {
		p, err := r.src.ReadPacket(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("replay interrupted")
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}
		if err := r.disp.Dispatch(ctx, r.keyer.Key(p), p); err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("replay interrupted")
				return nil
			}
			return err
		}
	}
}

// Close stops the workers, which flushes every connection, then releases the
// source, the sink and the pool. Safe to call more than once.
func (r *Runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.disp.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.server.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := r.src.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.out.Close(); err != nil {
		errs = append(errs, err)
	}
	r.pool.Cleanup()
	return errors.Join(errs...)
}

// engineWorker adapts an engine to a dispatcher partition.
type engineWorker struct {
	id     int
	engine *engine.Engine
}

func (w *engineWorker) Handle(p *packet.Packet) {
	if err := w.engine.Process(p); err != nil && !errors.Is(err, core.ErrInvalidInput) {
		slog.Warn("packet processing failed", "worker", w.id, "error", err)
	}
}

func (w *engineWorker) Tick() { w.engine.Expire() }

func (w *engineWorker) Close() error { return w.engine.Close() }
