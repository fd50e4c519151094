// Package dispatch fans packets out to worker partitions. Packets with the same
// key always reach the same partition, so all the state of a flow stays in one
// worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"

	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/packet"
)

// ErrClosed is returned by Dispatch once the dispatcher is closed.
var ErrClosed = errors.New("dispatcher closed")

// Worker consumes the packets of one partition. Handle and Tick are called from
// the partition goroutine, Close once that goroutine has stopped. The packet is
// released by the dispatcher after Handle returns.
type Worker interface {
	Handle(p *packet.Packet)
	// Tick runs periodic housekeeping such as expiring idle state.
	Tick()
	Close() error
}

// WorkerFactory builds the worker of partition id.
type WorkerFactory func(id int) (Worker, error)

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Dispatched int64
	Processed  int64
	Dropped    int64
	Partitions int
	Queued     []int
}

type partition struct {
	id     int
	queue  chan *packet.Packet
	worker Worker
}

// Dispatcher routes packets to partitions by consistent hashing of their key.
type Dispatcher struct {
	pool         *packet.Pool
	partitions   []*partition
	nodes        []string
	ring         *hashring.HashRing
	tickInterval time.Duration

	mu     sync.RWMutex // held for reading by senders, for writing by Close
	closed bool
	wg     sync.WaitGroup

	dispatched atomic.Int64
	processed  atomic.Int64
	dropped    atomic.Int64
}

// New starts workers partitions with queues of queueSize packets. Every worker
// gets a Tick call each tickInterval, 0 disables ticking.
func New(workers, queueSize int, tickInterval time.Duration, pool *packet.Pool, factory WorkerFactory) (*Dispatcher, error) {
	if workers <= 0 || queueSize < 0 || pool == nil || factory == nil {
		return nil, fmt.Errorf("dispatcher with %d workers and queue size %d", workers, queueSize)
	}
	d := &Dispatcher{
		pool:         pool,
		partitions:   make([]*partition, workers),
		nodes:        make([]string, workers),
		tickInterval: tickInterval,
	}
	for i := 0; i < workers; i++ {
		d.nodes[i] = "partition-" + strconv.Itoa(i)
	}
	d.ring = hashring.New(d.nodes)

	for i := 0; i < workers; i++ {
		w, err := factory(i)
		if err != nil {
			for _, p := range d.partitions[:i] {
				_ = p.worker.Close()
			}
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		d.partitions[i] = &partition{
			id:     i,
			queue:  make(chan *packet.Packet, queueSize),
			worker: w,
		}
	}
	for _, p := range d.partitions {
		d.wg.Add(1)
		go d.runPartition(p)
	}
	return d, nil
}

// Dispatch hands p to the partition of key, waiting while its queue is full. The
// dispatcher owns p from then on, also when an error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, p *packet.Packet) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(p)
		return ErrClosed
	}
	part := d.partitions[d.partitionID(key)]
	select {
	case part.queue <- p:
		d.dispatched.Add(1)
		return nil
	case <-ctx.Done():
		d.drop(p)
		return ctx.Err()
	}
}

// Partition returns the partition key is routed to.
func (d *Dispatcher) Partition(key string) int { return d.partitionID(key) }

func (d *Dispatcher) drop(p *packet.Packet) {
	d.dropped.Add(1)
	metrics.DispatchDropsTotal.Inc()
	if err := d.pool.Release(p); err != nil {
		slog.Warn("failed to release dropped packet", "error", err)
	}
}

// Close stops accepting packets, lets every partition drain its queue and closes
// the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, p := range d.partitions {
		close(p.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	var errs error
	for _, p := range d.partitions {
		if err := p.worker.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close worker %d: %w", p.id, err))
		}
	}
	slog.Info("dispatcher closed", "dispatched", d.dispatched.Load(), "processed", d.processed.Load(), "dropped", d.dropped.Load())
	return errs
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() *Stats {
	s := &Stats{
		Dispatched: d.dispatched.Load(),
		Processed:  d.processed.Load(),
		Dropped:    d.dropped.Load(),
		Partitions: len(d.partitions),
		Queued:     make([]int, len(d.partitions)),
	}
	for i, p := range d.partitions {
		s.Queued[i] = len(p.queue)
	}
	return s
}

func (d *Dispatcher) partitionID(key string) int {
	node, ok := d.ring.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range d.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (d *Dispatcher) runPartition(p *partition) {
	defer d.wg.Done()
	slog.Debug("partition started", "partition", p.id)
	defer slog.Debug("partition stopped", "partition", p.id)

	var tick <-chan time.Time
	if d.tickInterval > 0 {
		t := time.NewTicker(d.tickInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case pkt, ok := <-p.queue:
			if !ok {
				return
			}
			p.worker.Handle(pkt)
			if err := d.pool.Release(pkt); err != nil {
				slog.Warn("failed to release packet", "partition", p.id, "error", err)
			}
			d.processed.Add(1)
		case <-tick:
			p.worker.Tick()
		}
	}
}
