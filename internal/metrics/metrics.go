// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolPacketsLive tracks packets currently handed out by packet pools
	PoolPacketsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reasm_pool_packets_live",
			Help: "Number of packets currently acquired from packet pools",
		},
	)

	// PoolAllocationsTotal counts pool slots by origin (fresh allocation or recycled)
	PoolAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_pool_allocations_total",
			Help: "Total number of pool slots handed out",
		},
		[]string{"pool", "origin"},
	)

	// PoolLeaksTotal counts entries still in use when a pool is cleaned up
	PoolLeaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_pool_leaks_total",
			Help: "Total number of entries force-freed at pool cleanup",
		},
		[]string{"pool"},
	)

	// PacketClonesTotal counts clone operations by kind (shared or copy)
	PacketClonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_packet_clones_total",
			Help: "Total number of packet clones",
		},
		[]string{"kind"},
	)

	// MultipartFragmentsTotal counts fragments offered to multipart reassemblies
	MultipartFragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_multipart_fragments_total",
			Help: "Total number of fragments offered for reassembly",
		},
		[]string{"result"},
	)

	// MultipartReassembliesTotal counts processed multipart reassemblies
	MultipartReassembliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_multipart_reassemblies_total",
			Help: "Total number of multipart payloads processed",
		},
		[]string{"result"},
	)

	// StreamSegmentsTotal counts stream segments by outcome
	StreamSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_stream_segments_total",
			Help: "Total number of stream segments by outcome",
		},
		[]string{"outcome"},
	)

	// StreamBufferedBytes tracks bytes held in stream pending queues
	StreamBufferedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reasm_stream_buffered_bytes",
			Help: "Bytes currently queued across all streams",
		},
	)

	// StreamSkippedBytesTotal counts bytes skipped by forced delivery at buffer capacity
	StreamSkippedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reasm_stream_skipped_bytes_total",
			Help: "Total number of stream bytes skipped because a stream buffer was full",
		},
	)

	// LinesTotal counts lines extracted by line parsers
	LinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_lines_total",
			Help: "Total number of lines extracted from streams",
		},
		[]string{"kind"},
	)

	// EnginePacketsTotal counts packets handled by the dissection engine
	EnginePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasm_engine_packets_total",
			Help: "Total number of packets processed by the engine",
		},
		[]string{"result"},
	)

	// ConnTableSize tracks tracked connections per worker
	ConnTableSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reasm_conntrack_entries",
			Help: "Current number of tracked connections",
		},
		[]string{"worker"},
	)

	// DispatchDropsTotal counts packets dropped because a worker queue was full
	DispatchDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reasm_dispatch_drops_total",
			Help: "Total number of packets dropped at dispatch",
		},
	)
)
