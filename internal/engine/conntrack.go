package engine

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/lineparser"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/stream"
)

// conn is the state of one tracked TCP connection.
type conn struct {
	key string
	// endpoints[DirForward] is the sender of the first packet seen.
	endpoints [core.DirCount]netip.AddrPort

	stream  *stream.Stream
	parsers [core.DirCount]*lineparser.Parser
	fin     [core.DirCount]bool
	lastTS  time.Time
}

func newConn(key string, src, dst netip.AddrPort) *conn {
	c := &conn{key: key}
	c.endpoints[core.DirForward] = src
	c.endpoints[core.DirReverse] = dst
	return c
}

func (c *conn) direction(src netip.AddrPort) core.Direction {
	if src == c.endpoints[core.DirForward] {
		return core.DirForward
	}
	return core.DirReverse
}

func (c *conn) parser(dir core.Direction, maxLineSize int) *lineparser.Parser {
	if c.parsers[dir] == nil {
		c.parsers[dir] = lineparser.New(maxLineSize)
	}
	return c.parsers[dir]
}

// connKey is the same for both directions of a connection.
func connKey(a, b netip.AddrPort) string {
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return a.String() + "-" + b.String()
}

// connTable indexes the connections of one worker. Entries idle for longer than the
// table TTL are closed by expire; there is no background janitor, the owning worker
// drives expiry from its own goroutine.
type connTable struct {
	worker string
	c      *cache.Cache
}

func newConnTable(worker int, idle time.Duration, onClose func(*conn)) *connTable {
	t := &connTable{
		worker: strconv.Itoa(worker),
		c:      cache.New(idle, 0),
	}
	t.c.OnEvicted(func(_ string, v interface{}) {
		onClose(v.(*conn))
	})
	return t
}

// get returns the live connection of key. An entry past its idle timeout but not
// yet swept is evicted here, so it is closed before a new one takes its key.
func (t *connTable) get(key string) (*conn, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		t.c.Delete(key)
		return nil, false
	}
	return v.(*conn), true
}

// touch stores c and restarts its idle timer.
func (t *connTable) touch(c *conn) {
	t.c.SetDefault(c.key, c)
	t.updateGauge()
}

func (t *connTable) remove(key string) {
	t.c.Delete(key)
	t.updateGauge()
}

func (t *connTable) expire() {
	t.c.DeleteExpired()
	t.updateGauge()
}

// flush closes every connection. cache.Flush skips the eviction callback and
// Items hides expired entries, so those are swept first and the rest deleted
// one by one.
func (t *connTable) flush() {
	t.c.DeleteExpired()
	for key := range t.c.Items() {
		t.c.Delete(key)
	}
	t.updateGauge()
}

func (t *connTable) len() int { return t.c.ItemCount() }

func (t *connTable) updateGauge() {
	metrics.ConnTableSize.WithLabelValues(t.worker).Set(float64(t.c.ItemCount()))
}
