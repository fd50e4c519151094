package engine

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/reassembly/internal/multipart"
)

// fragState is one IPv4 datagram being reassembled.
type fragState struct {
	key  string
	m    *multipart.Reassembly
	last bool // the fragment without MF has arrived
	done bool // handed to Process, which owns the cleanup
}

func fragKey(src, dst netip.Addr, proto uint8, id uint16) string {
	return fmt.Sprintf("%s>%s/%d/%d", src, dst, proto, id)
}

// fragTable holds incomplete datagrams until they complete or time out.
type fragTable struct {
	c *cache.Cache
}

func newFragTable(timeout time.Duration) *fragTable {
	t := &fragTable{c: cache.New(timeout, 0)}
	t.c.OnEvicted(func(key string, v interface{}) {
		st := v.(*fragState)
		if st.done {
			return
		}
		slog.Debug("dropping incomplete datagram", "key", key, "fragments", st.m.Count(), "gaps", st.m.Gaps())
		if err := st.m.Cleanup(); err != nil {
			slog.Warn("failed to clean up fragments", "key", key, "error", err)
		}
	})
	return t
}

// get returns the pending datagram of key, dropping a timed out one still stored.
func (t *fragTable) get(key string) (*fragState, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		t.c.Delete(key)
		return nil, false
	}
	return v.(*fragState), true
}

// add stores a datagram seen for the first time.
func (t *fragTable) add(st *fragState) {
	t.c.SetDefault(st.key, st)
}

func (t *fragTable) remove(key string) { t.c.Delete(key) }

func (t *fragTable) expire() { t.c.DeleteExpired() }

func (t *fragTable) flush() {
	t.c.DeleteExpired()
	for key := range t.c.Items() {
		t.c.Delete(key)
	}
}

func (t *fragTable) len() int { return t.c.ItemCount() }

// offsetIn returns the offset of sub within buf, or -1 when sub does not alias buf.
func offsetIn(buf, sub []byte) int {
	if len(sub) == 0 || len(buf) == 0 {
		return -1
	}
	off := cap(buf) - cap(sub)
	if off < 0 || off+len(sub) > len(buf) || &buf[off] != &sub[0] {
		return -1
	}
	return off
}
