package packet

import (
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/ptype"
)

// FieldDecl declares one decoded field of a protocol.
type FieldDecl struct {
	Name        string
	Template    ptype.Value
	Description string
}

// Info holds the decoded field values of one protocol layer of one packet.
type Info struct {
	values []ptype.Value
	pool   *InfoPool
}

// Len returns the number of fields.
func (i *Info) Len() int { return len(i.values) }

// Value returns the value of field idx.
func (i *Info) Value(idx int) ptype.Value { return i.values[idx] }

// Pool returns the pool the info belongs to.
func (i *Info) Pool() *InfoPool { return i.pool }

// CopyFrom copies every value of src into i. Both must come from the same pool.
func (i *Info) CopyFrom(src *Info) error {
	if src.pool != i.pool {
		return fmt.Errorf("info of pool %q copied into pool %q: %w", src.pool.name, i.pool.name, core.ErrInvalidInput)
	}
	for idx, v := range src.values {
		if err := i.values[idx].CopyFrom(v); err != nil {
			return err
		}
	}
	return nil
}

// InfoPool keeps reusable field value arrays for one protocol so that typed values
// are not rebuilt for every packet.
type InfoPool struct {
	name   string
	fields []FieldDecl

	mu     sync.Mutex
	free   []*Info
	used   map[*Info]struct{}
	closed bool
}

// NewInfoPool creates a pool for the given field declarations.
func NewInfoPool(name string, fields []FieldDecl) *InfoPool {
	return &InfoPool{
		name:   name,
		fields: fields,
		used:   make(map[*Info]struct{}),
	}
}

// Fields returns the declared fields.
func (ip *InfoPool) Fields() []FieldDecl { return ip.fields }

// Get pops a free info or builds a fresh one with one value per declared field.
func (ip *InfoPool) Get() (*Info, error) {
	ip.mu.Lock()
	if ip.closed {
		ip.mu.Unlock()
		return nil, core.ErrPoolClosed
	}
	if n := len(ip.free); n > 0 {
		info := ip.free[n-1]
		ip.free[n-1] = nil
		ip.free = ip.free[:n-1]
		ip.used[info] = struct{}{}
		ip.mu.Unlock()
		metrics.PoolAllocationsTotal.WithLabelValues("info", "recycled").Inc()
		return info, nil
	}
	ip.mu.Unlock()

	info, err := ip.build()
	if err != nil {
		return nil, err
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()
	if ip.closed {
		return nil, core.ErrPoolClosed
	}
	ip.used[info] = struct{}{}
	metrics.PoolAllocationsTotal.WithLabelValues("info", "fresh").Inc()
	return info, nil
}

// build allocates every value. Nothing is kept if one allocation fails.
func (ip *InfoPool) build() (*Info, error) {
	values := make([]ptype.Value, 0, len(ip.fields))
	for _, f := range ip.fields {
		v, err := ptype.AllocFrom(f.Template)
		if err != nil {
			for _, allocated := range values {
				allocated.Reset()
			}
			return nil, fmt.Errorf("allocate field %s.%s: %v: %w", ip.name, f.Name, err, core.ErrNoResource)
		}
		values = append(values, v)
	}
	return &Info{values: values, pool: ip}, nil
}

// Release moves info from the used set back to the free list.
func (ip *InfoPool) Release(info *Info) error {
	if info == nil || info.pool != ip {
		return fmt.Errorf("release info to pool %q: %w", ip.name, core.ErrInvalidInput)
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()

	if _, ok := ip.used[info]; !ok {
		return core.ErrAlreadyReleased
	}
	delete(ip.used, info)
	for _, v := range info.values {
		v.Reset()
	}
	if !ip.closed {
		ip.free = append(ip.free, info)
	}
	return nil
}

// Cleanup frees every entry. Entries still in use are logged and force-freed.
func (ip *InfoPool) Cleanup() {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if n := len(ip.used); n > 0 {
		slog.Warn("unreleased packet info", "proto", ip.name, "count", n)
		metrics.PoolLeaksTotal.WithLabelValues("info").Add(float64(n))
	}
	ip.used = make(map[*Info]struct{})
	ip.free = nil
	ip.closed = true
}

// Stats returns the number of used and free entries.
func (ip *InfoPool) Stats() (used, free int) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.used), len(ip.free)
}
