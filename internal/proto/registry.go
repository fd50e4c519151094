// Package proto holds the protocol registry, the dependency records that keep
// protocols referenced, and the per-packet processing stack.
package proto

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/packet"
)

// Dissector decodes one layer of a packet. To continue the chain it fills the
// stack slot at index+1 with the next protocol and its payload.
type Dissector interface {
	Process(p *packet.Packet, s *Stack, index int) error
}

// DissectorFunc adapts a function to Dissector.
type DissectorFunc func(p *packet.Packet, s *Stack, index int) error

func (f DissectorFunc) Process(p *packet.Packet, s *Stack, index int) error {
	return f(p, s, index)
}

// Protocol describes a registered protocol.
type Protocol struct {
	Name      string
	Fields    []packet.FieldDecl
	Dissector Dissector

	infoPool *packet.InfoPool
}

// InfoPool returns the pool of field value slots for this protocol.
func (p *Protocol) InfoPool() *packet.InfoPool { return p.infoPool }

// Dependency is a named, reference counted handle on a protocol that may not be
// registered yet.
type Dependency struct {
	name  string
	refs  int // guarded by Registry.mu
	proto atomic.Pointer[Protocol]
}

// Name returns the protocol name the dependency refers to.
func (d *Dependency) Name() string { return d.name }

// Proto returns the protocol, or nil while it is not registered.
func (d *Dependency) Proto() *Protocol { return d.proto.Load() }

// Registry maps protocol names to protocols and dependency records.
type Registry struct {
	mu     sync.Mutex
	protos map[string]*Protocol
	deps   map[string]*Dependency
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		protos: make(map[string]*Protocol),
		deps:   make(map[string]*Dependency),
	}
}

// Register adds a protocol, builds its info pool and resolves pending dependencies.
func (r *Registry) Register(p *Protocol) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("register protocol without name: %w", core.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.protos[p.Name]; exists {
		return fmt.Errorf("protocol %s: %w", p.Name, core.ErrProtoExists)
	}
	p.infoPool = packet.NewInfoPool(p.Name, p.Fields)
	r.protos[p.Name] = p
	if d, ok := r.deps[p.Name]; ok {
		d.proto.Store(p)
	}
	slog.Debug("protocol registered", "proto", p.Name, "fields", len(p.Fields))
	return nil
}

// Unregister removes a protocol and cleans up its info pool. Dependencies on it stay
// valid but no longer resolve.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	p, ok := r.protos[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("protocol %s: %w", name, core.ErrDependencyNotFound)
	}
	delete(r.protos, name)
	if d, ok := r.deps[name]; ok {
		d.proto.Store(nil)
	}
	r.mu.Unlock()

	p.infoPool.Cleanup()
	return nil
}

// Get returns a registered protocol.
func (r *Registry) Get(name string) (*Protocol, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.protos[name]
	return p, ok
}

// AddDependency returns the dependency record for name with one more reference.
func (r *Registry) AddDependency(name string) *Dependency {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deps[name]
	if !ok {
		d = &Dependency{name: name}
		if p, ok := r.protos[name]; ok {
			d.proto.Store(p)
		}
		r.deps[name] = d
	}
	d.refs++
	return d
}

// RemoveDependency drops one reference on d.
func (r *Registry) RemoveDependency(d *Dependency) error {
	if d == nil {
		return fmt.Errorf("remove nil dependency: %w", core.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.refs <= 0 {
		return fmt.Errorf("dependency %s: %w", d.name, core.ErrAlreadyReleased)
	}
	d.refs--
	if d.refs == 0 {
		delete(r.deps, d.name)
	}
	return nil
}

// DependencyRefs returns the reference count of the named dependency.
func (r *Registry) DependencyRefs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deps[name]; ok {
		return d.refs
	}
	return 0
}

// Cleanup unregisters every protocol. Dependencies still referenced are logged.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	protos := r.protos
	r.protos = make(map[string]*Protocol)
	for name, d := range r.deps {
		slog.Warn("protocol dependency still referenced", "proto", name, "refs", d.refs)
		d.proto.Store(nil)
	}
	r.mu.Unlock()

	for _, p := range protos {
		p.infoPool.Cleanup()
	}
}
