// Package ptype provides the typed values stored in pooled packet info slots.
//
// Values are allocated from a template so that every slot of a protocol field has the
// same concrete type as the field declaration.
package ptype

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Value is a typed field value.
type Value interface {
	// Type returns the type name, e.g. "uint32".
	Type() string
	// Alloc returns a new zero value of the same type.
	Alloc() (Value, error)
	// CopyFrom overwrites the value with src, which must be of the same type.
	CopyFrom(src Value) error
	// Reset clears the value.
	Reset()
	String() string
}

// AllocFrom allocates a fresh value with the type of template.
func AllocFrom(template Value) (Value, error) {
	if template == nil {
		return nil, fmt.Errorf("ptype: nil template")
	}
	return template.Alloc()
}

func typeMismatch(dst, src Value) error {
	return fmt.Errorf("ptype: cannot copy %s into %s", src.Type(), dst.Type())
}

// Uint32 holds an unsigned 32 bit integer.
type Uint32 struct {
	V uint32
}

func (u *Uint32) Type() string          { return "uint32" }
func (u *Uint32) Alloc() (Value, error) { return &Uint32{}, nil }
func (u *Uint32) Reset()                { u.V = 0 }
func (u *Uint32) String() string        { return strconv.FormatUint(uint64(u.V), 10) }

func (u *Uint32) CopyFrom(src Value) error {
	s, ok := src.(*Uint32)
	if !ok {
		return typeMismatch(u, src)
	}
	u.V = s.V
	return nil
}

// String holds a string.
type String struct {
	V string
}

func (s *String) Type() string          { return "string" }
func (s *String) Alloc() (Value, error) { return &String{}, nil }
func (s *String) Reset()                { s.V = "" }
func (s *String) String() string        { return s.V }

func (s *String) CopyFrom(src Value) error {
	o, ok := src.(*String)
	if !ok {
		return typeMismatch(s, src)
	}
	s.V = o.V
	return nil
}

// Addr holds an IPv4 or IPv6 address.
type Addr struct {
	V netip.Addr
}

func (a *Addr) Type() string          { return "addr" }
func (a *Addr) Alloc() (Value, error) { return &Addr{}, nil }
func (a *Addr) Reset()                { a.V = netip.Addr{} }

func (a *Addr) String() string {
	if !a.V.IsValid() {
		return ""
	}
	return a.V.String()
}

func (a *Addr) CopyFrom(src Value) error {
	o, ok := src.(*Addr)
	if !ok {
		return typeMismatch(a, src)
	}
	a.V = o.V
	return nil
}
