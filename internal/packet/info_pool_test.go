package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/ptype"
)

// failingValue refuses to allocate.
type failingValue struct{ ptype.Uint32 }

func (f *failingValue) Alloc() (ptype.Value, error) { return nil, errors.New("no memory") }

func testFields() []FieldDecl {
	return []FieldDecl{
		{Name: "src", Template: &ptype.Addr{}},
		{Name: "id", Template: &ptype.Uint32{}},
	}
}

func TestInfoPoolGetBuildsValues(t *testing.T) {
	ip := NewInfoPool("ipv4", testFields())

	info, err := ip.Get()
	require.NoError(t, err)
	require.Equal(t, 2, info.Len())
	assert.Equal(t, "addr", info.Value(0).Type())
	assert.Equal(t, "uint32", info.Value(1).Type())
	assert.Same(t, ip, info.Pool())

	used, free := ip.Stats()
	assert.Equal(t, 1, used)
	assert.Equal(t, 0, free)
}

func TestInfoPoolReleaseAndReuse(t *testing.T) {
	ip := NewInfoPool("ipv4", testFields())

	info, err := ip.Get()
	require.NoError(t, err)
	info.Value(1).(*ptype.Uint32).V = 7

	require.NoError(t, ip.Release(info))
	used, free := ip.Stats()
	assert.Equal(t, 0, used)
	assert.Equal(t, 1, free)

	again, err := ip.Get()
	require.NoError(t, err)
	assert.Same(t, info, again)
	assert.Equal(t, uint32(0), again.Value(1).(*ptype.Uint32).V)

	assert.NoError(t, ip.Release(again))
	assert.ErrorIs(t, ip.Release(again), core.ErrAlreadyReleased)
}

func TestInfoPoolReleaseForeignInfo(t *testing.T) {
	a := NewInfoPool("a", testFields())
	b := NewInfoPool("b", testFields())

	info, err := a.Get()
	require.NoError(t, err)
	assert.ErrorIs(t, b.Release(info), core.ErrInvalidInput)
	assert.ErrorIs(t, b.Release(nil), core.ErrInvalidInput)
}

func TestInfoPoolBuildRollback(t *testing.T) {
	ip := NewInfoPool("broken", []FieldDecl{
		{Name: "ok", Template: &ptype.Uint32{}},
		{Name: "bad", Template: &failingValue{}},
	})

	_, err := ip.Get()
	assert.ErrorIs(t, err, core.ErrNoResource)
	used, free := ip.Stats()
	assert.Equal(t, 0, used)
	assert.Equal(t, 0, free)
}

func TestInfoCopyFrom(t *testing.T) {
	ip := NewInfoPool("ipv4", testFields())
	src, err := ip.Get()
	require.NoError(t, err)
	dst, err := ip.Get()
	require.NoError(t, err)

	src.Value(1).(*ptype.Uint32).V = 99
	require.NoError(t, dst.CopyFrom(src))
	assert.Equal(t, "99", dst.Value(1).String())

	other := NewInfoPool("other", testFields())
	foreign, err := other.Get()
	require.NoError(t, err)
	assert.ErrorIs(t, dst.CopyFrom(foreign), core.ErrInvalidInput)
}

func TestInfoPoolCleanup(t *testing.T) {
	ip := NewInfoPool("ipv4", testFields())
	_, err := ip.Get()
	require.NoError(t, err)

	ip.Cleanup()
	used, free := ip.Stats()
	assert.Equal(t, 0, used)
	assert.Equal(t, 0, free)

	_, err = ip.Get()
	assert.ErrorIs(t, err, core.ErrPoolClosed)
}
