package shrarena_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// newTestList sets up a List over its own pair of header slots, backed by
// an Allocator for node storage, mirroring how shrq's live/event lists and
// shmap's defer/index-free lists are wired over package-specific header
// slots sitting past shrarena.CommonHeaderSlots+HeaderSlots().
func newTestList(t *testing.T) (*shrarena.Arena, *shrarena.Allocator, *shrarena.List) {
	t.Helper()
	a := newTestArena(t)
	al := shrarena.NewAllocator(a)
	al.InitHeader()

	base := shrarena.CommonHeaderSlots + shrarena.HeaderSlots()
	headSlot, tailSlot := base, base+1

	l := shrarena.NewList(a, headSlot, tailSlot)
	dummy, err := al.AllocIndexNode()
	require.NoError(t, err)
	l.InitEmpty(dummy)
	return a, al, l
}

func TestListEmptyAfterInit(t *testing.T) {
	_, _, l := newTestList(t)
	require.True(t, l.IsEmpty())

	_, _, ok, err := l.PopHead()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListPushPopFIFOOrder(t *testing.T) {
	a, al, l := newTestList(t)

	n1, err := al.AllocIndexNode()
	require.NoError(t, err)
	a.Words().Store(n1+1, 111)

	n2, err := al.AllocIndexNode()
	require.NoError(t, err)
	a.Words().Store(n2+1, 222)

	require.NoError(t, l.PushTail(n1))
	require.NoError(t, l.PushTail(n2))
	require.False(t, l.IsEmpty())

	data, retired, ok, err := l.PopHead()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 111, a.Words().Load(data+1))
	require.NoError(t, al.FreeIndexNode(retired))

	data, retired, ok, err = l.PopHead()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 222, a.Words().Load(data+1))
	require.NoError(t, al.FreeIndexNode(retired))

	require.True(t, l.IsEmpty())
}

func TestListManyPushPopPreservesOrder(t *testing.T) {
	a, al, l := newTestList(t)

	const n = 50
	nodes := make([]shrarena.SlotIndex, n)
	for i := 0; i < n; i++ {
		node, err := al.AllocIndexNode()
		require.NoError(t, err)
		a.Words().Store(node+1, uint64(i))
		nodes[i] = node
		require.NoError(t, l.PushTail(node))
	}

	for i := 0; i < n; i++ {
		data, retired, ok, err := l.PopHead()
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, i, a.Words().Load(data+1))
		require.NoError(t, al.FreeIndexNode(retired))
	}
	require.True(t, l.IsEmpty())
}
