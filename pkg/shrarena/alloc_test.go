package shrarena_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

func newTestArena(t *testing.T) *shrarena.Arena {
	t.Helper()
	name := freshName(t)
	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+shrarena.HeaderSlots()+8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocateAndFreeRoundTrip(t *testing.T) {
	a := newTestArena(t)
	al := shrarena.NewAllocator(a)
	al.InitHeader()

	slot, err := al.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, a.InsureInRange(slot+3))

	require.NoError(t, al.Free(slot, 4))

	// A same-size request after Free should be satisfiable from the size
	// class's free stack rather than growing the arena further.
	before := a.Words().Load(shrarena.DataAllocSlot)
	slot2, err := al.Allocate(4)
	require.NoError(t, err)
	require.Equal(t, slot, slot2)
	require.Equal(t, before, a.Words().Load(shrarena.DataAllocSlot))
}

func TestAllocateRoundsUpToSizeClass(t *testing.T) {
	a := newTestArena(t)
	al := shrarena.NewAllocator(a)
	al.InitHeader()

	// minBlockSlots is 4; a 1-slot request still occupies a 4-slot block.
	s1, err := al.Allocate(1)
	require.NoError(t, err)
	s2, err := al.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, shrarena.SlotIndex(4), s2-s1)
}

func TestIndexNodeAllocFree(t *testing.T) {
	a := newTestArena(t)
	al := shrarena.NewAllocator(a)
	al.InitHeader()

	node, err := al.AllocIndexNode()
	require.NoError(t, err)
	require.NoError(t, al.FreeIndexNode(node))

	node2, err := al.AllocIndexNode()
	require.NoError(t, err)
	require.Equal(t, node, node2)
}

// TestAllocateReusesLargerFreeClass exercises the bounded first-fit scan:
// a block freed from class+1 (8 slots) must be reused by a class-0 (4
// slot) request rather than forcing the arena to grow.
func TestAllocateReusesLargerFreeClass(t *testing.T) {
	a := newTestArena(t)
	al := shrarena.NewAllocator(a)
	al.InitHeader()

	big, err := al.Allocate(5) // rounds up to the 8-slot class
	require.NoError(t, err)
	require.NoError(t, al.Free(big, 8))

	before := a.Words().Load(shrarena.DataAllocSlot)
	small, err := al.Allocate(4) // 4-slot class's own stack is empty
	require.NoError(t, err)
	require.Equal(t, big, small)
	require.Equal(t, before, a.Words().Load(shrarena.DataAllocSlot))
}

func TestDeferReleaseDrainsOnlyWhenUnshared(t *testing.T) {
	a := newTestArena(t)
	al := shrarena.NewAllocator(a)
	al.InitHeader()

	slot, err := al.Allocate(4)
	require.NoError(t, err)

	a.EnterCall()
	require.NoError(t, al.DeferRelease(slot, 4))
	al.DrainDeferred()

	// Still inside a call: the deferred block must not have been
	// recycled out from under a concurrent accessor.
	fresh, err := al.Allocate(4)
	require.NoError(t, err)
	require.NotEqual(t, slot, fresh)
	a.ExitCall()

	al.DrainDeferred()

	again, err := al.Allocate(4)
	require.NoError(t, err)
	require.Equal(t, slot, again)
}
