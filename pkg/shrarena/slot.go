package shrarena

import "fmt"

// SlotIndex addresses one machine word in the arena. Zero means "none" —
// no live slot is ever allocated at index 0, so it doubles as a nil value.
//
// Newtype-wrapped (rather than a bare uint64) so that byte offsets, slot
// counts, and slot indices can never be silently mixed across call sites.
type SlotIndex uint64

// NoSlot is the sentinel "absent" slot index.
const NoSlot SlotIndex = 0

// IsNone reports whether idx is the absent sentinel.
func (idx SlotIndex) IsNone() bool { return idx == NoSlot }

func (idx SlotIndex) String() string { return fmt.Sprintf("slot#%d", uint64(idx)) }

// Ref is a generation-tagged reference to a slot, packed into a single
// machine word so it can be updated with one atomic compare-and-swap
// instead of the true double-word CAS (cmpxchg16b) the original design
// uses. See SPEC_FULL.md "Open Question resolutions" for why: Go has no
// portable 128-bit atomic CAS without cgo or per-arch assembly, so the
// (slot_index, generation) pair the spec calls a "double-slot" is encoded
// here as index in the low refIndexBits bits and generation in the
// remaining high bits of one uint64, CAS'd atomically as that uint64.
//
// This is the Versioned<T> the spec's re-architecture notes call for,
// specialized to the one shape every list head/tail/stack-head in this
// module needs.
type Ref uint64

const (
	refIndexBits = 34
	refIndexMask = (uint64(1) << refIndexBits) - 1
	refGenBits   = 64 - refIndexBits
	refGenMask   = (uint64(1) << refGenBits) - 1
)

// MaxRefIndex is the largest SlotIndex a Ref can carry.
const MaxRefIndex = SlotIndex(refIndexMask)

// MakeRef packs an index and generation into a Ref. The generation is
// truncated (wrapped) to the bits available; callers must tolerate
// generation wraparound exactly as the spec's own note anticipates for
// platforms without native 128-bit CAS.
func MakeRef(index SlotIndex, generation uint64) Ref {
	return Ref((uint64(index) & refIndexMask) | ((generation & refGenMask) << refIndexBits))
}

// Index returns the slot index carried by the ref.
func (r Ref) Index() SlotIndex { return SlotIndex(uint64(r) & refIndexMask) }

// Generation returns the generation counter carried by the ref.
func (r Ref) Generation() uint64 { return uint64(r) >> refIndexBits }

// Next returns the same index with the generation incremented by one,
// wrapping per refGenBits.
func (r Ref) Next(index SlotIndex) Ref {
	return MakeRef(index, r.Generation()+1)
}

func (r Ref) String() string {
	return fmt.Sprintf("ref{idx:%d gen:%d}", r.Index(), r.Generation())
}
