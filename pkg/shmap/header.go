package shmap

import "github.com/shrmem/shrmem/pkg/shrarena"

// headerBase is where the map's own fields begin, after the common arena
// header and the allocator's own reserved region.
var headerBase = shrarena.CommonHeaderSlots + shrarena.HeaderSlots()

// Map header layout (§3 "Map-specific fields"), relative to headerBase.
const (
	slotCurrentIdx  = iota // slot of the current index header
	slotPrevIdx            // slot of the previous index header, 0 = none (no rehash in flight)
	slotSeed               // per-instance random Murmur3 seed
	slotCount              // live key count
	slotMaxByteSize        // MAX_SIZE: byte cap that triggers eviction, 0 = unbounded
	slotEvictBkt           // rotating eviction cursor

	mapHeaderSlots
)

func abs(s shrarena.SlotIndex) shrarena.SlotIndex { return headerBase + s }

// Index header layout (4 slots), one instance per generation of the
// bucket array: `[base slot of the bucket array | bucket count |
// REHASH_BKT cursor | unused]`. During a rehash, REHASH_BKT lives in the
// *previous* index's header, per §4.G "Incremental rehash".
const (
	idxBase = iota
	idxBucketCount
	idxRehashBkt
	idxReserved
)

// Bucket strip layout (§3 "Map bucket"): a 4-slot header followed by 15
// index cells of 4 slots each.
//
// The header's first word packs the 15-bit occupancy bitmap (bit i set
// means cell i is in use) in its low bits, the INSERT_BLOCK sentinel in
// bit 15 (no code path sets it; an in-flight rehash is signalled by
// PREV_IDX instead), and a generation counter in the bits above, so one
// single-word CAS gives the "double-word CAS on (bitmap, bitmap_gen)" of
// I6 the same single-packed-word treatment Ref gives the list primitive's
// (index, generation) pairs. The second word mirrors that generation after
// each successful CAS and takes no part in the CAS itself.
const (
	bktBitmap = iota
	bktBitmapGen
	bktSizeFilter
	bktAccessors

	bktCellsStart
)

const bitmapInsertBlockBit = uint64(1) << 15

// Per-cell layout, relative to a cell's base slot within the strip:
// `[hash | length | data_slot | data_gen]` (§3 "Map bucket").
const (
	cellHash = iota
	cellLength
	cellDataSlot
	cellDataGen
)

const cellWords = shrarena.SlotIndex(4)

func cellSlot(bucketBase shrarena.SlotIndex, i int) shrarena.SlotIndex {
	return bucketBase + bktCellsStart + shrarena.SlotIndex(i)*cellWords
}

func bucketSlot(arrayBase shrarena.SlotIndex, bucket uint64) shrarena.SlotIndex {
	return arrayBase + shrarena.SlotIndex(bucket)*bucketWords
}
