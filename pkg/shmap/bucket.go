package shmap

import "github.com/shrmem/shrmem/pkg/shrarena"

// bktHeader is the unpacked view of a bucket's first word: the 15-bit
// occupancy bitmap, the INSERT_BLOCK sentinel, and an ABA counter, all
// folded into one 64-bit value so a single-word CAS gives the effect of
// the spec's "double-word CAS on (bitmap, bitmap_gen)" (I6) — the same
// degradation Ref applies to the list primitive's (index, generation)
// pairs. bktBitmapGen mirrors the counter in its own word for layout
// fidelity with §3's four named header fields; it plays no role in CAS
// correctness.
type bktHeader uint64

func packBkt(bitmap uint32, insertBlock bool, gen uint64) bktHeader {
	v := uint64(bitmap & 0x7fff)
	if insertBlock {
		v |= bitmapInsertBlockBit
	}
	v |= gen << 16
	return bktHeader(v)
}

func (h bktHeader) bitmap() uint32      { return uint32(h) & 0x7fff }
func (h bktHeader) insertBlock() bool   { return uint64(h)&bitmapInsertBlockBit != 0 }
func (h bktHeader) gen() uint64         { return uint64(h) >> 16 }
func (h bktHeader) has(i int) bool      { return h.bitmap()&(1<<uint(i)) != 0 }
func (h bktHeader) with(i int) bktHeader {
	return packBkt(h.bitmap()|1<<uint(i), h.insertBlock(), h.gen()+1)
}
func (h bktHeader) without(i int) bktHeader {
	return packBkt(h.bitmap()&^(1<<uint(i)), h.insertBlock(), h.gen()+1)
}
func loadBktHeader(w *shrarena.Words, bucketBase shrarena.SlotIndex) bktHeader {
	return bktHeader(w.Load(bucketBase + bktBitmap))
}

func casBktHeader(w *shrarena.Words, bucketBase shrarena.SlotIndex, old, new bktHeader) bool {
	if w.CAS(bucketBase+bktBitmap, uint64(old), uint64(new)) {
		w.Store(bucketBase+bktBitmapGen, new.gen())
		return true
	}
	return false
}

func bktEnter(w *shrarena.Words, bucketBase shrarena.SlotIndex) {
	w.FetchAdd(bucketBase+bktAccessors, 1)
}

func bktExit(w *shrarena.Words, bucketBase shrarena.SlotIndex) {
	w.FetchSub(bucketBase+bktAccessors, 1)
}

func bktAccessorCount(w *shrarena.Words, bucketBase shrarena.SlotIndex) uint64 {
	return w.Load(bucketBase + bktAccessors)
}

// scanBucket looks for key among the bucket's occupied cells, matching
// the stored hash prefix before falling back to a full key comparison
// (§4.G "Lookup": "match hash first, then key_bytes, then memcmp key").
func scanBucket(w *shrarena.Words, bucketBase shrarena.SlotIndex, hash uint64, key []byte) (idx int, dataRef shrarena.Ref, found bool) {
	h := loadBktHeader(w, bucketBase)
	for i := 0; i < cellsPerBucket; i++ {
		if !h.has(i) {
			continue
		}
		cell := cellSlot(bucketBase, i)
		if w.Load(cell+cellHash) != hash {
			continue
		}
		ref := w.LoadRef(cell + cellDataSlot)
		if !keysEqual(w, ref.Index(), key) {
			continue
		}
		return i, ref, true
	}
	return 0, 0, false
}

func findEmptyCell(h bktHeader) (int, bool) {
	for i := 0; i < cellsPerBucket; i++ {
		if !h.has(i) {
			return i, true
		}
	}
	return 0, false
}

// installCell writes a cell's payload fields (bitmap-last: the caller
// CASes the occupancy bit in separately, after this call, per the
// ordering guarantee that "insertion is bitmap-last").
func installCell(w *shrarena.Words, bucketBase shrarena.SlotIndex, i int, hash uint64, length int, ref shrarena.Ref) {
	cell := cellSlot(bucketBase, i)
	w.Store(cell+cellHash, hash)
	w.Store(cell+cellLength, uint64(length))
	w.StoreRef(cell+cellDataSlot, ref)
	w.Store(cell+cellDataGen, ref.Generation())
}

// clearCell zeroes a cell's payload fields. Called after the occupancy
// bit has already been cleared ("removal is bitmap-first").
func clearCell(w *shrarena.Words, bucketBase shrarena.SlotIndex, i int) {
	cell := cellSlot(bucketBase, i)
	w.Store(cell+cellHash, 0)
	w.Store(cell+cellLength, 0)
	w.Store(cell+cellDataSlot, 0)
	w.Store(cell+cellDataGen, 0)
}
