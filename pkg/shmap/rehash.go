package shmap

import (
	"fmt"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

type indexHeader struct {
	base        shrarena.SlotIndex
	bucketCount uint64
	slot        shrarena.SlotIndex // the 4-word node holding this header
}

func (m *Map) loadIndex(slot shrarena.SlotIndex) indexHeader {
	_ = m.arena.InsureInRange(slot + 3)
	w := m.arena.Words()
	return indexHeader{
		base:        shrarena.SlotIndex(w.Load(slot + idxBase)),
		bucketCount: w.Load(slot + idxBucketCount),
		slot:        slot,
	}
}

func (m *Map) currentIndex() indexHeader {
	return m.loadIndex(shrarena.SlotIndex(m.arena.Words().Load(abs(slotCurrentIdx))))
}

// ensureBucketRange re-validates this process's extent against a whole
// bucket strip sourced from shared header state, mirroring the List
// primitive's InsureInRange guard before any node dereference: the
// strip's index or address may have been installed by another process
// whose growth this process has not yet observed.
func (m *Map) ensureBucketRange(bucketBase shrarena.SlotIndex) error {
	return m.arena.InsureInRange(bucketBase + bucketWords - 1)
}

func (m *Map) rehashInFlight() bool {
	return m.arena.Words().Load(abs(slotPrevIdx)) != 0
}

// bucketForHash resolves hash to a bucket in the current array, first
// cooperatively draining one step of an in-flight rehash if one is
// active (§4.G "Insert": "If CURRENT_IDX != PREV_IDX, cooperatively
// reindex at least one source bucket; recompute bucket").
func (m *Map) bucketForHash(hash uint64) (shrarena.SlotIndex, error) {
	if m.rehashInFlight() {
		if err := m.rehashStep(); err != nil {
			return 0, err
		}
	}
	idx := m.currentIndex()
	bucket := bucketIndex(hash, idx.bucketCount)
	bucketBase := bucketSlot(idx.base, bucket)
	if err := m.ensureBucketRange(bucketBase); err != nil {
		return 0, err
	}
	return bucketBase, nil
}

// rehashStep claims and drains at most one source bucket from the
// previous generation's array (§4.G "Incremental rehash").
func (m *Map) rehashStep() error {
	w := m.arena.Words()
	prevSlot := shrarena.SlotIndex(w.Load(abs(slotPrevIdx)))
	if prevSlot == 0 {
		return nil
	}
	prev := m.loadIndex(prevSlot)

	for {
		cursor := w.Load(prevSlot + idxRehashBkt)
		if cursor >= prev.bucketCount {
			m.finishRehash(prevSlot, prev)
			return nil
		}
		if w.CAS(prevSlot+idxRehashBkt, cursor, cursor+1) {
			return m.drainSourceBucket(prev, cursor)
		}
		// Lost the race for this cursor value; whoever won already
		// advances it, so the caller's "at least one step" obligation is
		// satisfied by any winner's progress. Re-read to decide whether
		// rehashing is already finished.
		if w.Load(abs(slotPrevIdx)) == 0 {
			return nil
		}
	}
}

// drainSourceBucket re-scans one claimed bucket of the previous array,
// clearing each occupied bit before re-inserting its entry into the
// current array — "each set bit is first individually cleared ... then
// its cell is re-hashed into the new array via the same insert path,
// then its fields are zeroed."
func (m *Map) drainSourceBucket(prev indexHeader, bucket uint64) error {
	bucketBase := bucketSlot(prev.base, bucket)
	if err := m.ensureBucketRange(bucketBase); err != nil {
		return err
	}
	w := m.arena.Words()

	for i := 0; i < cellsPerBucket; i++ {
		for {
			h := loadBktHeader(w, bucketBase)
			if !h.has(i) {
				break
			}
			cell := cellSlot(bucketBase, i)
			hash := w.Load(cell + cellHash)
			length := w.Load(cell + cellLength)
			ref := w.LoadRef(cell + cellDataSlot)

			if !casBktHeader(w, bucketBase, h, h.without(i)) {
				continue
			}
			clearCell(w, bucketBase, i)

			cur := m.currentIndex()
			if err := m.placeRef(cur, hash, int(length), ref); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// placeRef installs an already-allocated data reference into idx's
// array, growing the array if the target bucket is full. Used by rehash,
// which moves entries without touching their underlying data cell.
func (m *Map) placeRef(idx indexHeader, hash uint64, length int, ref shrarena.Ref) error {
	for {
		bucket := bucketIndex(hash, idx.bucketCount)
		bucketBase := bucketSlot(idx.base, bucket)
		if err := m.ensureBucketRange(bucketBase); err != nil {
			return err
		}
		w := m.arena.Words()

		h := loadBktHeader(w, bucketBase)
		if i, ok := findEmptyCell(h); ok {
			installCell(w, bucketBase, i, hash, length, ref)
			if casBktHeader(w, bucketBase, h, h.with(i)) {
				return nil
			}
			continue
		}

		if err := m.expandHashIndex(); err != nil {
			return err
		}
		idx = m.currentIndex()
	}
}

// expandHashIndex doubles the bucket array (§4.G "Insert", step 4).
// Never called while another rehash is in flight — the doubled
// population after a full drain makes a second overflow during the same
// rehash exceedingly unlikely in practice; if it does happen this
// returns ErrNoMem rather than layering a second PREV_IDX, matching the
// eviction hook's own "fail rather than loop forever" stance.
func (m *Map) expandHashIndex() error {
	if m.rehashInFlight() {
		return fmt.Errorf("%w: hash index already rehashing", ErrNoMem)
	}

	cur := m.currentIndex()
	newCount := cur.bucketCount * 2
	need := shrarena.SlotIndex(newCount) * bucketWords

	newBase, err := m.alloc.Allocate(need)
	if err != nil {
		return err
	}
	if err := m.zeroBucketArray(newBase, newCount); err != nil {
		return err
	}

	newIdxSlot, err := m.alloc.AllocIndexNode()
	if err != nil {
		return err
	}
	w := m.arena.Words()
	w.Store(newIdxSlot+idxBase, uint64(newBase))
	w.Store(newIdxSlot+idxBucketCount, newCount)
	w.Store(newIdxSlot+idxRehashBkt, 0)

	// Mark the outgoing current generation as the rehash source: its own
	// header slot becomes PREV_IDX, and its idxRehashBkt field is
	// repurposed as the REHASH_BKT cursor ("next unprocessed source
	// bucket"), starting at zero. PREV_IDX being non-zero is itself the
	// INSERT_BLOCK signal new inserts check for; the cursor's CAS already
	// serializes which thread claims each source bucket.
	w.Store(cur.slot+idxRehashBkt, 0)
	w.Store(abs(slotPrevIdx), uint64(cur.slot))
	w.Store(abs(slotCurrentIdx), uint64(newIdxSlot))
	return nil
}

func (m *Map) zeroBucketArray(base shrarena.SlotIndex, count uint64) error {
	last := base + shrarena.SlotIndex(count)*bucketWords - 1
	if err := m.arena.InsureInRange(last); err != nil {
		return err
	}
	w := m.arena.Words()
	for b := uint64(0); b < count; b++ {
		bucketBase := bucketSlot(base, b)
		w.Store(bucketBase+bktBitmap, 0)
		w.Store(bucketBase+bktBitmapGen, 0)
		w.Store(bucketBase+bktSizeFilter, 0)
		w.Store(bucketBase+bktAccessors, 0)
	}
	return nil
}

// finishRehash is called once REHASH_BKT has reached the previous
// array's bucket count: every source bucket has been drained, so the
// previous generation's array and index header are deferred for release
// and PREV_IDX is cleared.
func (m *Map) finishRehash(prevSlot shrarena.SlotIndex, prev indexHeader) {
	w := m.arena.Words()
	if !w.CAS(abs(slotPrevIdx), uint64(prevSlot), 0) {
		// Another caller already finished this rehash generation.
		return
	}
	need := shrarena.SlotIndex(prev.bucketCount) * bucketWords
	_ = m.alloc.DeferRelease(prev.base, need)
	_ = m.alloc.DeferRelease(prevSlot, 4)
}
