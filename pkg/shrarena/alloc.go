package shrarena

import "fmt"

// minBlockSlots is the smallest unit the data allocator ever hands out
// (§4.C "variable-sized data blocks, minimum 4 slots"), matching the width
// of a queue/index node so the smallest class can double as one.
const minBlockSlots = SlotIndex(4)

// numSizeClasses bounds the size-class free-list array. Class k holds
// blocks of minBlockSlots<<k slots, so numSizeClasses=28 covers requests up
// to 4<<27 slots (512Mi slots, 4GiB) — far past anything a single shared
// object realistically reaches before an operator reaches for a bigger
// instance instead.
const numSizeClasses = 28

// allocHeaderSlots is how much header space the allocator reserves for
// itself, immediately following CommonHeaderSlots: one free-stack head per
// size class, plus a (head, tail) pair for each of the two FIFO lists the
// allocator runs through the List primitive — the index-node free list and
// the deferred-release list (§4.D: "these primitives underlie ... the
// queue's free-node list ... and the map's index-node free list", both
// names for the one global 4-slot node recycler below).
const allocHeaderSlots = SlotIndex(numSizeClasses) + 4

// HeaderSlots reports how many header slots the allocator occupies.
// Packages layering their own header on top of an Arena (shrq, shmap) must
// place their first field at CommonHeaderSlots+HeaderSlots().
func HeaderSlots() SlotIndex { return allocHeaderSlots }

func classSlots(class int) SlotIndex { return minBlockSlots << uint(class) }

// classFor returns the smallest size class able to satisfy a request of
// need slots.
func classFor(need SlotIndex) (int, error) {
	if need == 0 {
		need = 1
	}
	slots := minBlockSlots
	for class := 0; class < numSizeClasses; class++ {
		if slots >= need {
			return class, nil
		}
		slots <<= 1
	}
	return 0, fmt.Errorf("%w: allocation of %d slots exceeds largest size class", ErrArg, need)
}

// largestClassAtMost returns the largest size class whose block fits
// within budget slots, used when carving leftover straddle space into free
// blocks (see releaseStraddle). Returns false if even the smallest class
// does not fit.
func largestClassAtMost(budget SlotIndex) (int, bool) {
	if budget < minBlockSlots {
		return 0, false
	}
	class := 0
	for class+1 < numSizeClasses && classSlots(class+1) <= budget {
		class++
	}
	return class, true
}

// Allocator is the arena allocator of §4.C: a bump pointer (DATA_ALLOC)
// backed by per-size-class Treiber free stacks, a recycler for fixed
// 4-slot index nodes, and a deferred-release list gated on accessor
// quiescence (I8).
type Allocator struct {
	arena     *Arena
	base      SlotIndex // CommonHeaderSlots: start of this allocator's own header
	indexFree *List
	deferList *List
}

// NewAllocator binds an Allocator to an Arena that has already had its
// header laid out by Create, or is being opened from an existing backing
// object whose header Create already laid out.
func NewAllocator(a *Arena) *Allocator {
	al := &Allocator{arena: a, base: CommonHeaderSlots}
	al.indexFree = NewList(a, al.indexFreeHeadSlot(), al.indexFreeTailSlot())
	al.deferList = NewList(a, al.deferHeadSlot(), al.deferTailSlot())
	return al
}

// InitHeader installs the two FIFO lists' dummy nodes. Called exactly once
// by Arena.Create, after the common header fields are written and before
// the arena is handed to any caller; the dummies are bump-allocated
// directly since the free pools they belong to are, by definition, empty
// at this point.
func (al *Allocator) InitHeader() {
	indexDummy, _ := al.bumpAllocate(0)
	al.indexFree.InitEmpty(indexDummy)
	deferDummy, _ := al.bumpAllocate(0)
	al.deferList.InitEmpty(deferDummy)
}

func (al *Allocator) classHeadSlot(class int) SlotIndex { return al.base + SlotIndex(class) }
func (al *Allocator) indexFreeHeadSlot() SlotIndex      { return al.base + SlotIndex(numSizeClasses) }
func (al *Allocator) indexFreeTailSlot() SlotIndex      { return al.base + SlotIndex(numSizeClasses) + 1 }
func (al *Allocator) deferHeadSlot() SlotIndex          { return al.base + SlotIndex(numSizeClasses) + 2 }
func (al *Allocator) deferTailSlot() SlotIndex          { return al.base + SlotIndex(numSizeClasses) + 3 }

// stackPush intrusively links node onto the Treiber stack rooted at
// headSlot: node's own first word becomes the previous head Ref, and a
// monotonic counter folded into the Ref's generation bits defeats ABA
// exactly as CASRef's doc comment describes for the FIFO list.
func stackPush(w *Words, headSlot, node SlotIndex) {
	for {
		head := w.LoadRef(headSlot)
		w.Store(node, uint64(head))
		newHead := MakeRef(node, head.Generation()+1)
		if w.CASRef(headSlot, head, newHead) {
			return
		}
	}
}

// stackPop removes and returns the top of the Treiber stack rooted at
// headSlot, or ok=false if it was empty.
func stackPop(w *Words, headSlot SlotIndex) (node SlotIndex, ok bool) {
	for {
		head := w.LoadRef(headSlot)
		if head.Index().IsNone() {
			return NoSlot, false
		}
		next := w.LoadRef(head.Index())
		candidate := MakeRef(next.Index(), head.Generation()+1)
		if w.CASRef(headSlot, head, candidate) {
			return head.Index(), true
		}
	}
}

// Allocate returns the slot index of a fresh block able to hold at least
// need slots, rounded up to its size class. It first tries the matching
// free stack and the next two larger classes' stacks, then the bump
// pointer, growing the arena if the current extent's capacity is exhausted.
func (al *Allocator) Allocate(need SlotIndex) (SlotIndex, error) {
	class, err := classFor(need)
	if err != nil {
		return NoSlot, err
	}
	return al.allocateClass(class)
}

// allocateClass serves need from size class `class`'s own free stack, then
// falls back to a bounded first-fit scan of the next two larger classes
// before bump-allocating (§4.C "Size classes": "on alloc, the allocator
// scans at most the requested class plus two larger classes ... and pops
// the first non-empty stack"). A block popped from a larger class is
// reused as-is — the extra slots are wasted, not split — matching the
// size-class scheme's trade of internal fragmentation for O(1) reuse.
func (al *Allocator) allocateClass(class int) (SlotIndex, error) {
	w := al.arena.Words()
	for c := class; c < numSizeClasses && c <= class+2; c++ {
		if node, ok := stackPop(w, al.classHeadSlot(c)); ok {
			if err := al.arena.InsureInRange(node); err != nil {
				return NoSlot, err
			}
			return node, nil
		}
	}
	return al.bumpAllocate(class)
}

// bumpAllocate advances DATA_ALLOC by one size-class block, growing the
// backing object first if the current SIZE cannot accommodate it (§4.C
// "Growth").
func (al *Allocator) bumpAllocate(class int) (SlotIndex, error) {
	need := classSlots(class)
	for {
		w := al.arena.Words()
		size := SlotIndex(w.Load(SizeSlot))
		cur := SlotIndex(w.Load(DataAllocSlot))

		if cur+need > size {
			if err := al.expand(need); err != nil {
				return NoSlot, err
			}
			continue
		}

		if w.CAS(DataAllocSlot, uint64(cur), uint64(cur+need)) {
			if err := al.arena.InsureInRange(cur + need - 1); err != nil {
				return NoSlot, err
			}
			return cur, nil
		}
	}
}

// expand grows the backing object to make room for at least need more
// slots beyond the current bump pointer. Before growing, any slack between
// the current bump pointer and the current SIZE — too small to have
// satisfied the request that triggered this expand, and otherwise
// permanently stranded once DATA_ALLOC jumps past it — is carved into free
// blocks and pushed onto the matching size-class stacks (the "straddle
// region" the allocator would otherwise leak on every growth).
func (al *Allocator) expand(need SlotIndex) error {
	al.arena.mu.Lock()
	w := al.arena.wordsLocked()
	size := SlotIndex(w.Load(SizeSlot))
	cur := SlotIndex(w.Load(DataAllocSlot))
	if slack := size - cur; slack >= minBlockSlots {
		al.releaseStraddleLocked(w, cur, slack)
		w.Store(DataAllocSlot, uint64(size))
	}
	al.arena.mu.Unlock()

	target := size + need
	headroom := target / 4 // grow with 25% headroom so bursts don't serialize on every single allocation
	return al.arena.GrowTo(target + headroom)
}

// releaseStraddleLocked carves [start, start+slots) into the largest free
// blocks that fit and pushes each onto its size class's stack. Called with
// al.arena.mu held. Any final remainder smaller than minBlockSlots is
// padding that is never reclaimed.
func (al *Allocator) releaseStraddleLocked(w *Words, start, slots SlotIndex) {
	pos, remaining := start, slots
	for {
		class, ok := largestClassAtMost(remaining)
		if !ok {
			return
		}
		blockSlots := classSlots(class)
		stackPush(w, al.classHeadSlot(class), pos)
		pos += blockSlots
		remaining -= blockSlots
	}
}

// Free returns a block of need slots (the same size passed to the
// Allocate call that produced it) to its size class's free stack.
func (al *Allocator) Free(node SlotIndex, need SlotIndex) error {
	class, err := classFor(need)
	if err != nil {
		return err
	}
	stackPush(al.arena.Words(), al.classHeadSlot(class), node)
	return nil
}

// AllocIndexNode returns a fixed 4-slot node, pulled from the global
// index-node FIFO when one is available, otherwise bump-allocated from
// size class 0. §4.C requires this pool be a FIFO, not a LIFO stack like
// the data-block size classes, "to cooperate with the list-primitive ABA
// scheme".
//
// List's dummy-node convention means a PopHead never truly frees the node
// holding the entry it just read — that node is promoted to the new
// dummy and stays embedded in indexFree's own structure — it frees the
// node that *dropped out* of the dummy role instead. So the slot hand
// back to the caller here is PopHead's retired value, not its data value.
func (al *Allocator) AllocIndexNode() (SlotIndex, error) {
	if _, retired, ok, err := al.indexFree.PopHead(); err != nil {
		return NoSlot, err
	} else if ok {
		return retired, nil
	}
	return al.bumpAllocate(0)
}

// FreeIndexNode returns a 4-slot node to the tail of the global index-node
// FIFO ("on recycle it goes to the tail via add_end", §4.C).
func (al *Allocator) FreeIndexNode(node SlotIndex) error {
	return al.indexFree.PushTail(node)
}

// DeferRelease records that node (need slots, class derived from it) must
// not be reused until every process currently inside a public call has
// exited (I8 "deferred release"). It parks a 4-slot index node carrying
// (block, size class) on the deferred-release FIFO rather than pushing the
// block onto the live size-class stack.
func (al *Allocator) DeferRelease(node SlotIndex, need SlotIndex) error {
	class, err := classFor(need)
	if err != nil {
		return err
	}
	carrier, err := al.AllocIndexNode()
	if err != nil {
		return err
	}
	w := al.arena.Words()
	w.Store(carrier+1, uint64(node))
	w.Store(carrier+2, uint64(class))
	return al.deferList.PushTail(carrier)
}

// DrainDeferred moves every block on the deferred-release list to its real
// size-class free stack, but only when the shared ACCESSORS counter reads
// zero — i.e. no process is mid-call and might still hold a pointer
// derived from a pre-release view of one of these blocks (I8). Callers
// invoke this opportunistically (typically from ExitCall); it is always
// safe to skip and retry later.
func (al *Allocator) DrainDeferred() {
	if al.arena.SharedAccessors() != 0 {
		return
	}
	for {
		data, retired, ok, err := al.deferList.PopHead()
		if err != nil || !ok {
			return
		}
		// data is the carrier node DeferRelease pushed; it becomes the
		// list's new dummy, and the node that dropped out of that role is
		// recycled as an index node.
		w := al.arena.Words()
		block := SlotIndex(w.Load(data + 1))
		class := int(w.Load(data + 2))
		stackPush(w, al.classHeadSlot(class), block)
		_ = al.FreeIndexNode(retired)
	}
}
