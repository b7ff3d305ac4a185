package shrarena

// List implements the Michael-Scott singly-linked-list primitive of §4.D:
// PushTail ("add_end") and PopHead ("remove_front"). It operates on any
// (head, tail) pair of Ref slots in the arena, and underlies the queue's
// live list, the queue's free-node list, the map's defer list, and the
// map's index-node free list — exactly as §4.D describes.
//
// Like the textbook Michael-Scott queue, the list always contains one
// permanent "dummy" node: head always refers to the dummy, and the dummy's
// next field refers to the first real node (or NoSlot if the list holds no
// data). This is what makes a lagging tail pointer always safe to
// dereference — the node it might still point at cannot have been handed
// back to a free list, because only the node that *drops out of* the
// dummy role on a successful PopHead is ever eligible for recycling, and
// PopHead returns that exact slot to the caller for that purpose.
//
// Every node slot a List touches is re-validated with Arena.InsureInRange
// before dereferencing, since the node may have been installed by another
// process whose growth this process has not yet observed.
type List struct {
	arena    *Arena
	headSlot SlotIndex
	tailSlot SlotIndex
}

// NewList binds a List primitive to the given head/tail header slots. The
// caller must call InitEmpty once (on first creation of the owning
// instance) before any PushTail/PopHead.
func NewList(arena *Arena, headSlot, tailSlot SlotIndex) *List {
	return &List{arena: arena, headSlot: headSlot, tailSlot: tailSlot}
}

// InitEmpty installs dummy as both head and tail, making the list empty.
// Call exactly once, at instance creation, before any PushTail/PopHead.
func (l *List) InitEmpty(dummy SlotIndex) {
	w := l.arena.Words()
	w.Store(nextSlotOf(dummy), uint64(MakeRef(NoSlot, 0)))
	ref := MakeRef(dummy, 0)
	w.StoreRef(l.headSlot, ref)
	w.StoreRef(l.tailSlot, ref)
}

// nextSlotOf returns the slot index holding a node's "next" Ref field,
// which by convention is the node's own first word.
func nextSlotOf(node SlotIndex) SlotIndex { return node }

// PushTail installs node at the tail of the list ("add_end", §4.D). The
// caller must have already written node's payload fields (everything past
// the reserved next-pointer word); PushTail only touches that word.
func (l *List) PushTail(node SlotIndex) error {
	if err := l.arena.InsureInRange(node); err != nil {
		return err
	}
	l.arena.Words().Store(nextSlotOf(node), uint64(MakeRef(NoSlot, 0)))

	for {
		w := l.arena.Words()
		tail := w.LoadRef(l.tailSlot)
		if err := l.arena.InsureInRange(tail.Index()); err != nil {
			return err
		}
		w = l.arena.Words()
		tailNext := w.LoadRef(nextSlotOf(tail.Index()))

		if tail != w.LoadRef(l.tailSlot) {
			continue
		}

		if tailNext.Index().IsNone() {
			newNext := MakeRef(node, tailNext.Generation()+1)
			if w.CASRef(nextSlotOf(tail.Index()), tailNext, newNext) {
				// Help-advance the tail pointer to the node we just linked.
				w.CASRef(l.tailSlot, tail, tail.Next(node))
				return nil
			}
			continue
		}

		// Tail lagged behind a concurrent pusher; help advance it.
		if err := l.arena.InsureInRange(tailNext.Index()); err != nil {
			return err
		}
		w = l.arena.Words()
		w.CASRef(l.tailSlot, tail, tail.Next(tailNext.Index()))
	}
}

// PopHead removes and returns the first real (non-dummy) node, per
// "remove_front" (§4.D). The caller must read any payload it needs from
// data BEFORE using the slot for anything else: data is not freed — it is
// promoted to the new dummy and stays live on the list. retired is the
// slot that dropped out of the dummy role and is now safe to return to a
// free list. ok is false when the list held no real nodes.
func (l *List) PopHead() (data, retired SlotIndex, ok bool, err error) {
	for {
		w := l.arena.Words()
		head := w.LoadRef(l.headSlot)
		tail := w.LoadRef(l.tailSlot)
		if err := l.arena.InsureInRange(head.Index()); err != nil {
			return NoSlot, NoSlot, false, err
		}
		w = l.arena.Words()
		headNext := w.LoadRef(nextSlotOf(head.Index()))

		if head != w.LoadRef(l.headSlot) {
			continue
		}

		if head.Index() == tail.Index() {
			if headNext.Index().IsNone() {
				return NoSlot, NoSlot, false, nil
			}
			// Tail lagging a single in-flight push; help advance it.
			if err := l.arena.InsureInRange(headNext.Index()); err != nil {
				return NoSlot, NoSlot, false, err
			}
			w = l.arena.Words()
			w.CASRef(l.tailSlot, tail, tail.Next(headNext.Index()))
			continue
		}

		if w.CASRef(l.headSlot, head, head.Next(headNext.Index())) {
			return headNext.Index(), head.Index(), true, nil
		}
	}
}

// IsEmpty reports whether the list currently holds no real nodes.
// Best-effort under concurrency: the result may be stale the instant it is
// returned.
func (l *List) IsEmpty() bool {
	w := l.arena.Words()
	head := w.LoadRef(l.headSlot)
	if l.arena.InsureInRange(head.Index()) != nil {
		return true
	}
	w = l.arena.Words()
	return w.LoadRef(nextSlotOf(head.Index())).Index().IsNone()
}
