package shrq

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// Queue is an open handle to a shared-memory FIFO (§4.E). Safe for
// concurrent use by multiple goroutines in one process; independent
// processes each hold their own handle over the same backing object.
type Queue struct {
	arena *shrarena.Arena
	alloc *shrarena.Allocator
	mode  Mode

	writeSem *semaphore
	readSem  *semaphore

	closed atomic.Bool
}

func tagFor(magic string) [4]byte {
	var t [4]byte
	copy(t[:], magic)
	return t
}

func newQueue(arena *shrarena.Arena, mode Mode) *Queue {
	q := &Queue{arena: arena, alloc: shrarena.NewAllocator(arena), mode: mode}
	q.writeSem = newSemaphore(arena, abs(slotWriteSem))
	q.readSem = newSemaphore(arena, abs(slotReadSem))
	return q
}

func (q *Queue) liveList() *shrarena.List {
	return shrarena.NewList(q.arena, abs(slotLiveHead), abs(slotLiveTail))
}

// Create creates a brand-new named queue (§6 Create(name, max_depth,
// mode)).
func Create(opts Options) (*Queue, error) {
	if opts.Mode == Immutable {
		return nil, fmt.Errorf("%w: queue cannot be created Immutable", ErrArg)
	}

	arena, err := shrarena.Create(opts.Name, tagFor(magicQueue), queueLayoutVersion, headerBase+queueHeaderSlots)
	if err != nil {
		return nil, err
	}

	q := newQueue(arena, opts.Mode)
	w := arena.Words()
	w.Store(abs(slotMaxDepth), opts.MaxDepth)
	w.Store(abs(slotMode), uint64(opts.Mode))

	liveDummy, err := q.alloc.AllocIndexNode()
	if err != nil {
		_ = arena.Close()
		return nil, err
	}
	q.liveList().InitEmpty(liveDummy)

	evDummy, err := q.alloc.AllocIndexNode()
	if err != nil {
		_ = arena.Close()
		return nil, err
	}
	q.eventList().InitEmpty(evDummy)

	q.writeSem.init(writeSemInitial(opts.MaxDepth))
	q.readSem.init(0)

	return q, nil
}

func writeSemInitial(maxDepth uint64) int32 {
	if maxDepth == 0 || maxDepth > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(maxDepth)
}

// Open opens an existing named queue (§6 Open(name, mode)).
func Open(name string, mode Mode) (*Queue, error) {
	arena, err := shrarena.Open(name, tagFor(magicQueue), queueLayoutVersion)
	if err != nil {
		return nil, err
	}
	return newQueue(arena, mode), nil
}

// IsValid reports whether name currently refers to a queue object with
// the correct magic/version (§6 IsValid(name)).
func IsValid(name string) bool {
	arena, err := shrarena.Open(name, tagFor(magicQueue), queueLayoutVersion)
	if err != nil {
		return false
	}
	_ = arena.Close()
	return true
}

// Close unmaps this handle's view of the queue. Idempotent. After Close,
// no further call on q may touch shared memory (P6).
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return q.arena.Close()
}

// Destroy unlinks the named backing object (§6 Destroy).
func Destroy(name string) error {
	return shrarena.Destroy(name)
}

func (q *Queue) checkClosed() error {
	if q.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Count returns the current live item count (§6 Count; P1 it is never
// negative by construction — COUNT is only ever fetch_add/fetch_sub
// paired with a successful enqueue/dequeue).
func (q *Queue) Count() (uint64, error) {
	if err := q.checkClosed(); err != nil {
		return 0, err
	}
	q.arena.EnterCall()
	defer q.exitCall()
	return q.arena.Words().Load(abs(slotCount)), nil
}

// Level sets the adaptive-LIFO depth threshold (§6 Level(n), §4.E
// "Adaptive LIFO").
func (q *Queue) Level(n uint64) {
	q.arena.Words().Store(abs(slotLevel), n)
}

// LimitLifo toggles adaptive-LIFO mode (§6 LimitLifo(bool)).
func (q *Queue) LimitLifo(on bool) {
	w := q.arena.Words()
	if on {
		setBit(w, abs(slotFlags), flagLimitLifo)
	} else {
		clearBit(w, abs(slotFlags), flagLimitLifo)
	}
}

// Prod wakes one blocked remover without adding an item (§6 Prod).
func (q *Queue) Prod() {
	q.readSem.post()
}

func (q *Queue) exitCall() {
	q.alloc.DrainDeferred()
	q.arena.ExitCall()
}

// Add enqueues value without blocking for a depth slot; returns ErrLimit
// if the queue is at max_depth and WriteSem would otherwise have blocked
// (§6 Add(value, length)).
func (q *Queue) Add(value []byte) error {
	return q.add(value, false, 0)
}

// AddWait enqueues value, blocking until a depth slot is available (§6
// AddWait).
func (q *Queue) AddWait(value []byte) error {
	return q.add(value, true, -1)
}

// AddTimedWait enqueues value, blocking up to timeout for a depth slot
// (§6 AddTimedWait(timeout)).
func (q *Queue) AddTimedWait(value []byte, timeout time.Duration) error {
	return q.add(value, true, timeout)
}

// AddV enqueues a value assembled by concatenating a vector of typed
// segments (§6 AddV), mirroring shared.h's sh_vec_s: the type tag of each
// segment is not interpreted by the queue itself (payloads are opaque
// bytes to shrq), only its bytes matter.
func (q *Queue) AddV(segments [][]byte) error {
	total := 0
	for _, s := range segments {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range segments {
		buf = append(buf, s...)
	}
	return q.Add(buf)
}

func (q *Queue) add(value []byte, block bool, timeout time.Duration) error {
	if err := q.checkClosed(); err != nil {
		return err
	}
	if !q.mode.allowsAdd() {
		return fmt.Errorf("%w: queue handle does not allow Add", ErrState)
	}

	maxDepth := q.arena.Words().Load(abs(slotMaxDepth))
	raiseLimit := func() {
		q.arena.EnterCall()
		q.raise(EventLimit)
		q.exitCall()
	}

	if maxDepth != 0 {
		if !block {
			if !q.writeSem.tryWait() {
				raiseLimit()
				return ErrLimit
			}
		} else if timeout < 0 {
			q.writeSem.wait()
		} else {
			if !q.writeSem.timedWait(timeout) {
				raiseLimit()
				return ErrLimit
			}
		}
	}

	q.arena.EnterCall()
	defer q.exitCall()

	now := time.Now()
	cell, err := q.allocCell(value, now)
	if err != nil {
		if maxDepth != 0 {
			q.writeSem.post()
		}
		return err
	}

	node, err := q.alloc.AllocIndexNode()
	if err != nil {
		_ = q.freeCell(cell)
		if maxDepth != 0 {
			q.writeSem.post()
		}
		return err
	}
	w := q.arena.Words()
	w.Store(node+1, uint64(cell))

	useStack := w.Load(abs(slotFlags))&flagLimitLifo != 0 &&
		w.Load(abs(slotCount)) >= w.Load(abs(slotLevel))

	if useStack {
		q.pushStack(node)
	} else if err := q.liveList().PushTail(node); err != nil {
		_ = q.freeCell(cell)
		q.alloc.FreeIndexNode(node)
		if maxDepth != 0 {
			q.writeSem.post()
		}
		return err
	}

	prev := w.FetchAdd(abs(slotCount), 1)
	secNow, nsecNow := uint64(now.Unix()), uint64(now.UnixNano()%1e9)
	w.Store(abs(slotTSSec), secNow)
	w.Store(abs(slotTSNsec), nsecNow)

	if prev == 0 {
		w.Store(abs(slotEmptySec), secNow)
		w.Store(abs(slotEmptyNsec), nsecNow)
		q.raise(EventInit)
		q.raise(EventNonEmpty)
	}
	if level := w.Load(abs(slotLevel)); level != 0 && prev+1 == level {
		q.raise(EventLevel)
	}

	q.notifyListener()
	q.readSem.post()
	return nil
}

// pushStack installs node at STACK_HEAD (§4.E "Adaptive LIFO").
func (q *Queue) pushStack(node shrarena.SlotIndex) {
	w := q.arena.Words()
	w.Store(node, uint64(shrarena.MakeRef(shrarena.NoSlot, 0)))
	for {
		head := w.LoadRef(abs(slotStackHead))
		w.Store(node, uint64(head))
		if w.CASRef(abs(slotStackHead), head, shrarena.MakeRef(node, head.Generation()+1)) {
			return
		}
	}
}

func (q *Queue) popStack() (shrarena.SlotIndex, bool) {
	w := q.arena.Words()
	for {
		head := w.LoadRef(abs(slotStackHead))
		if head.Index().IsNone() {
			return shrarena.NoSlot, false
		}
		next := w.LoadRef(head.Index())
		if w.CASRef(abs(slotStackHead), head, shrarena.MakeRef(next.Index(), head.Generation()+1)) {
			return head.Index(), true
		}
	}
}

// Remove dequeues the next item without blocking; returns ErrEmpty if the
// queue (and any adaptive-LIFO stack) is empty (§6 Remove(&buf,
// &buf_size)).
func (q *Queue) Remove() (Item, error) {
	return q.remove(false, 0)
}

// RemoveWait dequeues, blocking until an item is available (§6
// RemoveWait).
func (q *Queue) RemoveWait() (Item, error) {
	return q.remove(true, -1)
}

// RemoveTimedWait dequeues, blocking up to timeout (§6
// RemoveTimedWait(timeout)).
func (q *Queue) RemoveTimedWait(timeout time.Duration) (Item, error) {
	return q.remove(true, timeout)
}

func (q *Queue) remove(block bool, timeout time.Duration) (Item, error) {
	if err := q.checkClosed(); err != nil {
		return Item{}, err
	}
	if !q.mode.allowsRemove() {
		return Item{}, fmt.Errorf("%w: queue handle does not allow Remove", ErrState)
	}

	for {
		if !block {
			if !q.readSem.tryWait() {
				return Item{}, ErrEmpty
			}
		} else if timeout < 0 {
			q.notifyCaller()
			q.readSem.wait()
		} else {
			q.notifyCaller()
			if !q.readSem.timedWait(timeout) {
				return Item{}, ErrEmpty
			}
		}

		item, discarded, err := q.popOne()
		if err != nil {
			return Item{}, err
		}
		maxDepth := q.arena.Words().Load(abs(slotMaxDepth))
		if maxDepth != 0 {
			q.writeSem.post()
		}
		if discarded {
			// The slot was consumed (§4.E); loop for another without
			// returning it to the caller, re-synchronizing on READ_SEM.
			continue
		}
		return item, nil
	}
}

// popOne removes the front item (preferring the adaptive-LIFO stack while
// non-empty), applies the CoDel check, and returns either the item or
// discarded=true if it was expired and discard-on-expire is set.
func (q *Queue) popOne() (Item, bool, error) {
	q.arena.EnterCall()
	defer q.exitCall()

	w := q.arena.Words()

	var node, retired shrarena.SlotIndex
	var ok bool
	var err error

	if n, popped := q.popStack(); popped {
		node, ok = n, true
	} else {
		node, retired, ok, err = q.liveList().PopHead()
		if err != nil {
			return Item{}, false, err
		}
	}
	if !ok {
		return Item{}, false, ErrEmpty
	}

	cell := shrarena.SlotIndex(w.Load(node + 1))
	value, ts := readCell(w, cell)

	now := time.Now()
	expired := q.expired(ts, now)
	if expired {
		q.raise(EventTime)
	}

	w.FetchSub(abs(slotCount), 1)
	if w.Load(abs(slotCount)) == 0 {
		w.Store(abs(slotEmptySec), uint64(now.Unix()))
		w.Store(abs(slotEmptyNsec), uint64(now.UnixNano()%1e9))
		q.raise(EventEmpty)
	}

	if !retired.IsNone() {
		q.alloc.FreeIndexNode(retired)
	} else {
		q.alloc.FreeIndexNode(node)
	}
	_ = q.freeCell(cell)

	if expired && w.Load(abs(slotFlags))&flagDiscardOnExpire != 0 {
		return Item{}, true, nil
	}
	return Item{Value: value, Timestamp: ts}, false, nil
}

// Clean walks the live list from the head, discarding items older than
// limit, using the ordinary dequeue path so it stays consistent with
// concurrent removers (§4.E "Periodic clean").
func (q *Queue) Clean(limit time.Duration) (int, error) {
	if err := q.checkClosed(); err != nil {
		return 0, err
	}
	removed := 0
	for {
		q.arena.EnterCall()
		w := q.arena.Words()
		node, retired, ok, err := q.liveList().PopHead()
		if err != nil {
			q.exitCall()
			return removed, err
		}
		if !ok {
			q.exitCall()
			return removed, nil
		}
		cell := shrarena.SlotIndex(w.Load(node + 1))
		_, ts := readCell(w, cell)
		if time.Since(ts) <= limit {
			// Not old enough: put it back at the tail so callers that
			// race this Clean still observe FIFO order for the rest.
			if err := q.liveList().PushTail(node); err != nil {
				q.exitCall()
				return removed, err
			}
			if !retired.IsNone() {
				q.alloc.FreeIndexNode(retired)
			}
			q.exitCall()
			return removed, nil
		}
		w.FetchSub(abs(slotCount), 1)
		if !retired.IsNone() {
			q.alloc.FreeIndexNode(retired)
		} else {
			q.alloc.FreeIndexNode(node)
		}
		_ = q.freeCell(cell)
		removed++
		q.exitCall()
	}
}
