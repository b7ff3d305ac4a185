package shrq

import (
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// eventList is the second lock-free list of §4.F, carrying event records
// `[next | event_code | reserved | reserved]` in the 4-slot node shape the
// allocator hands out.
func (q *Queue) eventList() *shrarena.List {
	return shrarena.NewList(q.arena, abs(slotEventHead), abs(slotEventTail))
}

// raise appends an event record iff e's FLAGS bit is set and a monitor is
// registered, then delivers NOTIFY_SIGNAL to NOTIFY_PID (§4.F). Failures
// to signal are ignored; a dead monitor is unsubscribed on first failure.
func (q *Queue) raise(e Event) {
	w := q.arena.Words()
	flags := w.Load(abs(slotFlags))
	if flags&eventBit(e) == 0 {
		return
	}
	pid := int32(w.Load(abs(slotNotifyPID)))
	if pid == 0 {
		return
	}

	node, err := q.alloc.AllocIndexNode()
	if err == nil {
		w.Store(node+1, uint64(e))
		_ = q.eventList().PushTail(node)
	}

	sig := int(w.Load(abs(slotNotifySignal)))
	if err := sigqueue(pid, sig); err != nil {
		w.CAS(abs(slotNotifyPID), uint64(pid), 0)
	}
}

// notifyListener delivers LISTEN_SIGNAL when a reader may be blocked
// (READ_SEM observed at zero) after a successful enqueue (§4.F).
func (q *Queue) notifyListener() {
	w := q.arena.Words()
	pid := int32(w.Load(abs(slotListenPID)))
	if pid == 0 {
		return
	}
	if atomicPeek32(q.readSem.addr()) > 0 {
		return
	}
	sig := int(w.Load(abs(slotListenSignal)))
	if err := sigqueue(pid, sig); err != nil {
		w.CAS(abs(slotListenPID), uint64(pid), 0)
	}
}

// notifyCaller delivers CALL_SIGNAL to a registered pid when a dequeue is
// about to block (§4.F).
func (q *Queue) notifyCaller() {
	w := q.arena.Words()
	pid := int32(w.Load(abs(slotCallPID)))
	if pid == 0 {
		return
	}
	sig := int(w.Load(abs(slotCallSignal)))
	if err := sigqueue(pid, sig); err != nil {
		w.CAS(abs(slotCallPID), uint64(pid), 0)
	}
}

// Subscribe arms e (ALL via EventNone) so raise begins recording it.
func (q *Queue) Subscribe(e Event) {
	w := q.arena.Words()
	if e == EventNone {
		for _, ev := range []Event{EventInit, EventNonEmpty, EventEmpty, EventLimit, EventLevel, EventTime} {
			setBit(w, abs(slotFlags), eventBit(ev))
		}
		return
	}
	setBit(w, abs(slotFlags), eventBit(e))
}

// Unsubscribe disarms e.
func (q *Queue) Unsubscribe(e Event) {
	w := q.arena.Words()
	clearBit(w, abs(slotFlags), eventBit(e))
}

func setBit(w *shrarena.Words, slot shrarena.SlotIndex, bit uint64) {
	for {
		v := w.Load(slot)
		if w.CAS(slot, v, v|bit) {
			return
		}
	}
}

func clearBit(w *shrarena.Words, slot shrarena.SlotIndex, bit uint64) {
	for {
		v := w.Load(slot)
		if w.CAS(slot, v, v&^bit) {
			return
		}
	}
}

// Monitor registers the process to receive event notifications (§6
// Monitor(pid, signal)). Only one pid per signal class; CAS enforces that.
func (q *Queue) Monitor(pid int, signal int) bool {
	return setReg(q.arena.Words(), abs(slotNotifyPID), abs(slotNotifySignal), pid, signal)
}

// Listen registers the process to receive LISTEN_SIGNAL.
func (q *Queue) Listen(pid int, signal int) bool {
	w := q.arena.Words()
	return setReg(w, abs(slotListenPID), abs(slotListenSignal), pid, signal)
}

// Call registers the process to receive CALL_SIGNAL.
func (q *Queue) Call(pid int, signal int) bool {
	w := q.arena.Words()
	return setReg(w, abs(slotCallPID), abs(slotCallSignal), pid, signal)
}

func setReg(w *shrarena.Words, pidSlot, sigSlot shrarena.SlotIndex, pid, signal int) bool {
	if !w.CAS(pidSlot, 0, uint64(pid)) {
		return false
	}
	w.Store(sigSlot, uint64(signal))
	return true
}

// Event dequeues and returns the next pending event record, or EventNone
// if there are none (§6 Event).
func (q *Queue) Event() Event {
	data, _, ok, err := q.eventList().PopHead()
	if err != nil || !ok {
		return EventNone
	}
	e := Event(q.arena.Words().Load(data + 1))
	return e
}

// sigqueue delivers signal to pid. The real shr_q uses sigqueue(3) to carry
// a value payload with the signal; this implementation only needs signal
// delivery itself (monitors read state back out via Event/Count, not the
// signal's payload), so a plain kill(2) serves the same purpose without
// requiring a siginfo_t.
func sigqueue(pid int, signal int) error {
	return unix.Kill(pid, syscall.Signal(signal))
}

func atomicPeek32(addr *int32) int32 {
	return atomic.LoadInt32(addr)
}
