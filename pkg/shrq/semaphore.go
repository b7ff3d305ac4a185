package shrq

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// semaphore is a process-shared counting semaphore backed by one arena
// slot, implemented with the Linux futex syscall rather than POSIX
// sem_t/cgo: glibc's sem_t is itself futex-based on Linux, so this is the
// same mechanism without the cgo dependency (§5 "Suspension points").
// Only the low 32 bits of the slot are used as the futex word; the slot is
// otherwise private to the semaphore.
// The slot is always within the common/allocator/queue header region, so
// it is always present in the first page and never migrates — but its
// backing mmap'd extent can still be replaced (and the old one unmapped)
// by a grow, so addr() re-resolves the arena's current view on every
// call rather than caching a pointer.
type semaphore struct {
	arena *shrarena.Arena
	slot  shrarena.SlotIndex
}

func newSemaphore(arena *shrarena.Arena, slot shrarena.SlotIndex) *semaphore {
	return &semaphore{arena: arena, slot: slot}
}

func (s *semaphore) addr() *int32 {
	off := uint64(s.slot) * 8
	return (*int32)(unsafe.Pointer(&s.arena.Words().Bytes()[off]))
}

func (s *semaphore) init(val int32) {
	atomic.StoreInt32(s.addr(), val)
}

// post increments the count and wakes one waiter if any may be blocked.
func (s *semaphore) post() {
	atomic.AddInt32(s.addr(), 1)
	futexWake(s.addr(), 1)
}

// tryWait decrements the count if it is positive, without blocking.
func (s *semaphore) tryWait() bool {
	for {
		v := atomic.LoadInt32(s.addr())
		if v <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(s.addr(), v, v-1) {
			return true
		}
	}
}

// wait blocks until the count is positive, then decrements it.
func (s *semaphore) wait() {
	for {
		if s.tryWait() {
			return
		}
		futexWait(s.addr(), 0, nil)
	}
}

// timedWait blocks until the count is positive or timeout elapses.
// Returns false on timeout.
func (s *semaphore) timedWait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.tryWait() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		futexWait(s.addr(), 0, &remaining)
	}
}

// futexWait blocks while *addr == expect, up to timeout (nil means
// forever). EINTR and spurious wakeups are handled by the caller's retry
// loop in tryWait/wait/timedWait.
func futexWait(addr *int32, expect int32, timeout *time.Duration) {
	var ts *unix.Timespec
	if timeout != nil {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT), uintptr(expect), uintptr(unsafe.Pointer(ts)), 0, 0)
}

func futexWake(addr *int32, n int32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE), uintptr(n), 0, 0, 0)
}
