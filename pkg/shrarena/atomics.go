package shrarena

import (
	"sync/atomic"
	"unsafe"
)

// wordSize is the byte width of one slot. The spec allows 32-bit hosts a
// 4-byte slot; this implementation targets 64-bit hosts exclusively (every
// pack example that touches raw shared memory — slotcache's mmap header,
// go-fuse's raw splice/ioctl plumbing — assumes a 64-bit host), so a slot
// is always 8 bytes.
const wordSize = 8

// slotPtr returns a pointer to the 8-byte word at idx within data. Callers
// must ensure idx is in range; this mirrors slotcache's atomicLoadUint64
// helper, which reinterprets a byte-slice window as *uint64 via
// unsafe.Pointer for atomic access to mmap'd memory.
func slotPtr(data []byte, idx SlotIndex) *uint64 {
	off := uint64(idx) * wordSize
	return (*uint64)(unsafe.Pointer(&data[off]))
}

// Words is a thin, typed view over a byte slice (normally an mmap'd
// region) that exposes atomic single-word and packed-ref operations. It is
// the "single Arena abstraction parameterised by slot width" the spec's
// re-architecture notes call for; both shrq and shmap build their typed
// header/bucket/cell accessors on top of this, never touching unsafe
// directly themselves.
type Words struct {
	data []byte
}

// NewWords wraps a byte slice (typically an mmap'd extent) for atomic
// slot access. The caller retains ownership of data's lifetime.
func NewWords(data []byte) *Words { return &Words{data: data} }

// Len returns the number of whole slots addressable in the current view.
func (w *Words) Len() SlotIndex { return SlotIndex(len(w.data) / wordSize) }

// Rebind repoints the view at a new (larger) backing slice after a grow,
// without allocating a new Words. Used when a process's extent is
// remapped to a bigger region.
func (w *Words) Rebind(data []byte) { w.data = data }

// Bytes returns the raw backing slice. Used only by code that needs to
// read/write variable-length payloads (queue data cells, map k/v cells)
// byte-by-byte after locating them via slot arithmetic.
func (w *Words) Bytes() []byte { return w.data }

// Load atomically reads the word at idx.
func (w *Words) Load(idx SlotIndex) uint64 {
	return atomic.LoadUint64(slotPtr(w.data, idx))
}

// Store atomically writes v to the word at idx.
func (w *Words) Store(idx SlotIndex, v uint64) {
	atomic.StoreUint64(slotPtr(w.data, idx), v)
}

// CAS performs single-word compare-and-swap on the word at idx.
func (w *Words) CAS(idx SlotIndex, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(slotPtr(w.data, idx), old, new)
}

// FetchAdd atomically adds delta to the word at idx and returns the value
// prior to the add (the "fetch" result, as used for ID_CNTR/COUNT in the
// spec).
func (w *Words) FetchAdd(idx SlotIndex, delta uint64) uint64 {
	return atomic.AddUint64(slotPtr(w.data, idx), delta) - delta
}

// FetchSub atomically subtracts delta from the word at idx and returns the
// value prior to the subtraction.
func (w *Words) FetchSub(idx SlotIndex, delta uint64) uint64 {
	return atomic.AddUint64(slotPtr(w.data, idx), ^(delta - 1)) + delta
}

// LoadRef atomically reads the packed (index, generation) Ref at idx.
func (w *Words) LoadRef(idx SlotIndex) Ref {
	return Ref(w.Load(idx))
}

// StoreRef atomically writes a Ref at idx.
func (w *Words) StoreRef(idx SlotIndex, r Ref) {
	w.Store(idx, uint64(r))
}

// CASRef performs the "DWCAS" the spec calls for: a single atomic
// compare-and-swap of the packed (index, generation) pair stored at idx.
// See Ref's doc comment for why this degrades true double-word CAS to a
// single packed word.
func (w *Words) CASRef(idx SlotIndex, old, new Ref) bool {
	return w.CAS(idx, uint64(old), uint64(new))
}
