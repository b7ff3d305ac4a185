package shrarena

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pathMax mirrors POSIX PATH_MAX, the limit spec.md §6 "Name rules" puts
// on shared-memory object names.
const pathMax = 4096

// shmDir is where Linux's glibc shm_open actually creates its backing
// files: a tmpfs mount, conventionally /dev/shm. This implementation opens
// that path directly instead of binding libc's shm_open (which would
// require cgo) — identical on-disk behavior, zero cgo, matching the
// glossary's own description ("On Linux the file appears under
// /dev/shm/<name>").
const shmDir = "/dev/shm/"

// ValidateName applies the §6 "Name rules": non-empty, at most PATH_MAX,
// may begin with '/'.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrArg)
	}
	if len(name) > pathMax {
		return fmt.Errorf("%w: name exceeds PATH_MAX", ErrPath)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("%w: name contains NUL", ErrPath)
	}
	return nil
}

// shmPath maps a POSIX shared-memory name (optionally '/'-prefixed) to its
// backing path under shmDir.
func shmPath(name string) string {
	return shmDir + strings.TrimPrefix(name, "/")
}

// commonHeaderSlots is the number of slots occupied by the fields shared
// between queue and map instances (§3 "Header slots (shared, per
// instance)"): TAG+VERSION packed, SIZE, EXPAND_SIZE, DATA_ALLOC, ID_CNTR,
// FLAGS, BUFFER, ACCESSORS.
const commonHeaderSlots = SlotIndex(8)

const (
	slotTagVersion  = SlotIndex(0)
	slotSize        = SlotIndex(1)
	slotExpandSize  = SlotIndex(2)
	slotDataAlloc   = SlotIndex(3)
	slotIDCntr      = SlotIndex(4)
	slotFlags       = SlotIndex(5)
	slotBuffer      = SlotIndex(6)
	slotAccessors   = SlotIndex(7)
)

// CommonHeaderSlots is the slot offset at which a package layering its own
// header on top of Arena (shrq, shmap) should start placing fields.
const CommonHeaderSlots = commonHeaderSlots

// pageSize is the minimum (and growth-unit) mapping size (§6 "Minimum size
// one page; size is always a multiple of the page size").
var pageSize = SlotIndex(unix.Getpagesize() / wordSize)

// Tag packs the 4-byte ASCII magic and layout version into one word, as
// the "first slot of the backing object" the spec describes.
func packTag(tag [4]byte, version uint32) uint64 {
	return uint64(tag[0]) | uint64(tag[1])<<8 | uint64(tag[2])<<16 | uint64(tag[3])<<24 | uint64(version)<<32
}

func unpackTag(v uint64) (tag [4]byte, version uint32) {
	tag[0] = byte(v)
	tag[1] = byte(v >> 8)
	tag[2] = byte(v >> 16)
	tag[3] = byte(v >> 24)
	version = uint32(v >> 32)
	return
}

// extent is a per-process record of one mapping of the backing object,
// per §3 "Extent". Extents form a singly-linked chain; resizeExtent
// CAS-installs a new tail when another process has grown the file.
type extent struct {
	next      atomic.Pointer[extent]
	base      []byte
	byteSize  int64
	slotCount SlotIndex
}

// Arena is the open handle to one instance's shared-memory substrate: the
// mmap'd backing object, the per-process extent chain, and the per-process
// accessors counter that gates extent reclamation (§5 "Accessor
// counting").
type Arena struct {
	name string
	fd   int
	tag  [4]byte

	mu      sync.Mutex // serializes resizeExtent installs for this process
	current atomic.Pointer[extent]
	prev    atomic.Pointer[extent] // oldest extent still possibly in use

	// accessors is this process's local entry counter, gating when stale
	// extents may be freed. Distinct from the shared ACCESSORS slot, which
	// gates draining the deferred-release list across all processes.
	accessors atomic.Int64

	closed atomic.Bool
}

// Create creates a brand-new backing object, maps it, and writes the
// common header. initialSlots is rounded up to a whole page; the slots
// below initialSlots (past the common and allocator headers) are reserved
// for the caller's own header and are never handed out by the allocator.
// Returns ErrExist if the name is already in use.
func Create(name string, tag [4]byte, version uint32, initialSlots SlotIndex) (*Arena, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o666)
	if err != nil {
		if err == unix.EEXIST {
			return nil, fmt.Errorf("%w: %s", ErrExist, name)
		}
		if err == unix.EACCES {
			return nil, fmt.Errorf("%w: %s", ErrAccess, name)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrSys, path, err)
	}

	slots := initialSlots
	if slots < pageSize {
		slots = pageSize
	}
	slots = roundUpSlots(slots, pageSize)

	byteSize := int64(slots) * wordSize
	if err := unix.Ftruncate(fd, byteSize); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("%w: ftruncate: %w", ErrSys, err)
	}

	data, err := unix.Mmap(fd, 0, int(byteSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("%w: mmap: %w", ErrSys, err)
	}

	a := &Arena{name: name, fd: fd, tag: tag}
	ext := &extent{base: data, byteSize: byteSize, slotCount: slots}
	a.current.Store(ext)
	a.prev.Store(ext)

	w := NewWords(data)
	w.Store(slotTagVersion, packTag(tag, version))
	w.Store(slotSize, uint64(slots))
	w.Store(slotDataAlloc, uint64(max(initialSlots, commonHeaderSlots+allocHeaderSlots)))
	w.Store(slotIDCntr, 1)

	NewAllocator(a).InitHeader()

	if err := writeMeta(name, tag, version); err != nil {
		_ = unix.Munmap(data)
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, err
	}

	return a, nil
}

func roundUpSlots(slots, unit SlotIndex) SlotIndex {
	if unit == 0 {
		return slots
	}
	rem := slots % unit
	if rem == 0 {
		return slots
	}
	return slots + (unit - rem)
}

// Open maps an existing backing object and validates its magic/version.
// Returns ErrNotExist if the name is absent, ErrState on a magic/version
// mismatch or a zero-size object (§8 B2).
func Open(name string, wantTag [4]byte, wantVersion uint32) (*Arena, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		if err == unix.EACCES {
			return nil, fmt.Errorf("%w: %s", ErrAccess, name)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrSys, path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: fstat: %w", ErrSys, err)
	}

	byteSize := st.Size
	if byteSize < int64(commonHeaderSlots)*wordSize {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: object too small", ErrState)
	}

	data, err := unix.Mmap(fd, 0, int(byteSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap: %w", ErrSys, err)
	}

	w := NewWords(data)
	tag, version := unpackTag(w.Load(slotTagVersion))
	if tag != wantTag || version != wantVersion {
		_ = unix.Munmap(data)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: magic/version mismatch", ErrState)
	}

	a := &Arena{name: name, fd: fd, tag: tag}
	ext := &extent{base: data, byteSize: byteSize, slotCount: SlotIndex(byteSize / wordSize)}
	a.current.Store(ext)
	a.prev.Store(ext)

	return a, nil
}

// Words returns the current extent's word view. Callers must have called
// EnterCall first and InsureInRange for any slot index they intend to
// touch, so that a concurrent grower's remap is observed.
func (a *Arena) Words() *Words {
	return NewWords(a.current.Load().base)
}

// EnterCall increments the per-process and shared accessors counters on
// entry to a public API call (§4.A, §5 "Accessor counting"). Callers must
// defer a matching ExitCall.
func (a *Arena) EnterCall() {
	a.accessors.Add(1)
	a.Words().FetchAdd(slotAccessors, 1)
}

// ExitCall decrements both accessors counters and, if this call brought
// the per-process counter back to zero, attempts to free any extents that
// are no longer the current one (I8, §3 "Extent").
func (a *Arena) ExitCall() {
	a.Words().FetchSub(slotAccessors, 1)
	if a.accessors.Add(-1) == 0 {
		a.reclaimStaleExtents()
	}
}

// SharedAccessors returns the shared ACCESSORS counter's current value,
// used by the deferred-release drain to decide quiescence (I8).
func (a *Arena) SharedAccessors() uint64 {
	return a.Words().Load(slotAccessors)
}

// reclaimStaleExtents drops every extent older than the current one, once
// this process is not mid-call on any of them. Safe because EnterCall/
// ExitCall bracket every public operation, so accessors==0 here means no
// goroutine in this process holds a pointer derived from a stale mapping.
func (a *Arena) reclaimStaleExtents() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.current.Load()
	oldest := a.prev.Load()
	if oldest == cur {
		return
	}
	for e := oldest; e != nil && e != cur; {
		next := e.next.Load()
		_ = unix.Munmap(e.base)
		e = next
	}
	a.prev.Store(cur)
}

// InsureInRange (§4.A "insure_in_range") ensures slot idx falls within the
// process's current extent, remapping via resizeExtent if another process
// has grown the backing file since this extent was taken.
func (a *Arena) InsureInRange(idx SlotIndex) error {
	cur := a.current.Load()
	if idx < cur.slotCount {
		return nil
	}
	return a.resizeExtent()
}

// resizeExtent (§4.A) re-reads SIZE; if unchanged, there is nothing to do.
// Otherwise it mmaps the backing file at the new size and installs the new
// extent as the tail of the chain. a.mu serializes installs within this
// process, so a second caller finds SIZE already covered and returns.
func (a *Arena) resizeExtent() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resizeExtentLocked()
}

// resizeExtentLocked is resizeExtent's body, for callers (GrowTo) that
// already hold a.mu.
func (a *Arena) resizeExtentLocked() error {
	cur := a.current.Load()
	sharedSize := SlotIndex(a.wordsLocked().Load(slotSize))
	if sharedSize <= cur.slotCount {
		return nil
	}

	byteSize := int64(sharedSize) * wordSize
	data, err := unix.Mmap(a.fd, 0, int(byteSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: remap: %w", ErrSys, err)
	}

	next := &extent{base: data, byteSize: byteSize, slotCount: sharedSize}
	cur.next.Store(next)
	a.current.Store(next)
	return nil
}

// wordsLocked is Words for callers that already hold a.mu.
func (a *Arena) wordsLocked() *Words {
	return NewWords(a.current.Load().base)
}

// GrowTo requests the backing object be grown to at least wantSlots.
// Growers within one process are serialized by a.mu; nothing here
// serializes growers in different processes. Advances SIZE last, so any process
// observing the new SIZE on its next InsureInRange maps the delta.
func (a *Arena) GrowTo(wantSlots SlotIndex) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	wantSlots = roundUpSlots(wantSlots, pageSize)

	// Another allocator in this or another process may have already grown
	// past what this caller computed its target from; never shrink.
	if cur := SlotIndex(a.wordsLocked().Load(slotSize)); wantSlots <= cur {
		return a.resizeExtentLocked()
	}

	byteSize := int64(wantSlots) * wordSize

	if err := unix.Ftruncate(a.fd, byteSize); err != nil {
		return fmt.Errorf("%w: ftruncate: %w", ErrSys, err)
	}

	data, err := unix.Mmap(a.fd, 0, int(byteSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: remap: %w", ErrSys, err)
	}

	cur := a.current.Load()
	next := &extent{base: data, byteSize: byteSize, slotCount: wantSlots}
	cur.next.Store(next)
	a.current.Store(next)

	a.wordsLocked().Store(slotSize, uint64(wantSlots))
	return nil
}

// Close unmaps the current and any not-yet-reclaimed extents and closes
// the file descriptor. Idempotent.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	for e := a.prev.Load(); e != nil; {
		next := e.next.Load()
		_ = unix.Munmap(e.base)
		e = next
	}
	return unix.Close(a.fd)
}

// Destroy unlinks the named backing object from the shared-memory
// namespace. It does not require an open Arena handle.
func Destroy(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := unix.Unlink(shmPath(name))
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("%w: unlink: %w", ErrSys, err)
	}
	return removeMeta(name)
}

// Name returns the arena's shared-memory object name.
func (a *Arena) Name() string { return a.name }

// Tag returns the 4-byte magic this arena was created/opened with.
func (a *Arena) Tag() [4]byte { return a.tag }

// IDCntr consumes and returns the next value of the monotonic ID_CNTR
// counter (I3 "consumed exclusively via fetch-and-add"), used as the
// generation stamp on every list-node install.
func (a *Arena) IDCntr() uint64 {
	return a.Words().FetchAdd(slotIDCntr, 1)
}

// DataAllocSlot exposes the DATA_ALLOC bump-pointer slot index so the
// allocator (alloc.go) can read/advance it.
const DataAllocSlot = slotDataAlloc

// SizeSlot exposes the SIZE header slot index.
const SizeSlot = slotSize

// ExpandSizeSlot exposes the EXPAND_SIZE header slot index.
const ExpandSizeSlot = slotExpandSize

// FlagsSlot exposes the FLAGS header slot index.
const FlagsSlot = slotFlags

// BufferSlot exposes the BUFFER (largest payload observed) header slot
// index.
const BufferSlot = slotBuffer

// PageSlots returns the page size expressed in whole slots, used by the
// allocator to compute growth targets.
func PageSlots() SlotIndex { return pageSize }
