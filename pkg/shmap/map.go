package shmap

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// Map is an open handle to a shared-memory hash map (§4.G). Safe for
// concurrent use by multiple goroutines in one process; independent
// processes each hold their own handle over the same backing object.
type Map struct {
	arena *shrarena.Arena
	alloc *shrarena.Allocator
	seed  uint64

	closed atomic.Bool
}

func tagFor(magic string) [4]byte {
	var t [4]byte
	copy(t[:], magic)
	return t
}

func newMap(arena *shrarena.Arena) *Map {
	m := &Map{arena: arena, alloc: shrarena.NewAllocator(arena)}
	m.seed = arena.Words().Load(abs(slotSeed))
	return m
}

// Create creates a brand-new named map (§6 Create(name, max_byte_size)).
func Create(opts Options) (*Map, error) {
	arena, err := shrarena.Create(opts.Name, tagFor(magicMap), mapLayoutVersion, abs(mapHeaderSlots))
	if err != nil {
		return nil, err
	}

	w := arena.Words()
	seed := rand.Uint64()
	w.Store(abs(slotSeed), seed)
	w.Store(abs(slotMaxByteSize), opts.MaxByteSize)

	m := &Map{arena: arena, alloc: shrarena.NewAllocator(arena), seed: seed}

	need := shrarena.SlotIndex(defaultBucketCount) * bucketWords
	base, err := m.alloc.Allocate(need)
	if err != nil {
		_ = arena.Close()
		return nil, err
	}
	if err := m.zeroBucketArray(base, defaultBucketCount); err != nil {
		_ = arena.Close()
		return nil, err
	}

	idxSlot, err := m.alloc.AllocIndexNode()
	if err != nil {
		_ = arena.Close()
		return nil, err
	}
	w.Store(idxSlot+idxBase, uint64(base))
	w.Store(idxSlot+idxBucketCount, defaultBucketCount)
	w.Store(idxSlot+idxRehashBkt, 0)
	w.Store(abs(slotCurrentIdx), uint64(idxSlot))

	return m, nil
}

// Open opens an existing named map (§6 Open).
func Open(name string) (*Map, error) {
	arena, err := shrarena.Open(name, tagFor(magicMap), mapLayoutVersion)
	if err != nil {
		return nil, err
	}
	return newMap(arena), nil
}

// IsValid reports whether name currently refers to a map object with the
// correct magic/version (§6 IsValid).
func IsValid(name string) bool {
	arena, err := shrarena.Open(name, tagFor(magicMap), mapLayoutVersion)
	if err != nil {
		return false
	}
	_ = arena.Close()
	return true
}

// Close unmaps this handle's view of the map. Idempotent.
func (m *Map) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.arena.Close()
}

// Destroy unlinks the named backing object (§6 Destroy).
func Destroy(name string) error {
	return shrarena.Destroy(name)
}

func (m *Map) checkClosed() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Map) exitCall() {
	m.alloc.DrainDeferred()
	m.arena.ExitCall()
}

// Count returns the current live key count (§6 Count).
func (m *Map) Count() (uint64, error) {
	if err := m.checkClosed(); err != nil {
		return 0, err
	}
	m.arena.EnterCall()
	defer m.exitCall()
	return m.arena.Words().Load(abs(slotCount)), nil
}

// Add inserts key/value only if key is absent (§6 "Add is insert-if-
// absent"). On ErrConflict, the already-present value is copied out and
// returned alongside the error (§4.G step 2, §8 scenario 5).
func (m *Map) Add(key, value []byte) ([]byte, error) {
	_, existing, err := m.upsert(key, value, false, 0, false)
	return existing, err
}

// Put inserts or overwrites key/value unconditionally (§6 "Put is
// upsert"). Put never conflicts, so it has nothing to copy out.
func (m *Map) Put(key, value []byte) error {
	_, _, err := m.upsert(key, value, true, 0, false)
	return err
}

// Update replaces key's value only if its current token (the generation
// Get last returned for it) still matches (§6 "Update is CAS using the
// token"). Returns ErrConflict on a stale token or a missing key; on a
// stale token, the current value is copied out and returned alongside
// the error (§4.G step 2, §8 scenario 5).
func (m *Map) Update(key, value []byte, token Token) ([]byte, error) {
	_, existing, err := m.upsert(key, value, true, token, true)
	return existing, err
}

// AddV, PutV, UpdateV concatenate a vector of typed segments into one
// value before delegating, mirroring shrq's AddV.
func (m *Map) AddV(key []byte, segments [][]byte) ([]byte, error) {
	return m.Add(key, joinSegments(segments))
}
func (m *Map) PutV(key []byte, segments [][]byte) error {
	return m.Put(key, joinSegments(segments))
}
func (m *Map) UpdateV(key []byte, segments [][]byte, token Token) ([]byte, error) {
	return m.Update(key, joinSegments(segments), token)
}

func joinSegments(segments [][]byte) []byte {
	total := 0
	for _, s := range segments {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range segments {
		buf = append(buf, s...)
	}
	return buf
}

// upsert implements Add/Put/Update's shared insert/replace path (§4.G
// "Insert"). checkToken gates a replace behind a matching token; checkToken
// is false for a plain insert-if-absent (Add) or unconditional upsert
// (Put). On a conflict (key already present for Add, or a stale token for
// Update), the caller's partially-allocated cell is released and the
// existing value is copied out before returning ErrConflict (§4.G step 2).
func (m *Map) upsert(key, value []byte, allowReplace bool, token Token, checkToken bool) (Token, []byte, error) {
	if err := m.checkClosed(); err != nil {
		return 0, nil, err
	}
	if len(key) == 0 {
		return 0, nil, fmt.Errorf("%w: empty key", ErrArg)
	}

	m.arena.EnterCall()
	defer m.exitCall()

	if err := m.enforceByteCap(kvCellSlotsFor(len(key), len(value))); err != nil {
		return 0, nil, err
	}

	bucketHash, prefixHash := hashKey(m.seed, key)

	for {
		bucketBase, err := m.bucketForHash(bucketHash)
		if err != nil {
			return 0, nil, err
		}
		bktEnter(m.arena.Words(), bucketBase)

		newCell, allocErr := m.allocKV(key, value, 1)
		if allocErr != nil {
			bktExit(m.arena.Words(), bucketBase)
			return 0, nil, allocErr
		}

		w := m.arena.Words()
		idx, existingRef, found := scanBucket(w, bucketBase, prefixHash, key)
		if found {
			if !allowReplace {
				existing := readKVValue(w, existingRef.Index())
				bktExit(w, bucketBase)
				_ = m.freeKV(newCell)
				return 0, existing, ErrConflict
			}
			if checkToken && Token(existingRef) != token {
				existing := readKVValue(w, existingRef.Index())
				bktExit(w, bucketBase)
				_ = m.freeKV(newCell)
				return 0, existing, ErrConflict
			}

			gen := m.arena.IDCntr()
			newRef := shrarena.MakeRef(newCell, gen)
			cell := cellSlot(bucketBase, idx)
			w.Store(cell+cellHash, prefixHash)
			w.Store(cell+cellLength, uint64(len(value)))
			w.StoreRef(cell+cellDataSlot, newRef)
			w.Store(cell+cellDataGen, gen)
			bktExit(w, bucketBase)

			oldCell := existingRef.Index()
			need := kvTotalSlots(w, oldCell)
			_ = m.alloc.DeferRelease(oldCell, need)
			return Token(newRef), nil, nil
		}

		if checkToken {
			bktExit(w, bucketBase)
			_ = m.freeKV(newCell)
			return 0, nil, ErrConflict
		}

		gen := m.arena.IDCntr()
		newRef := shrarena.MakeRef(newCell, gen)
		h := loadBktHeader(w, bucketBase)
		i, ok := findEmptyCell(h)
		if !ok {
			bktExit(w, bucketBase)
			_ = m.freeKV(newCell)
			if err := m.expandHashIndex(); err != nil {
				return 0, nil, err
			}
			continue
		}
		installCell(w, bucketBase, i, prefixHash, len(value), newRef)
		if !casBktHeader(w, bucketBase, h, h.with(i)) {
			bktExit(w, bucketBase)
			_ = m.freeKV(newCell)
			continue
		}
		bktExit(w, bucketBase)
		w.FetchAdd(abs(slotCount), 1)
		return Token(newRef), nil, nil
	}
}

// Get copies out key's value and the token Update must present to
// replace it (§6 Get).
func (m *Map) Get(key []byte) ([]byte, Token, error) {
	if err := m.checkClosed(); err != nil {
		return nil, 0, err
	}
	m.arena.EnterCall()
	defer m.exitCall()

	bucketHash, prefixHash := hashKey(m.seed, key)
	bucketBase, err := m.bucketForHash(bucketHash)
	if err != nil {
		return nil, 0, err
	}
	bktEnter(m.arena.Words(), bucketBase)
	defer bktExit(m.arena.Words(), bucketBase)

	w := m.arena.Words()
	_, ref, found := scanBucket(w, bucketBase, prefixHash, key)
	if !found {
		return nil, 0, ErrNoMatch
	}
	value := readKVValue(w, ref.Index())
	return value, Token(ref), nil
}

// GetPartial copies length bytes of key's value starting at offset (§6
// GetPartial(index, offset, length); "index" here is implicit — the
// caller names the key, not a positional index, matching Get/Remove).
func (m *Map) GetPartial(key []byte, offset, length int) ([]byte, Token, error) {
	if err := m.checkClosed(); err != nil {
		return nil, 0, err
	}
	m.arena.EnterCall()
	defer m.exitCall()

	bucketHash, prefixHash := hashKey(m.seed, key)
	bucketBase, err := m.bucketForHash(bucketHash)
	if err != nil {
		return nil, 0, err
	}
	bktEnter(m.arena.Words(), bucketBase)
	defer bktExit(m.arena.Words(), bucketBase)

	w := m.arena.Words()
	_, ref, found := scanBucket(w, bucketBase, prefixHash, key)
	if !found {
		return nil, 0, ErrNoMatch
	}
	value := readKVValuePartial(w, ref.Index(), offset, length)
	return value, Token(ref), nil
}

// GetAttr reports a key's shape without copying its value (§6 GetAttr).
func (m *Map) GetAttr(key []byte) (Attr, error) {
	if err := m.checkClosed(); err != nil {
		return Attr{}, err
	}
	m.arena.EnterCall()
	defer m.exitCall()

	bucketHash, prefixHash := hashKey(m.seed, key)
	bucketBase, err := m.bucketForHash(bucketHash)
	if err != nil {
		return Attr{}, err
	}
	bktEnter(m.arena.Words(), bucketBase)
	defer bktExit(m.arena.Words(), bucketBase)

	w := m.arena.Words()
	_, ref, found := scanBucket(w, bucketBase, prefixHash, key)
	if !found {
		return Attr{}, ErrNoMatch
	}
	keyLen, valLen := kvLens(w, ref.Index())
	return Attr{KeyLen: keyLen, ValueLen: valLen, Token: Token(ref)}, nil
}

// Remove deletes key if present (§6 Remove). Clears the bucket's
// occupancy bit before zeroing the cell ("removal is bitmap-first"). The
// data cell is freed immediately when no other accessor is inside the
// bucket; otherwise it is parked on the deferred-release list, since a
// concurrent reader may still hold a pointer derived from a stale bucket
// snapshot (§4 "Deferred release (map)").
func (m *Map) Remove(key []byte) error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	m.arena.EnterCall()
	defer m.exitCall()

	bucketHash, prefixHash := hashKey(m.seed, key)
	bucketBase, err := m.bucketForHash(bucketHash)
	if err != nil {
		return err
	}
	bktEnter(m.arena.Words(), bucketBase)
	defer bktExit(m.arena.Words(), bucketBase)

	for {
		w := m.arena.Words()
		h := loadBktHeader(w, bucketBase)
		idx, ref, found := scanBucket(w, bucketBase, prefixHash, key)
		if !found {
			return ErrNoMatch
		}
		if !casBktHeader(w, bucketBase, h, h.without(idx)) {
			continue
		}
		clearCell(w, bucketBase, idx)
		w.FetchSub(abs(slotCount), 1)

		cell := ref.Index()
		need := kvTotalSlots(w, cell)
		if bktAccessorCount(w, bucketBase) <= 1 {
			_ = m.alloc.Free(cell, need)
		} else {
			_ = m.alloc.DeferRelease(cell, need)
		}
		return nil
	}
}

// enforceByteCap applies MAX_SIZE (§3 Map-specific fields, §4.G
// "Eviction hook"): when set and a write of additional slots would push
// total allocation past it, try the eviction hook first and fail NOMEM
// only if that does not free enough room.
func (m *Map) enforceByteCap(additional shrarena.SlotIndex) error {
	maxBytes := m.arena.Words().Load(abs(slotMaxByteSize))
	if maxBytes == 0 {
		return nil
	}
	projected := (m.arena.Words().Load(shrarena.DataAllocSlot) + uint64(additional)) * 8
	if projected <= maxBytes {
		return nil
	}
	m.evictBucket()
	projected = (m.arena.Words().Load(shrarena.DataAllocSlot) + uint64(additional)) * 8
	if projected > maxBytes {
		return fmt.Errorf("%w: max_byte_size exceeded", ErrNoMem)
	}
	return nil
}

// evictBucket is the map's eviction hook. The upstream implementation
// this was distilled from leaves it stubbed ("TODO evict_bucket"); this
// keeps that stance rather than inventing an LRU ordering the spec never
// pins down, so enforceByteCap degrades to ErrNoMem exactly as its
// "fail rather than loop forever" requirement calls for.
func (m *Map) evictBucket() {
	// TODO evict_bucket: rotate EVICT_BKT across the current array and
	// reclaim its least-recently-written cell.
}
