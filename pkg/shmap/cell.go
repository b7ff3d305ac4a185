package shmap

import "github.com/shrmem/shrmem/pkg/shrarena"

// Map data cell layout (§3 "Map data cell"): `[total_slots | (type<<32 |
// vcount) | value_bytes | key_bytes][key_slots...][value_slots...]`.
// AddV/PutV/UpdateV's vector segments are concatenated into the value
// region exactly as shrq's AddV concatenates queue payload segments
// before the cell is built, so vcount is always written as 1 and the
// segment boundaries are not recorded; Get/GetPartial treat the region as
// opaque bytes.
const kvHeaderWords = shrarena.SlotIndex(4)

func kvCellSlotsFor(keyLen, valLen int) shrarena.SlotIndex {
	dataWords := shrarena.SlotIndex((keyLen + valLen + 7) / 8)
	return kvHeaderWords + dataWords
}

func (m *Map) allocKV(key, value []byte, vcount uint32) (shrarena.SlotIndex, error) {
	need := kvCellSlotsFor(len(key), len(value))
	cell, err := m.alloc.Allocate(need)
	if err != nil {
		return shrarena.NoSlot, err
	}
	w := m.arena.Words()
	w.Store(cell, uint64(need))
	w.Store(cell+1, uint64(vcount)<<32)
	w.Store(cell+2, uint64(len(value)))
	w.Store(cell+3, uint64(len(key)))
	writeKVBytes(w, cell, key, value)
	return cell, nil
}

func writeKVBytes(w *shrarena.Words, cell shrarena.SlotIndex, key, value []byte) {
	off := int(cell+kvHeaderWords) * 8
	buf := w.Bytes()
	if len(buf) < off+len(key)+len(value) {
		return
	}
	copy(buf[off:], key)
	copy(buf[off+len(key):], value)
}

func readKVValue(w *shrarena.Words, cell shrarena.SlotIndex) []byte {
	valLen := int(w.Load(cell + 2))
	keyLen := int(w.Load(cell + 3))
	off := int(cell+kvHeaderWords)*8 + keyLen
	buf := w.Bytes()
	value := make([]byte, valLen)
	copy(value, buf[off:off+valLen])
	return value
}

func readKVValuePartial(w *shrarena.Words, cell shrarena.SlotIndex, skip, length int) []byte {
	valLen := int(w.Load(cell + 2))
	keyLen := int(w.Load(cell + 3))
	if skip > valLen {
		skip = valLen
	}
	if skip+length > valLen || length < 0 {
		length = valLen - skip
	}
	off := int(cell+kvHeaderWords)*8 + keyLen + skip
	buf := w.Bytes()
	out := make([]byte, length)
	copy(out, buf[off:off+length])
	return out
}

func kvLens(w *shrarena.Words, cell shrarena.SlotIndex) (keyLen, valLen int) {
	return int(w.Load(cell + 3)), int(w.Load(cell + 2))
}

func kvTotalSlots(w *shrarena.Words, cell shrarena.SlotIndex) shrarena.SlotIndex {
	return shrarena.SlotIndex(w.Load(cell))
}

func (m *Map) freeKV(cell shrarena.SlotIndex) error {
	return m.alloc.Free(cell, kvTotalSlots(m.arena.Words(), cell))
}

func keysEqual(w *shrarena.Words, cell shrarena.SlotIndex, key []byte) bool {
	keyLen, _ := kvLens(w, cell)
	if keyLen != len(key) {
		return false
	}
	off := int(cell+kvHeaderWords) * 8
	buf := w.Bytes()
	for i := 0; i < keyLen; i++ {
		if buf[off+i] != key[i] {
			return false
		}
	}
	return true
}
