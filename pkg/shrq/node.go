package shrq

import (
	"time"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// Data cell layout: [length_bytes | sec | nsec | payload...]. payload is
// packed as raw bytes starting at the cell's 4th word.
const cellHeaderWords = 3

func cellSlotsFor(payloadLen int) shrarena.SlotIndex {
	dataWords := (payloadLen + 7) / 8
	return shrarena.SlotIndex(cellHeaderWords + dataWords)
}

func (q *Queue) allocCell(value []byte, ts time.Time) (shrarena.SlotIndex, error) {
	need := cellSlotsFor(len(value))
	cell, err := q.alloc.Allocate(need)
	if err != nil {
		return shrarena.NoSlot, err
	}
	w := q.arena.Words()
	w.Store(cell, uint64(len(value)))
	w.Store(cell+1, uint64(ts.Unix()))
	w.Store(cell+2, uint64(ts.UnixNano()%1e9))
	writeCellBytes(w, cell, value)
	return cell, nil
}

func writeCellBytes(w *shrarena.Words, cell shrarena.SlotIndex, value []byte) {
	off := int(cell+cellHeaderWords) * 8
	buf := w.Bytes()
	for len(buf) < off+len(value) {
		// Caller is responsible for having sized the cell to fit; this
		// only guards against a mapping that hasn't been InsureInRange'd
		// for the tail bytes of the last word yet.
		return
	}
	copy(buf[off:off+len(value)], value)
}

func readCell(w *shrarena.Words, cell shrarena.SlotIndex) (value []byte, ts time.Time) {
	length := int(w.Load(cell))
	sec := int64(w.Load(cell + 1))
	nsec := int64(w.Load(cell + 2))
	off := int(cell+cellHeaderWords) * 8
	buf := w.Bytes()
	value = make([]byte, length)
	copy(value, buf[off:off+length])
	return value, time.Unix(sec, nsec)
}

func (q *Queue) freeCell(cell shrarena.SlotIndex) error {
	length := int(q.arena.Words().Load(cell))
	return q.alloc.Free(cell, cellSlotsFor(length))
}
