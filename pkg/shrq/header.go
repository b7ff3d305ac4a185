package shrq

import "github.com/shrmem/shrmem/pkg/shrarena"

// headerBase is where the queue's own fields begin, immediately after the
// common arena header and the allocator's own reserved region.
var headerBase = shrarena.CommonHeaderSlots + shrarena.HeaderSlots()

// Queue header layout (§3 "Header slots"), relative to headerBase.
const (
	slotLiveHead = iota
	slotLiveTail
	slotStackHead // adaptive-LIFO stack head (§4.E "Adaptive LIFO")
	slotEventHead
	slotEventTail
	slotCount
	slotMaxDepth
	slotMode
	slotLevel
	slotLimitNS  // CoDel hard limit, nanoseconds; 0 disables CoDel
	slotTargetNS // CoDel soft target, nanoseconds
	slotTSSec
	slotTSNsec
	slotEmptySec
	slotEmptyNsec
	slotFlags
	slotNotifyPID
	slotNotifySignal
	slotListenPID
	slotListenSignal
	slotCallPID
	slotCallSignal
	slotWriteSem
	slotReadSem

	queueHeaderSlots
)

// FLAGS bits, independent of the per-event subscription bits which occupy
// the low 8 bits of the same word (one per Event, see eventBit).
const (
	flagDiscardOnExpire = uint64(1) << 16
	flagLimitLifo       = uint64(1) << 17
)

func abs(s shrarena.SlotIndex) shrarena.SlotIndex { return headerBase + s }
