package shrq

import "time"

// expired implements the CoDel-derived check of §4.E: an item is
// "overdue" once now-addTime exceeds LIMIT. If both LIMIT and TARGET are
// set and the EMPTY timestamp (stamped when the queue last became
// non-empty, and again when it last drained) lies within one LIMIT of now,
// the stricter TARGET threshold applies instead.
func (q *Queue) expired(addTime time.Time, now time.Time) bool {
	w := q.arena.Words()
	limitNS := w.Load(abs(slotLimitNS))
	if limitNS == 0 {
		return false
	}
	limit := time.Duration(limitNS)
	threshold := limit

	targetNS := w.Load(abs(slotTargetNS))
	if targetNS != 0 {
		emptySec := int64(w.Load(abs(slotEmptySec)))
		emptyNsec := int64(w.Load(abs(slotEmptyNsec)))
		emptyAt := time.Unix(emptySec, emptyNsec)
		if now.Sub(emptyAt) <= limit {
			threshold = time.Duration(targetNS)
		}
	}

	return now.Sub(addTime) > threshold
}

// TimeLimit sets the CoDel hard limit (§6 TimeLimit(t)); zero disables
// expiry checking entirely.
func (q *Queue) TimeLimit(d time.Duration) {
	q.arena.Words().Store(abs(slotLimitNS), uint64(d))
}

// TargetDelay sets the CoDel soft target (§6 TargetDelay(t)).
func (q *Queue) TargetDelay(d time.Duration) {
	q.arena.Words().Store(abs(slotTargetNS), uint64(d))
}

// Discard toggles discard-on-expire: when true, Remove silently drops
// expired items instead of returning them (§4.E "dropped inside
// shr_q_remove* when discard-on-expire is set").
func (q *Queue) Discard(on bool) {
	w := q.arena.Words()
	if on {
		setBit(w, abs(slotFlags), flagDiscardOnExpire)
	} else {
		clearBit(w, abs(slotFlags), flagDiscardOnExpire)
	}
}

// ExceedsIdleTime reports whether the queue has been empty for longer
// than d (§6 ExceedsIdleTime).
func (q *Queue) ExceedsIdleTime(d time.Duration) bool {
	w := q.arena.Words()
	if w.Load(abs(slotCount)) != 0 {
		return false
	}
	emptySec := int64(w.Load(abs(slotEmptySec)))
	emptyNsec := int64(w.Load(abs(slotEmptyNsec)))
	return time.Since(time.Unix(emptySec, emptyNsec)) > d
}
