// Package shrq implements a lock-free, multi-process FIFO item queue over
// a POSIX shared-memory object (§4.E of the design). It layers queue
// semantics — depth limits, CoDel-based expiry, adaptive LIFO under
// transient overload, and an event stream delivered via realtime signals —
// on top of the lock-free substrate in package shrarena.
//
// A Queue handle is per-process and not safe to share across a fork
// without Close/Open again; concurrent use by multiple goroutines within
// one process, and by independent processes holding their own handles, is
// the supported concurrency model.
package shrq
