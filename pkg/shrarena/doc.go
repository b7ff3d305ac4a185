// Package shrarena provides the lock-free substrate shared by shrq and
// shmap: POSIX shared-memory mapping, a flat array of machine words
// addressed by slot index, single- and double-word compare-and-swap,
// a fragmentation-resistant arena allocator, and a Michael-Scott style
// singly-linked-list primitive used by every free list and live list built
// on top of it.
//
// Nothing in this package is useful on its own; it exists to let shrq and
// shmap share one substrate instead of each reimplementing mmap lifecycle,
// atomics, and allocation.
package shrarena
