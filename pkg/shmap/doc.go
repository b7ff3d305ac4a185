// Package shmap implements a lock-free, multi-process hash map over a
// POSIX shared-memory object (§4.G). Keys hash via Murmur3-x64-128 into a
// power-of-two bucket array; each bucket is a fixed 15-cell strip scanned
// linearly, with incremental rehashing draining the previous array bucket
// by bucket as the current generation grows. It shares its lock-free
// substrate (mmap lifecycle, arena allocator, Michael-Scott list
// primitive) with package shrq via package shrarena.
package shmap
