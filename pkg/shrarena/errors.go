package shrarena

import "errors"

// Sentinel errors shared by shrq and shmap, mirroring the status taxonomy
// of spec.md §7. Both packages wrap these with errors.Is-compatible
// package-specific aliases where a status only makes sense in one domain.
var (
	// ErrArg indicates an invalid argument was supplied by the caller.
	// Caller bug; fails fast. Maps to SH_ERR_ARG.
	ErrArg = errors.New("shrmem: invalid argument")

	// ErrPath indicates a problem with the shared-memory object name.
	// Maps to SH_ERR_PATH.
	ErrPath = errors.New("shrmem: invalid path")

	// ErrExist indicates Create was called for a name that already exists.
	// Maps to SH_ERR_EXIST.
	ErrExist = errors.New("shrmem: already exists")

	// ErrNotExist indicates Open was called for a name that does not exist.
	// The C original folds this into SH_ERR_EXIST as well; Go callers
	// benefit from distinguishing the two directions, so this is kept
	// distinct.
	ErrNotExist = errors.New("shrmem: does not exist")

	// ErrState indicates a mode mismatch, magic/version mismatch, or other
	// structural corruption of the header. Maps to SH_ERR_STATE.
	ErrState = errors.New("shrmem: invalid state")

	// ErrNoMem indicates the arena allocator could not satisfy a request.
	// Recoverable by the caller: back off and retry, or grow capacity.
	// Maps to SH_ERR_NOMEM.
	ErrNoMem = errors.New("shrmem: out of memory")

	// ErrSys indicates an underlying system call failed. Maps to SH_ERR_SYS.
	ErrSys = errors.New("shrmem: system error")

	// ErrAccess indicates a permissions error opening the backing object.
	// Maps to SH_ERR_ACCESS.
	ErrAccess = errors.New("shrmem: permission denied")

	// ErrClosed indicates a call was made on a handle after Close.
	ErrClosed = errors.New("shrmem: closed")

	// errRetry is internal-only (spec §7 "RETRY is internal-only and never
	// leaks to the caller"). No function returns it: the CAS loops in this
	// module retry in place instead.
	errRetry = errors.New("shrmem: internal retry")
)

// Explain returns a short human-readable description of err, falling back
// to err.Error() for anything not in the shared sentinel taxonomy. Used by
// cmd/shrctl to report failures without a caller having to switch on
// errors.Is themselves.
func Explain(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrArg):
		return "invalid argument"
	case errors.Is(err, ErrPath):
		return "invalid shared-memory object name"
	case errors.Is(err, ErrExist):
		return "object already exists"
	case errors.Is(err, ErrNotExist):
		return "object does not exist"
	case errors.Is(err, ErrState):
		return "invalid state (mode, magic, or version mismatch)"
	case errors.Is(err, ErrNoMem):
		return "out of memory"
	case errors.Is(err, ErrSys):
		return "system call failed"
	case errors.Is(err, ErrAccess):
		return "permission denied"
	case errors.Is(err, ErrClosed):
		return "handle is closed"
	default:
		return err.Error()
	}
}
