package shrq

import (
	"errors"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// Sentinel errors, mirroring spec.md §7's taxonomy. Arena-level failures
// (ErrArg, ErrPath, ErrExist, ErrNotExist, ErrState, ErrNoMem, ErrSys,
// ErrAccess, ErrClosed) are re-exported directly from shrarena so callers
// need only import this package and still use errors.Is against the one
// shared identity.
var (
	ErrArg      = shrarena.ErrArg
	ErrPath     = shrarena.ErrPath
	ErrExist    = shrarena.ErrExist
	ErrNotExist = shrarena.ErrNotExist
	ErrState    = shrarena.ErrState
	ErrNoMem    = shrarena.ErrNoMem
	ErrSys      = shrarena.ErrSys
	ErrAccess   = shrarena.ErrAccess
	ErrClosed   = shrarena.ErrClosed

	// ErrEmpty is returned by a non-blocking Remove when the queue holds
	// no (non-expired) items.
	ErrEmpty = errors.New("shrq: empty")

	// ErrLimit is returned by Add when the queue is at max_depth, and by
	// a timed wait that elapsed before a slot or item became available.
	ErrLimit = errors.New("shrq: limit")
)
