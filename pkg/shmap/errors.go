package shmap

import (
	"errors"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

// Sentinel errors, re-exported from shrarena where the status is shared
// across both data structures, plus the ones specific to map semantics
// (§6 "Statuses").
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

	// ErrNoMatch indicates Get/GetPartial/GetAttr/Remove found no cell for
	// the key. Update on a missing key returns ErrConflict instead.
	ErrNoMatch = errors.New("shmap: no match")

	// ErrConflict indicates Add found an existing key, or Update was
	// called with a stale token (§6 "Update is CAS using the token").
	ErrConflict = errors.New("shmap: conflict")

	// ErrEmpty is the taxonomy's "empty" status. No operation of this
	// package returns it: Count reports zero and GetAttr returns
	// ErrNoMatch.
	ErrEmpty = errors.New("shmap: empty")
)
