package shrarena

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// metaPath returns the sidecar descriptor path for a shared-memory object
// name, written alongside the backing /dev/shm file itself.
func metaPath(name string) string {
	return shmPath(name) + ".meta"
}

// writeMeta records tag/version in a small sidecar file so DescribeMeta
// and cmd/shrctl's list command can identify an object without mapping
// it. Written with atomic.WriteFile for crash-safe rename-into-place, the
// same pattern the teacher uses for its own sidecar descriptor files.
func writeMeta(name string, tag [4]byte, version uint32) error {
	var buf bytes.Buffer
	buf.Write(tag[:])
	_ = binary.Write(&buf, binary.LittleEndian, version)
	return atomic.WriteFile(metaPath(name), &buf)
}

func removeMeta(name string) error {
	err := os.Remove(metaPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing meta: %w", ErrSys, err)
	}
	return nil
}

// DescribeMeta reads name's sidecar descriptor without mapping the
// backing object, returning its tag and layout version. Returns
// ErrNotExist if no sidecar file exists for name.
func DescribeMeta(name string) (tag [4]byte, version uint32, err error) {
	if verr := ValidateName(name); verr != nil {
		return tag, 0, verr
	}
	raw, rerr := os.ReadFile(metaPath(name))
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return tag, 0, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return tag, 0, fmt.Errorf("%w: reading meta: %w", ErrSys, rerr)
	}
	if len(raw) < 8 {
		return tag, 0, fmt.Errorf("%w: truncated meta file", ErrState)
	}
	copy(tag[:], raw[:4])
	version = binary.LittleEndian.Uint32(raw[4:8])
	return tag, version, nil
}
