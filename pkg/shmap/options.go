package shmap

// Options configures Create (§6 "Create(name, max_byte_size)").
type Options struct {
	Name string
	// MaxByteSize caps the map's total allocation; 0 means unbounded. When
	// set, an Add/Put/Update whose allocation would push the total past it
	// fails with ErrNoMem. The eviction hook (§4.G "Eviction hook") is a
	// no-op, so no existing entry is evicted to make room.
	MaxByteSize uint64
}

// Token is an opaque compare-and-swap handle returned by Get and consumed
// by Update (§6 "Update is CAS using the token (per-cell generation)
// returned by Get"). It is valid only for the cell it was read from and
// only until that cell's next successful write.
type Token uint64

// Attr describes a key's shape without copying its value (§6 GetAttr).
type Attr struct {
	KeyLen   int
	ValueLen int
	Token    Token
}

const (
	magicMap        = "shmp"
	mapLayoutVersion = uint32(1)

	cellsPerBucket  = 15
	bucketWords     = 4 + cellsPerBucket*4 // header + 15 cells * 4 words/cell
	indexHeaderWords = 4

	defaultBucketCount = 16
)
