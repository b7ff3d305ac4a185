package shmap

import "github.com/twmb/murmur3"

// hashKey computes Murmur3-x64-128 over key with the instance's per-map
// random seed (§4.G "Hash"). The high 64 bits select the bucket; the low
// 64 bits are stored in the cell for a cheap prefix match before the full
// key comparison.
func hashKey(seed uint64, key []byte) (bucketHash, prefixHash uint64) {
	hi, lo := murmur3.SeedSum128(seed, seed, key)
	return hi, lo
}

func bucketIndex(bucketHash uint64, bucketCount uint64) uint64 {
	return bucketHash & (bucketCount - 1)
}
