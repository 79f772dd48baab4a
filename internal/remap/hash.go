package remap

// hash64 is a splitmix64-style multiplicative hash. Logical sector
// numbers are mostly sequential, so a plain modulo would pile every
// write pattern into a handful of buckets; the multiplicative mixing
// steps spread sequential keys across the bucket array.
func hash64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x = x ^ (x >> 31)
	return x
}

// bucketFor returns the bucket index for key in a table of the given
// size. bucketCount is always a power of two, so a mask is equivalent
// to and faster than a modulo.
func bucketFor(key uint64, bucketCount int) int {
	return int(hash64(key) & uint64(bucketCount-1))
}
