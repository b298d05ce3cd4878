// Package hashutil provides the two hash primitives every other dkvs
// component agrees on: a 64-bit MurmurHash3-derived key hash used for shard
// selection and ring placement, and a CRC32 checksum used for on-disk record
// integrity.
//
// The key hash must produce byte-identical values on every platform —
// otherwise two nodes of the same cluster would disagree about key
// placement. MurmurHash3 x64 128-bit is fully defined over byte input and
// the canonical Go port is deterministic across architectures.
package hashutil

import (
	"hash/crc32"

	"github.com/spaolacci/murmur3"
)

// DefaultSeed is the seed shared by all nodes of a cluster. All nodes must
// agree on it or ring positions diverge.
const DefaultSeed uint32 = 0

// KeyHash returns the primary 64-bit hash of a key: the first 64 bits of
// the MurmurHash3 x64 128-bit digest with the default seed.
func KeyHash(data []byte) uint64 {
	return KeyHashSeed(data, DefaultSeed)
}

// KeyHashSeed is KeyHash with an explicit seed.
func KeyHashSeed(data []byte, seed uint32) uint64 {
	h1, _ := murmur3.Sum128WithSeed(data, seed)
	return h1
}

// Sum128 returns the full 128-bit MurmurHash3 digest.
func Sum128(data []byte, seed uint32) (uint64, uint64) {
	return murmur3.Sum128WithSeed(data, seed)
}

// Checksum returns the CRC32 of data using the IEEE polynomial with the
// conventional pre/post inversion, i.e. the checksum whose well-known test
// vector is crc32("123456789") == 0xCBF43926.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
