package hashutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumVectors(t *testing.T) {
	// The classic CRC32/IEEE check value.
	assert.Equal(t, uint32(0xCBF43926), Checksum([]byte("123456789")))
	assert.Equal(t, uint32(0), Checksum(nil))
	assert.Equal(t, uint32(0), Checksum([]byte{}))
}

func TestKeyHashDeterministic(t *testing.T) {
	keys := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("hello world"),
		[]byte("1:0"),
		[]byte("1:127"),
		make([]byte, 1024),
	}

	for _, k := range keys {
		first := KeyHash(k)
		for i := 0; i < 3; i++ {
			require.Equal(t, first, KeyHash(k), "hash of %q must be stable", k)
		}
	}
}

func TestKeyHashSeedChangesOutput(t *testing.T) {
	key := []byte("mykey")
	assert.NotEqual(t, KeyHashSeed(key, 0), KeyHashSeed(key, 1))
}

func TestKeyHashIsFirstHalfOfSum128(t *testing.T) {
	key := []byte("consistency-check")
	h1, _ := Sum128(key, DefaultSeed)
	assert.Equal(t, h1, KeyHash(key))
}

func TestKeyHashDistribution(t *testing.T) {
	// Distinct short keys should not all collapse onto a few shards.
	buckets := make(map[uint64]int)
	for i := byte(0); i < 255; i++ {
		buckets[KeyHash([]byte{i})%32]++
	}
	assert.Greater(t, len(buckets), 16, "expected keys spread over most shards")
}
