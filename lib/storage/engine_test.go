package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(ts uint64, node uint32) Version {
	return Version{TimestampMS: ts, NodeID: node}
}

func TestVersionOrdering(t *testing.T) {
	assert.True(t, v(200, 1).NewerThan(v(100, 1)))
	assert.False(t, v(100, 1).NewerThan(v(200, 1)))

	// Equal timestamps break ties by node id.
	assert.True(t, v(100, 2).NewerThan(v(100, 1)))
	assert.False(t, v(100, 1).NewerThan(v(100, 2)))

	// A version is never strictly newer than itself.
	assert.False(t, v(100, 1).NewerThan(v(100, 1)))
}

func TestEngineSetGet(t *testing.T) {
	e := NewEngine()

	require.True(t, e.Set([]byte("foo"), []byte("bar"), v(100, 1)))

	value, version, found := e.Get([]byte("foo"))
	require.True(t, found)
	assert.Equal(t, []byte("bar"), value)
	assert.Equal(t, v(100, 1), version)

	_, _, found = e.Get([]byte("missing"))
	assert.False(t, found)
}

func TestEngineLWWRejectsStaleWrites(t *testing.T) {
	e := NewEngine()

	require.True(t, e.Set([]byte("k"), []byte("new"), v(200, 1)))
	assert.False(t, e.Set([]byte("k"), []byte("old"), v(100, 1)), "older write must be rejected")
	assert.False(t, e.Set([]byte("k"), []byte("same"), v(200, 1)), "equal version must be rejected")

	value, _, found := e.Get([]byte("k"))
	require.True(t, found)
	assert.Equal(t, []byte("new"), value)
}

func TestEngineTombstoneMasksAndPersists(t *testing.T) {
	e := NewEngine()

	require.True(t, e.Set([]byte("foo"), []byte("bar"), v(100, 1)))
	require.True(t, e.Del([]byte("foo"), v(200, 1)))

	_, _, found := e.Get([]byte("foo"))
	assert.False(t, found, "tombstoned key must read as absent")

	// A resurrecting write with an older version loses against the tombstone.
	assert.False(t, e.Set([]byte("foo"), []byte("baz"), v(50, 1)))
	_, _, found = e.Get([]byte("foo"))
	assert.False(t, found)

	// A strictly newer write clears the tombstone.
	require.True(t, e.Set([]byte("foo"), []byte("baz"), v(300, 1)))
	value, _, found := e.Get([]byte("foo"))
	require.True(t, found)
	assert.Equal(t, []byte("baz"), value)
}

func TestEngineDelOnAbsentKeyWritesTombstone(t *testing.T) {
	e := NewEngine()

	require.True(t, e.Del([]byte("ghost"), v(100, 1)))
	_, _, found := e.Get([]byte("ghost"))
	assert.False(t, found)

	// The tombstone took the version: an older set cannot land.
	assert.False(t, e.Set([]byte("ghost"), []byte("x"), v(50, 1)))
}

func TestEngineAllEntriesIncludesTombstones(t *testing.T) {
	e := NewEngine()

	require.True(t, e.Set([]byte("a"), []byte("1"), v(100, 1)))
	require.True(t, e.Set([]byte("b"), []byte("2"), v(100, 1)))
	require.True(t, e.Del([]byte("b"), v(200, 1)))

	entries := e.AllEntries()
	require.Len(t, entries, 2)

	byKey := map[string]ValueEntry{}
	for _, ent := range entries {
		byKey[string(ent.Key)] = ent.Entry
	}
	assert.False(t, byKey["a"].Tombstone)
	assert.True(t, byKey["b"].Tombstone)
	assert.Equal(t, v(200, 1), byKey["b"].Version)
}

func TestEngineVersionMonotonicity(t *testing.T) {
	// Applying an arbitrary interleaving of operations never moves the
	// stored version backwards.
	e := NewEngine()
	key := []byte("k")

	ops := []struct {
		del bool
		ver Version
	}{
		{false, v(100, 1)},
		{false, v(90, 2)},
		{true, v(150, 1)},
		{false, v(150, 2)},
		{true, v(120, 9)},
		{false, v(200, 1)},
	}

	var last Version
	for _, op := range ops {
		if op.del {
			e.Del(key, op.ver)
		} else {
			e.Set(key, []byte("v"), op.ver)
		}

		entries := e.AllEntries()
		require.Len(t, entries, 1)
		current := entries[0].Entry.Version
		assert.False(t, last.NewerThan(current), "version went backwards: %v after %v", current, last)
		last = current
	}

	assert.Equal(t, v(200, 1), last)
}

func TestEngineConcurrentAccess(t *testing.T) {
	e := NewEngine()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("key-%d", i%50))
				e.Set(key, []byte("v"), v(uint64(i), uint32(g)))
				e.Get(key)
				if i%10 == 0 {
					e.AllEntries()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 50, e.Len())
}
