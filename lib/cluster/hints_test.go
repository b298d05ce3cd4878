package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dkvs-io/dkvs/lib/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHint(target uint32, key string) Hint {
	return Hint{
		TargetID:      target,
		TargetAddress: "10.0.0.9:7001",
		Key:           []byte(key),
		Value:         []byte("value of " + key),
		IsDel:         false,
		Version:       storage.Version{TimestampMS: 1700000000000, NodeID: 1},
	}
}

func TestHintStoreInMemory(t *testing.T) {
	h := NewHintStore("")

	h.Store(sampleHint(2, "a"))
	h.Store(sampleHint(2, "b"))
	h.Store(sampleHint(3, "c"))

	assert.Equal(t, 3, h.Size())
	assert.Len(t, h.HintsFor(2), 2)
	assert.Len(t, h.HintsFor(3), 1)
	assert.Empty(t, h.HintsFor(9))

	h.ClearHintsFor(2)
	assert.Empty(t, h.HintsFor(2))
	assert.Equal(t, 1, h.Size())
}

func TestHintsForReturnsCopy(t *testing.T) {
	h := NewHintStore("")
	h.Store(sampleHint(2, "a"))

	got := h.HintsFor(2)
	got[0].Key = []byte("mutated")

	assert.Equal(t, []byte("a"), h.HintsFor(2)[0].Key)
}

func TestHintStorePersistence(t *testing.T) {
	dir := t.TempDir()

	h := NewHintStore(dir)
	h.Store(sampleHint(2, "k1"))
	h.Store(Hint{
		TargetID:      2,
		TargetAddress: "10.0.0.9:7001",
		Key:           []byte("k2"),
		IsDel:         true,
		Version:       storage.Version{TimestampMS: 1700000000099, NodeID: 4},
	})
	h.Store(sampleHint(5, "k3"))

	// A fresh store sees the persisted hints.
	h2 := NewHintStore(dir)
	require.NoError(t, h2.Load())
	assert.Equal(t, 3, h2.Size())

	got := h2.HintsFor(2)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("k1"), got[0].Key)
	assert.Equal(t, []byte("value of k1"), got[0].Value)
	assert.Equal(t, "10.0.0.9:7001", got[0].TargetAddress)
	assert.False(t, got[0].IsDel)

	assert.Equal(t, []byte("k2"), got[1].Key)
	assert.True(t, got[1].IsDel)
	assert.Equal(t, storage.Version{TimestampMS: 1700000000099, NodeID: 4}, got[1].Version)
}

func TestHintStoreClearRemovesFile(t *testing.T) {
	dir := t.TempDir()

	h := NewHintStore(dir)
	h.Store(sampleHint(2, "k1"))

	path := filepath.Join(dir, "hints_2.dat")
	_, err := os.Stat(path)
	require.NoError(t, err)

	h.ClearHintsFor(2)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestHintStoreLoadIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()

	h := NewHintStore(dir)
	h.Store(sampleHint(2, "k1"))
	h.Store(sampleHint(2, "k2"))

	// Truncate mid-record: the loader keeps what parsed cleanly.
	path := filepath.Join(dir, "hints_2.dat")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	h2 := NewHintStore(dir)
	require.NoError(t, h2.Load())
	assert.Len(t, h2.HintsFor(2), 1)
}

func TestHintStoreLoadMissingDir(t *testing.T) {
	h := NewHintStore(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.NoError(t, h.Load())
	assert.Equal(t, 0, h.Size())
}
