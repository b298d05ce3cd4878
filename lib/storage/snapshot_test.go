package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	e := NewEngine()
	require.True(t, e.Set([]byte("key1"), []byte("value one"), v(100, 1)))
	require.True(t, e.Set([]byte("key2"), []byte("value two"), v(110, 2)))
	require.True(t, e.Del([]byte("key2"), v(120, 2)))

	require.NoError(t, SaveSnapshot(e, 7, dir))

	snap, err := LoadSnapshot(filepath.Join(dir, "snapshot_7.dat"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.SeqNo)
	require.Len(t, snap.Entries, 2)

	byKey := map[string]ValueEntry{}
	for _, ent := range snap.Entries {
		byKey[string(ent.Key)] = ent.Entry
	}
	assert.Equal(t, []byte("value one"), byKey["key1"].Value)
	assert.Equal(t, v(100, 1), byKey["key1"].Version)
	assert.True(t, byKey["key2"].Tombstone)
	assert.Empty(t, byKey["key2"].Value)
	assert.Equal(t, v(120, 2), byKey["key2"].Version)
}

func TestSnapshotLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot_1.dat")
	require.NoError(t, os.WriteFile(path, []byte("NOPE whatever"), 0o644))

	_, err := LoadSnapshot(path)
	assert.Error(t, err)
}

func TestSnapshotLoadRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()

	e := NewEngine()
	require.True(t, e.Set([]byte("key1"), []byte("value1"), v(100, 1)))
	require.NoError(t, SaveSnapshot(e, 3, dir))

	path := filepath.Join(dir, "snapshot_3.dat")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-4))

	_, err = LoadSnapshot(path)
	assert.Error(t, err)
}

func TestFindLatestSnapshot(t *testing.T) {
	dir := t.TempDir()

	_, ok := FindLatestSnapshot(dir)
	assert.False(t, ok, "empty directory has no snapshot")

	e := NewEngine()
	require.True(t, e.Set([]byte("k"), []byte("v"), v(100, 1)))
	require.NoError(t, SaveSnapshot(e, 3, dir))
	require.NoError(t, SaveSnapshot(e, 12, dir))
	require.NoError(t, SaveSnapshot(e, 5, dir))

	// Non-matching files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot_x.dat"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.dat"), []byte("junk"), 0o644))

	path, ok := FindLatestSnapshot(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "snapshot_12.dat"), path)
}

func TestRecoverStateFromSnapshotAndWAL(t *testing.T) {
	walDir := t.TempDir()
	snapDir := t.TempDir()

	// Build a first life of the node: snapshot at seq 5, then two more WAL
	// records beyond it.
	e := NewEngine()
	require.True(t, e.Set([]byte("key1"), []byte("v1"), v(100, 1)))
	require.True(t, e.Set([]byte("key2"), []byte("v2"), v(100, 1)))
	require.NoError(t, SaveSnapshot(e, 5, snapDir))

	w := openTestWAL(t, walDir)
	// Records at or below the snapshot seq must be skipped on replay: burn
	// sequence numbers 1..5 with writes already covered by the snapshot.
	for i := 0; i < 5; i++ {
		_, err := w.Append(WalRecord{TimestampMS: 100, Op: OpSet, Key: []byte("key1"), Value: []byte("stale")})
		require.NoError(t, err)
	}
	_, err := w.Append(WalRecord{TimestampMS: 200, Op: OpSet, Key: []byte("key3"), Value: []byte("v3")})
	require.NoError(t, err)
	_, err = w.Append(WalRecord{TimestampMS: 300, Op: OpSet, Key: []byte("key1"), Value: []byte("v1_updated")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Reboot.
	e2 := NewEngine()
	w2 := openTestWAL(t, walDir)
	defer w2.Close()

	stats, err := RecoverState(e2, w2, snapDir, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.SnapshotSeqNo)
	assert.Equal(t, 2, stats.SnapshotEntries)
	assert.Equal(t, 7, stats.WALRecords)
	assert.Equal(t, 2, stats.WALReplayed)

	value, _, found := e2.Get([]byte("key1"))
	require.True(t, found)
	assert.Equal(t, []byte("v1_updated"), value)

	value, _, found = e2.Get([]byte("key2"))
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)

	value, _, found = e2.Get([]byte("key3"))
	require.True(t, found)
	assert.Equal(t, []byte("v3"), value)
}

func TestRecoverStateRestoresTombstones(t *testing.T) {
	walDir := t.TempDir()
	snapDir := t.TempDir()

	e := NewEngine()
	require.True(t, e.Set([]byte("alive"), []byte("v"), v(100, 1)))
	require.True(t, e.Del([]byte("dead"), v(200, 1)))
	require.NoError(t, SaveSnapshot(e, 1, snapDir))

	e2 := NewEngine()
	w := openTestWAL(t, walDir)
	defer w.Close()

	_, err := RecoverState(e2, w, snapDir, 1)
	require.NoError(t, err)

	_, _, found := e2.Get([]byte("alive"))
	assert.True(t, found)
	_, _, found = e2.Get([]byte("dead"))
	assert.False(t, found)

	// The tombstone version survived: an older resurrect is rejected.
	assert.False(t, e2.Set([]byte("dead"), []byte("zombie"), v(150, 1)))
}

func TestRecoverStateWithoutSnapshot(t *testing.T) {
	walDir := t.TempDir()

	w := openTestWAL(t, walDir)
	_, err := w.Append(WalRecord{TimestampMS: 100, Op: OpSet, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	_, err = w.Append(WalRecord{TimestampMS: 200, Op: OpDel, Key: []byte("k")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	e := NewEngine()
	w2 := openTestWAL(t, walDir)
	defer w2.Close()

	stats, err := RecoverState(e, w2, t.TempDir(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.WALReplayed)

	_, _, found := e.Get([]byte("k"))
	assert.False(t, found, "delete must win after replay")
}

func TestSnapshotMatchesEngineState(t *testing.T) {
	dir := t.TempDir()

	e := NewEngine()
	for i := 0; i < 64; i++ {
		key := []byte{byte(i), byte(i >> 4)}
		require.True(t, e.Set(key, []byte{byte(i)}, v(uint64(i+1), 1)))
	}

	require.NoError(t, SaveSnapshot(e, 64, dir))
	path, ok := FindLatestSnapshot(dir)
	require.True(t, ok)
	snap, err := LoadSnapshot(path)
	require.NoError(t, err)

	assert.Equal(t, e.Len(), len(snap.Entries))

	fromEngine := map[string]ValueEntry{}
	for _, ent := range e.AllEntries() {
		fromEngine[string(ent.Key)] = ent.Entry
	}
	for _, ent := range snap.Entries {
		stored, ok := fromEngine[string(ent.Key)]
		require.True(t, ok)
		assert.Equal(t, stored, ent.Entry)
	}
}
