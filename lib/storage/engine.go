// Package storage implements the durable state of a dkvs node: the sharded
// in-memory engine with last-writer-wins versioning, the write-ahead log,
// the snapshot format and the boot-time recovery that composes the two.
package storage

import (
	"sync"

	"github.com/dkvs-io/dkvs/lib/hashutil"
)

// NumShards is the fixed shard count of the engine. Keys map to shards by
// KeyHash(key) % NumShards; every node of a cluster must agree on it.
const NumShards = 32

// --------------------------------------------------------------------------
// Versions and entries
// --------------------------------------------------------------------------

// Version is the logical LWW version of a write: wall-clock milliseconds
// with the writing node's id as tiebreaker.
type Version struct {
	TimestampMS uint64
	NodeID      uint32
}

// NewerThan reports whether v is strictly newer than o under the LWW total
// order: higher timestamp wins, equal timestamps fall back to node id.
func (v Version) NewerThan(o Version) bool {
	if v.TimestampMS != o.TimestampMS {
		return v.TimestampMS > o.TimestampMS
	}
	return v.NodeID > o.NodeID
}

// ValueEntry is the stored state of a key. Tombstone entries carry an empty
// value; they are never pruned so a stale write can never resurrect a value
// that a later delete removed.
type ValueEntry struct {
	Tombstone bool
	Value     []byte
	Version   Version
}

// Entry pairs a key with its stored entry, as returned by AllEntries.
type Entry struct {
	Key   []byte
	Entry ValueEntry
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

type shard struct {
	mu   sync.RWMutex
	data map[string]ValueEntry
}

// Engine is the sharded in-memory store. Each shard is independently
// lockable; there is no global lock.
type Engine struct {
	shards [NumShards]shard
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	e := &Engine{}
	for i := range e.shards {
		e.shards[i].data = make(map[string]ValueEntry)
	}
	return e
}

func (e *Engine) shardFor(key []byte) *shard {
	return &e.shards[hashutil.KeyHash(key)%NumShards]
}

// Get returns the live value and version for key. Absent and tombstoned
// keys both report found=false.
func (e *Engine) Get(key []byte) (value []byte, version Version, found bool) {
	s := e.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[string(key)]
	if !ok || entry.Tombstone {
		return nil, Version{}, false
	}
	return entry.Value, entry.Version, true
}

// Set stores value under key iff the key is absent or version is strictly
// newer than the stored version. A successful set replaces the whole entry,
// clearing any tombstone. Reports whether the write was applied.
func (e *Engine) Set(key, value []byte, version Version) bool {
	s := e.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[string(key)]; ok && !version.NewerThan(existing.Version) {
		return false
	}

	// Copy the value so callers may reuse their buffer.
	v := make([]byte, len(value))
	copy(v, value)

	s.data[string(key)] = ValueEntry{Value: v, Version: version}
	return true
}

// Del replaces the entry for key with a tombstone iff version is strictly
// newer than the stored version (or the key is absent). The map entry is
// never erased; the tombstone's version keeps LWW monotonic across read
// repair. Reports whether the delete was applied.
func (e *Engine) Del(key []byte, version Version) bool {
	s := e.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[string(key)]; ok && !version.NewerThan(existing.Version) {
		return false
	}

	s.data[string(key)] = ValueEntry{Tombstone: true, Version: version}
	return true
}

// AllEntries copies out every stored entry, tombstones included. Shards are
// copied one at a time under their own read lock; ordering between shards
// is unspecified and the result is not a consistent point-in-time cut.
func (e *Engine) AllEntries() []Entry {
	var result []Entry

	for i := range e.shards {
		s := &e.shards[i]
		s.mu.RLock()
		for k, entry := range s.data {
			result = append(result, Entry{Key: []byte(k), Entry: entry})
		}
		s.mu.RUnlock()
	}

	return result
}

// Len returns the number of stored entries, tombstones included.
func (e *Engine) Len() int {
	n := 0
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}
