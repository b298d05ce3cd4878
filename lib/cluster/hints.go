package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dkvs-io/dkvs/lib/storage"
)

var (
	hintsStored   = metrics.GetOrCreateCounter("dkvs_hints_stored_total")
	hintsReplayed = metrics.GetOrCreateCounter("dkvs_hints_replayed_total")
)

// Hint records a replica write that could not be delivered. It is replayed
// with its original version once the target becomes reachable, so a late
// delivery can never overwrite newer data.
type Hint struct {
	TargetID      uint32
	TargetAddress string
	Key           []byte
	Value         []byte
	IsDel         bool
	Version       storage.Version
}

// HintStore keeps pending hints per target node, mirrored to an append-only
// file per target so hints survive a coordinator crash. A single mutex
// guards the in-memory map; disk appends happen outside it.
type HintStore struct {
	mu    sync.Mutex
	hints map[uint32][]Hint
	dir   string // empty disables persistence
}

// NewHintStore creates a hint store persisting under dir. An empty dir
// keeps hints in memory only.
func NewHintStore(dir string) *HintStore {
	return &HintStore{
		hints: make(map[uint32][]Hint),
		dir:   dir,
	}
}

// Store records a hint in memory and appends it to the target's hint file.
// Disk errors are best-effort: logged, never surfaced to the caller.
func (h *HintStore) Store(hint Hint) {
	h.mu.Lock()
	h.hints[hint.TargetID] = append(h.hints[hint.TargetID], hint)
	h.mu.Unlock()

	hintsStored.Inc()

	if h.dir != "" {
		if err := h.appendToDisk(hint); err != nil {
			Logger.Warningf("failed to persist hint for node %d: %v", hint.TargetID, err)
		}
	}
}

// HintsFor returns a copy of the pending hints for a target.
func (h *HintStore) HintsFor(targetID uint32) []Hint {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending := h.hints[targetID]
	out := make([]Hint, len(pending))
	copy(out, pending)
	return out
}

// ClearHintsFor drops the target's hints from memory and best-effort
// deletes its on-disk file.
func (h *HintStore) ClearHintsFor(targetID uint32) {
	h.mu.Lock()
	n := len(h.hints[targetID])
	delete(h.hints, targetID)
	h.mu.Unlock()

	hintsReplayed.Add(n)

	if h.dir != "" {
		if err := os.Remove(h.filePath(targetID)); err != nil && !os.IsNotExist(err) {
			Logger.Warningf("failed to remove hint file for node %d: %v", targetID, err)
		}
	}
}

// Size returns the total number of pending hints across all targets.
func (h *HintStore) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, pending := range h.hints {
		total += len(pending)
	}
	return total
}

// Load replays every hints_*.dat file in the store's directory into memory.
// Safe to call at startup before concurrent use.
func (h *HintStore) Load() error {
	if h.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan hint directory %s: %w", h.dir, err)
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "hints_") || !strings.HasSuffix(name, ".dat") {
			continue
		}

		loaded, err := loadHintFile(filepath.Join(h.dir, name))
		if err != nil {
			Logger.Warningf("failed to load hint file %s: %v", name, err)
			continue
		}

		h.mu.Lock()
		for _, hint := range loaded {
			h.hints[hint.TargetID] = append(h.hints[hint.TargetID], hint)
		}
		h.mu.Unlock()
	}

	return nil
}

// --------------------------------------------------------------------------
// Disk format
// --------------------------------------------------------------------------

// Hint record layout, all integers little-endian:
//
//	[target_node_id 4B] [addr_len 4B] [addr] [klen 4B] [key]
//	[vlen 4B] [value] [ts_ms 8B] [origin_node_id 4B] [is_del 1B]

func (h *HintStore) filePath(targetID uint32) string {
	return filepath.Join(h.dir, fmt.Sprintf("hints_%d.dat", targetID))
}

func (h *HintStore) appendToDisk(hint Hint) error {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(h.filePath(hint.TargetID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	out := bufio.NewWriter(f)
	putU32(out, hint.TargetID)
	putBytes(out, []byte(hint.TargetAddress))
	putBytes(out, hint.Key)
	putBytes(out, hint.Value)
	putU64(out, hint.Version.TimestampMS)
	putU32(out, hint.Version.NodeID)
	if hint.IsDel {
		out.WriteByte(1)
	} else {
		out.WriteByte(0)
	}
	return out.Flush()
}

func loadHintFile(path string) ([]Hint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	in := bufio.NewReader(f)
	var result []Hint

	for {
		hint, err := readHint(in)
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			// Torn trailing record: keep what parsed cleanly.
			return result, nil
		}
		result = append(result, hint)
	}
}

func readHint(in *bufio.Reader) (Hint, error) {
	var hint Hint

	targetID, err := getU32(in)
	if err != nil {
		return hint, err
	}
	hint.TargetID = targetID

	addr, err := getBytes(in)
	if err != nil {
		return hint, err
	}
	hint.TargetAddress = string(addr)

	if hint.Key, err = getBytes(in); err != nil {
		return hint, err
	}
	if hint.Value, err = getBytes(in); err != nil {
		return hint, err
	}
	if hint.Version.TimestampMS, err = getU64(in); err != nil {
		return hint, err
	}
	if hint.Version.NodeID, err = getU32(in); err != nil {
		return hint, err
	}

	isDel, err := in.ReadByte()
	if err != nil {
		return hint, err
	}
	hint.IsDel = isDel != 0

	return hint, nil
}

func putU32(out *bufio.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	out.Write(b[:])
}

func putU64(out *bufio.Writer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	out.Write(b[:])
}

func putBytes(out *bufio.Writer, b []byte) {
	putU32(out, uint32(len(b)))
	out.Write(b)
}

func getU32(in *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func getU64(in *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func getBytes(in *bufio.Reader) ([]byte, error) {
	n, err := getU32(in)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(in, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
