package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var snapLogger = logger.GetLogger("storage")

var snapshotsSaved = metrics.GetOrCreateCounter("dkvs_snapshots_saved_total")

// snapshotMagic identifies a dkvs snapshot file.
var snapshotMagic = []byte("DKVS")

// SnapshotEntry is one persisted key with its stored state.
type SnapshotEntry struct {
	Key   []byte
	Entry ValueEntry
}

// SnapshotData is the parsed content of a snapshot file. SeqNo is the WAL
// sequence number the snapshot covers; entries include tombstones.
type SnapshotData struct {
	SeqNo   uint64
	Entries []SnapshotEntry
}

// snapshotFilePattern matches snapshot_<digits>.dat.
var snapshotFilePattern = regexp.MustCompile(`^snapshot_(\d+)\.dat$`)

// SnapshotFileName returns the file name for a snapshot covering seqNo.
func SnapshotFileName(seqNo uint64) string {
	return fmt.Sprintf("snapshot_%d.dat", seqNo)
}

// SaveSnapshot writes the engine's full state (tombstones included) to
// snapshot_<seqNo>.dat in dir.
//
// Layout: [magic "DKVS" 4B] [seq_no 8B LE] [count 4B LE] then per entry
// [tombstone 1B] [klen 4B LE] [key] [vlen 4B LE] [value] [ts_ms 8B LE]
// [node_id 4B LE].
func SaveSnapshot(e *Engine, seqNo uint64, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, SnapshotFileName(seqNo))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", path, err)
	}
	defer file.Close()

	entries := e.AllEntries()

	out := bufio.NewWriter(file)
	out.Write(snapshotMagic)
	writeU64(out, seqNo)
	writeU32(out, uint32(len(entries)))

	for _, ent := range entries {
		if ent.Entry.Tombstone {
			out.WriteByte(1)
		} else {
			out.WriteByte(0)
		}
		writeU32(out, uint32(len(ent.Key)))
		out.Write(ent.Key)
		writeU32(out, uint32(len(ent.Entry.Value)))
		out.Write(ent.Entry.Value)
		writeU64(out, ent.Entry.Version.TimestampMS)
		writeU32(out, ent.Entry.Version.NodeID)
	}

	if err := out.Flush(); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}

	snapshotsSaved.Inc()
	return nil
}

// LoadSnapshot parses a snapshot file. Any I/O failure, bad magic or
// truncated entry yields an error, which callers treat as "no snapshot".
func LoadSnapshot(path string) (*SnapshotData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	in := bufio.NewReader(file)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(in, magic); err != nil {
		return nil, fmt.Errorf("read snapshot magic: %w", err)
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return nil, fmt.Errorf("invalid snapshot magic in %s", path)
	}

	data := &SnapshotData{}
	if data.SeqNo, err = readU64(in); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	count, err := readU32(in)
	if err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}

	data.Entries = make([]SnapshotEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		ent, err := readSnapshotEntry(in)
		if err != nil {
			return nil, fmt.Errorf("truncated snapshot entry %d in %s: %w", i, path, err)
		}
		data.Entries = append(data.Entries, ent)
	}

	return data, nil
}

// FindLatestSnapshot scans dir for snapshot_<digits>.dat files and returns
// the path of the one with the largest sequence number.
func FindLatestSnapshot(dir string) (string, bool) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var (
		bestPath string
		bestSeq  uint64
	)
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		m := snapshotFilePattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		if bestPath == "" || seq > bestSeq {
			bestSeq = seq
			bestPath = filepath.Join(dir, de.Name())
		}
	}

	if bestPath == "" {
		return "", false
	}
	return bestPath, true
}

func readSnapshotEntry(in *bufio.Reader) (SnapshotEntry, error) {
	var ent SnapshotEntry

	tomb, err := in.ReadByte()
	if err != nil {
		return ent, err
	}
	ent.Entry.Tombstone = tomb != 0

	if ent.Key, err = readBytesField(in); err != nil {
		return ent, err
	}
	if ent.Entry.Value, err = readBytesField(in); err != nil {
		return ent, err
	}
	if ent.Entry.Version.TimestampMS, err = readU64(in); err != nil {
		return ent, err
	}
	if ent.Entry.Version.NodeID, err = readU32(in); err != nil {
		return ent, err
	}

	return ent, nil
}

// --------------------------------------------------------------------------
// Little-endian helpers
// --------------------------------------------------------------------------

func writeU32(out *bufio.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	out.Write(b[:])
}

func writeU64(out *bufio.Writer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	out.Write(b[:])
}

func readU32(in *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(in *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readBytesField(in *bufio.Reader) ([]byte, error) {
	n, err := readU32(in)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(in, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
