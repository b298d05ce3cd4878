package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dkvs-io/dkvs/lib/hashutil"
	"github.com/lni/dragonboat/v4/logger"
)

var walLogger = logger.GetLogger("wal")

var (
	walAppends = metrics.GetOrCreateCounter("dkvs_wal_appends_total")
	walFsyncs  = metrics.GetOrCreateCounter("dkvs_wal_fsyncs_total")
)

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// OpType is the operation recorded in a WAL record.
type OpType uint8

const (
	OpSet OpType = 0
	OpDel OpType = 1
)

// WalRecord is one logged mutation. SeqNo is assigned at append time and is
// strictly monotonic per log, starting at 1. Value is empty for deletes.
type WalRecord struct {
	SeqNo       uint64
	TimestampMS uint64
	Op          OpType
	Key         []byte
	Value       []byte
}

// Record layout:
//
//	[crc32 4B LE] [seq_no 8B LE] [timestamp_ms 8B LE] [op 1B]
//	[klen 4B LE] [key] [vlen 4B LE] [value]
//
// The CRC covers every byte after the checksum field.
const (
	walCRCSize         = 4
	walFixedPayload    = 8 + 8 + 1 + 4 // seq + ts + op + klen
	walMinRecordSize   = walCRCSize + walFixedPayload + 4
	walFileName        = "wal.bin"
)

// --------------------------------------------------------------------------
// WAL
// --------------------------------------------------------------------------

// WALOptions tunes the durability policy. A zero value disables the
// corresponding mechanism.
type WALOptions struct {
	// FsyncIntervalMS: a background timer fsyncs at most this often when
	// appends are pending.
	FsyncIntervalMS int
	// FsyncBatchOps: an inline fsync fires every this many appends.
	FsyncBatchOps int
}

// WAL is the append-only write-ahead log. A single mutex serializes
// appends; the background fsync runs outside it.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	nextSeq uint64
	opts    WALOptions

	dirty    atomic.Bool
	batchOps atomic.Uint64

	stopCh chan struct{}
	timerWg sync.WaitGroup
}

// OpenWAL opens (creating if necessary) the log file wal.bin inside dir and
// starts the background fsync timer if configured. Call Recover before
// issuing concurrent appends.
func OpenWAL(dir string, opts WALOptions) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, walFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file %s: %w", path, err)
	}

	w := &WAL{
		file:    file,
		path:    path,
		nextSeq: 1,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}

	if opts.FsyncIntervalMS > 0 {
		w.timerWg.Add(1)
		go w.fsyncLoop(time.Duration(opts.FsyncIntervalMS) * time.Millisecond)
	}

	return w, nil
}

// Append assigns the next sequence number to record, writes it and returns
// the assigned number. The write syscall happens under the mutex so records
// never interleave.
func (w *WAL) Append(record WalRecord) (uint64, error) {
	w.mu.Lock()

	record.SeqNo = w.nextSeq
	w.nextSeq++

	buf := serializeRecord(record)
	_, err := w.file.Write(buf)

	w.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}

	walAppends.Inc()
	w.dirty.Store(true)

	if w.opts.FsyncBatchOps > 0 {
		if n := w.batchOps.Add(1); n >= uint64(w.opts.FsyncBatchOps) {
			w.batchOps.Store(0)
			w.Sync()
		}
	}

	return record.SeqNo, nil
}

// Recover reads the whole file and returns every intact record in order.
// Recovery halts at the first short or corrupt record — the tail is treated
// as a torn write. The next append continues at max(seq)+1.
func (w *WAL) Recover() ([]WalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("wal recover: %w", err)
	}

	var records []WalRecord
	offset := 0
	for offset < len(data) {
		rec, consumed, ok := deserializeRecord(data[offset:])
		if !ok {
			walLogger.Warningf("recovery halted at offset %d (invalid CRC or truncated record)", offset)
			break
		}
		records = append(records, rec)
		offset += consumed

		if rec.SeqNo >= w.nextSeq {
			w.nextSeq = rec.SeqNo + 1
		}
	}

	return records, nil
}

// Sync forces an immediate fsync.
func (w *WAL) Sync() {
	w.dirty.Store(false)
	if err := w.file.Sync(); err != nil {
		walLogger.Errorf("fsync failed: %v", err)
		return
	}
	walFsyncs.Inc()
}

// CurrentSeqNo returns the sequence number of the most recent append, or 0
// if nothing has been appended.
func (w *WAL) CurrentSeqNo() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq - 1
}

// Close stops the fsync timer, performs a final fsync and closes the file.
func (w *WAL) Close() error {
	close(w.stopCh)
	w.timerWg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		walLogger.Errorf("final fsync failed: %v", err)
	}
	return w.file.Close()
}

// fsyncLoop is the background durability timer: it fsyncs whenever appends
// happened since the last sync.
func (w *WAL) fsyncLoop(interval time.Duration) {
	defer w.timerWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.dirty.Swap(false) {
				if err := w.file.Sync(); err != nil {
					walLogger.Errorf("background fsync failed: %v", err)
					continue
				}
				walFsyncs.Inc()
			}
		case <-w.stopCh:
			return
		}
	}
}

// --------------------------------------------------------------------------
// Serialization
// --------------------------------------------------------------------------

func serializeRecord(rec WalRecord) []byte {
	payloadLen := walFixedPayload + len(rec.Key) + 4 + len(rec.Value)
	buf := make([]byte, walCRCSize+payloadLen)

	p := buf[walCRCSize:]
	binary.LittleEndian.PutUint64(p[0:8], rec.SeqNo)
	binary.LittleEndian.PutUint64(p[8:16], rec.TimestampMS)
	p[16] = byte(rec.Op)
	binary.LittleEndian.PutUint32(p[17:21], uint32(len(rec.Key)))
	copy(p[21:], rec.Key)
	off := 21 + len(rec.Key)
	binary.LittleEndian.PutUint32(p[off:off+4], uint32(len(rec.Value)))
	copy(p[off+4:], rec.Value)

	binary.LittleEndian.PutUint32(buf[0:4], hashutil.Checksum(p))
	return buf
}

// deserializeRecord parses one record from the front of data. ok=false
// means the bytes do not form an intact record (short or CRC mismatch).
func deserializeRecord(data []byte) (WalRecord, int, bool) {
	if len(data) < walMinRecordSize {
		return WalRecord{}, 0, false
	}

	storedCRC := binary.LittleEndian.Uint32(data[0:4])
	payload := data[walCRCSize:]

	seqNo := binary.LittleEndian.Uint64(payload[0:8])
	timestampMS := binary.LittleEndian.Uint64(payload[8:16])
	op := OpType(payload[16])
	keyLen := int(binary.LittleEndian.Uint32(payload[17:21]))

	if 21+keyLen+4 > len(payload) {
		return WalRecord{}, 0, false
	}
	valLen := int(binary.LittleEndian.Uint32(payload[21+keyLen : 21+keyLen+4]))

	totalPayload := 21 + keyLen + 4 + valLen
	if walCRCSize+totalPayload > len(data) {
		return WalRecord{}, 0, false
	}

	if hashutil.Checksum(payload[:totalPayload]) != storedCRC {
		return WalRecord{}, 0, false
	}

	rec := WalRecord{
		SeqNo:       seqNo,
		TimestampMS: timestampMS,
		Op:          op,
		Key:         append([]byte(nil), payload[21:21+keyLen]...),
		Value:       append([]byte{}, payload[25+keyLen:25+keyLen+valLen]...),
	}
	return rec, walCRCSize + totalPayload, true
}
