package cluster

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dkvs-io/dkvs/lib/protocol"
	"github.com/dkvs-io/dkvs/lib/storage"
)

var (
	quorumWriteFails = metrics.GetOrCreateCounter("dkvs_quorum_write_failures_total")
	quorumReadFails  = metrics.GetOrCreateCounter("dkvs_quorum_read_failures_total")
	readRepairs      = metrics.GetOrCreateCounter("dkvs_read_repairs_total")
)

// Wire error messages surfaced by the coordinator.
const (
	errRoutingLoop     = "ROUTING_LOOP"
	errMalformedFwd    = "MALFORMED_FWD"
	errEmptyRing       = "EMPTY_RING"
	errQuorumFailed    = "QUORUM_FAILED"
	errNodeUnavailable = "NODE_UNAVAILABLE"
	errNodeTimeout     = "NODE_TIMEOUT"
	errInternal        = "INTERNAL"
)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	NodeID            uint32
	ReplicationFactor int
	WriteQuorum       int
	ReadQuorum        int
	SnapshotDir       string
	SnapshotInterval  uint64
	HintsDir          string
}

// Coordinator routes client commands to their replica set, gathers quorum
// acknowledgements, repairs stale replicas after reads and stores hints for
// replicas it could not reach. It owns the hint store; the heartbeat only
// holds a reference to invoke ReplayHintsFor.
type Coordinator struct {
	engine *storage.Engine
	ring   *Ring
	pool   *Pool
	wal    *storage.WAL
	hints  *HintStore
	opts   CoordinatorOptions

	opsSinceSnapshot atomic.Uint64
}

// NewCoordinator wires the coordinator and recovers any hints persisted by
// a previous run.
func NewCoordinator(engine *storage.Engine, ring *Ring, pool *Pool, wal *storage.WAL, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		engine: engine,
		ring:   ring,
		pool:   pool,
		wal:    wal,
		hints:  NewHintStore(opts.HintsDir),
		opts:   opts,
	}
	if err := c.hints.Load(); err != nil {
		Logger.Warningf("hint recovery failed: %v", err)
	}
	return c
}

// Hints exposes the coordinator's hint store (used by tests).
func (c *Coordinator) Hints() *HintStore {
	return c.hints
}

// lastTimestampMS is the most recent timestamp handed out by nowMS.
var lastTimestampMS atomic.Uint64

// nowMS returns the wall clock in milliseconds, bumped past the previous
// result when needed, so successive versions stamped by this process are
// strictly increasing even within one millisecond.
func nowMS() uint64 {
	for {
		now := uint64(time.Now().UnixMilli())
		last := lastTimestampMS.Load()
		if now <= last {
			now = last + 1
		}
		if lastTimestampMS.CompareAndSwap(last, now) {
			return now
		}
	}
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// Handle executes one parsed command and returns the wire response.
func (c *Coordinator) Handle(cmd protocol.Command) []byte {
	switch cmd.Type {
	case protocol.CmdPing:
		return protocol.FormatPong()

	case protocol.CmdFwd:
		// FWD is single-use: decrement-and-execute, never re-forward.
		if cmd.HopsRemaining == 0 {
			return protocol.FormatError(errRoutingLoop)
		}
		inner := protocol.TryParse(append(append([]byte(nil), cmd.InnerLine...), '\n'))
		if inner.Status != protocol.ParseOK {
			return protocol.FormatError(errMalformedFwd)
		}
		return c.ExecuteLocal(inner.Command)

	case protocol.CmdRSet, protocol.CmdRDel, protocol.CmdRGet:
		// Replication commands are sent by a coordinating peer directly to
		// this node; it already selected us as a replica.
		return c.ExecuteLocal(cmd)

	case protocol.CmdSet:
		return c.quorumWrite(cmd.Key, cmd.Value, false)

	case protocol.CmdDel:
		return c.quorumWrite(cmd.Key, nil, true)

	case protocol.CmdGet:
		return c.quorumRead(cmd.Key)
	}

	return protocol.FormatError(errInternal)
}

// ExecuteLocal applies a command against this node only. Client SET/DEL
// arriving here (via FWD) get a fresh version from the local clock;
// RSET/RDEL carry the version the coordinating node chose.
func (c *Coordinator) ExecuteLocal(cmd protocol.Command) []byte {
	ts := nowMS()

	switch cmd.Type {
	case protocol.CmdPing:
		return protocol.FormatPong()

	case protocol.CmdGet:
		value, _, found := c.engine.Get(cmd.Key)
		if !found {
			return protocol.FormatNotFound()
		}
		return protocol.FormatValue(value)

	case protocol.CmdSet:
		c.logMutation(storage.OpSet, cmd.Key, cmd.Value, ts)
		c.engine.Set(cmd.Key, cmd.Value, storage.Version{TimestampMS: ts, NodeID: c.opts.NodeID})
		c.maybeSnapshot()
		return protocol.FormatOK()

	case protocol.CmdDel:
		c.logMutation(storage.OpDel, cmd.Key, nil, ts)
		c.engine.Del(cmd.Key, storage.Version{TimestampMS: ts, NodeID: c.opts.NodeID})
		c.maybeSnapshot()
		return protocol.FormatOK()

	case protocol.CmdRSet:
		c.logMutation(storage.OpSet, cmd.Key, cmd.Value, cmd.TimestampMS)
		c.engine.Set(cmd.Key, cmd.Value, storage.Version{TimestampMS: cmd.TimestampMS, NodeID: cmd.NodeID})
		c.maybeSnapshot()
		return protocol.FormatOK()

	case protocol.CmdRDel:
		c.logMutation(storage.OpDel, cmd.Key, nil, cmd.TimestampMS)
		c.engine.Del(cmd.Key, storage.Version{TimestampMS: cmd.TimestampMS, NodeID: cmd.NodeID})
		c.maybeSnapshot()
		return protocol.FormatOK()

	case protocol.CmdRGet:
		value, version, found := c.engine.Get(cmd.Key)
		if !found {
			return protocol.FormatNotFound()
		}
		return protocol.FormatVersionedValue(value, version.TimestampMS, version.NodeID)
	}

	return protocol.FormatError(errInternal)
}

// logMutation appends a mutation to the WAL. Append failures are logged and
// swallowed: the write proceeds in memory (see DESIGN.md on durability
// error propagation).
func (c *Coordinator) logMutation(op storage.OpType, key, value []byte, timestampMS uint64) {
	if c.wal == nil {
		return
	}
	_, err := c.wal.Append(storage.WalRecord{
		TimestampMS: timestampMS,
		Op:          op,
		Key:         key,
		Value:       value,
	})
	if err != nil {
		Logger.Errorf("wal append failed for key %q: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Quorum write
// --------------------------------------------------------------------------

func (c *Coordinator) quorumWrite(key, value []byte, isDel bool) []byte {
	replicas := c.ring.ReplicaNodes(key, c.opts.ReplicationFactor)
	if len(replicas) == 0 {
		return protocol.FormatError(errEmptyRing)
	}

	// One version shared by the whole replica set, so every replica stores
	// identical LWW metadata.
	version := storage.Version{TimestampMS: nowMS(), NodeID: c.opts.NodeID}

	var (
		acks atomic.Int32
		wg   sync.WaitGroup
	)

	for _, replica := range replicas {
		wg.Add(1)
		go func(replica NodeInfo) {
			defer wg.Done()

			if replica.ID == c.opts.NodeID {
				rcmd := protocol.Command{
					Key:         key,
					Value:       value,
					TimestampMS: version.TimestampMS,
					NodeID:      version.NodeID,
				}
				if isDel {
					rcmd.Type = protocol.CmdRDel
				} else {
					rcmd.Type = protocol.CmdRSet
				}
				if bytes.Equal(c.ExecuteLocal(rcmd), protocol.FormatOK()) {
					acks.Add(1)
				}
				return
			}

			if c.sendReplicationWrite(replica.Address, key, value, isDel, version) {
				acks.Add(1)
				return
			}

			// The replica is unreachable: store a hint so the heartbeat can
			// replay the write once the node comes back.
			c.hints.Store(Hint{
				TargetID:      replica.ID,
				TargetAddress: replica.Address,
				Key:           append([]byte(nil), key...),
				Value:         append([]byte(nil), value...),
				IsDel:         isDel,
				Version:       version,
			})
		}(replica)
	}

	wg.Wait()

	if int(acks.Load()) >= c.opts.WriteQuorum {
		return protocol.FormatOK()
	}
	quorumWriteFails.Inc()
	return protocol.FormatError(errQuorumFailed)
}

// sendReplicationWrite delivers one RSET/RDEL to a replica and reports
// whether it acknowledged with +OK.
func (c *Coordinator) sendReplicationWrite(address string, key, value []byte, isDel bool, version storage.Version) bool {
	var (
		frame []byte
		err   error
	)
	if isDel {
		frame, err = protocol.FormatRDel(key, version.TimestampMS, version.NodeID)
	} else {
		frame, err = protocol.FormatRSet(key, value, version.TimestampMS, version.NodeID)
	}
	if err != nil {
		Logger.Errorf("cannot frame replication write for key %q: %v", key, err)
		return false
	}

	resp, _ := c.exchange(address, frame)
	return bytes.Equal(resp, protocol.FormatOK())
}

// --------------------------------------------------------------------------
// Quorum read
// --------------------------------------------------------------------------

type readResponse struct {
	ok      bool
	found   bool
	value   []byte
	version storage.Version
	replica NodeInfo
}

func (c *Coordinator) quorumRead(key []byte) []byte {
	replicas := c.ring.ReplicaNodes(key, c.opts.ReadQuorum)
	if len(replicas) == 0 {
		return protocol.FormatError(errEmptyRing)
	}

	responses := make([]readResponse, len(replicas))
	var wg sync.WaitGroup

	for i, replica := range replicas {
		wg.Add(1)
		go func(i int, replica NodeInfo) {
			defer wg.Done()

			resp := &responses[i]
			resp.replica = replica

			if replica.ID == c.opts.NodeID {
				resp.ok = true
				resp.value, resp.version, resp.found = c.engine.Get(key)
				return
			}
			*resp = c.sendReplicationRead(replica.Address, key)
			resp.replica = replica
		}(i, replica)
	}

	wg.Wait()

	// Pick the newest reachable response under LWW.
	var best *readResponse
	okCount := 0
	for i := range responses {
		r := &responses[i]
		if !r.ok {
			continue
		}
		okCount++
		if r.found && (best == nil || r.version.NewerThan(best.version)) {
			best = r
		}
	}

	if okCount == 0 {
		quorumReadFails.Inc()
		return protocol.FormatError(errQuorumFailed)
	}
	if best == nil {
		return protocol.FormatNotFound()
	}

	// Stale replicas: reachable but missing the winning version.
	var stale []NodeInfo
	for i := range responses {
		r := &responses[i]
		if !r.ok {
			continue
		}
		if !r.found || best.version.NewerThan(r.version) {
			stale = append(stale, r.replica)
		}
	}
	if len(stale) > 0 {
		c.readRepairAsync(key, best.value, best.version, stale)
	}

	return protocol.FormatValue(best.value)
}

// sendReplicationRead issues an RGET and parses the versioned reply.
func (c *Coordinator) sendReplicationRead(address string, key []byte) readResponse {
	frame, err := protocol.FormatRGet(key)
	if err != nil {
		return readResponse{}
	}

	resp, err := c.exchange(address, frame)
	if err != nil {
		return readResponse{}
	}

	vv, err := protocol.ParseVersionedValue(resp)
	if err != nil {
		Logger.Warningf("unparseable RGET reply from %s: %v", address, err)
		return readResponse{}
	}

	return readResponse{
		ok:      true,
		found:   vv.Found,
		value:   vv.Value,
		version: storage.Version{TimestampMS: vv.TimestampMS, NodeID: vv.NodeID},
	}
}

// readRepairAsync pushes the winning version to stale replicas without
// delaying the client response. Repair writes go through LWW like any other
// write, so a lost race cannot roll state back.
func (c *Coordinator) readRepairAsync(key, value []byte, version storage.Version, stale []NodeInfo) {
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)

	go func() {
		for _, replica := range stale {
			readRepairs.Inc()
			if replica.ID == c.opts.NodeID {
				c.engine.Set(key, value, version)
				continue
			}
			if !c.sendReplicationWrite(replica.Address, key, value, false, version) {
				Logger.Debugf("read repair to node %d (%s) failed", replica.ID, replica.Address)
			}
		}
	}()
}

// --------------------------------------------------------------------------
// Forwarding (single-owner routing path)
// --------------------------------------------------------------------------

// ForwardTo wraps innerLine in a FWD frame and relays it to a peer, which
// executes it locally. Retained alongside the quorum path; a forward is
// always single-hop.
func (c *Coordinator) ForwardTo(address string, innerLine []byte, hops uint32) []byte {
	pc, err := c.pool.Acquire(address)
	if err != nil {
		return protocol.FormatError(errNodeUnavailable)
	}

	frame := protocol.FormatForward(hops, innerLine)

	pc.Conn.SetDeadline(time.Now().Add(c.pool.Timeout()))
	if _, err := pc.Conn.Write(frame); err != nil {
		c.pool.Discard(pc)
		return protocol.FormatError(errNodeUnavailable)
	}

	resp, err := readReply(pc.Conn)
	if err != nil {
		c.pool.Discard(pc)
		if len(resp) == 0 && isTimeout(err) {
			return protocol.FormatError(errNodeTimeout)
		}
		return protocol.FormatError(errNodeUnavailable)
	}

	c.pool.Release(pc)
	return resp
}

// --------------------------------------------------------------------------
// Hinted handoff replay
// --------------------------------------------------------------------------

// ReplayHintsFor re-sends every pending hint for a target node, invoked by
// the heartbeat when the target transitions back to reachable. Hints are
// cleared only when every replay succeeded; otherwise they are retained for
// the next trigger. The address parameter overrides the stored one (the
// node may have restarted elsewhere); pass "" to use stored addresses.
func (c *Coordinator) ReplayHintsFor(targetID uint32, address string) {
	pending := c.hints.HintsFor(targetID)
	if len(pending) == 0 {
		return
	}

	Logger.Infof("replaying %d hints for node %d at %s", len(pending), targetID, address)

	allOK := true
	for _, hint := range pending {
		addr := address
		if addr == "" {
			addr = hint.TargetAddress
		}
		if !c.sendReplicationWrite(addr, hint.Key, hint.Value, hint.IsDel, hint.Version) {
			Logger.Warningf("hint replay failed for key %q to %s", hint.Key, addr)
			allOK = false
		}
	}

	if allOK {
		c.hints.ClearHintsFor(targetID)
		Logger.Infof("all hints replayed and cleared for node %d", targetID)
	}
}

// --------------------------------------------------------------------------
// Snapshot trigger
// --------------------------------------------------------------------------

// maybeSnapshot counts local mutations and, every SnapshotInterval ops,
// fsyncs the WAL and writes a snapshot. Failures are logged, never fatal.
func (c *Coordinator) maybeSnapshot() {
	if c.wal == nil || c.opts.SnapshotDir == "" || c.opts.SnapshotInterval == 0 {
		return
	}

	if c.opsSinceSnapshot.Add(1) < c.opts.SnapshotInterval {
		return
	}
	c.opsSinceSnapshot.Store(0)

	seq := c.wal.CurrentSeqNo()
	c.wal.Sync()
	if err := storage.SaveSnapshot(c.engine, seq, c.opts.SnapshotDir); err != nil {
		Logger.Errorf("snapshot at seq %d failed: %v", seq, err)
		return
	}
	Logger.Infof("snapshot saved at seq %d", seq)
}

// --------------------------------------------------------------------------
// Socket helpers
// --------------------------------------------------------------------------

// exchange sends one frame over a pooled connection and reads the single
// reply line. The connection is returned to the pool only after a clean
// round trip.
func (c *Coordinator) exchange(address string, frame []byte) ([]byte, error) {
	pc, err := c.pool.Acquire(address)
	if err != nil {
		return nil, err
	}

	pc.Conn.SetDeadline(time.Now().Add(c.pool.Timeout()))
	if _, err := pc.Conn.Write(frame); err != nil {
		c.pool.Discard(pc)
		return nil, err
	}

	resp, err := readReply(pc.Conn)
	if err != nil {
		c.pool.Discard(pc)
		return nil, err
	}

	c.pool.Release(pc)
	return resp, nil
}

// readReply reads until the newline terminating a reply. On error the bytes
// read so far are returned alongside it.
func readReply(conn net.Conn) ([]byte, error) {
	var resp []byte
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
			if resp[len(resp)-1] == '\n' {
				return resp, nil
			}
		}
		if err != nil {
			return resp, err
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
