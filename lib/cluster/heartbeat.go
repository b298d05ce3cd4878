package cluster

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkvs-io/dkvs/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var hbLogger = logger.GetLogger("heartbeat")

// peerState tracks one peer's reachability. lastSeen is touched only by
// the sweep loop; down is read concurrently via IsDown.
type peerState struct {
	info     NodeInfo
	lastSeen time.Time
	down     atomic.Bool
}

// Heartbeat periodically pings every peer over the shared connection pool
// and marks peers down when they miss responses past the timeout. When a
// previously-down peer answers again, it triggers the coordinator's hint
// replay for that peer.
type Heartbeat struct {
	coord    *Coordinator
	pool     *Pool
	peers    *xsync.MapOf[uint32, *peerState]
	interval time.Duration
	timeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHeartbeat creates a heartbeat over the given peers (the local node
// must not be included).
func NewHeartbeat(coord *Coordinator, pool *Pool, peers []NodeInfo, interval, timeout time.Duration) *Heartbeat {
	h := &Heartbeat{
		coord:    coord,
		pool:     pool,
		peers:    xsync.NewMapOf[uint32, *peerState](),
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
	now := time.Now()
	for _, p := range peers {
		h.peers.Store(p.ID, &peerState{info: p, lastSeen: now})
	}
	return h
}

// Start launches the heartbeat loop.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop terminates the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// IsDown reports whether a peer is currently considered unreachable.
func (h *Heartbeat) IsDown(nodeID uint32) bool {
	state, ok := h.peers.Load(nodeID)
	return ok && state.down.Load()
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

// sweep pings every peer once and updates its reachability state.
func (h *Heartbeat) sweep() {
	now := time.Now()

	h.peers.Range(func(id uint32, state *peerState) bool {
		if h.ping(state.info.Address) {
			state.lastSeen = now
			if state.down.Swap(false) {
				hbLogger.Infof("node %d (%s) is back up, replaying hints", id, state.info.Address)
				go h.coord.ReplayHintsFor(id, state.info.Address)
			}
			return true
		}

		if !state.down.Load() && now.Sub(state.lastSeen) > h.timeout {
			state.down.Store(true)
			hbLogger.Warningf("node %d (%s) marked down", id, state.info.Address)
		}
		return true
	})
}

// ping sends one PING frame and expects +PONG back.
func (h *Heartbeat) ping(address string) bool {
	pc, err := h.pool.Acquire(address)
	if err != nil {
		return false
	}

	pc.Conn.SetDeadline(time.Now().Add(h.pool.Timeout()))
	if _, err := pc.Conn.Write(protocol.FormatPing()); err != nil {
		h.pool.Discard(pc)
		return false
	}

	resp, err := readReply(pc.Conn)
	if err != nil {
		h.pool.Discard(pc)
		return false
	}

	h.pool.Release(pc)
	return bytes.Equal(resp, protocol.FormatPong())
}
