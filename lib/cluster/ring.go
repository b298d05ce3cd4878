// Package cluster implements the distribution layer of dkvs: the consistent
// hash ring, the inter-node connection pool, the hint store for failed
// replica writes, the cluster membership file parser, the heartbeat loop
// and the coordinator that ties them together.
package cluster

import (
	"fmt"
	"sort"

	"github.com/dkvs-io/dkvs/lib/hashutil"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cluster")

// DefaultVNodes is the default number of ring positions per physical node.
const DefaultVNodes = 128

// NodeInfo identifies a physical node on the ring.
type NodeInfo struct {
	ID      uint32
	Address string // "host:port"
}

// Ring is a consistent hash ring over virtual nodes. It is built once at
// boot and treated as immutable afterwards; membership changes are out of
// scope, so no lock guards reads.
type Ring struct {
	positions []uint64            // sorted ring positions
	byPos     map[uint64]NodeInfo // position -> owning node
	nodes     map[uint32]string   // node id -> address
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{
		byPos: make(map[uint64]NodeInfo),
		nodes: make(map[uint32]string),
	}
}

// AddNode places vnodes virtual nodes for the given physical node. Each
// position is KeyHash("<node_id>:<i>"); the rare hash collision is logged
// and that vnode skipped, slightly lowering the node's share of the ring.
func (r *Ring) AddNode(nodeID uint32, address string, vnodes int) {
	r.nodes[nodeID] = address
	info := NodeInfo{ID: nodeID, Address: address}

	for i := 0; i < vnodes; i++ {
		pos := hashutil.KeyHash([]byte(fmt.Sprintf("%d:%d", nodeID, i)))
		if _, taken := r.byPos[pos]; taken {
			Logger.Warningf("ring position collision at %d for node %d vnode %d, skipping", pos, nodeID, i)
			continue
		}
		r.byPos[pos] = info
		r.positions = append(r.positions, pos)
	}

	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
}

// RemoveNode erases every position bound to nodeID.
func (r *Ring) RemoveNode(nodeID uint32) {
	kept := r.positions[:0]
	for _, pos := range r.positions {
		if r.byPos[pos].ID == nodeID {
			delete(r.byPos, pos)
			continue
		}
		kept = append(kept, pos)
	}
	r.positions = kept
	delete(r.nodes, nodeID)
}

// GetNode returns the node owning key: the one at the first ring position
// strictly greater than the key's hash, wrapping to the smallest position.
func (r *Ring) GetNode(key []byte) (NodeInfo, bool) {
	if len(r.positions) == 0 {
		return NodeInfo{}, false
	}

	hash := hashutil.KeyHash(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] > hash
	})
	if idx == len(r.positions) {
		idx = 0
	}

	return r.byPos[r.positions[idx]], true
}

// ReplicaNodes walks clockwise from the key's position and collects up to
// count distinct physical nodes. The result has no duplicate node ids and
// never exceeds the physical node count.
func (r *Ring) ReplicaNodes(key []byte, count int) []NodeInfo {
	if len(r.positions) == 0 || count <= 0 {
		return nil
	}

	if count > len(r.nodes) {
		count = len(r.nodes)
	}

	hash := hashutil.KeyHash(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] > hash
	})
	if idx == len(r.positions) {
		idx = 0
	}

	result := make([]NodeInfo, 0, count)
	seen := make(map[uint32]struct{}, count)

	for visited := 0; visited < len(r.positions) && len(result) < count; visited++ {
		info := r.byPos[r.positions[(idx+visited)%len(r.positions)]]
		if _, dup := seen[info.ID]; dup {
			continue
		}
		seen[info.ID] = struct{}{}
		result = append(result, info)
	}

	return result
}

// NodeCount returns the number of physical nodes.
func (r *Ring) NodeCount() int {
	return len(r.nodes)
}

// Size returns the number of occupied ring positions.
func (r *Ring) Size() int {
	return len(r.positions)
}
