package server

import (
	"sync/atomic"
	"time"

	"github.com/dkvs-io/dkvs/lib/protocol"
	"github.com/dkvs-io/dkvs/lib/storage"
)

// LocalHandler executes commands directly against a storage engine: the
// degenerate single-node mode with no ring, no replication and no
// durability. Client mutations are versioned with the local clock and this
// node's id; the timestamp is bumped past the previous one when needed, so
// successive mutations within one millisecond still order correctly.
type LocalHandler struct {
	Engine *storage.Engine
	NodeID uint32

	lastTS atomic.Uint64
}

// Handle implements HandleFunc.
func (h *LocalHandler) Handle(cmd protocol.Command) []byte {
	switch cmd.Type {
	case protocol.CmdPing:
		return protocol.FormatPong()

	case protocol.CmdGet:
		value, _, found := h.Engine.Get(cmd.Key)
		if !found {
			return protocol.FormatNotFound()
		}
		return protocol.FormatValue(value)

	case protocol.CmdSet:
		h.Engine.Set(cmd.Key, cmd.Value, h.version())
		return protocol.FormatOK()

	case protocol.CmdDel:
		h.Engine.Del(cmd.Key, h.version())
		return protocol.FormatOK()

	case protocol.CmdRSet:
		h.Engine.Set(cmd.Key, cmd.Value, storage.Version{TimestampMS: cmd.TimestampMS, NodeID: cmd.NodeID})
		return protocol.FormatOK()

	case protocol.CmdRDel:
		h.Engine.Del(cmd.Key, storage.Version{TimestampMS: cmd.TimestampMS, NodeID: cmd.NodeID})
		return protocol.FormatOK()

	case protocol.CmdRGet:
		value, version, found := h.Engine.Get(cmd.Key)
		if !found {
			return protocol.FormatNotFound()
		}
		return protocol.FormatVersionedValue(value, version.TimestampMS, version.NodeID)
	}

	return protocol.FormatError("unsupported command")
}

func (h *LocalHandler) version() storage.Version {
	for {
		now := uint64(time.Now().UnixMilli())
		last := h.lastTS.Load()
		if now <= last {
			now = last + 1
		}
		if h.lastTS.CompareAndSwap(last, now) {
			return storage.Version{TimestampMS: now, NodeID: h.NodeID}
		}
	}
}
