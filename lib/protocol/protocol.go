// Package protocol implements the newline-delimited text protocol spoken
// between clients and nodes, and between nodes for replication.
//
// A frame is a single line terminated by '\n'. Key and value fields are
// length-prefixed, so they may contain any byte except '\n' — the first
// newline in the stream always terminates the frame. Senders must refuse
// keys and values containing newlines; the parser simply treats a newline
// as frame end.
package protocol

import (
	"bytes"
	"strconv"
)

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// CommandType enumerates the frame types of the wire protocol.
type CommandType uint8

const (
	CmdSet CommandType = iota
	CmdGet
	CmdDel
	CmdPing
	// CmdFwd is an internal single-hop forwarded request.
	CmdFwd
	// CmdRSet, CmdRDel and CmdRGet are internal replication commands. RSET
	// and RDEL carry an explicit version chosen by the coordinating node so
	// every replica stores identical metadata.
	CmdRSet
	CmdRDel
	CmdRGet
)

func (t CommandType) String() string {
	switch t {
	case CmdSet:
		return "SET"
	case CmdGet:
		return "GET"
	case CmdDel:
		return "DEL"
	case CmdPing:
		return "PING"
	case CmdFwd:
		return "FWD"
	case CmdRSet:
		return "RSET"
	case CmdRDel:
		return "RDEL"
	case CmdRGet:
		return "RGET"
	default:
		return "UNKNOWN"
	}
}

// DefaultForwardHops is the TTL carried by a freshly created FWD frame. A
// FWD is single-use; the TTL only exists to hard-stop routing loops.
const DefaultForwardHops uint32 = 2

// Command is one parsed request frame.
type Command struct {
	Type  CommandType
	Key   []byte
	Value []byte // empty for GET/DEL/PING

	// Version carried by RSET/RDEL frames.
	TimestampMS uint64
	NodeID      uint32

	// FWD fields.
	HopsRemaining uint32
	InnerLine     []byte // opaque inner command without trailing newline
}

// --------------------------------------------------------------------------
// Parser
// --------------------------------------------------------------------------

// ParseStatus is the outcome of a TryParse call.
type ParseStatus int

const (
	// ParseOK: a complete command was parsed.
	ParseOK ParseStatus = iota
	// ParseIncomplete: no full frame in the buffer yet (Consumed is 0).
	ParseIncomplete
	// ParseError: the frame is malformed. Consumed covers the entire frame
	// up to and including the newline so the stream stays aligned.
	ParseError
)

// ParseResult carries the outcome of parsing one frame from a buffer.
type ParseResult struct {
	Status   ParseStatus
	Command  Command // valid only when Status == ParseOK
	Consumed int     // bytes of the buffer used by this frame
	Err      string  // human-readable, set when Status == ParseError
}

// TryParse attempts to parse a single frame from buf. The caller advances
// its read cursor by Consumed bytes and calls again; ParseIncomplete means
// more data is needed.
func TryParse(buf []byte) ParseResult {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return ParseResult{Status: ParseIncomplete}
	}

	frame := buf[:nl]    // without the newline
	totalSize := nl + 1  // including the newline

	fail := func(msg string) ParseResult {
		return ParseResult{Status: ParseError, Consumed: totalSize, Err: msg}
	}

	// The command word runs up to the first space or end of frame.
	cmdEnd := bytes.IndexByte(frame, ' ')
	if cmdEnd < 0 {
		cmdEnd = len(frame)
	}
	word := string(frame[:cmdEnd])
	c := cursor{data: frame, pos: cmdEnd}

	cmd := Command{}

	switch word {
	case "PING":
		if !c.done() {
			return fail("PING takes no arguments")
		}
		cmd.Type = CmdPing
		return ParseResult{Status: ParseOK, Command: cmd, Consumed: totalSize}

	case "GET", "DEL", "RGET":
		switch word {
		case "GET":
			cmd.Type = CmdGet
		case "DEL":
			cmd.Type = CmdDel
		case "RGET":
			cmd.Type = CmdRGet
		}

		if !c.space() {
			return fail("expected space after command")
		}
		klen, ok := c.uint32()
		if !ok {
			return fail("invalid key_len")
		}
		if !c.space() {
			return fail("expected space after key_len")
		}
		if cmd.Key, ok = c.bytes(int(klen)); !ok {
			return fail("key shorter than key_len")
		}
		if !c.done() {
			return fail("trailing data after key")
		}
		return ParseResult{Status: ParseOK, Command: cmd, Consumed: totalSize}

	case "SET", "RSET":
		if word == "SET" {
			cmd.Type = CmdSet
		} else {
			cmd.Type = CmdRSet
		}

		if !c.space() {
			return fail("expected space after command")
		}
		klen, ok := c.uint32()
		if !ok {
			return fail("invalid key_len")
		}
		if !c.space() {
			return fail("expected space after key_len")
		}
		if cmd.Key, ok = c.bytes(int(klen)); !ok {
			return fail("key shorter than key_len")
		}
		if !c.space() {
			return fail("expected space after key")
		}
		vlen, ok := c.uint32()
		if !ok {
			return fail("invalid val_len")
		}
		if !c.space() {
			return fail("expected space after val_len")
		}
		if cmd.Value, ok = c.bytes(int(vlen)); !ok {
			return fail("value shorter than val_len")
		}

		if cmd.Type == CmdSet {
			if !c.done() {
				return fail("trailing data after value")
			}
			return ParseResult{Status: ParseOK, Command: cmd, Consumed: totalSize}
		}

		// RSET additionally carries the version.
		if !c.space() {
			return fail("expected space after value")
		}
		if cmd.TimestampMS, ok = c.uint64(); !ok {
			return fail("invalid timestamp")
		}
		if !c.space() {
			return fail("expected space after timestamp")
		}
		if cmd.NodeID, ok = c.uint32(); !ok {
			return fail("invalid node_id")
		}
		if !c.done() {
			return fail("trailing data after node_id")
		}
		return ParseResult{Status: ParseOK, Command: cmd, Consumed: totalSize}

	case "RDEL":
		cmd.Type = CmdRDel

		if !c.space() {
			return fail("expected space after command")
		}
		klen, ok := c.uint32()
		if !ok {
			return fail("invalid key_len")
		}
		if !c.space() {
			return fail("expected space after key_len")
		}
		if cmd.Key, ok = c.bytes(int(klen)); !ok {
			return fail("key shorter than key_len")
		}
		if !c.space() {
			return fail("expected space after key")
		}
		if cmd.TimestampMS, ok = c.uint64(); !ok {
			return fail("invalid timestamp")
		}
		if !c.space() {
			return fail("expected space after timestamp")
		}
		if cmd.NodeID, ok = c.uint32(); !ok {
			return fail("invalid node_id")
		}
		if !c.done() {
			return fail("trailing data after node_id")
		}
		return ParseResult{Status: ParseOK, Command: cmd, Consumed: totalSize}

	case "FWD":
		cmd.Type = CmdFwd

		if !c.space() {
			return fail("expected space after FWD")
		}
		hops, ok := c.uint32()
		if !ok {
			return fail("invalid hop count")
		}
		if !c.space() {
			return fail("expected space after hop count")
		}
		cmd.HopsRemaining = hops
		// Everything up to the newline is the opaque inner command.
		cmd.InnerLine = frame[c.pos:]
		return ParseResult{Status: ParseOK, Command: cmd, Consumed: totalSize}
	}

	return fail("unknown command")
}

// --------------------------------------------------------------------------
// Parse cursor
// --------------------------------------------------------------------------

// cursor walks a frame during parsing. All methods advance pos on success
// and leave it untouched on failure.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) done() bool {
	return c.pos == len(c.data)
}

// space consumes exactly one space byte.
func (c *cursor) space() bool {
	if c.pos >= len(c.data) || c.data[c.pos] != ' ' {
		return false
	}
	c.pos++
	return true
}

// uint32 parses a decimal unsigned integer up to the next space or frame end.
func (c *cursor) uint32() (uint32, bool) {
	v, ok := c.uintN(32)
	return uint32(v), ok
}

// uint64 parses a decimal unsigned integer up to the next space or frame end.
func (c *cursor) uint64() (uint64, bool) {
	return c.uintN(64)
}

func (c *cursor) uintN(bits int) (uint64, bool) {
	start := c.pos
	for c.pos < len(c.data) && c.data[c.pos] >= '0' && c.data[c.pos] <= '9' {
		c.pos++
	}
	if c.pos == start {
		return 0, false
	}
	v, err := strconv.ParseUint(string(c.data[start:c.pos]), 10, bits)
	if err != nil {
		c.pos = start
		return 0, false
	}
	return v, true
}

// bytes consumes exactly n bytes.
func (c *cursor) bytes(n int) ([]byte, bool) {
	if c.pos+n > len(c.data) {
		return nil, false
	}
	out := c.data[c.pos : c.pos+n]
	c.pos += n
	return out, true
}
