package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// --------------------------------------------------------------------------
// Response formatters
// --------------------------------------------------------------------------

var (
	respOK       = []byte("+OK\n")
	respPong     = []byte("+PONG\n")
	respNotFound = []byte("-NOT_FOUND\n")
)

// FormatOK returns "+OK\n".
func FormatOK() []byte { return respOK }

// FormatPong returns "+PONG\n".
func FormatPong() []byte { return respPong }

// FormatNotFound returns "-NOT_FOUND\n".
func FormatNotFound() []byte { return respNotFound }

// FormatValue returns "$<len> <value>\n".
func FormatValue(value []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(value) + 16)
	b.WriteByte('$')
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(' ')
	b.Write(value)
	b.WriteByte('\n')
	return b.Bytes()
}

// FormatVersionedValue returns "$V <len> <value> <ts_ms> <node_id>\n". It is
// the RGET reply format: the version rides along so the coordinator can
// compare replicas under LWW.
func FormatVersionedValue(value []byte, timestampMS uint64, nodeID uint32) []byte {
	var b bytes.Buffer
	b.Grow(len(value) + 48)
	b.WriteString("$V ")
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(' ')
	b.Write(value)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(timestampMS, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(nodeID), 10))
	b.WriteByte('\n')
	return b.Bytes()
}

// FormatError returns "-ERR <message>\n".
func FormatError(message string) []byte {
	return []byte("-ERR " + message + "\n")
}

// FormatForward returns "FWD <hops> <inner>\n", wrapping an existing command
// line for inter-node forwarding.
func FormatForward(hops uint32, innerLine []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(innerLine) + 16)
	b.WriteString("FWD ")
	b.WriteString(strconv.FormatUint(uint64(hops), 10))
	b.WriteByte(' ')
	b.Write(innerLine)
	b.WriteByte('\n')
	return b.Bytes()
}

// --------------------------------------------------------------------------
// Request formatters (sender side)
// --------------------------------------------------------------------------

// ErrEmbeddedNewline is returned by request formatters when a key or value
// contains a newline, which the framing cannot carry.
var ErrEmbeddedNewline = fmt.Errorf("key or value contains a newline")

func checkNoNewline(fields ...[]byte) error {
	for _, f := range fields {
		if bytes.IndexByte(f, '\n') >= 0 {
			return ErrEmbeddedNewline
		}
	}
	return nil
}

// FormatSet builds a client "SET <klen> <key> <vlen> <value>\n" frame.
func FormatSet(key, value []byte) ([]byte, error) {
	if err := checkNoNewline(key, value); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(key) + len(value) + 24)
	b.WriteString("SET ")
	b.WriteString(strconv.Itoa(len(key)))
	b.WriteByte(' ')
	b.Write(key)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(' ')
	b.Write(value)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// FormatGet builds a client "GET <klen> <key>\n" frame.
func FormatGet(key []byte) ([]byte, error) {
	return formatKeyOnly("GET", key)
}

// FormatDel builds a client "DEL <klen> <key>\n" frame.
func FormatDel(key []byte) ([]byte, error) {
	return formatKeyOnly("DEL", key)
}

// FormatRGet builds an internal "RGET <klen> <key>\n" frame.
func FormatRGet(key []byte) ([]byte, error) {
	return formatKeyOnly("RGET", key)
}

// FormatPing builds a "PING\n" frame.
func FormatPing() []byte {
	return []byte("PING\n")
}

// FormatRSet builds an internal "RSET <klen> <key> <vlen> <value> <ts> <id>\n"
// frame carrying the coordinator-chosen version.
func FormatRSet(key, value []byte, timestampMS uint64, nodeID uint32) ([]byte, error) {
	if err := checkNoNewline(key, value); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(key) + len(value) + 48)
	b.WriteString("RSET ")
	b.WriteString(strconv.Itoa(len(key)))
	b.WriteByte(' ')
	b.Write(key)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(' ')
	b.Write(value)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(timestampMS, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(nodeID), 10))
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// FormatRDel builds an internal "RDEL <klen> <key> <ts> <id>\n" frame.
func FormatRDel(key []byte, timestampMS uint64, nodeID uint32) ([]byte, error) {
	if err := checkNoNewline(key); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(key) + 40)
	b.WriteString("RDEL ")
	b.WriteString(strconv.Itoa(len(key)))
	b.WriteByte(' ')
	b.Write(key)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(timestampMS, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(nodeID), 10))
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func formatKeyOnly(word string, key []byte) ([]byte, error) {
	if err := checkNoNewline(key); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(key) + 16)
	b.WriteString(word)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(key)))
	b.WriteByte(' ')
	b.Write(key)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SerializeCommandLine renders a client command back into its wire line
// without the trailing newline, for embedding into a FWD frame.
func SerializeCommandLine(cmd Command) []byte {
	switch cmd.Type {
	case CmdPing:
		return []byte("PING")
	case CmdGet:
		line, _ := formatKeyOnly("GET", cmd.Key)
		return bytes.TrimSuffix(line, []byte("\n"))
	case CmdDel:
		line, _ := formatKeyOnly("DEL", cmd.Key)
		return bytes.TrimSuffix(line, []byte("\n"))
	case CmdSet:
		line, _ := FormatSet(cmd.Key, cmd.Value)
		return bytes.TrimSuffix(line, []byte("\n"))
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Response parsing (coordinator side)
// --------------------------------------------------------------------------

// VersionedValue is a parsed "$V ..." reply.
type VersionedValue struct {
	Found       bool
	Value       []byte
	TimestampMS uint64
	NodeID      uint32
}

// ParseVersionedValue parses an RGET reply. "-NOT_FOUND\n" yields
// Found=false with no error. The value may contain spaces — it is delimited
// by the announced length, not by whitespace.
func ParseVersionedValue(resp []byte) (VersionedValue, error) {
	if bytes.Equal(resp, respNotFound) {
		return VersionedValue{}, nil
	}

	if !bytes.HasPrefix(resp, []byte("$V ")) {
		return VersionedValue{}, fmt.Errorf("not a versioned value reply: %q", resp)
	}

	frame := bytes.TrimSuffix(resp, []byte("\n"))
	c := cursor{data: frame, pos: 2} // positioned on the space after "$V"

	if !c.space() {
		return VersionedValue{}, fmt.Errorf("malformed $V reply: %q", resp)
	}
	vlen, ok := c.uint32()
	if !ok {
		return VersionedValue{}, fmt.Errorf("malformed $V length in %q", resp)
	}
	if !c.space() {
		return VersionedValue{}, fmt.Errorf("malformed $V reply: %q", resp)
	}
	value, ok := c.bytes(int(vlen))
	if !ok {
		return VersionedValue{}, fmt.Errorf("$V value shorter than announced in %q", resp)
	}
	if !c.space() {
		return VersionedValue{}, fmt.Errorf("malformed $V reply: %q", resp)
	}
	ts, ok := c.uint64()
	if !ok {
		return VersionedValue{}, fmt.Errorf("malformed $V timestamp in %q", resp)
	}
	if !c.space() {
		return VersionedValue{}, fmt.Errorf("malformed $V reply: %q", resp)
	}
	nodeID, ok := c.uint32()
	if !ok {
		return VersionedValue{}, fmt.Errorf("malformed $V node id in %q", resp)
	}
	if !c.done() {
		return VersionedValue{}, fmt.Errorf("trailing data in $V reply %q", resp)
	}

	return VersionedValue{
		Found:       true,
		Value:       value,
		TimestampMS: ts,
		NodeID:      nodeID,
	}, nil
}
