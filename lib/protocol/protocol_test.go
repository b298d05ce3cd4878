package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePing(t *testing.T) {
	res := TryParse([]byte("PING\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdPing, res.Command.Type)
	assert.Equal(t, 5, res.Consumed)
}

func TestParseSet(t *testing.T) {
	res := TryParse([]byte("SET 5 mykey 7 myvalue\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdSet, res.Command.Type)
	assert.Equal(t, []byte("mykey"), res.Command.Key)
	assert.Equal(t, []byte("myvalue"), res.Command.Value)
	assert.Equal(t, 22, res.Consumed)
}

func TestParseGetDel(t *testing.T) {
	res := TryParse([]byte("GET 5 mykey\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdGet, res.Command.Type)
	assert.Equal(t, []byte("mykey"), res.Command.Key)

	res = TryParse([]byte("DEL 3 foo\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdDel, res.Command.Type)
	assert.Equal(t, []byte("foo"), res.Command.Key)
}

func TestParseKeyWithSpaces(t *testing.T) {
	// Length-delimited fields may contain spaces and tabs.
	res := TryParse([]byte("SET 5 a b\tc 4 x  y\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, []byte("a b\tc"), res.Command.Key)
	assert.Equal(t, []byte("x  y"), res.Command.Value)
}

func TestParseIncomplete(t *testing.T) {
	for _, buf := range []string{"", "SET", "SET 3 foo", "SET 3 foo 3 ba"} {
		res := TryParse([]byte(buf))
		assert.Equal(t, ParseIncomplete, res.Status, "buffer %q", buf)
		assert.Equal(t, 0, res.Consumed)
	}
}

func TestParseErrorConsumesWholeFrame(t *testing.T) {
	cases := []string{
		"BOGUS 1 x\n",
		"SET x\n",
		"SET 5 ab\n",
		"PING extra\n",
		"GET 3 foo trailing\n",
		"SET 3 foo 99 bar\n",
	}
	for _, buf := range cases {
		res := TryParse([]byte(buf))
		assert.Equal(t, ParseError, res.Status, "buffer %q", buf)
		assert.Equal(t, len(buf), res.Consumed, "buffer %q must be fully consumed", buf)
		assert.NotEmpty(t, res.Err)
	}
}

func TestParseConcatenatedFrames(t *testing.T) {
	buf := []byte("SET 5 mykey 7 myvalue\nGET 5 mykey\n")

	first := TryParse(buf)
	require.Equal(t, ParseOK, first.Status)

	second := TryParse(buf[first.Consumed:])
	require.Equal(t, ParseOK, second.Status)

	assert.Equal(t, len(buf), first.Consumed+second.Consumed)
	assert.Equal(t, CmdSet, first.Command.Type)
	assert.Equal(t, CmdGet, second.Command.Type)
}

func TestParseRSet(t *testing.T) {
	res := TryParse([]byte("RSET 3 foo 3 bar 1700000000123 7\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRSet, res.Command.Type)
	assert.Equal(t, []byte("foo"), res.Command.Key)
	assert.Equal(t, []byte("bar"), res.Command.Value)
	assert.Equal(t, uint64(1700000000123), res.Command.TimestampMS)
	assert.Equal(t, uint32(7), res.Command.NodeID)
}

func TestParseRDel(t *testing.T) {
	res := TryParse([]byte("RDEL 3 foo 42 3\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRDel, res.Command.Type)
	assert.Equal(t, []byte("foo"), res.Command.Key)
	assert.Equal(t, uint64(42), res.Command.TimestampMS)
	assert.Equal(t, uint32(3), res.Command.NodeID)
}

func TestParseRGet(t *testing.T) {
	res := TryParse([]byte("RGET 3 foo\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRGet, res.Command.Type)
	assert.Equal(t, []byte("foo"), res.Command.Key)
}

func TestParseForward(t *testing.T) {
	res := TryParse([]byte("FWD 2 SET 3 foo 3 bar\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdFwd, res.Command.Type)
	assert.Equal(t, uint32(2), res.Command.HopsRemaining)
	assert.Equal(t, []byte("SET 3 foo 3 bar"), res.Command.InnerLine)

	// The inner line must parse as a command once re-framed.
	inner := TryParse(append(res.Command.InnerLine, '\n'))
	require.Equal(t, ParseOK, inner.Status)
	assert.Equal(t, CmdSet, inner.Command.Type)
}

func TestRequestFormattersRoundTrip(t *testing.T) {
	set, err := FormatSet([]byte("k1"), []byte("v 1"))
	require.NoError(t, err)
	res := TryParse(set)
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdSet, res.Command.Type)
	assert.Equal(t, []byte("v 1"), res.Command.Value)

	rset, err := FormatRSet([]byte("k1"), []byte("v1"), 99, 4)
	require.NoError(t, err)
	res = TryParse(rset)
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, uint64(99), res.Command.TimestampMS)
	assert.Equal(t, uint32(4), res.Command.NodeID)

	rdel, err := FormatRDel([]byte("k1"), 100, 5)
	require.NoError(t, err)
	res = TryParse(rdel)
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRDel, res.Command.Type)
}

func TestFormattersRejectEmbeddedNewline(t *testing.T) {
	_, err := FormatSet([]byte("bad\nkey"), []byte("v"))
	assert.ErrorIs(t, err, ErrEmbeddedNewline)

	_, err = FormatGet([]byte("bad\nkey"))
	assert.ErrorIs(t, err, ErrEmbeddedNewline)
}

func TestParseVersionedValue(t *testing.T) {
	resp := FormatVersionedValue([]byte("hello world"), 1234, 9)
	vv, err := ParseVersionedValue(resp)
	require.NoError(t, err)
	assert.True(t, vv.Found)
	assert.Equal(t, []byte("hello world"), vv.Value)
	assert.Equal(t, uint64(1234), vv.TimestampMS)
	assert.Equal(t, uint32(9), vv.NodeID)
}

func TestParseVersionedValueNotFound(t *testing.T) {
	vv, err := ParseVersionedValue([]byte("-NOT_FOUND\n"))
	require.NoError(t, err)
	assert.False(t, vv.Found)
}

func TestParseVersionedValueMalformed(t *testing.T) {
	for _, resp := range []string{"+OK\n", "$V x\n", "$V 5 ab 1 2\n"} {
		_, err := ParseVersionedValue([]byte(resp))
		assert.Error(t, err, "response %q", resp)
	}
}

func TestSerializeCommandLine(t *testing.T) {
	res := TryParse([]byte("SET 3 foo 3 bar\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, []byte("SET 3 foo 3 bar"), SerializeCommandLine(res.Command))

	res = TryParse([]byte("PING\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, []byte("PING"), SerializeCommandLine(res.Command))
}
