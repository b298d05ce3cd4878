package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseClusterConfig(t *testing.T) {
	path := writeConf(t, `
# dkvs cluster
node1 127.0.0.1:7001
node2 127.0.0.1:7002

node3 10.1.2.3:7003
`)

	entries, err := ParseClusterConfig(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "node1", entries[0].Name)
	assert.Equal(t, "127.0.0.1:7001", entries[0].Address())
	assert.Equal(t, uint16(7003), entries[2].Port)
	assert.Equal(t, "10.1.2.3", entries[2].Host)
}

func TestParseClusterConfigSkipsMalformedLines(t *testing.T) {
	path := writeConf(t, `
node1 127.0.0.1:7001
just-a-name
node2 missing-port
node3 127.0.0.1:notaport
node4 127.0.0.1:999999
node5 127.0.0.1:7005
`)

	entries, err := ParseClusterConfig(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "node1", entries[0].Name)
	assert.Equal(t, "node5", entries[1].Name)
}

func TestParseClusterConfigMissingFile(t *testing.T) {
	_, err := ParseClusterConfig(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestMemberNodeID(t *testing.T) {
	assert.Equal(t, uint32(1), MemberEntry{Name: "node1"}.NodeID())
	assert.Equal(t, uint32(12), MemberEntry{Name: "node12"}.NodeID())
	assert.Equal(t, uint32(2), MemberEntry{Name: "dc4-replica2"}.NodeID())

	// Digit-free names fall back to a stable hash.
	a := MemberEntry{Name: "alpha"}.NodeID()
	assert.Equal(t, a, MemberEntry{Name: "alpha"}.NodeID())
	assert.NotEqual(t, a, MemberEntry{Name: "beta"}.NodeID())
}
