package cluster

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dkvs-io/dkvs/lib/hashutil"
)

// MemberEntry is one line of the cluster membership file.
type MemberEntry struct {
	Name string
	Host string
	Port uint16
}

// Address returns the entry's "host:port" form.
func (m MemberEntry) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port)))
}

// NodeID derives the member's numeric id: the run of digits at the end of
// its name ("node12" -> 12, "dc4-replica2" -> 2), falling back to a hash of
// the name when it does not end in digits or they are all zero.
func (m MemberEntry) NodeID() uint32 {
	start := len(m.Name)
	for start > 0 && m.Name[start-1] >= '0' && m.Name[start-1] <= '9' {
		start--
	}
	var id uint32
	for i := start; i < len(m.Name); i++ {
		id = id*10 + uint32(m.Name[i]-'0')
	}
	if id != 0 {
		return id
	}
	return uint32(hashutil.KeyHash([]byte(m.Name)))
}

// ParseClusterConfig reads a membership file with one node per line:
//
//	<name> <host>:<port>
//
// Blank lines and lines starting with '#' are ignored; malformed lines warn
// and are skipped.
func ParseClusterConfig(path string) ([]MemberEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cluster config %s: %w", path, err)
	}
	defer file.Close()

	var entries []MemberEntry
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			Logger.Warningf("skipping malformed line %d in %s: %q", lineNum, path, line)
			continue
		}

		host, portStr, err := net.SplitHostPort(fields[1])
		if err != nil || host == "" {
			Logger.Warningf("skipping malformed address on line %d in %s: %q", lineNum, path, fields[1])
			continue
		}

		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			Logger.Warningf("skipping invalid port on line %d in %s: %q", lineNum, path, portStr)
			continue
		}

		entries = append(entries, MemberEntry{
			Name: fields[0],
			Host: host,
			Port: uint16(port),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cluster config %s: %w", path, err)
	}

	return entries, nil
}
