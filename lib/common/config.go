package common

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Node configuration struct
// --------------------------------------------------------------------------

// Config holds all configuration parameters for a dkvs node.
type Config struct {
	// Node identity
	Port   uint16
	NodeID uint32

	// Cluster membership
	ClusterConf       string
	ReplicationFactor int
	WriteQuorum       int
	ReadQuorum        int
	VNodes            int

	// Durability
	WALDir           string
	SnapshotDir      string
	HintsDir         string
	SnapshotInterval uint64
	FsyncIntervalMS  int
	FsyncBatchOps    int

	// Server
	WorkerThreads int

	// Inter-node connection pool
	PoolMaxPerPeer int
	PoolTimeoutMS  int

	// Failure detection
	HeartbeatIntervalMS int
	HeartbeatTimeoutMS  int

	// Observability
	MetricsAddr string
	LogLevel    string
}

// DefaultConfig returns the default node configuration
func DefaultConfig() Config {
	return Config{
		Port:                7001,
		NodeID:              1,
		ClusterConf:         "",
		ReplicationFactor:   3,
		WriteQuorum:         2,
		ReadQuorum:          2,
		VNodes:              128,
		WALDir:              "data/wal",
		SnapshotDir:         "data/snapshots",
		HintsDir:            "data/hints",
		SnapshotInterval:    100000,
		FsyncIntervalMS:     10,
		FsyncBatchOps:       100,
		WorkerThreads:       4,
		PoolMaxPerPeer:      4,
		PoolTimeoutMS:       500,
		HeartbeatIntervalMS: 1000,
		HeartbeatTimeoutMS:  5000,
		MetricsAddr:         "",
		LogLevel:            "info",
	}
}

// Validate checks the configuration for invariant violations. The quorum
// overlap invariant W + R > N must hold or any read could miss the latest
// write entirely.
func (c *Config) Validate() error {
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1, got %d", c.ReplicationFactor)
	}
	if c.WriteQuorum < 1 || c.ReadQuorum < 1 {
		return fmt.Errorf("write quorum (%d) and read quorum (%d) must be at least 1", c.WriteQuorum, c.ReadQuorum)
	}
	if c.WriteQuorum+c.ReadQuorum <= c.ReplicationFactor {
		return fmt.Errorf("quorum invariant violated: W(%d) + R(%d) must be > N(%d)",
			c.WriteQuorum, c.ReadQuorum, c.ReplicationFactor)
	}
	if c.VNodes < 1 {
		return fmt.Errorf("vnodes must be at least 1, got %d", c.VNodes)
	}
	if c.WorkerThreads < 1 {
		return fmt.Errorf("worker threads must be at least 1, got %d", c.WorkerThreads)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Node ID", fmt.Sprintf("%d", c.NodeID))
	addField("Port", fmt.Sprintf("%d", c.Port))

	addSection("Cluster")
	addField("Cluster Config", c.ClusterConf)
	addField("Replication Factor", fmt.Sprintf("%d", c.ReplicationFactor))
	addField("Write Quorum (W)", fmt.Sprintf("%d", c.WriteQuorum))
	addField("Read Quorum (R)", fmt.Sprintf("%d", c.ReadQuorum))
	addField("Virtual Nodes", fmt.Sprintf("%d", c.VNodes))

	addSection("Durability")
	addField("WAL Directory", c.WALDir)
	addField("Snapshot Directory", c.SnapshotDir)
	addField("Hints Directory", c.HintsDir)
	addField("Snapshot Interval", fmt.Sprintf("%d ops", c.SnapshotInterval))
	addField("Fsync Interval", fmt.Sprintf("%d ms", c.FsyncIntervalMS))
	addField("Fsync Batch Ops", fmt.Sprintf("%d", c.FsyncBatchOps))

	addSection("Server")
	addField("Worker Threads", fmt.Sprintf("%d", c.WorkerThreads))

	addSection("Failure Detection")
	addField("Heartbeat Interval", fmt.Sprintf("%d ms", c.HeartbeatIntervalMS))
	addField("Heartbeat Timeout", fmt.Sprintf("%d ms", c.HeartbeatTimeoutMS))

	addSection("Observability")
	addField("Metrics Address", c.MetricsAddr)
	addField("Log Level", c.LogLevel)

	return sb.String()
}
