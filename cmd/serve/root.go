package serve

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	cmdUtil "github.com/dkvs-io/dkvs/cmd/util"
	"github.com/dkvs-io/dkvs/lib/cluster"
	"github.com/dkvs-io/dkvs/lib/common"
	"github.com/dkvs-io/dkvs/lib/server"
	"github.com/dkvs-io/dkvs/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a dkvs node",
		Long: `Start a dkvs node with the specified configuration. The configuration can
be set via command line flags or environment variables. The format of the
environment variables is DKVS_<flag> (e.g. DKVS_WORKER_THREADS=8).`,
		PreRunE: processConfig,
		RunE:    run,
		// Unknown flags are tolerated so configs can carry forward-compatible
		// options.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultConfig()

	// add flags
	key := "port"
	ServeCmd.PersistentFlags().Uint16(key, defaults.Port, cmdUtil.WrapString("Port the node listens on for client and peer connections"))

	key = "node-id"
	ServeCmd.PersistentFlags().Uint32(key, defaults.NodeID, cmdUtil.WrapString("Unique numeric identifier of this node. Used as the LWW tiebreaker, so no two nodes of one cluster may share it"))

	key = "cluster-conf"
	ServeCmd.PersistentFlags().String(key, defaults.ClusterConf, cmdUtil.WrapString("Path to the cluster membership file with one '<name> <host>:<port>' entry per line. Empty starts a single-node cluster"))

	key = "replication-factor"
	ServeCmd.PersistentFlags().Int(key, defaults.ReplicationFactor, cmdUtil.WrapString("Number of replicas (N) each key is written to"))

	key = "write-quorum"
	ServeCmd.PersistentFlags().Int(key, defaults.WriteQuorum, cmdUtil.WrapString("Acknowledgements (W) required before a write succeeds. W + R must exceed N"))

	key = "read-quorum"
	ServeCmd.PersistentFlags().Int(key, defaults.ReadQuorum, cmdUtil.WrapString("Replicas (R) queried per read. W + R must exceed N"))

	key = "vnodes"
	ServeCmd.PersistentFlags().Int(key, defaults.VNodes, cmdUtil.WrapString("Virtual nodes per physical node on the hash ring"))

	key = "wal-dir"
	ServeCmd.PersistentFlags().String(key, defaults.WALDir, cmdUtil.WrapString("Directory for the write-ahead log"))

	key = "snapshot-dir"
	ServeCmd.PersistentFlags().String(key, defaults.SnapshotDir, cmdUtil.WrapString("Directory for periodic snapshots"))

	key = "hints-dir"
	ServeCmd.PersistentFlags().String(key, defaults.HintsDir, cmdUtil.WrapString("Directory for persisted hinted-handoff records"))

	key = "snapshot-interval"
	ServeCmd.PersistentFlags().Uint64(key, defaults.SnapshotInterval, cmdUtil.WrapString("Local mutations between snapshots (0 disables snapshotting)"))

	key = "fsync-interval-ms"
	ServeCmd.PersistentFlags().Int(key, defaults.FsyncIntervalMS, cmdUtil.WrapString("Maximum milliseconds between WAL fsyncs (0 disables the background timer)"))

	key = "fsync-batch-ops"
	ServeCmd.PersistentFlags().Int(key, defaults.FsyncBatchOps, cmdUtil.WrapString("WAL appends between inline fsyncs (0 disables batch syncing)"))

	key = "worker-threads"
	ServeCmd.PersistentFlags().Int(key, defaults.WorkerThreads, cmdUtil.WrapString("Workers executing client commands"))

	key = "heartbeat-interval-ms"
	ServeCmd.PersistentFlags().Int(key, defaults.HeartbeatIntervalMS, cmdUtil.WrapString("Milliseconds between peer heartbeats"))

	key = "heartbeat-timeout-ms"
	ServeCmd.PersistentFlags().Int(key, defaults.HeartbeatTimeoutMS, cmdUtil.WrapString("Milliseconds without a heartbeat reply before a peer is marked down"))

	key = "pool-max-per-peer"
	ServeCmd.PersistentFlags().Int(key, defaults.PoolMaxPerPeer, cmdUtil.WrapString("Idle connections retained per peer"))

	key = "pool-timeout-ms"
	ServeCmd.PersistentFlags().Int(key, defaults.PoolTimeoutMS, cmdUtil.WrapString("Connect/send/receive timeout for inter-node sockets"))

	key = "metrics-addr"
	ServeCmd.PersistentFlags().String(key, defaults.MetricsAddr, cmdUtil.WrapString("Address serving Prometheus metrics on /metrics (empty disables)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, defaults.LogLevel, cmdUtil.WrapString("Log level (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and validates it
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Port = uint16(viper.GetUint32("port"))
	serveCmdConfig.NodeID = viper.GetUint32("node-id")
	serveCmdConfig.ClusterConf = viper.GetString("cluster-conf")
	serveCmdConfig.ReplicationFactor = viper.GetInt("replication-factor")
	serveCmdConfig.WriteQuorum = viper.GetInt("write-quorum")
	serveCmdConfig.ReadQuorum = viper.GetInt("read-quorum")
	serveCmdConfig.VNodes = viper.GetInt("vnodes")
	serveCmdConfig.WALDir = viper.GetString("wal-dir")
	serveCmdConfig.SnapshotDir = viper.GetString("snapshot-dir")
	serveCmdConfig.HintsDir = viper.GetString("hints-dir")
	serveCmdConfig.SnapshotInterval = viper.GetUint64("snapshot-interval")
	serveCmdConfig.FsyncIntervalMS = viper.GetInt("fsync-interval-ms")
	serveCmdConfig.FsyncBatchOps = viper.GetInt("fsync-batch-ops")
	serveCmdConfig.WorkerThreads = viper.GetInt("worker-threads")
	serveCmdConfig.HeartbeatIntervalMS = viper.GetInt("heartbeat-interval-ms")
	serveCmdConfig.HeartbeatTimeoutMS = viper.GetInt("heartbeat-timeout-ms")
	serveCmdConfig.PoolMaxPerPeer = viper.GetInt("pool-max-per-peer")
	serveCmdConfig.PoolTimeoutMS = viper.GetInt("pool-timeout-ms")
	serveCmdConfig.MetricsAddr = viper.GetString("metrics-addr")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return serveCmdConfig.Validate()
}

// run boots the node: recover state, build the distribution layer, serve.
func run(_ *cobra.Command, _ []string) error {
	cfg := serveCmdConfig

	common.InitLoggers(cfg)
	log := logger.GetLogger("cmd")

	fmt.Print(cfg.String())

	// ── Storage: engine + WAL + recovery ────────────────────────────────
	engine := storage.NewEngine()

	wal, err := storage.OpenWAL(cfg.WALDir, storage.WALOptions{
		FsyncIntervalMS: cfg.FsyncIntervalMS,
		FsyncBatchOps:   cfg.FsyncBatchOps,
	})
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}

	stats, err := storage.RecoverState(engine, wal, cfg.SnapshotDir, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	log.Infof("recovered snapshot seq %d (%d entries), replayed %d of %d WAL records",
		stats.SnapshotSeqNo, stats.SnapshotEntries, stats.WALReplayed, stats.WALRecords)

	// ── Cluster: ring + pool + coordinator ──────────────────────────────
	ring := cluster.NewRing()
	var peers []cluster.NodeInfo

	if cfg.ClusterConf != "" {
		members, err := cluster.ParseClusterConfig(cfg.ClusterConf)
		if err != nil {
			return fmt.Errorf("cluster config: %w", err)
		}
		for _, m := range members {
			id := m.NodeID()
			ring.AddNode(id, m.Address(), cfg.VNodes)
			log.Infof("ring: %s (id=%d) -> %s", m.Name, id, m.Address())
			if id != cfg.NodeID {
				peers = append(peers, cluster.NodeInfo{ID: id, Address: m.Address()})
			}
		}
	} else {
		ring.AddNode(cfg.NodeID, fmt.Sprintf("127.0.0.1:%d", cfg.Port), cfg.VNodes)
	}
	log.Infof("hash ring: %d physical nodes, %d virtual nodes", ring.NodeCount(), ring.Size())

	pool := cluster.NewPool(cfg.PoolMaxPerPeer, time.Duration(cfg.PoolTimeoutMS)*time.Millisecond)
	defer pool.CloseAll()

	coord := cluster.NewCoordinator(engine, ring, pool, wal, cluster.CoordinatorOptions{
		NodeID:            cfg.NodeID,
		ReplicationFactor: cfg.ReplicationFactor,
		WriteQuorum:       cfg.WriteQuorum,
		ReadQuorum:        cfg.ReadQuorum,
		SnapshotDir:       cfg.SnapshotDir,
		SnapshotInterval:  cfg.SnapshotInterval,
		HintsDir:          cfg.HintsDir,
	})

	// ── Failure detection ───────────────────────────────────────────────
	if len(peers) > 0 {
		hb := cluster.NewHeartbeat(coord, pool, peers,
			time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond,
			time.Duration(cfg.HeartbeatTimeoutMS)*time.Millisecond)
		hb.Start()
		defer hb.Stop()
	}

	// ── Observability ───────────────────────────────────────────────────
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
				metrics.WritePrometheus(w, true)
			})
			log.Infof("serving metrics on %s/metrics", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}

	// ── Serve ───────────────────────────────────────────────────────────
	srv := server.New(fmt.Sprintf(":%d", cfg.Port), cfg.WorkerThreads, coord.Handle)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		srv.Stop()
	}()

	log.Infof("node %d serving on port %d (W=%d R=%d N=%d)",
		cfg.NodeID, cfg.Port, cfg.WriteQuorum, cfg.ReadQuorum, cfg.ReplicationFactor)

	if err := srv.Run(); err != nil {
		return err
	}

	// Graceful shutdown: flush and close the WAL.
	if err := wal.Close(); err != nil {
		log.Errorf("closing WAL: %v", err)
	}
	log.Infof("WAL flushed and closed")
	return nil
}
