// Command scribe is the ledger's single-binary entry point: cluster
// lifecycle management (init/join) and a thin client for the
// distributed request API, following the teacher's cmd/warren/main.go
// cobra-tree-plus-long-running-server shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/scribe/internal/archival"
	"github.com/cuemby/scribe/internal/blobstore/fsstore"
	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/config"
	"github.com/cuemby/scribe/internal/consensus"
	"github.com/cuemby/scribe/internal/discovery"
	"github.com/cuemby/scribe/internal/ledgerapi"
	"github.com/cuemby/scribe/internal/ledgerapi/rpc"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/logstore"
	"github.com/cuemby/scribe/internal/manifest"
	"github.com/cuemby/scribe/internal/metrics"
	"github.com/cuemby/scribe/internal/scribelog"
	"github.com/cuemby/scribe/internal/segment"
	"github.com/cuemby/scribe/internal/statemachine"
	"github.com/cuemby/scribe/internal/workerpool"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scribe",
	Short:   "Scribe - a verifiable, replicated key-value ledger",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scribe version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd, putCmd, getCmd, deleteCmd, manifestCmd)

	clusterCmd.AddCommand(clusterInitCmd, clusterJoinCmd, clusterInfoCmd)
	manifestCmd.AddCommand(manifestInfoCmd)

	for _, c := range []*cobra.Command{clusterInitCmd, clusterJoinCmd} {
		c.Flags().Uint64("node-id", 1, "This node's unique id (non-zero)")
		c.Flags().String("data-dir", "./scribe-data", "Data directory for log, segments, and blobs")
		c.Flags().String("raft-addr", "127.0.0.1:7000", "Consensus wire protocol listen address")
		c.Flags().String("client-addr", "127.0.0.1:7001", "Distributed request API (gRPC) listen address")
		c.Flags().String("discovery-addr", "127.0.0.1:7946", "UDP gossip discovery listen address")
		c.Flags().String("broadcast-addr", "", "Address this node advertises to peers (defaults to discovery-addr)")
		c.Flags().String("cluster-secret", "", "Shared secret gossip participants must present")
		c.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics and health HTTP listen address")
	}
	clusterJoinCmd.Flags().StringSlice("seeds", nil, "Comma-separated discovery addresses of existing cluster members")
	clusterJoinCmd.Flags().Int("min-peers", 1, "Minimum peers to discover before registering with consensus")

	for _, c := range []*cobra.Command{clusterInfoCmd, putCmd, getCmd, deleteCmd, manifestInfoCmd} {
		c.Flags().String("addr", "127.0.0.1:7001", "Distributed request API (gRPC) address")
	}
	getCmd.Flags().Bool("linearizable", false, "Require a linearizable read instead of a stale cache-first read")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	scribelog.Init(scribelog.Config{Level: scribelog.Level(level), JSONOutput: jsonOut})
}

// Cluster commands.

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage this node's membership in a scribe cluster",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node scribe cluster and start serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, metricsAddr, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		return runNode(cfg, metricsAddr, discovery.InitOptions{Mode: discovery.ModeBootstrap})
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing scribe cluster via gossip discovery",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, metricsAddr, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		minPeers, _ := cmd.Flags().GetInt("min-peers")
		return runNode(cfg, metricsAddr, discovery.InitOptions{
			Mode:             discovery.ModeJoin,
			DiscoveryTimeout: cfg.DiscoveryTimeout,
			MinPeersForJoin:  minPeers,
		})
	},
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the consensus role, term, and peer count of the node at --addr",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		conn, err := dialClient(addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var resp rpc.ClusterInfoResponse
		if err := conn.Invoke(ctx, "/rpc.Ledger/ClusterInfo", &rpc.ClusterInfoRequest{}, &resp); err != nil {
			return err
		}
		fmt.Printf("role:         %s\n", resp.Role)
		fmt.Printf("term:         %d\n", resp.Term)
		fmt.Printf("commit_index: %d\n", resp.CommitIndex)
		fmt.Printf("peers:        %d\n", resp.Peers)
		if resp.HasLeader {
			fmt.Printf("leader_id:    %d\n", resp.LeaderID)
		}
		return nil
	},
}

func configFromFlags(cmd *cobra.Command) (config.Config, string, error) {
	cfg := config.Default()

	nodeID, _ := cmd.Flags().GetUint64("node-id")
	cfg.NodeID = ledgertypes.NodeID(nodeID)
	cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	cfg.RaftAddr, _ = cmd.Flags().GetString("raft-addr")
	cfg.ClientAddr, _ = cmd.Flags().GetString("client-addr")
	cfg.DiscoveryAddr, _ = cmd.Flags().GetString("discovery-addr")
	cfg.BroadcastAddr, _ = cmd.Flags().GetString("broadcast-addr")
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = cfg.DiscoveryAddr
	}
	cfg.ClusterSecret, _ = cmd.Flags().GetString("cluster-secret")
	if seeds, err := cmd.Flags().GetStringSlice("seeds"); err == nil {
		cfg.Seeds = seeds
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", err
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	return cfg, metricsAddr, nil
}

// runNode wires together every component named in SPEC_FULL.md and
// blocks until an interrupt or an unrecoverable background error,
// mirroring cmd/warren/main.go's construct-then-select-on-signal shape.
func runNode(cfg config.Config, metricsAddr string, initOpts discovery.InitOptions) error {
	nodeLog := scribelog.WithNodeID(uint64(cfg.NodeID))

	logDir := filepath.Join(cfg.DataDir, "log")
	log, err := logstore.Open(logDir)
	if err != nil {
		return err
	}
	defer log.Close()

	existingVote, err := log.ReadVote()
	if err != nil {
		return err
	}
	initOpts.HasExistingState = existingVote != nil

	broker := clusterevents.NewBroker()
	broker.Start()
	defer broker.Stop()

	sm := statemachine.New()
	node, err := consensus.New(consensus.Options{
		ID:                 cfg.NodeID,
		Address:            cfg.RaftAddr,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		MaxRPCRetries:      3,

		SnapshotLogsSinceLast:  cfg.SnapshotLogsSinceLast,
		MaxInSnapshotLogToKeep: cfg.MaxInSnapshotLogToKeep,
	}, log, sm, broker)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	disc, err := discovery.New(discovery.Config{
		NodeID:            cfg.NodeID,
		RaftAddr:          cfg.RaftAddr,
		ClientAddr:        cfg.ClientAddr,
		ListenAddr:        cfg.DiscoveryAddr,
		BroadcastAddr:     cfg.BroadcastAddr,
		Seeds:             cfg.Seeds,
		HeartbeatInterval: cfg.DiscoveryHeartbeatInterval,
		FailureTimeout:    cfg.FailureTimeout,
		ClusterSecret:     cfg.ClusterSecret,
	}, broker)
	if err != nil {
		return err
	}
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	if err := discovery.Initialize(node, disc, initOpts); err != nil {
		return err
	}

	// Component H: the replicated cluster manifest. AddSegment/RemoveSegment
	// route through consensus so every replica converges on an identical
	// catalog; see internal/ledgertypes.Payload.Manifest's doc comment.
	manager := manifest.NewManager(func() int64 { return time.Now().Unix() })
	manager.WithPropose(func(mutated ledgertypes.ClusterManifest) (ledgertypes.ClusterManifest, error) {
		_, err := node.ClientWrite(ledgertypes.Payload{Kind: ledgertypes.PayloadManifestUpdate, Manifest: mutated})
		if err != nil {
			return ledgertypes.ClusterManifest{}, err
		}
		return node.ManifestSnapshot(), nil
	})

	manifestSub := broker.Subscribe()
	defer broker.Unsubscribe(manifestSub)
	go func() {
		for evt := range manifestSub {
			if evt.Type == clusterevents.EventManifestUpdated {
				manager.UpdateCache(node.ManifestSnapshot())
			}
		}
	}()

	// Component D: segment buffering, archival, and the background
	// task that sweeps flushed segments older than the age threshold.
	buf := segment.NewBuffer(cfg.PendingSegmentSizeThreshold, time.Now().Unix())
	exporter := segment.NewExporter(sm, buf, func() int64 { return time.Now().Unix() })
	go exporter.Run(time.Second)
	defer exporter.Stop()

	store, err := fsstore.New(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return err
	}
	engine := archival.NewEngine(store, cfg.CompressionLevel, cfg.MaxBlobRetries)

	pool := workerpool.New(4, 64)
	pool.Start(4)
	defer pool.Stop()

	archiveTask := archival.NewTask(engine, buf, cfg.ArchivalCheckInterval, cfg.ArchivalAgeThresholdSecs, func() int64 { return time.Now().Unix() })
	archiveTask.Pool = pool
	archiveTask.OnArchived = func(meta archival.Metadata) error {
		return manager.AddSegment(ledgertypes.ManifestEntry{
			SegmentID:     meta.SegmentID,
			TimestampSecs: meta.ArchivedAt,
			SizeBytes:     uint64(meta.CompressedSize),
		})
	}
	go archiveTask.Run()
	defer archiveTask.Stop()

	// Component F: the distributed request API, library plus gRPC.
	svc, err := ledgerapi.New(ledgerapi.Config{
		WriteTimeout:  cfg.WriteTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		MaxBatchSize:  cfg.MaxBatchSize,
		CacheCapacity: cfg.CacheCapacity,
	}, node)
	if err != nil {
		return err
	}
	rpcServer := rpc.NewServer(svc)
	errCh := make(chan error, 1)
	go func() {
		if err := rpcServer.Start(cfg.ClientAddr); err != nil {
			errCh <- err
		}
	}()
	defer rpcServer.Stop()

	metrics.RegisterComponent("logstore", true, "opened")
	metrics.RegisterComponent("consensus", true, "initialized")
	metrics.RegisterComponent("discovery", true, "started")
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := node.HealthCheck(); err != nil {
				metrics.UpdateComponent("consensus", false, err.Error())
			} else {
				metrics.UpdateComponent("consensus", true, "healthy")
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer metricsServer.Close()

	nodeLog.Info().
		Str("raft_addr", cfg.RaftAddr).
		Str("client_addr", cfg.ClientAddr).
		Str("discovery_addr", cfg.DiscoveryAddr).
		Str("metrics_addr", metricsAddr).
		Msg("scribe node started")
	fmt.Printf("scribe node %d started\n", cfg.NodeID)
	fmt.Printf("  consensus:   %s\n", cfg.RaftAddr)
	fmt.Printf("  request api: %s\n", cfg.ClientAddr)
	fmt.Printf("  discovery:   %s\n", cfg.DiscoveryAddr)
	fmt.Printf("  metrics:     http://%s/metrics\n", metricsAddr)
	fmt.Printf("  health:      http://%s/health\n", metricsAddr)
	fmt.Printf("  readiness:   http://%s/ready\n", metricsAddr)
	fmt.Printf("  liveness:    http://%s/live\n", metricsAddr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nfatal: %v\n", err)
		return err
	}
	return nil
}

// Client commands.

func dialClient(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key=value pair through the distributed request API",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		conn, err := dialClient(addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var resp rpc.PutResponse
		if err := conn.Invoke(ctx, "/rpc.Ledger/Put", &rpc.PutRequest{Key: []byte(args[0]), Value: []byte(args[1])}, &resp); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key through the distributed request API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		linearizable, _ := cmd.Flags().GetBool("linearizable")
		conn, err := dialClient(addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		consistency := rpc.ConsistencyStale
		if linearizable {
			consistency = rpc.ConsistencyLinearizable
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var resp rpc.GetResponse
		if err := conn.Invoke(ctx, "/rpc.Ledger/Get", &rpc.GetRequest{Key: []byte(args[0]), Consistency: consistency}, &resp); err != nil {
			return err
		}
		if !resp.Found {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(resp.Value))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key through the distributed request API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		conn, err := dialClient(addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var resp rpc.DeleteResponse
		if err := conn.Invoke(ctx, "/rpc.Ledger/Delete", &rpc.DeleteRequest{Key: []byte(args[0])}, &resp); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the replicated cluster manifest (Component H)",
}

var manifestInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the archived-segment catalog known to the node at --addr",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		conn, err := dialClient(addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var resp rpc.ManifestInfoResponse
		if err := conn.Invoke(ctx, "/rpc.Ledger/ManifestInfo", &rpc.ManifestInfoRequest{}, &resp); err != nil {
			return err
		}
		fmt.Printf("version:    %d\n", resp.Version)
		fmt.Printf("created_at: %d\n", resp.CreatedAtSecs)
		fmt.Printf("segments:   %d\n", len(resp.Entries))
		for _, e := range resp.Entries {
			fmt.Printf("  - segment %d: %d bytes, archived at %d\n", e.SegmentID, e.SizeBytes, e.TimestampSecs)
		}
		return nil
	},
}
