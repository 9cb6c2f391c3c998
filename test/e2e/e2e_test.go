// Package e2e exercises scribe's seed end-to-end scenarios over the
// real gRPC transport: a node is brought up in-process with the same
// consensus, ledgerapi and rpc wiring that cmd/scribe's runNode uses
// (discovery, archival, the manifest manager and the HTTP
// metrics/health server are left out), and every scenario talks to it
// the way an operator's CLI would.
package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/scribe/internal/archival"
	"github.com/cuemby/scribe/internal/blobstore/fsstore"
	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/consensus"
	"github.com/cuemby/scribe/internal/discovery"
	"github.com/cuemby/scribe/internal/ledgerapi"
	"github.com/cuemby/scribe/internal/ledgerapi/rpc"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/logstore"
	"github.com/cuemby/scribe/internal/manifest"
	"github.com/cuemby/scribe/internal/merkle"
	"github.com/cuemby/scribe/internal/statemachine"
)

// singleNode is a bootstrapped one-voter cluster plus a live rpc.Server
// in front of it, freeAddr used by clients dialing in.
type singleNode struct {
	node     *consensus.Node
	svc      *ledgerapi.Service
	server   *rpc.Server
	rpcAddr  string
	conn     *grpc.ClientConn
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startSingleNode(t *testing.T) *singleNode {
	t.Helper()

	raftAddr := freeAddr(t)
	log, err := logstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	broker := clusterevents.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	node, err := consensus.New(consensus.Options{
		ID:                 1,
		Address:            raftAddr,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  30 * time.Millisecond,
		MaxRPCRetries:      2,
	}, log, statemachine.New(), broker)
	require.NoError(t, err)
	require.NoError(t, node.Initialize())
	t.Cleanup(node.Shutdown)

	deadline := time.Now().Add(5 * time.Second)
	for !node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("node never became leader")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cfg := ledgerapi.DefaultConfig()
	cfg.CacheCapacity = 64
	svc, err := ledgerapi.New(cfg, node)
	require.NoError(t, err)

	rpcAddr := freeAddr(t)
	server := rpc.NewServer(svc)
	go server.Start(rpcAddr)
	t.Cleanup(server.Stop)

	conn := dialJSON(t, rpcAddr)
	t.Cleanup(func() { conn.Close() })

	return &singleNode{node: node, svc: svc, server: server, rpcAddr: rpcAddr, conn: conn}
}

func dialJSON(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	var conn *grpc.ClientConn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
		)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

// Scenario 1: Bootstrap + write + linearizable read.
func TestBootstrapWriteLinearizableRead(t *testing.T) {
	n := startSingleNode(t)

	var putResp rpc.PutResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Put", &rpc.PutRequest{Key: []byte("k"), Value: []byte("v")}, &putResp))

	var getResp rpc.GetResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Get",
		&rpc.GetRequest{Key: []byte("k"), Consistency: rpc.ConsistencyLinearizable}, &getResp))
	assert.True(t, getResp.Found)
	assert.Equal(t, []byte("v"), getResp.Value)

	var missResp rpc.GetResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Get",
		&rpc.GetRequest{Key: []byte("missing"), Consistency: rpc.ConsistencyLinearizable}, &missResp))
	assert.False(t, missResp.Found)
}

// Scenario 2: Overwrite then stale read converges to the last write.
func TestOverwriteThenStaleReadConverges(t *testing.T) {
	n := startSingleNode(t)

	var resp rpc.PutResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Put", &rpc.PutRequest{Key: []byte("k"), Value: []byte("v1")}, &resp))
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Put", &rpc.PutRequest{Key: []byte("k"), Value: []byte("v2")}, &resp))

	var getResp rpc.GetResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Get",
		&rpc.GetRequest{Key: []byte("k"), Consistency: rpc.ConsistencyStale}, &getResp))
	assert.True(t, getResp.Found)
	assert.Equal(t, []byte("v2"), getResp.Value)
}

// Scenario 3: Batch write preserves item order.
func TestBatchWritePreservesOrder(t *testing.T) {
	n := startSingleNode(t)

	batchResp := new(rpc.PutBatchResponse)
	req := &rpc.PutBatchRequest{Items: []rpc.BatchItem{
		{Key: []byte("k"), Value: []byte("v1")},
		{Key: []byte("k"), Value: []byte("v2")},
		{Key: []byte("k"), Value: []byte("v3")},
	}}
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/PutBatch", req, batchResp))
	require.Len(t, batchResp.Results, 3)
	for _, r := range batchResp.Results {
		assert.Empty(t, r.Error)
	}

	var getResp rpc.GetResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Get",
		&rpc.GetRequest{Key: []byte("k"), Consistency: rpc.ConsistencyLinearizable}, &getResp))
	assert.True(t, getResp.Found)
	assert.Equal(t, []byte("v3"), getResp.Value)
}

// Scenario 4: Delete hides a previously written value.
func TestDeleteHidesValue(t *testing.T) {
	n := startSingleNode(t)

	var putResp rpc.PutResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Put", &rpc.PutRequest{Key: []byte("k"), Value: []byte("v")}, &putResp))

	var delResp rpc.DeleteResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Delete", &rpc.DeleteRequest{Key: []byte("k")}, &delResp))

	var getResp rpc.GetResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Get",
		&rpc.GetRequest{Key: []byte("k"), Consistency: rpc.ConsistencyLinearizable}, &getResp))
	assert.False(t, getResp.Found)
}

// Scenario 5: inclusion proofs verify across tree shapes, and a
// tampered proof value is rejected.
func TestProofVerifiesAcrossTreeShapes(t *testing.T) {
	n := startSingleNode(t)

	const count = 7
	for i := 0; i < count; i++ {
		key := []byte(keyN(i))
		value := []byte(valueN(i))
		var resp rpc.PutResponse
		require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Put", &rpc.PutRequest{Key: key, Value: value}, &resp))
	}

	var rootResp rpc.MerkleRootResponse
	require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/MerkleRoot", &rpc.MerkleRootRequest{}, &rootResp))
	require.NotEmpty(t, rootResp.Root)

	for i := 0; i < count; i++ {
		key := []byte(keyN(i))
		var proofResp rpc.ProofResponse
		require.NoError(t, n.conn.Invoke(ctx(t), "/rpc.Ledger/Proof", &rpc.ProofRequest{Key: key}, &proofResp))
		require.True(t, proofResp.Found)

		proof := &merkle.Proof{
			Key:        proofResp.Key,
			Value:      proofResp.Value,
			Siblings:   proofResp.Siblings,
			Directions: proofResp.Directions,
		}
		assert.True(t, merkle.Verify(proof, rootResp.Root))

		tampered := *proof
		tampered.Value = []byte("X")
		assert.False(t, merkle.Verify(&tampered, rootResp.Root))
	}
}

func keyN(i int) string   { return "key" + string(rune('0'+i)) }
func valueN(i int) string { return "value" + string(rune('0'+i)) }

// Scenario 6: segment archive/retrieve round-trips under compression.
func TestArchiveRoundTrip(t *testing.T) {
	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	engine := archival.NewEngine(store, 6, 3)

	seg := &ledgertypes.Segment{
		SegmentID:     1,
		CreatedAtSecs: 1000,
		Entries:       map[string]ledgertypes.Value{"k": []byte("v")},
	}
	meta, err := engine.Archive(seg, 2000)
	require.NoError(t, err)
	assert.True(t, meta.IsCompressed)
	assert.Greater(t, meta.CompressedSize, 0)

	got, found, err := engine.FetchSegment(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, seg.Entries, got.Entries)
}

// Scenario 7: manifest merge resolves a version conflict by keeping
// the higher-versioned entry and bumping the result past both inputs.
func TestManifestMergeConflictResolution(t *testing.T) {
	m1 := ledgertypes.ClusterManifest{
		Version: 2,
		Entries: []ledgertypes.ManifestEntry{{SegmentID: 1, SizeBytes: 100}},
	}
	m2 := ledgertypes.ClusterManifest{
		Version: 5,
		Entries: []ledgertypes.ManifestEntry{{SegmentID: 1, SizeBytes: 200}},
	}

	merged := manifest.Merge(m1, m2, 9999)
	require.Len(t, merged.Entries, 1)
	assert.Equal(t, uint64(200), merged.Entries[0].SizeBytes)
	assert.Equal(t, uint64(6), merged.Version)
}

// Scenario 8: two nodes seeded with each other's discovery address
// converge to each knowing exactly one peer within two seconds.
func TestDiscoveryMutualAnnounce(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	brokerA := clusterevents.NewBroker()
	brokerA.Start()
	t.Cleanup(brokerA.Stop)
	brokerB := clusterevents.NewBroker()
	brokerB.Start()
	t.Cleanup(brokerB.Stop)

	heartbeat := 20 * time.Millisecond
	svcA, err := discovery.New(discovery.Config{
		NodeID:            1,
		RaftAddr:          "127.0.0.1:17000",
		ClientAddr:        "127.0.0.1:17001",
		ListenAddr:        addrA,
		BroadcastAddr:     addrA,
		Seeds:             []string{addrB},
		HeartbeatInterval: heartbeat,
		FailureTimeout:    2 * time.Second,
	}, brokerA)
	require.NoError(t, err)
	require.NoError(t, svcA.Start())
	t.Cleanup(svcA.Stop)

	svcB, err := discovery.New(discovery.Config{
		NodeID:            2,
		RaftAddr:          "127.0.0.1:17010",
		ClientAddr:        "127.0.0.1:17011",
		ListenAddr:        addrB,
		BroadcastAddr:     addrB,
		Seeds:             []string{addrA},
		HeartbeatInterval: heartbeat,
		FailureTimeout:    2 * time.Second,
	}, brokerB)
	require.NoError(t, err)
	require.NoError(t, svcB.Start())
	t.Cleanup(svcB.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svcA.Peers()) == 1 && len(svcB.Peers()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Len(t, svcA.Peers(), 1)
	assert.Equal(t, ledgertypes.NodeID(2), svcA.Peers()[0].NodeID)
	require.Len(t, svcB.Peers(), 1)
	assert.Equal(t, ledgertypes.NodeID(1), svcB.Peers()[0].NodeID)
}
