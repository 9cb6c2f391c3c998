package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/consensus"
	"github.com/cuemby/scribe/internal/ledgerapi"
	"github.com/cuemby/scribe/internal/logstore"
	"github.com/cuemby/scribe/internal/statemachine"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	raftAddr := ln.Addr().String()
	ln.Close()

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
	cfg.CacheCapacity = 16
	svc, err := ledgerapi.New(cfg, node)
	require.NoError(t, err)

	rln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rpcAddr := rln.Addr().String()
	rln.Close()

	server := NewServer(svc)
	go server.Start(rpcAddr)
	t.Cleanup(server.Stop)

	return server, rpcAddr
}

func dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	var conn *grpc.ClientConn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func TestRPCPutThenGet(t *testing.T) {
	_, addr := newTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var putResp PutResponse
	err := conn.Invoke(ctx, "/rpc.Ledger/Put", &PutRequest{Key: []byte("k"), Value: []byte("v")}, &putResp)
	require.NoError(t, err)

	var getResp GetResponse
	err = conn.Invoke(ctx, "/rpc.Ledger/Get", &GetRequest{Key: []byte("k"), Consistency: ConsistencyStale}, &getResp)
	require.NoError(t, err)
	assert.True(t, getResp.Found)
	assert.Equal(t, []byte("v"), getResp.Value)
}

func TestRPCClusterInfoReportsLeader(t *testing.T) {
	_, addr := newTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp ClusterInfoResponse
	err := conn.Invoke(ctx, "/rpc.Ledger/ClusterInfo", &ClusterInfoRequest{}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "leader", resp.Role)
}

func TestRPCMerkleRootAndProof(t *testing.T) {
	_, addr := newTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var putResp PutResponse
	require.NoError(t, conn.Invoke(ctx, "/rpc.Ledger/Put", &PutRequest{Key: []byte("k"), Value: []byte("v")}, &putResp))

	var rootResp MerkleRootResponse
	require.NoError(t, conn.Invoke(ctx, "/rpc.Ledger/MerkleRoot", &MerkleRootRequest{}, &rootResp))
	assert.NotEmpty(t, rootResp.Root)

	var proofResp ProofResponse
	require.NoError(t, conn.Invoke(ctx, "/rpc.Ledger/Proof", &ProofRequest{Key: []byte("k")}, &proofResp))
	assert.True(t, proofResp.Found)
	assert.Equal(t, []byte("k"), proofResp.Key)
}

func TestRPCManifestInfoReportsEmptyManifestInitially(t *testing.T) {
	_, addr := newTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp ManifestInfoResponse
	err := conn.Invoke(ctx, "/rpc.Ledger/ManifestInfo", &ManifestInfoRequest{}, &resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.Version)
	assert.Empty(t, resp.Entries)
}
