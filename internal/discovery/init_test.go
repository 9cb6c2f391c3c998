package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/consensus"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/logstore"
	"github.com/cuemby/scribe/internal/statemachine"
)

func mustFreeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving tcp port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestNode(t *testing.T, id ledgertypes.NodeID, addr string) *consensus.Node {
	t.Helper()
	dir := t.TempDir()
	log, err := logstore.Open(dir)
	if err != nil {
		t.Fatalf("opening log store: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	broker := clusterevents.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	node, err := consensus.New(consensus.Options{
		ID:                 id,
		Address:            addr,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  30 * time.Millisecond,
		MaxRPCRetries:      1,
	}, log, statemachine.New(), broker)
	if err != nil {
		t.Fatalf("consensus.New: %v", err)
	}
	t.Cleanup(func() { node.Shutdown() })
	return node
}

func TestInitializeJoinFallsBackToBootstrapWithNoPeersAndNoState(t *testing.T) {
	ln := mustFreeTCPAddr(t)
	node := newTestNode(t, 1, ln)

	discAddr := freeUDPAddr(t)
	svc := newTestService(t, 1, discAddr, nil)

	err := Initialize(node, svc, InitOptions{
		Mode:             ModeJoin,
		DiscoveryTimeout: 200 * time.Millisecond,
		MinPeersForJoin:  1,
		HasExistingState: false,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !node.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	if !node.IsLeader() {
		t.Fatal("single-node join-with-no-peers fallback should still elect itself leader")
	}
}

func TestLeaderCandidateNotFoundWithNoPeers(t *testing.T) {
	discAddr := freeUDPAddr(t)
	svc := newTestService(t, 5, discAddr, nil)

	// No peers known yet: self is the only candidate.
	candidate, found := LeaderCandidate(svc, 5)
	if found {
		t.Fatalf("expected no candidate with no peers known, got %d", candidate)
	}
}
