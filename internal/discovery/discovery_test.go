package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/ledgertypes"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("reserving udp port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func newTestService(t *testing.T, id ledgertypes.NodeID, listen string, seeds []string) *Service {
	t.Helper()
	broker := clusterevents.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	svc, err := New(Config{
		NodeID:            id,
		RaftAddr:          "127.0.0.1:0",
		ClientAddr:        "127.0.0.1:0",
		ListenAddr:        listen,
		BroadcastAddr:     "",
		Seeds:             seeds,
		HeartbeatInterval: 30 * time.Millisecond,
		FailureTimeout:    150 * time.Millisecond,
	}, broker)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func TestTwoNodesDiscoverEachOtherViaSeeds(t *testing.T) {
	addrA := freeUDPAddr(t)
	addrB := freeUDPAddr(t)

	svcA := newTestService(t, 1, addrA, []string{addrB})
	svcB := newTestService(t, 2, addrB, []string{addrA})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svcA.Peers()) > 0 && len(svcB.Peers()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	peersA := svcA.Peers()
	if len(peersA) != 1 || peersA[0].NodeID != 2 {
		t.Fatalf("node A's peers = %+v, want [node 2]", peersA)
	}
	peersB := svcB.Peers()
	if len(peersB) != 1 || peersB[0].NodeID != 1 {
		t.Fatalf("node B's peers = %+v, want [node 1]", peersB)
	}
}

func TestPeerEvictedAfterFailureTimeout(t *testing.T) {
	addrA := freeUDPAddr(t)
	addrB := freeUDPAddr(t)

	svcA := newTestService(t, 1, addrA, []string{addrB})
	svcB := newTestService(t, 2, addrB, []string{addrA})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(svcA.Peers()) == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if len(svcA.Peers()) == 0 {
		t.Fatal("node A never discovered node B")
	}

	svcB.Stop()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(svcA.Peers()) != 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if len(svcA.Peers()) != 0 {
		t.Fatalf("expected node B to be evicted, peers = %+v", svcA.Peers())
	}
}

func TestClusterSecretMismatchRejectsAnnounce(t *testing.T) {
	addrA := freeUDPAddr(t)
	addrB := freeUDPAddr(t)

	brokerA := clusterevents.NewBroker()
	brokerA.Start()
	t.Cleanup(brokerA.Stop)
	svcA, err := New(Config{
		NodeID:            1,
		RaftAddr:          "127.0.0.1:19001",
		ClientAddr:        "127.0.0.1:19002",
		ListenAddr:        addrA,
		Seeds:             []string{addrB},
		HeartbeatInterval: 30 * time.Millisecond,
		FailureTimeout:    150 * time.Millisecond,
		ClusterSecret:     "correct-secret",
	}, brokerA)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svcA.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svcA.Stop)

	brokerB := clusterevents.NewBroker()
	brokerB.Start()
	t.Cleanup(brokerB.Stop)
	svcB, err := New(Config{
		NodeID:            2,
		RaftAddr:          "127.0.0.1:19003",
		ClientAddr:        "127.0.0.1:19004",
		ListenAddr:        addrB,
		Seeds:             []string{addrA},
		HeartbeatInterval: 30 * time.Millisecond,
		FailureTimeout:    150 * time.Millisecond,
		ClusterSecret:     "wrong-secret",
	}, brokerB)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svcB.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svcB.Stop)

	time.Sleep(500 * time.Millisecond)

	if len(svcA.Peers()) != 0 {
		t.Fatalf("node A should reject node B's mismatched secret, got peers %+v", svcA.Peers())
	}
}

func TestIsPeerAliveReflectsFailureTimeout(t *testing.T) {
	addrA := freeUDPAddr(t)
	addrB := freeUDPAddr(t)

	svcA := newTestService(t, 1, addrA, []string{addrB})
	svcB := newTestService(t, 2, addrB, []string{addrA})
	_ = svcB

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !svcA.IsPeerAlive(2) {
		time.Sleep(20 * time.Millisecond)
	}
	if !svcA.IsPeerAlive(2) {
		t.Fatal("expected node 2 to be alive from node A's perspective")
	}
	if svcA.IsPeerAlive(999) {
		t.Fatal("nonexistent peer should not be alive")
	}
}
