package discovery

import (
	"sort"
	"time"

	"github.com/cuemby/scribe/internal/consensus"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/metrics"
	"github.com/cuemby/scribe/internal/scribelog"
)

// InitMode selects how a node enters the cluster.
type InitMode int

const (
	// ModeBootstrap makes this node a single-member cluster and its
	// own immediate leader.
	ModeBootstrap InitMode = iota
	// ModeJoin waits for peers via gossip before registering them
	// with consensus, deferring voter promotion to a later admin
	// operation.
	ModeJoin
)

// InitOptions configures a cluster-init attempt.
type InitOptions struct {
	Mode InitMode

	// DiscoveryTimeout bounds how long Join waits to discover at
	// least MinPeersForJoin peers.
	DiscoveryTimeout time.Duration
	MinPeersForJoin  int

	// HasExistingState reports whether the local consensus replica
	// already has persisted log/vote state. When true, a Join that
	// discovers no peers does not silently fall back to Bootstrap.
	HasExistingState bool
}

// Initialize runs the bootstrap-or-join cluster-init flow described in
// SPEC_FULL.md §4.E against node and svc. It registers every peer
// discovered during Join with the consensus replica so replication can
// begin; the actual voter promotion (AddLearner then ChangeMembership)
// is left to a separate admin-triggered call.
func Initialize(node *consensus.Node, svc *Service, opts InitOptions) error {
	switch opts.Mode {
	case ModeBootstrap:
		return node.Initialize()
	case ModeJoin:
		return joinCluster(node, svc, opts)
	default:
		return node.Initialize()
	}
}

// joinCluster waits for peers via gossip and registers every one of
// them with the consensus replica before starting it. node.Initialize
// starts the election timer immediately, and a freshly constructed
// Node's configuration holds only its own id (consensus/node.go's
// New), so calling it before RegisterPeer would let this node
// self-elect leader of a one-node phantom cluster — matching
// original_source/src/cluster.rs's join_cluster, which never starts
// the replica until real peers are known.
func joinCluster(node *consensus.Node, svc *Service, opts InitOptions) error {
	deadline := time.Now().Add(opts.DiscoveryTimeout)
	for time.Now().Before(deadline) {
		if len(svc.Peers()) >= opts.MinPeersForJoin {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	peers := svc.Peers()
	if len(peers) == 0 {
		metrics.DiscoveryDegraded.Set(1)
		scribelog.WithComponent("discovery").Warn().Msg("join timed out with no peers discovered")
		if opts.HasExistingState {
			// This node already has persisted log/vote state; do not
			// start the replica with a fresh self-only configuration,
			// which would self-elect the same phantom-leader bug this
			// function exists to avoid. Stay degraded and let the
			// operator retry.
			return nil
		}
		// No peers and no prior state: a one-node bootstrap is an
		// acceptable fallback, matching the degraded-join behavior
		// named in SPEC_FULL.md's Open Question 1 resolution.
		scribelog.WithComponent("discovery").Info().Msg("falling back to single-node bootstrap")
		return node.Initialize()
	}
	metrics.DiscoveryDegraded.Set(0)

	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	presumedLeader := peers[0]

	for _, p := range peers {
		node.RegisterPeer(p.NodeID, p.RaftAddr)
	}

	if err := node.Initialize(); err != nil {
		return err
	}

	scribelog.WithComponent("discovery").Info().
		Uint64("presumed_leader", uint64(presumedLeader.NodeID)).
		Int("peer_count", len(peers)).
		Msg("join ready; registered discovered peers with consensus")
	return nil
}

// LeaderCandidate reports the presumed bootstrap leader among the
// currently known peers (the smallest node id), the same rule
// joinCluster applies when it logs its presumed leader.
func LeaderCandidate(svc *Service, self ledgertypes.NodeID) (ledgertypes.NodeID, bool) {
	peers := svc.Peers()
	candidate := self
	found := false
	for _, p := range peers {
		if !found || p.NodeID < candidate {
			candidate = p.NodeID
			found = true
		}
	}
	if !found {
		return self, false
	}
	return candidate, true
}
