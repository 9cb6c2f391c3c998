package consensus

import (
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/metrics"
	"github.com/cuemby/scribe/internal/scribeerr"
	"github.com/cuemby/scribe/internal/statemachine"
)

// ClientWrite proposes payload to the cluster and returns once it has
// been committed by a majority and applied locally. Returns a
// scribeerr KindNotLeader error (carrying the known leader, if any)
// when this node cannot serve the write.
func (n *Node) ClientWrite(payload ledgertypes.Payload) (statemachine.ApplyResult, error) {
	return n.appendAndReplicate(payload)
}

// ClientRead serves a read on the leader: it sends one heartbeat round
// to every peer and, if this node has not stepped down as a result,
// serves the value from its own state machine. The acknowledgements of
// that round are not counted, so a leader cut off from a majority keeps
// serving reads from its own state until it hears of a higher term.
func (n *Node) ClientRead(key ledgertypes.Key) (ledgertypes.Value, bool, error) {
	n.mu.Lock()
	isLeader := n.role == Leader
	leader := n.leaderID
	n.mu.Unlock()
	if !isLeader {
		var id uint64
		addr := ""
		if leader != nil {
			id = uint64(*leader)
			n.mu.Lock()
			addr = n.peers[*leader]
			n.mu.Unlock()
		}
		return nil, false, scribeerr.NewNotLeader(id, addr)
	}

	n.replicateToAll()

	n.mu.Lock()
	stillLeader := n.role == Leader
	n.mu.Unlock()
	if !stillLeader {
		return nil, false, scribeerr.NewNotLeader(0, "")
	}

	v, ok := n.sm.Get(key)
	return v, ok, nil
}

// ClientReadLocal serves key from this node's own state machine
// without confirming leadership, trading linearizability for latency.
func (n *Node) ClientReadLocal(key ledgertypes.Key) (ledgertypes.Value, bool) {
	return n.sm.Get(key)
}

// LocalSnapshot returns a copy of every key/value pair currently held
// by this node's state machine, for building a Merkle tree over the
// current state. Like ClientReadLocal, it does not confirm leadership.
func (n *Node) LocalSnapshot() map[string]ledgertypes.Value {
	return n.sm.GetAll()
}

// ManifestSnapshot returns this node's current replicated view of the
// cluster manifest (Component H), applied through the same committed
// log as any other write.
func (n *Node) ManifestSnapshot() ledgertypes.ClusterManifest {
	return n.sm.ManifestSnapshot()
}

// ChangeMembership proposes a new voting/learner configuration through
// the log, like any other write, so every replica learns of it in the
// same order it is applied.
func (n *Node) ChangeMembership(config ledgertypes.Configuration) error {
	_, err := n.appendAndReplicate(ledgertypes.Payload{Kind: ledgertypes.PayloadMembership, Membership: config})
	return err
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// CurrentLeader returns the node id and address of the leader this
// node currently recognizes, if any.
func (n *Node) CurrentLeader() (ledgertypes.NodeID, string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == nil {
		return 0, "", false
	}
	return *n.leaderID, n.peers[*n.leaderID], true
}

// Stats is a snapshot of this node's consensus state, surfaced via
// cluster_info and the health/metrics endpoints.
type Stats struct {
	Role        string
	Term        ledgertypes.Term
	CommitIndex uint64
	LeaderID    *ledgertypes.NodeID
	Peers       int
}

// Metrics returns this node's current consensus stats and also
// updates the process-wide prometheus gauges.
func (n *Node) Metrics() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	metrics.RaftTerm.Set(float64(n.currentTerm))
	metrics.RaftCommitIndex.Set(float64(n.commitIndex))

	return Stats{
		Role:        n.role.String(),
		Term:        n.currentTerm,
		CommitIndex: n.commitIndex,
		LeaderID:    n.leaderID,
		Peers:       len(n.configuration.Voters),
	}
}

// HealthCheck reports an error if this node cannot currently serve
// requests: specifically, if it has no recognized leader at all.
func (n *Node) HealthCheck() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == Leader {
		return nil
	}
	if n.leaderID == nil {
		return scribeerr.NewClusterError("no leader known")
	}
	return nil
}
