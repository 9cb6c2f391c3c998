package consensus

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/logstore"
	"github.com/cuemby/scribe/internal/metrics"
	"github.com/cuemby/scribe/internal/scribelog"
	"github.com/cuemby/scribe/internal/statemachine"
)

// Options configures a Node. ElectionTimeoutMin/Max bound the
// randomized follower timeout; HeartbeatInterval must be strictly
// smaller than ElectionTimeoutMin (enforced by config.Config.Validate
// before a Node is constructed).
type Options struct {
	ID                ledgertypes.NodeID
	Address           string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxRPCRetries      int

	// SnapshotLogsSinceLast is how many entries may commit since the
	// last snapshot before the next one is built and the covered log
	// prefix purged. Zero disables compaction entirely.
	SnapshotLogsSinceLast uint64
	// MaxInSnapshotLogToKeep is how many committed entries behind the
	// snapshot cutoff stay in the log rather than being purged, so a
	// follower only a little behind can still catch up by replay.
	MaxInSnapshotLogToKeep uint64
}

// Node is one replica in the cluster: it owns leader election, log
// replication, and the committed/applied boundary of the local log.
type Node struct {
	mu sync.Mutex

	// appendMu serializes leader-side index allocation: a single client
	// write must read the log tail and append to it atomically, or two
	// concurrent writers could both claim the same next index.
	appendMu sync.Mutex

	id      ledgertypes.NodeID
	address string
	opts    Options

	role        Role
	currentTerm ledgertypes.Term
	votedFor    *ledgertypes.NodeID
	leaderID    *ledgertypes.NodeID

	configuration ledgertypes.Configuration
	peers         map[ledgertypes.NodeID]string

	commitIndex uint64
	nextIndex   map[ledgertypes.NodeID]uint64
	matchIndex  map[ledgertypes.NodeID]uint64

	log       *logstore.Store
	sm        *statemachine.StateMachine
	transport *Transport
	broker    *clusterevents.Broker

	waiters map[uint64]chan statemachine.ApplyResult

	// snapshotMu guards the locally built snapshot cache used to
	// catch up a follower whose required log entries have already
	// been purged.
	snapshotMu     sync.Mutex
	lastSnapshotID ledgertypes.LogID
	snapshotData   []byte

	rng *rand.Rand

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Node over an already-open log store and state
// machine. Call Initialize to begin participating in elections.
func New(opts Options, log *logstore.Store, sm *statemachine.StateMachine, broker *clusterevents.Broker) (*Node, error) {
	vote, err := log.ReadVote()
	if err != nil {
		return nil, err
	}
	logState, err := log.GetLogState()
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:         opts.ID,
		address:    opts.Address,
		opts:       opts,
		role:       Follower,
		peers:      make(map[ledgertypes.NodeID]string),
		nextIndex:  make(map[ledgertypes.NodeID]uint64),
		matchIndex: make(map[ledgertypes.NodeID]uint64),
		log:        log,
		sm:         sm,
		transport:  NewTransport(opts.MaxRPCRetries),
		broker:     broker,
		waiters:    make(map[uint64]chan statemachine.ApplyResult),
		rng:        rand.New(rand.NewSource(int64(opts.ID) + time.Now().UnixNano())),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if vote != nil {
		n.currentTerm = vote.Term
		if vote.NodeID != 0 {
			id := vote.NodeID
			n.votedFor = &id
		}
	}
	if logState.LastPurgedLogID != nil {
		n.lastSnapshotID = *logState.LastPurgedLogID
	}
	n.configuration = ledgertypes.Configuration{Voters: []ledgertypes.NodeID{opts.ID}}
	return n, nil
}

// Initialize starts listening for inbound RPCs and begins the
// election timer. A freshly initialized node with no registered peers
// bootstraps as a single-voter cluster and becomes leader immediately.
func (n *Node) Initialize() error {
	if err := n.transport.Listen(n.address, n.handleRPC); err != nil {
		return err
	}
	n.mu.Lock()
	solo := len(n.configuration.Voters) == 1
	n.mu.Unlock()
	go n.run()
	if solo {
		go n.startElection()
	}
	return nil
}

// RegisterPeer adds id's address to this node's routing table and
// expands the voting configuration to include it. Mirrors
// add_voter semantics; callers requiring a consensus-proposed
// membership change should go through ChangeMembership instead.
func (n *Node) RegisterPeer(id ledgertypes.NodeID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = address
	if !n.configuration.Contains(id) {
		n.configuration.Voters = append(n.configuration.Voters, id)
	}
	n.nextIndex[id] = 1
	n.matchIndex[id] = 0
	metrics.RaftPeersTotal.Set(float64(len(n.configuration.Voters)))
}

// AddLearner registers a non-voting replica that receives log entries
// but does not count toward election or commit majorities.
func (n *Node) AddLearner(id ledgertypes.NodeID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = address
	for _, v := range n.configuration.Learners {
		if v == id {
			return
		}
	}
	n.configuration.Learners = append(n.configuration.Learners, id)
	n.nextIndex[id] = 1
	n.matchIndex[id] = 0
}

// Shutdown stops the election/heartbeat loop and the RPC transport.
func (n *Node) Shutdown() error {
	close(n.stopCh)
	<-n.doneCh
	return n.transport.Close()
}

func (n *Node) electionTimeout() time.Duration {
	span := n.opts.ElectionTimeoutMax - n.opts.ElectionTimeoutMin
	if span <= 0 {
		return n.opts.ElectionTimeoutMin
	}
	return n.opts.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)))
}

// run is the single control loop driving the role state cycle:
// followers and candidates wait for a randomized election timeout
// before soliciting votes; leaders instead tick a fixed-interval
// heartbeat. Both timers run continuously; only the one relevant to
// the current role is allowed to drive an action.
func (n *Node) run() {
	defer close(n.doneCh)

	election := time.NewTimer(n.electionTimeout())
	defer election.Stop()
	heartbeat := time.NewTicker(n.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-n.stopCh:
			return

		case <-election.C:
			if !n.IsLeader() {
				n.startElection()
			}
			election.Reset(n.electionTimeout())

		case <-heartbeat.C:
			if n.IsLeader() {
				n.sendHeartbeats()
			}
		}
	}
}

func (n *Node) becomeFollower(term ledgertypes.Term, leader *ledgertypes.NodeID) {
	n.mu.Lock()
	changed := n.role != Follower
	n.role = Follower
	n.currentTerm = term
	n.votedFor = nil
	n.leaderID = leader
	n.mu.Unlock()

	metrics.RaftState.Reset()
	metrics.RaftState.WithLabelValues("follower").Set(1)
	if changed {
		n.publishLeaderChanged()
	}
}

func (n *Node) startElection() {
	n.mu.Lock()
	if n.role == Leader {
		n.mu.Unlock()
		return
	}
	n.role = Candidate
	n.currentTerm++
	term := n.currentTerm
	self := n.id
	n.votedFor = &self
	voters := append([]ledgertypes.NodeID(nil), n.configuration.Voters...)
	peerAddrs := make(map[ledgertypes.NodeID]string, len(n.peers))
	for id, addr := range n.peers {
		peerAddrs[id] = addr
	}
	n.mu.Unlock()

	if err := n.log.SaveVote(ledgertypes.Vote{Term: term, NodeID: self}); err != nil {
		scribelog.WithNodeID(uint64(self)).Error().Err(err).Msg("failed to persist vote")
		return
	}
	metrics.RaftState.Reset()
	metrics.RaftState.WithLabelValues("candidate").Set(1)
	metrics.RaftTerm.Set(float64(term))

	lastID := n.lastLogID()

	votes := 1 // vote for self
	var votesMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range voters {
		if id == self {
			continue
		}
		addr, ok := peerAddrs[id]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := n.transport.sendVoteRequest(addr, VoteRequest{Term: term, CandidateID: self, LastLogID: lastID})
			if err != nil {
				return
			}
			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.mu.Unlock()
				n.becomeFollower(resp.Term, nil)
				return
			}
			n.mu.Unlock()
			if resp.VoteGranted {
				votesMu.Lock()
				votes++
				votesMu.Unlock()
			}
		}(addr)
	}
	wg.Wait()

	majority := len(voters)/2 + 1
	n.mu.Lock()
	stillCandidate := n.role == Candidate && n.currentTerm == term
	n.mu.Unlock()
	if stillCandidate && votes >= majority {
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	lastIndex := n.lastLogID().Index

	n.mu.Lock()
	n.role = Leader
	self := n.id
	n.leaderID = &self
	for id := range n.peers {
		n.nextIndex[id] = lastIndex + 1
		n.matchIndex[id] = 0
	}
	term := n.currentTerm
	n.mu.Unlock()

	metrics.RaftState.Reset()
	metrics.RaftState.WithLabelValues("leader").Set(1)
	scribelog.WithTerm(uint64(term)).Info().Msg("became leader")
	n.publishLeaderChanged()

	// Commit a blank entry so reads under the new term observe every
	// entry the previous leader may have left uncommitted.
	n.appendAndReplicate(ledgertypes.Payload{Kind: ledgertypes.PayloadBlank})
}

func (n *Node) publishLeaderChanged() {
	if n.broker == nil {
		return
	}
	n.broker.Publish(&clusterevents.Event{Type: clusterevents.EventLeaderChanged})
}

// lastLogID queries the persisted log directly and must not be called
// while n.mu is held, since it performs its own I/O.
func (n *Node) lastLogID() ledgertypes.LogID {
	state, err := n.log.GetLogState()
	if err != nil || state.LastLogID == nil {
		return ledgertypes.LogID{}
	}
	return *state.LastLogID
}
