// Package consensus implements Component C: a hand-rolled Raft-style
// replica. It owns leader election, log replication, and the
// linearizable/stale read paths exposed to internal/ledgerapi, wiring
// internal/logstore for the persisted log, internal/statemachine for
// applied state, and its own gob-over-TCP transport for inter-node RPC.
package consensus

import (
	"fmt"

	"github.com/cuemby/scribe/internal/ledgertypes"
)

// Role is a replica's position in the Raft-style state cycle.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Peer is another node's address as known to this replica.
type Peer struct {
	ID      ledgertypes.NodeID
	Address string
}

// AppendEntriesRequest replicates log entries from a leader to a
// follower, or (with Entries empty) serves as a heartbeat.
type AppendEntriesRequest struct {
	Term         ledgertypes.Term
	LeaderID     ledgertypes.NodeID
	PrevLogID    ledgertypes.LogID
	Entries      []ledgertypes.LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse is a follower's reply to AppendEntries.
// ConflictIndex, when Success is false, is the follower's suggestion
// for where the leader should retry from.
type AppendEntriesResponse struct {
	Term          ledgertypes.Term
	Success       bool
	ConflictIndex uint64
}

// VoteRequest asks a peer to grant a ballot for the current term.
type VoteRequest struct {
	Term        ledgertypes.Term
	CandidateID ledgertypes.NodeID
	LastLogID   ledgertypes.LogID
}

// VoteResponse is a peer's reply to VoteRequest.
type VoteResponse struct {
	Term        ledgertypes.Term
	VoteGranted bool
}

// InstallSnapshotRequest transfers a full state machine snapshot to a
// follower too far behind to catch up by replaying the log.
type InstallSnapshotRequest struct {
	Term           ledgertypes.Term
	LeaderID       ledgertypes.NodeID
	LastIncludedID ledgertypes.LogID
	Data           []byte
}

// InstallSnapshotResponse is a follower's reply to InstallSnapshot.
type InstallSnapshotResponse struct {
	Term ledgertypes.Term
}

// envelope is the single wire message type carrying exactly one of the
// RPC request/response variants, keyed by Kind. A tagged struct of
// optional pointers lets gob encode/decode it without a registered
// interface.
type envelopeKind int

const (
	kindAppendEntriesReq envelopeKind = iota
	kindAppendEntriesResp
	kindVoteReq
	kindVoteResp
	kindInstallSnapshotReq
	kindInstallSnapshotResp
)

type envelope struct {
	Kind envelopeKind

	AppendReq  *AppendEntriesRequest
	AppendResp *AppendEntriesResponse
	VoteReq    *VoteRequest
	VoteResp   *VoteResponse
	SnapReq    *InstallSnapshotRequest
	SnapResp   *InstallSnapshotResponse
}

func (e envelope) describe() string {
	switch e.Kind {
	case kindAppendEntriesReq:
		return "append_entries_request"
	case kindAppendEntriesResp:
		return "append_entries_response"
	case kindVoteReq:
		return "vote_request"
	case kindVoteResp:
		return "vote_response"
	case kindInstallSnapshotReq:
		return "install_snapshot_request"
	case kindInstallSnapshotResp:
		return "install_snapshot_response"
	default:
		return fmt.Sprintf("unknown(%d)", e.Kind)
	}
}
