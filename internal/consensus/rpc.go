package consensus

import (
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/statemachine"
)

// handleRPC is the Transport's inbound dispatch: it decodes the kind
// of envelope received and routes it to the matching RPC handler.
func (n *Node) handleRPC(req envelope) envelope {
	switch req.Kind {
	case kindAppendEntriesReq:
		resp := n.handleAppendEntries(*req.AppendReq)
		return envelope{Kind: kindAppendEntriesResp, AppendResp: &resp}
	case kindVoteReq:
		resp := n.handleVoteRequest(*req.VoteReq)
		return envelope{Kind: kindVoteResp, VoteResp: &resp}
	case kindInstallSnapshotReq:
		resp := n.handleInstallSnapshot(*req.SnapReq)
		return envelope{Kind: kindInstallSnapshotResp, SnapResp: &resp}
	default:
		return envelope{}
	}
}

func (n *Node) handleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	n.mu.Lock()
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return AppendEntriesResponse{Term: term, Success: false}
	}
	if req.Term > n.currentTerm || n.role != Follower {
		n.mu.Unlock()
		leader := req.LeaderID
		n.becomeFollower(req.Term, &leader)
		n.mu.Lock()
	}
	n.leaderID = &req.LeaderID
	term := n.currentTerm
	n.mu.Unlock()

	if req.PrevLogID.Index > 0 {
		entries, err := n.log.GetLogEntries(req.PrevLogID.Index, req.PrevLogID.Index+1)
		if err != nil || len(entries) != 1 || entries[0].LogID.LeaderID != req.PrevLogID.LeaderID {
			return AppendEntriesResponse{Term: term, Success: false, ConflictIndex: req.PrevLogID.Index}
		}
	}

	if len(req.Entries) > 0 {
		if err := n.log.Truncate(req.Entries[0].LogID.Index); err != nil {
			return AppendEntriesResponse{Term: term, Success: false}
		}
		if err := n.log.Append(req.Entries); err != nil {
			return AppendEntriesResponse{Term: term, Success: false}
		}
	}

	if req.LeaderCommit > 0 {
		n.mu.Lock()
		if req.LeaderCommit > n.commitIndex {
			n.commitIndex = req.LeaderCommit
		}
		commitIndex := n.commitIndex
		n.mu.Unlock()
		n.applyCommitted(commitIndex)
	}

	return AppendEntriesResponse{Term: term, Success: true}
}

func (n *Node) handleVoteRequest(req VoteRequest) VoteResponse {
	n.mu.Lock()
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return VoteResponse{Term: term, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.mu.Unlock()
		n.becomeFollower(req.Term, nil)
		n.mu.Lock()
	}

	canVote := n.votedFor == nil || *n.votedFor == req.CandidateID
	term := n.currentTerm
	n.mu.Unlock()

	if !canVote {
		return VoteResponse{Term: term, VoteGranted: false}
	}

	localLast := n.lastLogID()
	upToDate := req.LastLogID.Index >= localLast.Index
	if !upToDate {
		return VoteResponse{Term: term, VoteGranted: false}
	}

	if err := n.log.SaveVote(ledgertypes.Vote{Term: term, NodeID: req.CandidateID}); err != nil {
		return VoteResponse{Term: term, VoteGranted: false}
	}
	n.mu.Lock()
	id := req.CandidateID
	n.votedFor = &id
	n.mu.Unlock()

	return VoteResponse{Term: term, VoteGranted: true}
}

func (n *Node) handleInstallSnapshot(req InstallSnapshotRequest) InstallSnapshotResponse {
	n.mu.Lock()
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return InstallSnapshotResponse{Term: term}
	}
	n.mu.Unlock()
	leader := req.LeaderID
	n.becomeFollower(req.Term, &leader)

	snap, err := statemachine.DecodeSnapshot(req.Data)
	if err == nil {
		n.sm.InstallSnapshot(snap)
	}
	n.log.SaveCommitted(&req.LastIncludedID)

	n.mu.Lock()
	term := n.currentTerm
	if req.LastIncludedID.Index > n.commitIndex {
		n.commitIndex = req.LastIncludedID.Index
	}
	n.mu.Unlock()

	return InstallSnapshotResponse{Term: term}
}
