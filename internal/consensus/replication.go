package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/metrics"
	"github.com/cuemby/scribe/internal/scribeerr"
	"github.com/cuemby/scribe/internal/statemachine"
)

// appendAndReplicate appends a new entry at the leader's log tail,
// replicates it to every peer, and returns once a majority (including
// the leader itself) has it on disk and it has been applied locally.
// Returns scribeerr.KindNotLeader if this node is not (or stops being)
// the leader before the entry commits.
func (n *Node) appendAndReplicate(payload ledgertypes.Payload) (statemachine.ApplyResult, error) {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		addr := ""
		if leader != nil {
			addr = n.peers[*leader]
		}
		n.mu.Unlock()
		var id uint64
		if leader != nil {
			id = uint64(*leader)
		}
		return statemachine.ApplyResult{}, scribeerr.NewNotLeader(id, addr)
	}
	term := n.currentTerm
	self := n.id
	n.mu.Unlock()

	// appendMu serializes the read-last-index-then-append sequence so
	// concurrent client_write calls don't race onto the same index.
	n.appendMu.Lock()
	lastID := n.lastLogID()
	index := lastID.Index + 1
	entry := ledgertypes.LogEntry{LogID: ledgertypes.LogID{LeaderID: self, Index: index}, Payload: payload}
	err := n.log.Append([]ledgertypes.LogEntry{entry})
	n.appendMu.Unlock()
	if err != nil {
		return statemachine.ApplyResult{}, err
	}

	wait := make(chan statemachine.ApplyResult, 1)
	n.mu.Lock()
	n.waiters[index] = wait
	n.mu.Unlock()

	n.replicateToAll()

	select {
	case res := <-wait:
		return res, nil
	case <-time.After(n.opts.ElectionTimeoutMax * 4):
		n.mu.Lock()
		delete(n.waiters, index)
		stillLeader := n.role == Leader && n.currentTerm == term
		n.mu.Unlock()
		if !stillLeader {
			return statemachine.ApplyResult{}, scribeerr.NewNotLeader(0, "")
		}
		return statemachine.ApplyResult{}, scribeerr.NewTimeout("client_write")
	}
}

// sendHeartbeats drives both the periodic heartbeat and any
// catch-up replication the leader owes its followers.
func (n *Node) sendHeartbeats() {
	n.replicateToAll()
}

func (n *Node) replicateToAll() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	self := n.id
	commitIndex := n.commitIndex
	peers := make(map[ledgertypes.NodeID]string, len(n.peers))
	for id, addr := range n.peers {
		peers[id] = addr
	}
	n.mu.Unlock()

	var wg sync.WaitGroup
	for id, addr := range peers {
		wg.Add(1)
		go func(id ledgertypes.NodeID, addr string) {
			defer wg.Done()
			n.replicateToPeer(id, addr, term, self, commitIndex)
		}(id, addr)
	}
	wg.Wait()

	n.advanceCommitIndex()
}

func (n *Node) replicateToPeer(id ledgertypes.NodeID, addr string, term ledgertypes.Term, self ledgertypes.NodeID, leaderCommit uint64) {
	n.mu.Lock()
	next := n.nextIndex[id]
	n.mu.Unlock()
	if next == 0 {
		next = 1
	}

	if data, lastID, ok := n.snapshotFor(); ok {
		// Entries after the purge cutoff are still in the log and are
		// replayed; only a peer that needs a purged entry (or a purged
		// predecessor for the consistency check) gets the snapshot.
		var purged uint64
		if state, err := n.log.GetLogState(); err == nil && state.LastPurgedLogID != nil {
			purged = state.LastPurgedLogID.Index
		}
		if next <= purged+1 {
			n.sendSnapshotToPeer(id, addr, term, self, data, lastID)
			return
		}
	}

	var prevID ledgertypes.LogID
	if next > 1 {
		entries, err := n.log.GetLogEntries(next-1, next)
		if err == nil && len(entries) == 1 {
			prevID = entries[0].LogID
		}
	}

	entries, err := n.log.GetLogEntries(next, next+256)
	if err != nil {
		return
	}

	resp, err := n.transport.sendAppendEntries(addr, AppendEntriesRequest{
		Term:         term,
		LeaderID:     self,
		PrevLogID:    prevID,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.mu.Unlock()
		n.becomeFollower(resp.Term, nil)
		n.mu.Lock()
		return
	}
	if n.role != Leader {
		return
	}

	if resp.Success {
		if len(entries) > 0 {
			n.matchIndex[id] = entries[len(entries)-1].LogID.Index
			n.nextIndex[id] = n.matchIndex[id] + 1
		}
	} else {
		if resp.ConflictIndex > 0 && resp.ConflictIndex < n.nextIndex[id] {
			n.nextIndex[id] = resp.ConflictIndex
		} else if n.nextIndex[id] > 1 {
			n.nextIndex[id]--
		}
	}
}

// advanceCommitIndex recomputes the commit index as the median of
// matchIndex across voters (including the leader's own last log
// index), the standard Raft majority-replication rule, then applies
// any newly committed entries.
func (n *Node) advanceCommitIndex() {
	leaderLast := n.lastLogID().Index

	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	voters := n.configuration.Voters
	indices := make([]uint64, 0, len(voters))
	for _, id := range voters {
		if id == n.id {
			indices = append(indices, leaderLast)
			continue
		}
		indices = append(indices, n.matchIndex[id])
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	newCommit := indices[(len(indices)-1)/2]
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
	}
	commitIndex := n.commitIndex
	n.mu.Unlock()

	metrics.RaftCommitIndex.Set(float64(commitIndex))
	n.applyCommitted(commitIndex)
}

// applyCommitted applies every entry up to commitIndex that has not
// yet been applied, notifying any client_write caller waiting on it.
func (n *Node) applyCommitted(commitIndex uint64) {
	lastApplied, _ := n.sm.AppliedState()
	start := uint64(1)
	if lastApplied != nil {
		start = lastApplied.Index + 1
	}
	if start > commitIndex {
		return
	}

	entries, err := n.log.GetLogEntries(start, commitIndex+1)
	if err != nil || len(entries) == 0 {
		return
	}

	timer := metrics.NewTimer()
	results := n.sm.Apply(entries)
	timer.ObserveDuration(metrics.RaftApplyDuration)

	if id, _ := n.sm.AppliedState(); id != nil {
		metrics.RaftLastAppliedIndex.Set(float64(id.Index))
	}

	for i, entry := range entries {
		n.mu.Lock()
		ch, ok := n.waiters[entry.LogID.Index]
		if ok {
			delete(n.waiters, entry.LogID.Index)
		}
		n.mu.Unlock()
		if ok {
			ch <- results[i]
		}

		if entry.Payload.Kind == ledgertypes.PayloadManifestUpdate && n.broker != nil {
			n.broker.Publish(&clusterevents.Event{Type: clusterevents.EventManifestUpdated})
		}
	}

	n.maybeSnapshot(commitIndex)
}
