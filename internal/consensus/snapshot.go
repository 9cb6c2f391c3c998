package consensus

import (
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribelog"
	"github.com/cuemby/scribe/internal/statemachine"
)

// maybeSnapshot builds a snapshot of the state machine and purges the
// log prefix it covers once SnapshotLogsSinceLast entries have
// committed since the last one, per spec.md's Component C compaction
// rule. It is called after every commit-index advance, on leader and
// follower alike, so compaction keeps pace regardless of which
// replica is currently serving writes.
func (n *Node) maybeSnapshot(commitIndex uint64) {
	if n.opts.SnapshotLogsSinceLast == 0 {
		return
	}

	n.snapshotMu.Lock()
	last := n.lastSnapshotID.Index
	n.snapshotMu.Unlock()
	if commitIndex <= last || commitIndex-last < n.opts.SnapshotLogsSinceLast {
		return
	}

	snap := n.sm.BuildSnapshot()
	if snap.LastApplied == nil || snap.LastApplied.Index <= n.opts.MaxInSnapshotLogToKeep {
		return
	}
	cutoffIndex := snap.LastApplied.Index - n.opts.MaxInSnapshotLogToKeep

	entries, err := n.log.GetLogEntries(cutoffIndex, cutoffIndex+1)
	if err != nil || len(entries) != 1 {
		return
	}
	cutoffID := entries[0].LogID

	data, err := statemachine.EncodeSnapshot(snap)
	if err != nil {
		scribelog.WithComponent("consensus").Error().Err(err).Msg("failed to encode snapshot")
		return
	}

	if err := n.log.Purge(cutoffID); err != nil {
		scribelog.WithComponent("consensus").Error().Err(err).Msg("failed to purge log prefix covered by snapshot")
		return
	}

	n.snapshotMu.Lock()
	n.lastSnapshotID = *snap.LastApplied
	n.snapshotData = data
	n.snapshotMu.Unlock()

	scribelog.WithComponent("consensus").Info().
		Uint64("through_index", snap.LastApplied.Index).
		Uint64("purged_through", cutoffID.Index).
		Msg("built local snapshot and purged covered log prefix")
}

// snapshotFor returns the most recently built snapshot and the log id
// it covers, if one exists, so a leader can ship it to a follower
// whose required entries have already been purged.
func (n *Node) snapshotFor() ([]byte, ledgertypes.LogID, bool) {
	n.snapshotMu.Lock()
	defer n.snapshotMu.Unlock()
	if n.snapshotData == nil {
		return nil, ledgertypes.LogID{}, false
	}
	return n.snapshotData, n.lastSnapshotID, true
}

// sendSnapshotToPeer transfers the cached snapshot to id instead of
// replaying log entries the leader no longer has, matching
// InstallSnapshot's role in the Raft-style replication protocol.
func (n *Node) sendSnapshotToPeer(id ledgertypes.NodeID, addr string, term ledgertypes.Term, self ledgertypes.NodeID, data []byte, lastID ledgertypes.LogID) {
	resp, err := n.transport.sendInstallSnapshot(addr, InstallSnapshotRequest{
		Term:           term,
		LeaderID:       self,
		LastIncludedID: lastID,
		Data:           data,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	if resp.Term > n.currentTerm {
		n.mu.Unlock()
		n.becomeFollower(resp.Term, nil)
		return
	}
	defer n.mu.Unlock()
	if n.role != Leader {
		return
	}
	n.matchIndex[id] = lastID.Index
	n.nextIndex[id] = lastID.Index + 1
}
