package logstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scribe/internal/ledgertypes"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndReadVote(t *testing.T) {
	s := openStore(t)

	vote := ledgertypes.Vote{Term: 1, NodeID: 1}
	require.NoError(t, s.SaveVote(vote))

	got, err := s.ReadVote()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, vote, *got)
}

func TestReadVoteWithoutSaveIsNil(t *testing.T) {
	s := openStore(t)
	got, err := s.ReadVote()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAppendAndGetLogEntries(t *testing.T) {
	s := openStore(t)

	e1 := ledgertypes.LogEntry{LogID: ledgertypes.LogID{LeaderID: 1, Index: 1}, Payload: ledgertypes.Payload{Kind: ledgertypes.PayloadPut, Key: []byte("k1"), Value: []byte("v1")}}
	e2 := ledgertypes.LogEntry{LogID: ledgertypes.LogID{LeaderID: 1, Index: 2}, Payload: ledgertypes.Payload{Kind: ledgertypes.PayloadPut, Key: []byte("k2"), Value: []byte("v2")}}

	require.NoError(t, s.Append([]ledgertypes.LogEntry{e1, e2}))

	entries, err := s.GetLogEntries(1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, e1.LogID, entries[0].LogID)
	assert.Equal(t, e2.LogID, entries[1].LogID)
}

func TestGetLogEntriesStopsAtFirstGap(t *testing.T) {
	s := openStore(t)
	e1 := ledgertypes.LogEntry{LogID: ledgertypes.LogID{LeaderID: 1, Index: 1}}
	e3 := ledgertypes.LogEntry{LogID: ledgertypes.LogID{LeaderID: 1, Index: 3}}
	require.NoError(t, s.Append([]ledgertypes.LogEntry{e1, e3}))

	entries, err := s.GetLogEntries(1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetLogStateEmpty(t *testing.T) {
	s := openStore(t)
	state, err := s.GetLogState()
	require.NoError(t, err)
	assert.Nil(t, state.LastLogID)
	assert.Nil(t, state.LastPurgedLogID)
}

func TestGetLogStateReflectsLastEntry(t *testing.T) {
	s := openStore(t)
	e := ledgertypes.LogEntry{LogID: ledgertypes.LogID{LeaderID: 1, Index: 1}}
	require.NoError(t, s.Append([]ledgertypes.LogEntry{e}))

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastLogID)
	assert.Equal(t, e.LogID, *state.LastLogID)
}

func TestTruncateRemovesFromIndexOnwards(t *testing.T) {
	s := openStore(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Append([]ledgertypes.LogEntry{{LogID: ledgertypes.LogID{LeaderID: 1, Index: i}}}))
	}

	require.NoError(t, s.Truncate(2))

	entries, err := s.GetLogEntries(1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].LogID.Index)
}

func TestPurgeRemovesUpToAndIncludingIndexAndRecordsLastPurged(t *testing.T) {
	s := openStore(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Append([]ledgertypes.LogEntry{{LogID: ledgertypes.LogID{LeaderID: 1, Index: i}}}))
	}

	purgeID := ledgertypes.LogID{LeaderID: 1, Index: 2}
	require.NoError(t, s.Purge(purgeID))

	for i := uint64(1); i <= 2; i++ {
		gone, err := s.GetLogEntries(i, i+1)
		require.NoError(t, err)
		assert.Empty(t, gone)
	}

	entries, err := s.GetLogEntries(3, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].LogID.Index)

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastPurgedLogID)
	assert.Equal(t, purgeID, *state.LastPurgedLogID)
}

func TestSaveAndReadCommitted(t *testing.T) {
	s := openStore(t)
	id := ledgertypes.LogID{LeaderID: 1, Index: 5}
	require.NoError(t, s.SaveCommitted(&id))

	got, err := s.ReadCommitted()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, *got)
}

func TestSaveCommittedNilClears(t *testing.T) {
	s := openStore(t)
	id := ledgertypes.LogID{LeaderID: 1, Index: 5}
	require.NoError(t, s.SaveCommitted(&id))
	require.NoError(t, s.SaveCommitted(nil))

	got, err := s.ReadCommitted()
	require.NoError(t, err)
	assert.Nil(t, got)
}
