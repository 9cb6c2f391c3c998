package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scribe/internal/ledgertypes"
)

func putEntry(index uint64, key, value string) ledgertypes.LogEntry {
	return ledgertypes.LogEntry{
		LogID:   ledgertypes.LogID{LeaderID: 1, Index: index},
		Payload: ledgertypes.Payload{Kind: ledgertypes.PayloadPut, Key: []byte(key), Value: []byte(value)},
	}
}

func TestApplyPutStoresValue(t *testing.T) {
	sm := New()
	results := sm.Apply([]ledgertypes.LogEntry{putEntry(1, "k1", "v1")})
	require.Len(t, results, 1)
	assert.Equal(t, ledgertypes.PayloadPut, results[0].Kind)

	v, ok := sm.Get([]byte("k1"))
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), []byte(v))
}

func TestApplyDeleteRemovesValue(t *testing.T) {
	sm := New()
	sm.Apply([]ledgertypes.LogEntry{putEntry(1, "k1", "v1")})

	del := ledgertypes.LogEntry{
		LogID:   ledgertypes.LogID{LeaderID: 1, Index: 2},
		Payload: ledgertypes.Payload{Kind: ledgertypes.PayloadDelete, Key: []byte("k1")},
	}
	results := sm.Apply([]ledgertypes.LogEntry{del})
	require.Len(t, results, 1)
	assert.Equal(t, ledgertypes.PayloadDelete, results[0].Kind)

	_, ok := sm.Get([]byte("k1"))
	assert.False(t, ok)
}

func TestAppliedStateTracksLastLogID(t *testing.T) {
	sm := New()
	id, _ := sm.AppliedState()
	assert.Nil(t, id)

	sm.Apply([]ledgertypes.LogEntry{putEntry(1, "k1", "v1")})
	id, _ = sm.AppliedState()
	require.NotNil(t, id)
	assert.Equal(t, uint64(1), id.Index)
}

func TestMembershipEntryUpdatesLastMembership(t *testing.T) {
	sm := New()
	entry := ledgertypes.LogEntry{
		LogID: ledgertypes.LogID{LeaderID: 1, Index: 1},
		Payload: ledgertypes.Payload{
			Kind:       ledgertypes.PayloadMembership,
			Membership: ledgertypes.Configuration{Voters: []ledgertypes.NodeID{1, 2, 3}},
		},
	}
	sm.Apply([]ledgertypes.LogEntry{entry})

	_, membership := sm.AppliedState()
	assert.True(t, membership.Contains(2))
	assert.False(t, membership.Contains(4))
}

func TestBuildAndInstallSnapshotRoundTrip(t *testing.T) {
	sm := New()
	sm.Apply([]ledgertypes.LogEntry{putEntry(1, "k1", "v1"), putEntry(2, "k2", "v2")})

	snap := sm.BuildSnapshot()
	encoded, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(encoded)
	require.NoError(t, err)

	other := New()
	other.InstallSnapshot(decoded)

	v, ok := other.Get([]byte("k1"))
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), []byte(v))

	id, _ := other.AppliedState()
	require.NotNil(t, id)
	assert.Equal(t, uint64(2), id.Index)
}

func TestGetAllReturnsIndependentCopy(t *testing.T) {
	sm := New()
	sm.Apply([]ledgertypes.LogEntry{putEntry(1, "k1", "v1")})

	all := sm.GetAll()
	all["k1"] = []byte("tampered")

	v, _ := sm.Get([]byte("k1"))
	assert.Equal(t, []byte("v1"), []byte(v))
}

func TestManifestUpdateEntryAdoptsWholeManifest(t *testing.T) {
	sm := New()
	assert.Equal(t, uint64(0), sm.ManifestSnapshot().Version)

	want := ledgertypes.ClusterManifest{
		Version: 1,
		Entries: []ledgertypes.ManifestEntry{{SegmentID: 1, SizeBytes: 100}},
	}
	entry := ledgertypes.LogEntry{
		LogID:   ledgertypes.LogID{LeaderID: 1, Index: 1},
		Payload: ledgertypes.Payload{Kind: ledgertypes.PayloadManifestUpdate, Manifest: want},
	}
	results := sm.Apply([]ledgertypes.LogEntry{entry})
	require.Len(t, results, 1)
	assert.Equal(t, ledgertypes.PayloadManifestUpdate, results[0].Kind)
	assert.Equal(t, want, sm.ManifestSnapshot())
}

func TestManifestStateSurvivesSnapshotRoundTrip(t *testing.T) {
	sm := New()
	manifest := ledgertypes.ClusterManifest{
		Version: 2,
		Entries: []ledgertypes.ManifestEntry{{SegmentID: 7, SizeBytes: 42}},
	}
	sm.Apply([]ledgertypes.LogEntry{{
		LogID:   ledgertypes.LogID{LeaderID: 1, Index: 1},
		Payload: ledgertypes.Payload{Kind: ledgertypes.PayloadManifestUpdate, Manifest: manifest},
	}})

	snap := sm.BuildSnapshot()
	encoded, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(encoded)
	require.NoError(t, err)

	other := New()
	other.InstallSnapshot(decoded)
	assert.Equal(t, manifest, other.ManifestSnapshot())
}
