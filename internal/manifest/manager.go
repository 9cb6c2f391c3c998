package manifest

import (
	"sync"

	"github.com/cuemby/scribe/internal/ledgertypes"
)

// ProposeFunc routes a manifest mutation through consensus, returning
// the manifest that was actually committed (which the caller should
// adopt as the new cache). When a Manager has no ProposeFunc wired,
// mutations are applied directly to the local cache, mirroring
// original_source/src/manifest/manager.rs's optional raft handle.
type ProposeFunc func(mutated ledgertypes.ClusterManifest) (ledgertypes.ClusterManifest, error)

// Clock returns the current unix time in seconds; substituted in tests
// for determinism.
type Clock func() int64

// Manager is the per-node cached view of the cluster manifest.
// AddSegment/RemoveSegment route through Propose when set; otherwise
// they mutate the cache directly.
type Manager struct {
	mu      sync.RWMutex
	cached  ledgertypes.ClusterManifest
	Propose ProposeFunc
	Now     Clock
}

// NewManager creates a Manager seeded with an empty manifest.
func NewManager(now Clock) *Manager {
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Manager{cached: New(now()), Now: now}
}

// WithPropose returns m with its propose hook set, for call-site chaining.
func (m *Manager) WithPropose(p ProposeFunc) *Manager {
	m.Propose = p
	return m
}

// GetLatest returns the currently cached manifest.
func (m *Manager) GetLatest() ledgertypes.ClusterManifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached
}

// GetSegments returns the cached entries sorted by timestamp, newest first.
func (m *Manager) GetSegments() []ledgertypes.ManifestEntry {
	m.mu.RLock()
	entries := append([]ledgertypes.ManifestEntry(nil), m.cached.Entries...)
	m.mu.RUnlock()

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].TimestampSecs > entries[j-1].TimestampSecs; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries
}

// GetSegment looks up a single entry by segment id.
func (m *Manager) GetSegment(segmentID uint64) (ledgertypes.ManifestEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return GetEntry(m.cached, segmentID)
}

// AddSegment adds e to the manifest, routing through Propose when set.
func (m *Manager) AddSegment(e ledgertypes.ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mutated := AddEntry(m.cached, e, m.Now())
	if m.Propose != nil {
		committed, err := m.Propose(mutated)
		if err != nil {
			return err
		}
		m.cached = committed
		return nil
	}
	m.cached = mutated
	return nil
}

// RemoveSegment removes segmentID from the manifest, routing through
// Propose when set.
func (m *Manager) RemoveSegment(segmentID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mutated := RemoveEntry(m.cached, segmentID, m.Now())
	if m.Propose != nil {
		committed, err := m.Propose(mutated)
		if err != nil {
			return err
		}
		m.cached = committed
		return nil
	}
	m.cached = mutated
	return nil
}

// UpdateCache accepts new only if it is strictly newer than the cached
// version; an equal version is a no-op; an older version is rejected
// (returns false).
func (m *Manager) UpdateCache(new ledgertypes.ClusterManifest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if new.Version < m.cached.Version {
		return false
	}
	if new.Version == m.cached.Version {
		return true
	}
	m.cached = new
	return true
}

// SyncWith reconciles the cache with a remote manifest: if remote is
// newer, replace; if local is newer, keep; if equal version but
// different content, merge and adopt the result.
func (m *Manager) SyncWith(remote ledgertypes.ClusterManifest) ledgertypes.ClusterManifest {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case remote.Version > m.cached.Version:
		m.cached = remote
	case remote.Version < m.cached.Version:
		// keep local
	default:
		if !sameEntries(m.cached.Entries, remote.Entries) {
			m.cached = Merge(m.cached, remote, m.Now())
		}
	}
	return m.cached
}

func sameEntries(a, b []ledgertypes.ManifestEntry) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[uint64]ledgertypes.ManifestEntry, len(a))
	for _, e := range a {
		byID[e.SegmentID] = e
	}
	for _, e := range b {
		oe, ok := byID[e.SegmentID]
		if !ok || !oe.Equal(e) {
			return false
		}
	}
	return true
}

// GetVersion returns the cached manifest's version.
func (m *Manager) GetVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached.Version
}

// GetTotalSize sums SizeBytes across the cached entries.
func (m *Manager) GetTotalSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TotalSize(m.cached)
}

// GetSegmentCount returns the number of cached entries.
func (m *Manager) GetSegmentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return EntryCount(m.cached)
}
