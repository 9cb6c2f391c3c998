// Package statemachine implements Component B: the in-memory key-value
// state applied from the committed log. It tracks the last log id it
// applied and the last membership change, and can build or install a
// point-in-time snapshot of its data for InstallSnapshot transfers.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/manifest"
	"github.com/cuemby/scribe/internal/scribeerr"
)

// ApplyResult is returned for each entry applied, mirroring the
// put-ok/delete-ok acknowledgement the consensus layer returns to
// callers awaiting a client_write.
type ApplyResult struct {
	Kind  ledgertypes.PayloadKind
	Value ledgertypes.Value // present for PayloadPut, the value written
}

// Snapshot is the full transferable state: the data set plus the
// metadata needed to resume applying from where it left off.
type Snapshot struct {
	LastApplied    *ledgertypes.LogID
	LastMembership ledgertypes.Configuration
	Data           map[string]ledgertypes.Value
	Manifest       ledgertypes.ClusterManifest
}

// StateMachine is the thread-safe key-value store driven by the
// replicated log. It also holds the replicated view of the cluster
// manifest (Component H), applied the same way as any other command
// so every replica converges on an identical catalog.
type StateMachine struct {
	mu             sync.RWMutex
	lastApplied    *ledgertypes.LogID
	lastMembership ledgertypes.Configuration
	data           map[string]ledgertypes.Value
	manifestState  ledgertypes.ClusterManifest
}

// New creates an empty state machine.
func New() *StateMachine {
	return &StateMachine{data: make(map[string]ledgertypes.Value), manifestState: manifest.New(0)}
}

// ManifestSnapshot returns the state machine's current replicated
// view of the cluster manifest.
func (s *StateMachine) ManifestSnapshot() ledgertypes.ClusterManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifestState
}

// Get returns the current value for key.
func (s *StateMachine) Get(key ledgertypes.Key) (ledgertypes.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	return v, ok
}

// GetAll returns a copy of the full data set, used to build a snapshot
// or to rebuild a Merkle tree over the state machine's current content.
func (s *StateMachine) GetAll() map[string]ledgertypes.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ledgertypes.Value, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// AppliedState reports the last log id applied and the last membership
// change observed.
func (s *StateMachine) AppliedState() (*ledgertypes.LogID, ledgertypes.Configuration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied, s.lastMembership
}

// Apply applies entries in order, mutating data for PayloadPut and
// PayloadDelete entries and recording membership changes for
// PayloadMembership entries. A PayloadBlank entry (the no-op a new
// leader commits on election) advances lastApplied without touching
// data. Returns one result per entry.
func (s *StateMachine) Apply(entries []ledgertypes.LogEntry) []ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]ApplyResult, 0, len(entries))
	for _, entry := range entries {
		id := entry.LogID
		s.lastApplied = &id

		switch entry.Payload.Kind {
		case ledgertypes.PayloadPut:
			s.data[string(entry.Payload.Key)] = entry.Payload.Value
			results = append(results, ApplyResult{Kind: ledgertypes.PayloadPut, Value: entry.Payload.Value})
		case ledgertypes.PayloadDelete:
			delete(s.data, string(entry.Payload.Key))
			results = append(results, ApplyResult{Kind: ledgertypes.PayloadDelete})
		case ledgertypes.PayloadMembership:
			s.lastMembership = entry.Payload.Membership
			results = append(results, ApplyResult{Kind: ledgertypes.PayloadMembership})
		case ledgertypes.PayloadManifestUpdate:
			s.manifestState = entry.Payload.Manifest
			results = append(results, ApplyResult{Kind: ledgertypes.PayloadManifestUpdate})
		default:
			results = append(results, ApplyResult{Kind: ledgertypes.PayloadBlank})
		}
	}
	return results
}

// BuildSnapshot captures the state machine's current content.
func (s *StateMachine) BuildSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make(map[string]ledgertypes.Value, len(s.data))
	for k, v := range s.data {
		data[k] = v
	}
	return Snapshot{
		LastApplied:    s.lastApplied,
		LastMembership: s.lastMembership,
		Data:           data,
		Manifest:       s.manifestState,
	}
}

// InstallSnapshot replaces the state machine's content wholesale,
// used when a follower is too far behind to catch up by replaying
// the log and instead receives a full transfer from its leader.
func (s *StateMachine) InstallSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastApplied = snap.LastApplied
	s.lastMembership = snap.LastMembership
	data := make(map[string]ledgertypes.Value, len(snap.Data))
	for k, v := range snap.Data {
		data[k] = v
	}
	s.data = data
	s.manifestState = snap.Manifest
}

// EncodeSnapshot serializes a Snapshot for transfer over the consensus
// wire protocol's InstallSnapshot RPC.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, scribeerr.NewSerializationError("encoding snapshot", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot deserializes a Snapshot received over the wire.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return Snapshot{}, scribeerr.NewSerializationError("decoding snapshot", err)
	}
	return snap, nil
}
