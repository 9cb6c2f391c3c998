// Package manifest implements the versioned catalog of archived
// segments: the bare data structure, its diff/merge algorithms, and a
// Manager layer that caches the latest version per node and
// optionally routes mutations through consensus.
package manifest

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribeerr"
)

// New returns an empty manifest at version 0.
func New(createdAtSecs int64) ledgertypes.ClusterManifest {
	return ledgertypes.ClusterManifest{CreatedAtSecs: createdAtSecs}
}

// AddEntry appends e and bumps the manifest's version. A segment id
// already present is not deduplicated here; callers that must enforce
// "appears at most once" check GetEntry first.
func AddEntry(m ledgertypes.ClusterManifest, e ledgertypes.ManifestEntry, nowSecs int64) ledgertypes.ClusterManifest {
	m.Entries = append(append([]ledgertypes.ManifestEntry(nil), m.Entries...), e)
	m.Version++
	m.CreatedAtSecs = nowSecs
	return m
}

// RemoveEntry removes the entry matching segmentID, if any, and bumps
// the version regardless (removal of an absent id still counts as a
// mutation per spec.md's "bumps version" operation wording, matching
// original_source/src/manifest/mod.rs's remove_entry).
func RemoveEntry(m ledgertypes.ClusterManifest, segmentID uint64, nowSecs int64) ledgertypes.ClusterManifest {
	out := make([]ledgertypes.ManifestEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.SegmentID != segmentID {
			out = append(out, e)
		}
	}
	m.Entries = out
	m.Version++
	m.CreatedAtSecs = nowSecs
	return m
}

// GetEntry looks up the entry for segmentID, if present.
func GetEntry(m ledgertypes.ClusterManifest, segmentID uint64) (ledgertypes.ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.SegmentID == segmentID {
			return e, true
		}
	}
	return ledgertypes.ManifestEntry{}, false
}

// TotalSize sums SizeBytes across every entry.
func TotalSize(m ledgertypes.ClusterManifest) uint64 {
	var total uint64
	for _, e := range m.Entries {
		total += e.SizeBytes
	}
	return total
}

// EntryCount returns the number of entries.
func EntryCount(m ledgertypes.ClusterManifest) int {
	return len(m.Entries)
}

// Serialize encodes m using the module's stable binary encoding (gob),
// matching the "length-prefixed binary using a stable encoding"
// requirement; the length prefix itself is applied by the transport
// (consensus wire protocol) that carries this payload, not here.
func Serialize(m ledgertypes.ClusterManifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, scribeerr.NewSerializationError("encoding manifest", err)
	}
	return buf.Bytes(), nil
}

// Deserialize is the inverse of Serialize.
func Deserialize(data []byte) (ledgertypes.ClusterManifest, error) {
	var m ledgertypes.ClusterManifest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return ledgertypes.ClusterManifest{}, scribeerr.NewSerializationError("decoding manifest", err)
	}
	return m, nil
}

// Diff is the result of ComputeDiff: entries added, removed, or
// modified (same segment id, different fields) between old and new.
type Diff struct {
	Added    []ledgertypes.ManifestEntry
	Removed  []ledgertypes.ManifestEntry
	Modified []ledgertypes.ManifestEntry // holds the NEW entry for each modified id
}

// ComputeDiff compares old and new by segment id.
func ComputeDiff(old, new ledgertypes.ClusterManifest) Diff {
	oldByID := make(map[uint64]ledgertypes.ManifestEntry, len(old.Entries))
	for _, e := range old.Entries {
		oldByID[e.SegmentID] = e
	}
	newByID := make(map[uint64]ledgertypes.ManifestEntry, len(new.Entries))
	for _, e := range new.Entries {
		newByID[e.SegmentID] = e
	}

	var d Diff
	for id, ne := range newByID {
		oe, existed := oldByID[id]
		if !existed {
			d.Added = append(d.Added, ne)
		} else if !oe.Equal(ne) {
			d.Modified = append(d.Modified, ne)
		}
	}
	for id, oe := range oldByID {
		if _, stillPresent := newByID[id]; !stillPresent {
			d.Removed = append(d.Removed, oe)
		}
	}
	return d
}

// Merge resolves a1 and a2 into a single manifest: for each segment id
// present in exactly one, take it; for a conflict, prefer the entry
// from whichever manifest has the higher version, breaking a version
// tie by preferring the newer timestamp. Output version is
// max(a1.version, a2.version) + 1.
func Merge(a1, a2 ledgertypes.ClusterManifest, nowSecs int64) ledgertypes.ClusterManifest {
	byID := make(map[uint64]ledgertypes.ManifestEntry)
	for _, e := range a1.Entries {
		byID[e.SegmentID] = e
	}
	for _, e2 := range a2.Entries {
		e1, existed := byID[e2.SegmentID]
		if !existed {
			byID[e2.SegmentID] = e2
			continue
		}
		if a2.Version > a1.Version {
			byID[e2.SegmentID] = e2
		} else if a2.Version == a1.Version {
			if e2.TimestampSecs > e1.TimestampSecs {
				byID[e2.SegmentID] = e2
			}
		}
		// a1.Version > a2.Version: keep e1, already in byID.
	}

	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make([]ledgertypes.ManifestEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, byID[id])
	}

	version := a1.Version
	if a2.Version > version {
		version = a2.Version
	}

	return ledgertypes.ClusterManifest{
		Version:       version + 1,
		Entries:       entries,
		CreatedAtSecs: nowSecs,
	}
}
