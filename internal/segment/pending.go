// Package segment implements Component D's pending/flushed segment
// buffer: an accumulating mutable segment that rotates into an
// immutable, archival-ready segment once it crosses a size threshold.
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/scribe/internal/ledgertypes"
)

// Buffer owns the pending segment and the list of flushed segments
// awaiting archival. Each list has its own lock per spec.md §5; the
// next segment id is a single atomic counter shared by both.
type Buffer struct {
	sizeThreshold uint64
	nextID        atomic.Uint64

	pendingMu sync.Mutex
	pending   *ledgertypes.Segment

	flushedMu sync.Mutex
	flushed   []*ledgertypes.Segment
}

// NewBuffer creates a Buffer with the given flush threshold in bytes.
// Segment ids start at 1.
func NewBuffer(sizeThreshold uint64, nowSecs int64) *Buffer {
	b := &Buffer{sizeThreshold: sizeThreshold}
	b.nextID.Store(1)
	b.pending = b.newEmptySegment(nowSecs)
	return b
}

func (b *Buffer) newEmptySegment(nowSecs int64) *ledgertypes.Segment {
	return &ledgertypes.Segment{
		SegmentID:     b.nextID.Add(1) - 1,
		CreatedAtSecs: nowSecs,
		Entries:       make(map[string]ledgertypes.Value),
	}
}

// Put accumulates a key-value pair into the pending segment, rotating
// it into the flushed list if the size threshold is crossed. Returns
// true if a rotation occurred.
func (b *Buffer) Put(key ledgertypes.Key, value ledgertypes.Value, nowSecs int64) bool {
	b.pendingMu.Lock()
	b.pending.Entries[string(key)] = value
	b.pending.SizeBytes += uint64(len(key) + len(value))
	rotate := b.pending.SizeBytes >= b.sizeThreshold
	var toFlush *ledgertypes.Segment
	if rotate {
		toFlush = b.pending
		b.pending = b.newEmptySegment(nowSecs)
	}
	b.pendingMu.Unlock()

	if rotate {
		b.flushedMu.Lock()
		b.flushed = append(b.flushed, toFlush)
		b.flushedMu.Unlock()
	}
	return rotate
}

// Rotate explicitly flushes the current pending segment regardless of
// its size, replacing it with a fresh empty one. Returns the flushed
// segment, or nil if the pending segment was empty.
func (b *Buffer) Rotate(nowSecs int64) *ledgertypes.Segment {
	b.pendingMu.Lock()
	current := b.pending
	if len(current.Entries) == 0 {
		b.pendingMu.Unlock()
		return nil
	}
	b.pending = b.newEmptySegment(nowSecs)
	b.pendingMu.Unlock()

	b.flushedMu.Lock()
	b.flushed = append(b.flushed, current)
	b.flushedMu.Unlock()
	return current
}

// Get looks up key across the pending segment, then the flushed list
// newest-first, matching the read-through order the archival engine
// extends to archived segments.
func (b *Buffer) Get(key ledgertypes.Key) (ledgertypes.Value, bool) {
	b.pendingMu.Lock()
	if v, ok := b.pending.Entries[string(key)]; ok {
		b.pendingMu.Unlock()
		return v, true
	}
	b.pendingMu.Unlock()

	b.flushedMu.Lock()
	defer b.flushedMu.Unlock()
	for i := len(b.flushed) - 1; i >= 0; i-- {
		if v, ok := b.flushed[i].Entries[string(key)]; ok {
			return v, true
		}
	}
	return nil, false
}

// Flushed returns a snapshot of the flushed segment list.
func (b *Buffer) Flushed() []*ledgertypes.Segment {
	b.flushedMu.Lock()
	defer b.flushedMu.Unlock()
	return append([]*ledgertypes.Segment(nil), b.flushed...)
}

// EvictFlushed removes segmentID from the flushed list once the
// archival engine has successfully uploaded it.
func (b *Buffer) EvictFlushed(segmentID uint64) {
	b.flushedMu.Lock()
	defer b.flushedMu.Unlock()
	out := b.flushed[:0]
	for _, s := range b.flushed {
		if s.SegmentID != segmentID {
			out = append(out, s)
		}
	}
	b.flushed = out
}

// AllPairs returns every key-value pair currently resident across the
// pending segment and the flushed list (not yet archived), used to
// build the Merkle tree over data not yet pushed to the blob store.
func (b *Buffer) AllPairs() map[string]ledgertypes.Value {
	out := make(map[string]ledgertypes.Value)

	b.flushedMu.Lock()
	for _, s := range b.flushed {
		for k, v := range s.Entries {
			out[k] = v
		}
	}
	b.flushedMu.Unlock()

	b.pendingMu.Lock()
	for k, v := range b.pending.Entries {
		out[k] = v
	}
	b.pendingMu.Unlock()

	return out
}
