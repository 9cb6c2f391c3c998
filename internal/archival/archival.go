// Package archival implements Component D's archival engine: it
// compresses flushed segments and uploads them to a blobstore.Store,
// maintains a read-through path for segments no longer held locally,
// and runs a cancellable background task that archives segments once
// they age past a threshold.
package archival

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/scribe/internal/blobstore"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribeerr"
	"github.com/cuemby/scribe/internal/scribelog"
)

// Metadata is the sidecar JSON blob stored alongside the compressed
// segment data.
type Metadata struct {
	SegmentID      uint64 `json:"segment_id"`
	CreatedAt      int64  `json:"created_at"`
	ArchivedAt     int64  `json:"archived_at"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
	IsCompressed   bool   `json:"is_compressed"`
	EntryCount     int    `json:"entry_count"`
}

// SegmentKey returns the data blob key for segmentID. It is bijective
// with ParseSegmentKey: ParseSegmentKey(SegmentKey(id)) == id.
func SegmentKey(segmentID uint64) string {
	return fmt.Sprintf("segments/segment-%016x.bin", segmentID)
}

// MetaKey returns the metadata blob key for segmentID.
func MetaKey(segmentID uint64) string {
	return fmt.Sprintf("segments/segment-%016x.meta.json", segmentID)
}

// ParseSegmentKey recovers the segment id from a data blob key produced
// by SegmentKey.
func ParseSegmentKey(key string) (uint64, error) {
	var id uint64
	n, err := fmt.Sscanf(key, "segments/segment-%016x.bin", &id)
	if err != nil || n != 1 {
		return 0, scribeerr.NewSerializationError("parsing segment key "+key, err)
	}
	return id, nil
}

// Engine archives flushed segments to a blob store and serves
// read-through lookups for segments evicted from local memory.
type Engine struct {
	Store            blobstore.Store
	CompressionLevel int
	MaxRetries       int

	metaMu    sync.RWMutex
	metaCache map[uint64]Metadata
}

// NewEngine constructs an Engine. compressionLevel is expected in
// [0,9]; config.Config.Validate rejects values outside that range.
func NewEngine(store blobstore.Store, compressionLevel, maxRetries int) *Engine {
	return &Engine{
		Store:            store,
		CompressionLevel: compressionLevel,
		MaxRetries:       maxRetries,
		metaCache:        make(map[uint64]Metadata),
	}
}

func serializeSegment(seg *ledgertypes.Segment) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(seg); err != nil {
		return nil, scribeerr.NewSerializationError("encoding segment", err)
	}
	return buf.Bytes(), nil
}

func deserializeSegment(data []byte) (*ledgertypes.Segment, error) {
	var seg ledgertypes.Segment
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&seg); err != nil {
		return nil, scribeerr.NewSerializationError("decoding segment", err)
	}
	return &seg, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, scribeerr.NewSerializationError("creating gzip writer", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, scribeerr.NewSerializationError("compressing segment", err)
	}
	if err := w.Close(); err != nil {
		return nil, scribeerr.NewSerializationError("closing gzip writer", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, scribeerr.NewSerializationError("creating gzip reader", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, scribeerr.NewSerializationError("decompressing segment", err)
	}
	return out, nil
}

// withRetry calls fn up to e.MaxRetries+1 times with exponential
// backoff (100ms * 2^attempt) between attempts, matching the consensus
// transport's backoff shape per spec.md §4.D.
func (e *Engine) withRetry(op string, fn func() error) error {
	var lastErr error
	attempts := e.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond * time.Duration(1<<uint(attempt-1)))
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return scribeerr.NewStorageFailure(op, lastErr)
}

// Archive compresses seg at e.CompressionLevel (0 disables compression)
// and uploads both the data and metadata blobs, returning the metadata
// written.
func (e *Engine) Archive(seg *ledgertypes.Segment, nowSecs int64) (Metadata, error) {
	raw, err := serializeSegment(seg)
	if err != nil {
		return Metadata{}, err
	}

	compressed := e.CompressionLevel > 0
	payload := raw
	if compressed {
		payload, err = compress(raw, e.CompressionLevel)
		if err != nil {
			return Metadata{}, err
		}
	}

	meta := Metadata{
		SegmentID:      seg.SegmentID,
		CreatedAt:      seg.CreatedAtSecs,
		ArchivedAt:     nowSecs,
		OriginalSize:   len(raw),
		CompressedSize: len(payload),
		IsCompressed:   compressed,
		EntryCount:     len(seg.Entries),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, scribeerr.NewSerializationError("encoding segment metadata", err)
	}

	if err := e.withRetry("uploading segment data", func() error {
		return e.Store.Put(SegmentKey(seg.SegmentID), payload)
	}); err != nil {
		return Metadata{}, err
	}
	if err := e.withRetry("uploading segment metadata", func() error {
		return e.Store.Put(MetaKey(seg.SegmentID), metaJSON)
	}); err != nil {
		return Metadata{}, err
	}

	e.metaMu.Lock()
	e.metaCache[seg.SegmentID] = meta
	e.metaMu.Unlock()
	scribelog.WithSegmentID(seg.SegmentID).Info().Int("compressed_size", meta.CompressedSize).Msg("segment archived")
	return meta, nil
}

// Get retrieves segmentID's blob, decompressing it if its metadata
// says it was compressed, and returns value for key if present.
// Absence of the segment itself (vs. absence of key within it) is
// reported via (nil, false, nil) exactly like blobstore.Store.Get.
func (e *Engine) Get(segmentID uint64, key ledgertypes.Key) (ledgertypes.Value, bool, error) {
	seg, found, err := e.FetchSegment(segmentID)
	if err != nil || !found {
		return nil, false, err
	}
	v, ok := seg.Entries[string(key)]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

// FetchSegment downloads and reconstructs segmentID from the blob
// store, retrying transient failures.
func (e *Engine) FetchSegment(segmentID uint64) (*ledgertypes.Segment, bool, error) {
	var payload []byte
	var found bool
	err := e.withRetry("fetching segment data", func() error {
		data, ok, ferr := e.Store.Get(SegmentKey(segmentID))
		if ferr != nil {
			return ferr
		}
		payload, found = data, ok
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	e.metaMu.RLock()
	meta, haveMeta := e.metaCache[segmentID]
	e.metaMu.RUnlock()
	raw := payload
	if !haveMeta || meta.IsCompressed {
		// Without cached metadata, attempt decompression; a
		// non-gzip payload falls through to raw bytes.
		if decompressed, derr := decompress(payload); derr == nil {
			raw = decompressed
		}
	}

	seg, err := deserializeSegment(raw)
	if err != nil {
		return nil, false, err
	}
	return seg, true, nil
}
