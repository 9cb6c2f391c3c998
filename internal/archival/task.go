package archival

import (
	"sync"
	"time"

	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribelog"
	"github.com/cuemby/scribe/internal/workerpool"
)

// FlushedLister is the subset of segment.Buffer the auto-archival task
// needs: the current flushed segments and a way to evict one once it
// has been uploaded.
type FlushedLister interface {
	Flushed() []*ledgertypes.Segment
	EvictFlushed(segmentID uint64)
}

// Task wakes every CheckInterval, archives flushed segments older than
// AgeThresholdSecs, and evicts them from the local list on success. It
// observes a shutdown signal and exits promptly, per spec.md §5.
type Task struct {
	Engine           *Engine
	Source           FlushedLister
	CheckInterval    time.Duration
	AgeThresholdSecs int64
	Now              func() int64

	// Pool, when set, dispatches each segment's compress-and-upload
	// work to the bounded worker pool instead of running it inline;
	// scanOnce still waits for every dispatched archive to finish
	// before returning.
	Pool *workerpool.Pool

	// OnArchived, when set, is called after a segment is successfully
	// archived so the caller can append a catalog entry to Component H
	// via the same consensus channel used for any other write, per
	// spec.md §4's "appends a catalog entry to H via C.propose (same
	// consensus channel)". A non-nil error aborts the eviction, so a
	// rejected manifest proposal leaves the segment flushed locally
	// for the next scan to retry.
	OnArchived func(Metadata) error

	stop chan struct{}
	done chan struct{}
}

// NewTask constructs a Task. Call Run in its own goroutine and Stop to
// cancel it.
func NewTask(engine *Engine, source FlushedLister, checkInterval time.Duration, ageThresholdSecs int64, now func() int64) *Task {
	return &Task{
		Engine:           engine,
		Source:           source,
		CheckInterval:    checkInterval,
		AgeThresholdSecs: ageThresholdSecs,
		Now:              now,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Run scans on every tick until Stop is called. Intended to be run in
// its own goroutine.
func (t *Task) Run() {
	defer close(t.done)
	ticker := time.NewTicker(t.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.scanOnce()
		case <-t.stop:
			return
		}
	}
}

func (t *Task) scanOnce() {
	now := t.Now()
	var wg sync.WaitGroup

	for _, seg := range t.Source.Flushed() {
		age := now - seg.CreatedAtSecs
		if age < t.AgeThresholdSecs {
			continue
		}

		archiveOne := func(seg *ledgertypes.Segment) {
			meta, err := t.Engine.Archive(seg, now)
			if err != nil {
				scribelog.WithSegmentID(seg.SegmentID).Error().Err(err).Msg("failed to archive segment")
				return
			}
			if t.OnArchived != nil {
				if err := t.OnArchived(meta); err != nil {
					scribelog.WithSegmentID(seg.SegmentID).Error().Err(err).Msg("failed to catalog archived segment")
					return
				}
			}
			t.Source.EvictFlushed(seg.SegmentID)
		}

		if t.Pool == nil {
			archiveOne(seg)
			continue
		}
		wg.Add(1)
		seg := seg
		t.Pool.Submit(func() {
			defer wg.Done()
			archiveOne(seg)
		})
	}
	wg.Wait()
}

// Stop signals Run to exit and blocks until it has.
func (t *Task) Stop() {
	close(t.stop)
	<-t.done
}
