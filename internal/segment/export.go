package segment

import (
	"bytes"
	"time"

	"github.com/cuemby/scribe/internal/ledgertypes"
)

// Snapshotter is the subset of internal/statemachine.StateMachine this
// package needs: a full point-in-time copy of the applied key-value
// state, per spec.md §4's flush-path note that "B periodically ...
// exports {k,v} pairs into D's pending segment".
type Snapshotter interface {
	GetAll() map[string]ledgertypes.Value
}

// Exporter periodically diffs the state machine's current snapshot
// against what it last exported and writes the changed pairs into a
// Buffer's pending segment, driving the write → pending-segment half
// of the flush path named in spec.md §4 without coupling the state
// machine itself to segment bookkeeping.
type Exporter struct {
	sm    Snapshotter
	dest  *Buffer
	now   func() int64
	last  map[string]ledgertypes.Value
	stop  chan struct{}
	done  chan struct{}
}

// NewExporter builds an Exporter that writes into dest.
func NewExporter(sm Snapshotter, dest *Buffer, now func() int64) *Exporter {
	return &Exporter{
		sm:   sm,
		dest: dest,
		now:  now,
		last: make(map[string]ledgertypes.Value),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run blocks, exporting on every tick until Stop is called.
func (e *Exporter) Run(interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.exportOnce()
		}
	}
}

// Stop cancels Run and waits for it to return.
func (e *Exporter) Stop() {
	close(e.stop)
	<-e.done
}

// exportOnce diffs the current snapshot against the last exported one
// and writes every new or changed key into the pending segment.
func (e *Exporter) exportOnce() {
	current := e.sm.GetAll()
	now := e.now()
	for k, v := range current {
		prev, ok := e.last[k]
		if ok && bytes.Equal(prev, v) {
			continue
		}
		e.dest.Put(ledgertypes.Key(k), v, now)
	}
	e.last = current
}
