/*
Package clusterevents provides an in-memory event broker for the ledger's
pub/sub messaging.

It implements a lightweight, topic-agnostic event bus: every event is
broadcast to every subscriber, with non-blocking publish and per-subscriber
buffering so a slow subscriber cannot stall the consensus replica or the
archival loop that published the event.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publisher → Event Channel (buffer: 100)                 │
	│       ↓                                                    │
	│  Broadcast Loop                                            │
	│       ↓                                                    │
	│  Subscriber Channels (buffer: 50 each)                    │
	└────────────────────────────────────────────────────────────┘

# Event Types

  - node.joined / node.left / node.suspected / node.down: gossip
    discovery state transitions for a cluster peer.
  - leader.changed: the consensus replica observed a new leader, or
    lost its own leadership.
  - segment.flushed: the pending write buffer was flushed to the local
    segment store.
  - segment.archived: a segment was compressed and uploaded to the blob
    store.
  - manifest.updated: a committed manifest update was applied to the
    replicated state machine.

# Usage

	broker := clusterevents.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case clusterevents.EventLeaderChanged:
				handleLeaderChanged(event)
			case clusterevents.EventSegmentArchived:
				handleSegmentArchived(event)
			}
		}
	}()

	broker.Publish(&clusterevents.Event{
		Type:    clusterevents.EventSegmentArchived,
		Message: "segment 42 archived",
		Metadata: map[string]string{
			"segment_id": "42",
			"bytes":      "8192",
		},
	})

# Integration Points

  - internal/consensus: publishes leader.changed on role transitions,
    and manifest.updated each time it applies a committed manifest
    update.
  - internal/discovery: publishes node.joined/suspected/down on peer
    state transitions.
  - node.left, segment.flushed and segment.archived are defined but no
    package in this module publishes them.

# Limitations

This is fire-and-forget, in-memory, and best effort: there is no
persistence, no replay, and a subscriber with a full buffer silently
misses events rather than blocking the publisher. Callers that need a
durable audit trail should consume events and write them elsewhere;
the broker itself keeps no history.
*/
package clusterevents
