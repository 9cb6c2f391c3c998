/*
Package scribelog provides structured logging for the ledger using zerolog.

It wraps zerolog to give every component of the ledger JSON-structured
logging with component-specific child loggers, configurable severity
levels, and helper functions for the context fields that show up
everywhere in a distributed system: node id, peer id, term, segment id.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                     │          │
	│  │  - zerolog.Logger instance                   │          │
	│  │  - initialized via scribelog.Init()          │          │
	│  │  - safe for concurrent use                   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│       ┌─────────────┼─────────────┬─────────────┐        │
	│       ▼             ▼             ▼             ▼        │
	│  WithComponent  WithNodeID    WithPeerID    WithTerm       │
	│  WithSegmentID                                             │
	└────────────────────────────────────────────────────────────┘

# Usage

Initialize once at process startup, before any other component logs:

	scribelog.Init(scribelog.Config{
		Level:      scribelog.InfoLevel,
		JSONOutput: true,
	})

Tag a child logger with the fields relevant to the call site:

	nodeLog := scribelog.WithNodeID(uint64(cfg.NodeID))
	nodeLog.Info().Msg("replica started")

	consensusLog := scribelog.WithComponent("consensus").With().
		Uint64("term", uint64(node.Metrics().Term)).Logger()
	consensusLog.Warn().Msg("election timeout elapsed, starting new election")

Chain additional `.With()` calls on the returned logger rather than adding
a new helper function for every field combination; the helpers here exist
only for fields that appear across most components (node id, peer id,
term, segment id), not for one-off fields a single caller needs.

# Log Levels

  - Debug: per-entry consensus and storage detail (AppendEntries accepted,
    cache hit/miss, segment buffered); too noisy for production default.
  - Info: lifecycle events (replica became leader, segment archived,
    peer joined the cluster, manifest merged).
  - Warn: recoverable anomalies (election timeout, heartbeat stale,
    manifest version conflict resolved).
  - Error: operations that failed and were surfaced to a caller
    (storage write failed, archive upload failed, RPC timed out).

# Integration Points

  - internal/consensus: logs vote-persistence failures via WithNodeID,
    becoming leader via WithTerm, and snapshot compaction via
    WithComponent("consensus").
  - internal/logstore: does not log; it returns errors to its callers.
  - internal/discovery: logs peer state transitions via WithPeerID.
  - internal/archival: logs archive completion and archive failures via
    WithSegmentID.
  - cmd/scribe: calls Init once through cobra.OnInitialize, based on
    the --log-level and --log-json flags.

Never log key or value bytes directly; they are opaque data under the
data model and are not guaranteed to be valid UTF-8 or safe for a log
aggregator.
*/
package scribelog
