// Package config holds the ledger's node and cluster configuration.
// The teacher has no dedicated config-file parser; like it, this module
// populates a plain struct from cobra flags and validates it once at
// load time. The only file it parses is the optional YAML seed file
// (LoadSeedFile).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribeerr"
)

// Config is the full set of knobs a node needs to start: its own
// identity, the addresses it listens on, discovery parameters, and the
// consensus timeouts.
type Config struct {
	NodeID ledgertypes.NodeID

	DataDir      string
	RaftAddr     string // consensus wire protocol listener
	ClientAddr   string // distributed request API listener
	DiscoveryAddr string // UDP gossip listener

	BroadcastAddr string
	Seeds         []string
	ClusterSecret string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	DiscoveryHeartbeatInterval time.Duration
	FailureTimeout             time.Duration
	DiscoveryTimeout           time.Duration
	MinPeersForJoin            int

	SnapshotLogsSinceLast  uint64
	MaxInSnapshotLogToKeep uint64

	PendingSegmentSizeThreshold uint64
	ArchivalAgeThresholdSecs    int64
	ArchivalCheckInterval       time.Duration
	CompressionLevel            int
	MaxBlobRetries              int

	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	MaxBatchSize  int
	CacheCapacity int
}

// Default returns a config populated with the defaults named throughout
// spec.md §4 (election/heartbeat timing, storage thresholds, request
// API limits), leaving identity and addresses for the caller to fill in.
func Default() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,

		DiscoveryHeartbeatInterval: time.Second,
		FailureTimeout:             3 * time.Second,
		DiscoveryTimeout:           5 * time.Second,
		MinPeersForJoin:            1,

		SnapshotLogsSinceLast:  1000,
		MaxInSnapshotLogToKeep: 100,

		PendingSegmentSizeThreshold: 10 * 1024 * 1024,
		ArchivalAgeThresholdSecs:    3600,
		ArchivalCheckInterval:       time.Minute,
		CompressionLevel:            6,
		MaxBlobRetries:              3,

		WriteTimeout:  30 * time.Second,
		ReadTimeout:   10 * time.Second,
		MaxBatchSize:  100,
		CacheCapacity: 1000,
	}
}

// Validate enforces the ConfigurationError cases spec.md §7 calls out
// by name: zero node id, heartbeat ≥ election timeout, and the client
// and raft ports colliding.
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return scribeerr.NewConfigurationError("node id must be non-zero")
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return scribeerr.NewConfigurationError("heartbeat interval must be less than the minimum election timeout")
	}
	if c.ElectionTimeoutMin > c.ElectionTimeoutMax {
		return scribeerr.NewConfigurationError("election_timeout_min must not exceed election_timeout_max")
	}
	if c.ClientAddr != "" && c.ClientAddr == c.RaftAddr {
		return scribeerr.NewConfigurationError("client address and raft address must differ")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return scribeerr.NewConfigurationError("compression level must be in [0,9]")
	}
	return nil
}

// SeedFile is the optional on-disk cluster-bootstrap file: a static
// seed address list plus this node's assigned id, for deployments that
// would rather ship a file than pass a long flag list.
type SeedFile struct {
	NodeID        ledgertypes.NodeID `yaml:"node_id"`
	Seeds         []string           `yaml:"seeds"`
	BroadcastAddr string             `yaml:"broadcast_addr"`
	ClusterSecret string             `yaml:"cluster_secret,omitempty"`
}

// LoadSeedFile reads and parses a YAML seed file from path.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, scribeerr.NewConfigurationError("reading seed file: " + err.Error())
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, scribeerr.NewSerializationError("parsing seed file", err)
	}
	return &sf, nil
}

// ApplySeedFile merges a SeedFile's values into c, preferring fields
// already set on c (flags take precedence over the file).
func (c *Config) ApplySeedFile(sf *SeedFile) {
	if c.NodeID == 0 {
		c.NodeID = sf.NodeID
	}
	if len(c.Seeds) == 0 {
		c.Seeds = sf.Seeds
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = sf.BroadcastAddr
	}
	if c.ClusterSecret == "" {
		c.ClusterSecret = sf.ClusterSecret
	}
}
