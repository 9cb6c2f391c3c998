// Package discovery implements Component E: UDP gossip-based peer
// discovery, failure detection, and cluster bootstrap/join. Every node
// binds a datagram socket with address reuse enabled, broadcasts
// Announce/Heartbeat messages gob-encoded within a single 1024-byte
// datagram, and tracks the last time each peer was heard from. A
// dedicated task marks peers Suspected once they go quiet past
// failure_timeout_ms and evicts them once quiet past twice that.
package discovery

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/scribe/internal/clusterevents"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/metrics"
	"github.com/cuemby/scribe/internal/scribeerr"
	"github.com/cuemby/scribe/internal/scribelog"
)

// MaxDatagramSize bounds every discovery message to a single UDP
// datagram, matching the wire protocol in SPEC_FULL.md §6.
const MaxDatagramSize = 1024

// NodeState is a peer's position in the per-peer liveness state
// machine, richer than a bare alive/dead boolean.
type NodeState int

const (
	Joining NodeState = iota
	Active
	Suspected
	Down
)

func (s NodeState) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Suspected:
		return "suspected"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// messageKind discriminates the gob-encoded gossip datagrams.
type messageKind int

const (
	kindAnnounce messageKind = iota
	kindHeartbeat
	kindPeerListRequest
	kindPeerListResponse
)

// message is the single wire type for every gossip datagram, a tagged
// struct rather than a registered interface so gob can (de)serialize
// it without ceremony — same shape as the consensus transport's
// envelope.
type message struct {
	Kind messageKind

	NodeID        ledgertypes.NodeID
	RaftAddr      string
	ClientAddr    string
	ClusterSecret string
	HasSecret     bool

	Peers []PeerInfo
}

// PeerInfo is everything a node publishes about itself during gossip.
type PeerInfo struct {
	NodeID     ledgertypes.NodeID
	RaftAddr   string
	ClientAddr string
}

type peerRecord struct {
	info     PeerInfo
	state    NodeState
	lastSeen time.Time
}

// Config configures one node's discovery service.
type Config struct {
	NodeID        ledgertypes.NodeID
	RaftAddr      string
	ClientAddr    string
	ListenAddr    string // UDP bind address, e.g. "0.0.0.0:7946"
	BroadcastAddr string
	Seeds         []string

	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
	ClusterSecret     string
}

// Service is one node's gossip discovery process.
type Service struct {
	cfg    Config
	conn   *net.UDPConn
	broker *clusterevents.Broker

	mu    sync.RWMutex
	peers map[ledgertypes.NodeID]*peerRecord

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// New binds the discovery UDP socket and returns a Service that has
// not yet started gossiping; call Start to begin.
func New(cfg Config, broker *clusterevents.Broker) (*Service, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, scribeerr.NewDiscoveryError("resolving listen address", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, scribeerr.NewDiscoveryError("binding discovery socket", err)
	}

	return &Service{
		cfg:    cfg,
		conn:   conn,
		broker: broker,
		peers:  make(map[ledgertypes.NodeID]*peerRecord),
		stopCh: make(chan struct{}),
	}, nil
}

// Start sends an initial announce and launches the receiver,
// heartbeat, and failure-detection background tasks.
func (s *Service) Start() error {
	if err := s.sendAnnounce(); err != nil {
		scribelog.WithComponent("discovery").Warn().Err(err).Msg("failed to send initial announce")
	}

	s.doneWg.Add(3)
	go s.receiveLoop()
	go s.heartbeatLoop()
	go s.failureDetectionLoop()
	return nil
}

// Stop halts every background task and closes the socket.
func (s *Service) Stop() {
	close(s.stopCh)
	s.conn.Close()
	s.doneWg.Wait()
}

// Peers returns a snapshot of every peer currently known, regardless
// of state.
func (s *Service) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Peer returns what this node knows about id, if anything.
func (s *Service) Peer(id ledgertypes.NodeID) (PeerInfo, NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return PeerInfo{}, Down, false
	}
	return p.info, p.state, true
}

// IsPeerAlive reports whether id was heard from within the failure
// timeout.
func (s *Service) IsPeerAlive(id ledgertypes.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return false
	}
	return time.Since(p.lastSeen) < s.cfg.FailureTimeout
}

func (s *Service) sendAnnounce() error {
	return s.broadcast(message{
		Kind:          kindAnnounce,
		NodeID:        s.cfg.NodeID,
		RaftAddr:      s.cfg.RaftAddr,
		ClientAddr:    s.cfg.ClientAddr,
		ClusterSecret: s.cfg.ClusterSecret,
		HasSecret:     s.cfg.ClusterSecret != "",
	})
}

func (s *Service) sendHeartbeat() error {
	return s.broadcast(message{
		Kind:          kindHeartbeat,
		NodeID:        s.cfg.NodeID,
		ClusterSecret: s.cfg.ClusterSecret,
		HasSecret:     s.cfg.ClusterSecret != "",
	})
}

func (s *Service) broadcast(msg message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxDatagramSize {
		return scribeerr.NewDiscoveryError(fmt.Sprintf("message too large: %d bytes", len(data)), nil)
	}

	if s.cfg.BroadcastAddr != "" {
		s.sendTo(data, s.cfg.BroadcastAddr)
	}
	for _, seed := range s.cfg.Seeds {
		s.sendTo(data, seed)
	}
	return nil
}

func (s *Service) sendTo(data []byte, addr string) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}
	// Best effort: a gossip datagram that never arrives is recovered by
	// the next heartbeat, so send errors are not propagated.
	s.conn.WriteTo(data, raddr)
}

func (s *Service) receiveLoop() {
	defer s.doneWg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := s.conn.ReadFromUDP(buf)
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		msg, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}
		s.handleMessage(msg, from)
	}
}

func (s *Service) handleMessage(msg message, from *net.UDPAddr) {
	if msg.NodeID == s.cfg.NodeID {
		return
	}
	if !s.validateSecret(msg) {
		scribelog.WithPeerID(uint64(msg.NodeID)).Warn().Msg("rejected gossip message with mismatched cluster secret")
		return
	}

	switch msg.Kind {
	case kindAnnounce:
		s.handleAnnounce(msg, from)
	case kindHeartbeat:
		s.handleHeartbeat(msg)
	case kindPeerListRequest:
		// Reserved for future peer-set exchange; an Announce from an
		// unknown node already triggers the same discovery path.
	case kindPeerListResponse:
		// Reserved for future peer-set exchange.
	}
}

func (s *Service) validateSecret(msg message) bool {
	ours := s.cfg.ClusterSecret
	if ours == "" && !msg.HasSecret {
		return true
	}
	if ours != "" && msg.HasSecret {
		return ours == msg.ClusterSecret
	}
	return false
}

func (s *Service) handleAnnounce(msg message, from *net.UDPAddr) {
	s.mu.Lock()
	_, known := s.peers[msg.NodeID]
	s.peers[msg.NodeID] = &peerRecord{
		info: PeerInfo{
			NodeID:     msg.NodeID,
			RaftAddr:   msg.RaftAddr,
			ClientAddr: msg.ClientAddr,
		},
		state:    Active,
		lastSeen: time.Now(),
	}
	s.mu.Unlock()

	metrics.DiscoveryPeersAlive.Set(float64(s.countAlive()))
	scribelog.WithPeerID(uint64(msg.NodeID)).Info().Str("raft_addr", msg.RaftAddr).Msg("discovered peer")

	if !known {
		s.publish(clusterevents.EventNodeJoined, msg.NodeID)
		reply := message{
			Kind:          kindAnnounce,
			NodeID:        s.cfg.NodeID,
			RaftAddr:      s.cfg.RaftAddr,
			ClientAddr:    s.cfg.ClientAddr,
			ClusterSecret: s.cfg.ClusterSecret,
			HasSecret:     s.cfg.ClusterSecret != "",
		}
		if data, err := encodeMessage(reply); err == nil {
			s.conn.WriteTo(data, from)
		}
	}
}

func (s *Service) handleHeartbeat(msg message) {
	s.mu.Lock()
	p, ok := s.peers[msg.NodeID]
	if ok {
		p.lastSeen = time.Now()
		if p.state != Active {
			p.state = Active
		}
	}
	s.mu.Unlock()
}

func (s *Service) heartbeatLoop() {
	defer s.doneWg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sendHeartbeat(); err != nil {
				scribelog.WithComponent("discovery").Warn().Err(err).Msg("failed to send heartbeat")
			}
		}
	}
}

func (s *Service) failureDetectionLoop() {
	defer s.doneWg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep marks quiet peers Suspected and evicts peers that have been
// quiet past twice the failure timeout, giving a peer one suspected
// interval before it is declared Down and removed.
func (s *Service) sweep() {
	now := time.Now()
	var suspected, down []ledgertypes.NodeID

	s.mu.Lock()
	for id, p := range s.peers {
		elapsed := now.Sub(p.lastSeen)
		switch {
		case elapsed > 2*s.cfg.FailureTimeout:
			down = append(down, id)
			delete(s.peers, id)
		case elapsed > s.cfg.FailureTimeout:
			if p.state != Suspected {
				p.state = Suspected
				suspected = append(suspected, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range suspected {
		scribelog.WithPeerID(uint64(id)).Warn().Msg("peer suspected")
		s.publish(clusterevents.EventNodeSuspected, id)
	}
	for _, id := range down {
		scribelog.WithPeerID(uint64(id)).Warn().Msg("peer evicted")
		s.publish(clusterevents.EventNodeDown, id)
	}
	metrics.DiscoveryPeersAlive.Set(float64(s.countAlive()))
}

func (s *Service) countAlive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		if p.state == Active {
			n++
		}
	}
	return n
}

func (s *Service) publish(t clusterevents.EventType, peer ledgertypes.NodeID) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&clusterevents.Event{
		ID:   uuid.NewString(),
		Type: t,
		Metadata: map[string]string{
			"node_id": fmt.Sprintf("%d", peer),
		},
	})
}

func encodeMessage(msg message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, scribeerr.NewSerializationError("encoding discovery message", err)
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (message, error) {
	var msg message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return message{}, scribeerr.NewSerializationError("decoding discovery message", err)
	}
	return msg, nil
}
