package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/scribe/internal/scribeerr"
)

const defaultRPCTimeout = 10 * time.Second

// Transport is the gob-over-TCP RPC client/server shared by every
// replica. Outbound connections are pooled per target and redialed on
// failure; inbound connections are dispatched to handler.
type Transport struct {
	mu          sync.Mutex
	conns       map[string]net.Conn
	dialTimeout time.Duration
	rpcTimeout  time.Duration
	maxRetries  int

	listener net.Listener
	handler  func(envelope) envelope
}

// NewTransport constructs a Transport. Call Listen to begin serving
// inbound RPCs once handler is ready.
func NewTransport(maxRetries int) *Transport {
	return &Transport{
		conns:       make(map[string]net.Conn),
		dialTimeout: defaultRPCTimeout,
		rpcTimeout:  defaultRPCTimeout,
		maxRetries:  maxRetries,
	}
}

// Listen starts accepting inbound connections on addr, dispatching
// each decoded envelope to handler and writing back its response.
func (t *Transport) Listen(addr string, handler func(envelope) envelope) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return scribeerr.NewNetworkFailure("listening on "+addr, err)
	}
	t.listener = ln
	t.handler = handler

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go t.serveConn(conn)
		}
	}()
	return nil
}

// Close stops accepting inbound connections and drops pooled outbound
// connections.
func (t *Transport) Close() error {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[string]net.Conn)
	return nil
}

func (t *Transport) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := readEnvelope(conn)
		if err != nil {
			return
		}
		resp := t.handler(req)
		if err := writeEnvelope(conn, resp); err != nil {
			return
		}
	}
}

func writeEnvelope(w io.Writer, e envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return scribeerr.NewSerializationError("encoding "+e.describe(), err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return scribeerr.NewNetworkFailure("writing message length", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return scribeerr.NewNetworkFailure("writing message body", err)
	}
	return nil
}

func readEnvelope(r io.Reader) (envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return envelope{}, scribeerr.NewNetworkFailure("reading message length", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, scribeerr.NewNetworkFailure("reading message body", err)
	}
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&e); err != nil {
		return envelope{}, scribeerr.NewSerializationError("decoding message", err)
	}
	return e, nil
}

func (t *Transport) getConn(addr string) (net.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, scribeerr.NewNetworkFailure("dialing "+addr, err)
	}
	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *Transport) dropConn(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok {
		c.Close()
		delete(t.conns, addr)
	}
}

// call sends req to addr and returns its response, retrying transient
// failures with exponential backoff (100ms * 2^attempt), matching the
// archival engine's retry shape.
func (t *Transport) call(addr string, req envelope) (envelope, error) {
	var lastErr error
	attempts := t.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond * time.Duration(1<<uint(attempt-1)))
		}

		conn, err := t.getConn(addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn.SetDeadline(time.Now().Add(t.rpcTimeout))

		if err := writeEnvelope(conn, req); err != nil {
			t.dropConn(addr)
			lastErr = err
			continue
		}
		resp, err := readEnvelope(conn)
		if err != nil {
			t.dropConn(addr)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return envelope{}, scribeerr.NewNetworkFailure(fmt.Sprintf("calling %s", addr), lastErr)
}

func (t *Transport) sendAppendEntries(addr string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	resp, err := t.call(addr, envelope{Kind: kindAppendEntriesReq, AppendReq: &req})
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	if resp.AppendResp == nil {
		return AppendEntriesResponse{}, scribeerr.NewNetworkFailure("append_entries", fmt.Errorf("missing response payload"))
	}
	return *resp.AppendResp, nil
}

func (t *Transport) sendVoteRequest(addr string, req VoteRequest) (VoteResponse, error) {
	resp, err := t.call(addr, envelope{Kind: kindVoteReq, VoteReq: &req})
	if err != nil {
		return VoteResponse{}, err
	}
	if resp.VoteResp == nil {
		return VoteResponse{}, scribeerr.NewNetworkFailure("vote", fmt.Errorf("missing response payload"))
	}
	return *resp.VoteResp, nil
}

func (t *Transport) sendInstallSnapshot(addr string, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	resp, err := t.call(addr, envelope{Kind: kindInstallSnapshotReq, SnapReq: &req})
	if err != nil {
		return InstallSnapshotResponse{}, err
	}
	if resp.SnapResp == nil {
		return InstallSnapshotResponse{}, scribeerr.NewNetworkFailure("install_snapshot", fmt.Errorf("missing response payload"))
	}
	return *resp.SnapResp, nil
}
