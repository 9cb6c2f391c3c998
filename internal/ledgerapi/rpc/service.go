// Package rpc exposes internal/ledgerapi.Service as a gRPC service,
// the second of the two transports spec.md §6 calls for alongside the
// in-process Go library. Request/response types are hand-written Go
// structs (messages.go) carried over a JSON encoding.Codec (codec.go)
// rather than protoc-generated `.pb.go` stubs — protoc is not invoked
// anywhere in this exercise, so the wire format this package actually
// produces is JSON-over-HTTP/2, not protobuf. Method dispatch is
// wired through a hand-registered grpc.ServiceDesc, the same shape
// protoc-gen-go-grpc would emit, following the teacher's
// pkg/api/server.go Server-wraps-the-domain-type-then-registers-a-
// ServiceDesc structure.
package rpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/cuemby/scribe/internal/ledgerapi"
	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribeerr"
	"github.com/cuemby/scribe/internal/scribelog"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// LedgerServer is the gRPC-facing interface this package's
// ServiceDesc dispatches against, implemented by *Server.
type LedgerServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	PutBatch(context.Context, *PutBatchRequest) (*PutBatchResponse, error)
	MerkleRoot(context.Context, *MerkleRootRequest) (*MerkleRootResponse, error)
	Proof(context.Context, *ProofRequest) (*ProofResponse, error)
	ClusterInfo(context.Context, *ClusterInfoRequest) (*ClusterInfoResponse, error)
	ManifestInfo(context.Context, *ManifestInfoRequest) (*ManifestInfoResponse, error)
}

// Server adapts a *ledgerapi.Service to the LedgerServer gRPC surface.
type Server struct {
	svc  *ledgerapi.Service
	grpc *grpc.Server
}

// NewServer wraps svc for gRPC serving. Unlike the teacher's
// pkg/api.NewServer, no mTLS cert loading happens here: spec.md names
// no certificate authority for this surface (see DESIGN.md's note on
// why pkg/security was not carried over).
func NewServer(svc *ledgerapi.Service) *Server {
	s := &Server{svc: svc, grpc: grpc.NewServer()}
	s.grpc.RegisterService(&Ledger_ServiceDesc, s)
	return s
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return scribeerr.NewNetworkFailure("rpc listen", err)
	}
	scribelog.WithComponent("ledgerapi-rpc").Info().Str("addr", addr).Msg("gRPC ledger API listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	if err := s.svc.Put(ledgertypes.Key(req.Key), ledgertypes.Value(req.Value)); err != nil {
		return nil, toStatus(err)
	}
	return &PutResponse{}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if err := s.svc.Delete(ledgertypes.Key(req.Key)); err != nil {
		return nil, toStatus(err)
	}
	return &DeleteResponse{}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	consistency := ledgerapi.Stale
	if req.Consistency == ConsistencyLinearizable {
		consistency = ledgerapi.Linearizable
	}
	v, found, err := s.svc.Get(ledgertypes.Key(req.Key), consistency)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Value: v, Found: found}, nil
}

func (s *Server) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResponse, error) {
	items := make([]ledgerapi.BatchItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = ledgerapi.BatchItem{Key: ledgertypes.Key(it.Key), Value: ledgertypes.Value(it.Value), Delete: it.Delete}
	}
	results := s.svc.PutBatch(items)

	resp := &PutBatchResponse{Results: make([]ItemResult, len(results))}
	for i, r := range results {
		ir := ItemResult{Key: r.Key}
		if r.Error != nil {
			ir.Error = r.Error.Error()
		}
		resp.Results[i] = ir
	}
	return resp, nil
}

func (s *Server) MerkleRoot(ctx context.Context, req *MerkleRootRequest) (*MerkleRootResponse, error) {
	return &MerkleRootResponse{Root: s.svc.MerkleRoot()}, nil
}

func (s *Server) Proof(ctx context.Context, req *ProofRequest) (*ProofResponse, error) {
	proof, ok := s.svc.Proof(ledgertypes.Key(req.Key))
	if !ok {
		return &ProofResponse{Found: false}, nil
	}
	return &ProofResponse{
		Found:      true,
		Key:        proof.Key,
		Value:      proof.Value,
		Siblings:   proof.Siblings,
		Directions: proof.Directions,
	}, nil
}

func (s *Server) ClusterInfo(ctx context.Context, req *ClusterInfoRequest) (*ClusterInfoResponse, error) {
	info := s.svc.ClusterInfo()
	resp := &ClusterInfoResponse{
		Role:        info.Role,
		Term:        uint64(info.Term),
		CommitIndex: info.CommitIndex,
		Peers:       info.Peers,
	}
	if info.LeaderID != nil {
		resp.HasLeader = true
		resp.LeaderID = uint64(*info.LeaderID)
	}
	return resp, nil
}

func (s *Server) ManifestInfo(ctx context.Context, req *ManifestInfoRequest) (*ManifestInfoResponse, error) {
	m := s.svc.ManifestInfo()
	resp := &ManifestInfoResponse{
		Version:       m.Version,
		CreatedAtSecs: m.CreatedAtSecs,
		Entries:       make([]ManifestEntry, len(m.Entries)),
	}
	for i, e := range m.Entries {
		resp.Entries[i] = ManifestEntry{
			SegmentID:     e.SegmentID,
			TimestampSecs: e.TimestampSecs,
			MerkleRoot:    e.MerkleRoot,
			SizeBytes:     e.SizeBytes,
		}
	}
	return resp, nil
}

// toStatus maps this domain's typed errors to gRPC status codes, the
// generalization of the teacher's fmt.Errorf-wrapping in
// pkg/api/server.go to this module's richer scribeerr.Kind taxonomy.
func toStatus(err error) error {
	switch {
	case scribeerr.Is(err, scribeerr.KindNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case scribeerr.Is(err, scribeerr.KindTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case scribeerr.Is(err, scribeerr.KindNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func _Ledger_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Delete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_PutBatch_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutBatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).PutBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/PutBatch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).PutBatch(ctx, req.(*PutBatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_MerkleRoot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MerkleRootRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).MerkleRoot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/MerkleRoot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).MerkleRoot(ctx, req.(*MerkleRootRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Proof_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProofRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Proof(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/Proof"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Proof(ctx, req.(*ProofRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_ClusterInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ClusterInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).ClusterInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/ClusterInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).ClusterInfo(ctx, req.(*ClusterInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_ManifestInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ManifestInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).ManifestInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpc.Ledger/ManifestInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).ManifestInfo(ctx, req.(*ManifestInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Ledger_ServiceDesc is the grpc.ServiceDesc that protoc-gen-go-grpc
// would normally emit from a .proto file, hand-registered instead
// since protoc is not run in this exercise (see package doc comment).
var Ledger_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "rpc.Ledger",
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: _Ledger_Put_Handler},
		{MethodName: "Delete", Handler: _Ledger_Delete_Handler},
		{MethodName: "Get", Handler: _Ledger_Get_Handler},
		{MethodName: "PutBatch", Handler: _Ledger_PutBatch_Handler},
		{MethodName: "MerkleRoot", Handler: _Ledger_MerkleRoot_Handler},
		{MethodName: "Proof", Handler: _Ledger_Proof_Handler},
		{MethodName: "ClusterInfo", Handler: _Ledger_ClusterInfo_Handler},
		{MethodName: "ManifestInfo", Handler: _Ledger_ManifestInfo_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/ledgerapi/rpc/service.go",
}
